// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net/http"

	"github.com/tombee/vantage/internal/tracing"
	"github.com/tombee/vantage/internal/validation"
)

func (r *Router) registerTraces() {
	r.mux.HandleFunc("POST /v1/traces", r.handleStartTrace)
	r.mux.HandleFunc("GET /v1/traces", r.handleListTraces)
	r.mux.HandleFunc("GET /v1/traces/summary", r.handleTraceSummary)
	r.mux.HandleFunc("GET /v1/traces/{id}", r.handleGetTrace)
	r.mux.HandleFunc("PATCH /v1/traces/{id}", r.handleUpdateTrace)
	r.mux.HandleFunc("POST /v1/traces/{id}/complete", r.handleCompleteTrace)
	r.mux.HandleFunc("POST /v1/traces/{id}/fail", r.handleFailTrace)
}

// handleStartTrace handles POST /v1/traces.
func (r *Router) handleStartTrace(w http.ResponseWriter, req *http.Request) {
	var p tracing.StartParams
	if err := decodeBody(w, req, &p, false); err != nil {
		r.writeErr(w, err)
		return
	}
	id, err := r.engine.StartTrace(req.Context(), p)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleListTraces handles GET /v1/traces with type, entityId, status and
// limit filters.
func (r *Router) handleListTraces(w http.ResponseWriter, req *http.Request) {
	limit, err := queryLimit(req)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	q := req.URL.Query()
	traces := r.engine.Recorder().Recent(tracing.Filter{
		Type:     tracing.TraceType(q.Get("type")),
		EntityID: q.Get("entityId"),
		Status:   tracing.Status(q.Get("status")),
		Limit:    limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"traces": traces,
		"count":  len(traces),
	})
}

// handleTraceSummary handles GET /v1/traces/summary. Without an entityId
// it summarizes every retained trace.
func (r *Router) handleTraceSummary(w http.ResponseWriter, req *http.Request) {
	entityID := req.URL.Query().Get("entityId")
	if entityID == "" {
		writeJSON(w, http.StatusOK, r.engine.Recorder().GlobalSummary())
		return
	}
	s, ok := r.engine.Recorder().Summary(entityID)
	if !ok {
		writeError(w, http.StatusNotFound, "no completed traces for entity "+entityID)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (r *Router) handleGetTrace(w http.ResponseWriter, req *http.Request) {
	t, ok := r.engine.Recorder().Get(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (r *Router) handleUpdateTrace(w http.ResponseWriter, req *http.Request) {
	var p tracing.UpdateParams
	if err := decodeBody(w, req, &p, false); err != nil {
		r.writeErr(w, err)
		return
	}
	t, ok := r.engine.UpdateTrace(req.PathValue("id"), p)
	if !ok {
		writeError(w, http.StatusNotFound, "running trace not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (r *Router) handleCompleteTrace(w http.ResponseWriter, req *http.Request) {
	var p tracing.CompleteParams
	if err := decodeBody(w, req, &p, true); err != nil {
		r.writeErr(w, err)
		return
	}
	t, ok := r.engine.CompleteTrace(req.Context(), req.PathValue("id"), p)
	if !ok {
		writeError(w, http.StatusNotFound, "running trace not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (r *Router) handleFailTrace(w http.ResponseWriter, req *http.Request) {
	var info tracing.ErrorInfo
	if err := decodeBody(w, req, &info, false); err != nil {
		r.writeErr(w, err)
		return
	}
	if err := validation.Struct(info); err != nil {
		r.writeErr(w, err)
		return
	}
	t, ok := r.engine.FailTrace(req.Context(), req.PathValue("id"), info)
	if !ok {
		writeError(w, http.StatusNotFound, "running trace not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
