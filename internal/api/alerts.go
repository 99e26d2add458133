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
	"time"

	"github.com/tombee/vantage/internal/alert"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

func (r *Router) registerAlerts() {
	r.mux.HandleFunc("GET /v1/alerts/rules", r.handleListRules)
	r.mux.HandleFunc("GET /v1/alerts/rules/{id}", r.handleGetRule)
	r.mux.HandleFunc("PUT /v1/alerts/rules/{id}", r.handlePutRule)
	r.mux.HandleFunc("DELETE /v1/alerts/rules/{id}", r.handleDeleteRule)
	r.mux.HandleFunc("POST /v1/alerts/rules/{id}/silence", r.handleSilenceRule)
	r.mux.HandleFunc("POST /v1/alerts/rules/{id}/resolve", r.handleResolveRule)
	r.mux.HandleFunc("GET /v1/alerts/events", r.handleListEvents)
	r.mux.HandleFunc("GET /v1/alerts/dead-letters", r.handleDeadLetters)
}

func (r *Router) handleListRules(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.engine.Alerts().Rules())
}

func (r *Router) handleGetRule(w http.ResponseWriter, req *http.Request) {
	rule, ok := r.engine.Alerts().Rule(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "alert rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (r *Router) handlePutRule(w http.ResponseWriter, req *http.Request) {
	var rule alert.Rule
	if err := decodeBody(w, req, &rule, false); err != nil {
		r.writeErr(w, err)
		return
	}
	rule.ID = req.PathValue("id")
	if err := r.engine.SetAlertRule(rule); err != nil {
		r.writeErr(w, err)
		return
	}
	out, _ := r.engine.Alerts().Rule(rule.ID)
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleDeleteRule(w http.ResponseWriter, req *http.Request) {
	if !r.engine.Alerts().DeleteRule(req.PathValue("id")) {
		writeError(w, http.StatusNotFound, "alert rule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SilenceRequest mutes a rule until the given time. A zero Until lifts the
// silence.
type SilenceRequest struct {
	Until time.Time `json:"until"`
}

func (r *Router) handleSilenceRule(w http.ResponseWriter, req *http.Request) {
	var body SilenceRequest
	if err := decodeBody(w, req, &body, false); err != nil {
		r.writeErr(w, err)
		return
	}
	id := req.PathValue("id")
	if !r.engine.Alerts().Silence(id, body.Until) {
		r.writeErr(w, &vantageerrors.NotFoundError{Resource: "rule", ID: id})
		return
	}
	rule, _ := r.engine.Alerts().Rule(id)
	writeJSON(w, http.StatusOK, rule)
}

func (r *Router) handleResolveRule(w http.ResponseWriter, req *http.Request) {
	n := r.engine.Alerts().Resolve(req.Context(), req.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]int{"resolved": n})
}

// handleListEvents handles GET /v1/alerts/events, newest first.
func (r *Router) handleListEvents(w http.ResponseWriter, req *http.Request) {
	limit, err := queryLimit(req)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	events := r.engine.Alerts().Events(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (r *Router) handleDeadLetters(w http.ResponseWriter, req *http.Request) {
	limit, err := queryLimit(req)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.engine.Dispatcher().DeadLetters(limit))
}
