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

	"github.com/tombee/vantage/internal/budget"
)

func (r *Router) registerBudgets() {
	r.mux.HandleFunc("GET /v1/budgets", r.handleListBudgets)
	r.mux.HandleFunc("GET /v1/budgets/latency/{id}", r.handleGetLatencyBudget)
	r.mux.HandleFunc("PUT /v1/budgets/latency/{id}", r.handlePutLatencyBudget)
	r.mux.HandleFunc("DELETE /v1/budgets/latency/{id}", r.handleDeleteLatencyBudget)
	r.mux.HandleFunc("GET /v1/budgets/error/{id}", r.handleGetErrorBudget)
	r.mux.HandleFunc("PUT /v1/budgets/error/{id}", r.handlePutErrorBudget)
	r.mux.HandleFunc("DELETE /v1/budgets/error/{id}", r.handleDeleteErrorBudget)
	r.mux.HandleFunc("GET /v1/budgets/windows/{entityId}", r.handleWindow)
}

// BudgetsResponse lists every budget with its measured state.
type BudgetsResponse struct {
	Latency []budget.LatencyBudget `json:"latency"`
	Error   []budget.ErrorBudget   `json:"error"`
}

func (r *Router) handleListBudgets(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, BudgetsResponse{
		Latency: r.engine.Budgets().LatencyBudgets(),
		Error:   r.engine.Budgets().ErrorBudgets(),
	})
}

func (r *Router) handleGetLatencyBudget(w http.ResponseWriter, req *http.Request) {
	b, ok := r.engine.Budgets().LatencyBudget(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "latency budget not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handlePutLatencyBudget upserts the budget named by the path; the body's
// id, if any, is ignored.
func (r *Router) handlePutLatencyBudget(w http.ResponseWriter, req *http.Request) {
	var b budget.LatencyBudget
	if err := decodeBody(w, req, &b, false); err != nil {
		r.writeErr(w, err)
		return
	}
	b.ID = req.PathValue("id")
	out, err := r.engine.SetLatencyBudget(req.Context(), b)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleDeleteLatencyBudget(w http.ResponseWriter, req *http.Request) {
	if !r.engine.Budgets().DeleteLatencyBudget(req.Context(), req.PathValue("id")) {
		writeError(w, http.StatusNotFound, "latency budget not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleGetErrorBudget(w http.ResponseWriter, req *http.Request) {
	b, ok := r.engine.Budgets().ErrorBudget(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "error budget not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (r *Router) handlePutErrorBudget(w http.ResponseWriter, req *http.Request) {
	var b budget.ErrorBudget
	if err := decodeBody(w, req, &b, false); err != nil {
		r.writeErr(w, err)
		return
	}
	b.ID = req.PathValue("id")
	out, err := r.engine.SetErrorBudget(req.Context(), b)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleDeleteErrorBudget(w http.ResponseWriter, req *http.Request) {
	if !r.engine.Budgets().DeleteErrorBudget(req.Context(), req.PathValue("id")) {
		writeError(w, http.StatusNotFound, "error budget not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WindowResponse reports an entity's sliding-window percentiles. Window is
// null until enough samples have been observed.
type WindowResponse struct {
	EntityID string              `json:"entityId"`
	Window   *budget.WindowStats `json:"window"`
}

func (r *Router) handleWindow(w http.ResponseWriter, req *http.Request) {
	entityID := req.PathValue("entityId")
	writeJSON(w, http.StatusOK, WindowResponse{
		EntityID: entityID,
		Window:   r.engine.Budgets().Percentiles(entityID),
	})
}
