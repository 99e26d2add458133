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
	"context"
	"net/http"

	"github.com/tombee/vantage/internal/experiment"
	"github.com/tombee/vantage/internal/validation"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

func (r *Router) registerExperiments() {
	r.mux.HandleFunc("POST /v1/experiments", r.handleCreateExperiment)
	r.mux.HandleFunc("GET /v1/experiments", r.handleListExperiments)
	r.mux.HandleFunc("POST /v1/experiments/apply", r.handleApplyVariant)
	r.mux.HandleFunc("GET /v1/experiments/{id}", r.handleGetExperiment)
	r.mux.HandleFunc("PATCH /v1/experiments/{id}", r.handlePatchExperiment)
	r.mux.HandleFunc("DELETE /v1/experiments/{id}", r.handleDeleteExperiment)

	r.mux.HandleFunc("POST /v1/experiments/{id}/start", r.transition(r.engine.Experiments().Start))
	r.mux.HandleFunc("POST /v1/experiments/{id}/pause", r.transition(r.engine.Experiments().Pause))
	r.mux.HandleFunc("POST /v1/experiments/{id}/archive", r.transition(r.engine.Experiments().Archive))
	r.mux.HandleFunc("POST /v1/experiments/{id}/complete", r.handleCompleteExperiment)

	r.mux.HandleFunc("POST /v1/experiments/{id}/variants", r.handleAddVariant)
	r.mux.HandleFunc("PATCH /v1/experiments/{id}/variants/{variantId}", r.handlePatchVariant)
	r.mux.HandleFunc("DELETE /v1/experiments/{id}/variants/{variantId}", r.handleRemoveVariant)

	r.mux.HandleFunc("POST /v1/experiments/{id}/assign", r.handleAssign)
	r.mux.HandleFunc("POST /v1/experiments/{id}/exposure", r.handleExposure)
	r.mux.HandleFunc("POST /v1/experiments/{id}/conversion", r.handleConversion)
	r.mux.HandleFunc("POST /v1/experiments/{id}/metrics", r.handleMetric)
	r.mux.HandleFunc("GET /v1/experiments/{id}/analysis", r.handleAnalysis)
	r.mux.HandleFunc("GET /v1/experiments/{id}/stats", r.handleStats)
}

func (r *Router) handleCreateExperiment(w http.ResponseWriter, req *http.Request) {
	var p experiment.CreateParams
	if err := decodeBody(w, req, &p, false); err != nil {
		r.writeErr(w, err)
		return
	}
	exp, err := r.engine.Experiments().Create(req.Context(), p)
	if err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

// handleListExperiments handles GET /v1/experiments with status, skillId
// and workflowId filters.
func (r *Router) handleListExperiments(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	exps := r.engine.Experiments().List(experiment.Filter{
		Status:           experiment.Status(q.Get("status")),
		TargetSkillID:    q.Get("skillId"),
		TargetWorkflowID: q.Get("workflowId"),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"experiments": exps,
		"count":       len(exps),
	})
}

func (r *Router) handleGetExperiment(w http.ResponseWriter, req *http.Request) {
	exp, ok := r.engine.Experiments().Get(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (r *Router) handlePatchExperiment(w http.ResponseWriter, req *http.Request) {
	patch, err := experiment.DecodeExperimentPatch(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		r.writeErr(w, err)
		return
	}
	r.writeExperiment(w)(r.engine.Experiments().Update(req.Context(), req.PathValue("id"), patch))
}

func (r *Router) handleDeleteExperiment(w http.ResponseWriter, req *http.Request) {
	if !r.engine.Experiments().Delete(req.Context(), req.PathValue("id")) {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) transition(fn func(ctx context.Context, id string) (experiment.Experiment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.writeExperiment(w)(fn(req.Context(), req.PathValue("id")))
	}
}

// CompleteRequest optionally names the winning variant.
type CompleteRequest struct {
	WinnerID string `json:"winnerId,omitempty"`
}

func (r *Router) handleCompleteExperiment(w http.ResponseWriter, req *http.Request) {
	var body CompleteRequest
	if err := decodeBody(w, req, &body, true); err != nil {
		r.writeErr(w, err)
		return
	}
	r.writeExperiment(w)(r.engine.Experiments().Complete(req.Context(), req.PathValue("id"), body.WinnerID))
}

func (r *Router) handleAddVariant(w http.ResponseWriter, req *http.Request) {
	var spec experiment.VariantSpec
	if err := decodeBody(w, req, &spec, false); err != nil {
		r.writeErr(w, err)
		return
	}
	r.writeExperiment(w)(r.engine.Experiments().AddVariant(req.Context(), req.PathValue("id"), spec))
}

func (r *Router) handlePatchVariant(w http.ResponseWriter, req *http.Request) {
	patch, err := experiment.DecodeVariantPatch(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		r.writeErr(w, err)
		return
	}
	r.writeExperiment(w)(r.engine.Experiments().UpdateVariant(req.Context(), req.PathValue("id"), req.PathValue("variantId"), patch))
}

func (r *Router) handleRemoveVariant(w http.ResponseWriter, req *http.Request) {
	r.writeExperiment(w)(r.engine.Experiments().RemoveVariant(req.Context(), req.PathValue("id"), req.PathValue("variantId")))
}

// writeExperiment adapts an (Experiment, error) result to a response.
func (r *Router) writeExperiment(w http.ResponseWriter) func(experiment.Experiment, error) {
	return func(exp experiment.Experiment, err error) {
		if err != nil {
			r.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exp)
	}
}

// SubjectRequest identifies the subject of an assignment operation.
type SubjectRequest struct {
	SubjectID    string             `json:"subjectId" validate:"required"`
	SessionID    string             `json:"sessionId,omitempty"`
	MetricValues map[string]float64 `json:"metricValues,omitempty"`
}

func (r *Router) decodeSubject(w http.ResponseWriter, req *http.Request) (SubjectRequest, bool) {
	var body SubjectRequest
	err := decodeBody(w, req, &body, false)
	if err == nil {
		err = validation.Struct(body)
	}
	if err != nil {
		r.writeErr(w, err)
		return body, false
	}
	return body, true
}

func (r *Router) handleAssign(w http.ResponseWriter, req *http.Request) {
	body, ok := r.decodeSubject(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, r.engine.AssignVariant(req.Context(), req.PathValue("id"), body.SubjectID, body.SessionID))
}

// RecordedResponse reports whether an event was attributed to an
// assignment.
type RecordedResponse struct {
	Recorded bool `json:"recorded"`
}

func (r *Router) handleExposure(w http.ResponseWriter, req *http.Request) {
	body, ok := r.decodeSubject(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RecordedResponse{
		Recorded: r.engine.RecordExposure(req.Context(), req.PathValue("id"), body.SubjectID),
	})
}

func (r *Router) handleConversion(w http.ResponseWriter, req *http.Request) {
	body, ok := r.decodeSubject(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, RecordedResponse{
		Recorded: r.engine.RecordConversion(req.Context(), req.PathValue("id"), body.SubjectID, body.MetricValues),
	})
}

// MetricRequest records one metric value without a conversion.
type MetricRequest struct {
	SubjectID string  `json:"subjectId" validate:"required"`
	MetricID  string  `json:"metricId" validate:"required"`
	Value     float64 `json:"value"`
}

func (r *Router) handleMetric(w http.ResponseWriter, req *http.Request) {
	var body MetricRequest
	err := decodeBody(w, req, &body, false)
	if err == nil {
		err = validation.Struct(body)
	}
	if err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordedResponse{
		Recorded: r.engine.Experiments().RecordMetric(req.Context(), req.PathValue("id"), body.SubjectID, body.MetricID, body.Value),
	})
}

func (r *Router) handleAnalysis(w http.ResponseWriter, req *http.Request) {
	res, ok := r.engine.AnalyzeExperiment(req.Context(), req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	s, ok := r.engine.Experiments().Stats(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ApplyRequest describes a unit of work about to run.
type ApplyRequest struct {
	SkillID    string         `json:"skillId,omitempty"`
	WorkflowID string         `json:"workflowId,omitempty"`
	StepID     string         `json:"stepId,omitempty"`
	SubjectID  string         `json:"subjectId" validate:"required"`
	SessionID  string         `json:"sessionId,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// handleApplyVariant handles POST /v1/experiments/apply: it resolves the
// active experiment for the target and returns the configuration to run.
func (r *Router) handleApplyVariant(w http.ResponseWriter, req *http.Request) {
	var body ApplyRequest
	err := decodeBody(w, req, &body, false)
	if err == nil {
		err = validation.Struct(body)
	}
	if err == nil && body.SkillID == "" && body.WorkflowID == "" && body.StepID == "" {
		err = &vantageerrors.ValidationError{
			Field:      "target",
			Message:    "one of skillId, workflowId or stepId is required",
			Suggestion: "name the skill, workflow or step about to run",
		}
	}
	if err != nil {
		r.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.engine.Experiments().ApplyVariant(req.Context(), experiment.ApplyParams{
		Target: experiment.Target{
			SkillID:    body.SkillID,
			WorkflowID: body.WorkflowID,
			StepID:     body.StepID,
		},
		SubjectID: body.SubjectID,
		SessionID: body.SessionID,
		Config:    body.Config,
	}))
}
