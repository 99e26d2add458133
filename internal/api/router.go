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

// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/vantage/internal/audit"
	"github.com/tombee/vantage/internal/engine"
	"github.com/tombee/vantage/internal/log"
	vantageerrors "github.com/tombee/vantage/pkg/errors"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Config configures a Router.
type Config struct {
	Engine *engine.Engine
	Logger *slog.Logger

	// MetricsPath serves the Prometheus exposition; empty disables it.
	MetricsPath string

	// Version is reported by the health endpoint.
	Version string

	// Audit records control-plane changes when set.
	Audit          *audit.Logger
	TrustedProxies []string
}

// Router routes HTTP requests to the engine.
type Router struct {
	engine  *engine.Engine
	mux     *http.ServeMux
	logger  *slog.Logger
	version string
	started time.Time
	handler http.Handler
}

// NewRouter creates a router with every route registered.
func NewRouter(cfg Config) *Router {
	if cfg.Engine == nil {
		panic("api: nil engine")
	}
	r := &Router{
		engine:  cfg.Engine,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent(log.OrDefault(cfg.Logger), "api"),
		version: cfg.Version,
		started: time.Now(),
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	if cfg.MetricsPath != "" {
		r.mux.Handle("GET "+cfg.MetricsPath, cfg.Engine.MetricsHandler())
	}
	r.registerTraces()
	r.registerBudgets()
	r.registerAlerts()
	r.registerExperiments()

	var h http.Handler = r.mux
	if cfg.Audit != nil {
		h = audit.Middleware(cfg.Audit, cfg.TrustedProxies, r.logger)(h)
	}
	r.handler = log.HTTPMiddleware(r.logger)(h)
	return r
}

// Handler returns the router wrapped in request logging and, when
// configured, audit logging.
func (r *Router) Handler() http.Handler {
	return r.handler
}

type errorResponse struct {
	Error      string `json:"error"`
	Field      string `json:"field,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeErr maps typed errors onto status codes.
func (r *Router) writeErr(w http.ResponseWriter, err error) {
	var ve *vantageerrors.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field, Suggestion: ve.Suggestion})
	case vantageerrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case vantageerrors.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		r.logger.Error("request failed", log.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody strictly decodes a JSON body into v. An empty body leaves v
// untouched when optional is set.
func decodeBody(w http.ResponseWriter, req *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &vantageerrors.ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("invalid request body: %v", err),
		}
	}
	return nil
}

// queryLimit parses the "limit" query parameter. Zero means unset.
func queryLimit(req *http.Request) (int, error) {
	s := req.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &vantageerrors.ValidationError{
			Field:   "limit",
			Message: "must be a non-negative integer",
		}
	}
	return n, nil
}
