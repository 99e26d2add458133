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
	"runtime"
	"strconv"
	"time"
)

// HealthResponse is the response format for /v1/health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime,omitempty"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// handleHealth handles GET /v1/health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	d := r.engine.Dispatcher()
	checks := map[string]string{
		"api":           "ok",
		"runtime":       runtime.Version(),
		"active_traces": strconv.Itoa(r.engine.Recorder().ActiveCount()),
		"webhook_queue": strconv.Itoa(d.Pending()),
		"dead_letters":  strconv.Itoa(len(d.DeadLetters(0))),
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(r.started).Round(time.Second).String(),
		Version:   r.version,
		Checks:    checks,
	})
}
