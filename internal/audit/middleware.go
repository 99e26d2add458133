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

package audit

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
)

// Middleware creates an HTTP middleware that logs control-plane changes.
// X-Forwarded-For and X-Real-IP are honoured only when the direct peer is
// listed in trustedProxies. Write failures go to errLog and never affect
// the response.
func Middleware(logger *Logger, trustedProxies []string, errLog *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action := determineAction(r.Method, r.URL.Path)
			if action == "" {
				next.ServeHTTP(w, r)
				return
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			entry := Entry{
				Action:    action,
				Method:    r.Method,
				Resource:  r.URL.Path,
				Status:    wrapped.statusCode,
				Result:    determineResult(wrapped.statusCode),
				IPAddress: extractIPAddress(r, trustedProxies),
				UserAgent: r.UserAgent(),
			}
			if err := logger.Log(entry); err != nil && errLog != nil {
				errLog.Error("failed to write audit entry", slog.String("action", string(action)), slog.Any("error", err))
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// extractIPAddress gets the client IP address from the request.
func extractIPAddress(r *http.Request, trustedProxies []string) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if !slices.Contains(trustedProxies, remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return remoteIP
}

// determineAction maps a mutating request to an audit action. Requests
// outside the control plane return "".
func determineAction(method, path string) Action {
	if method != http.MethodPost && method != http.MethodPut &&
		method != http.MethodPatch && method != http.MethodDelete {
		return ""
	}
	rest, ok := strings.CutPrefix(path, "/v1/")
	if !ok {
		return ""
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch parts[0] {
	case "budgets":
		// /v1/budgets/{latency|error}/{id}
		if len(parts) != 3 || parts[1] == "windows" {
			return ""
		}
		switch method {
		case http.MethodPut:
			return ActionBudgetUpdate
		case http.MethodDelete:
			return ActionBudgetDelete
		}

	case "alerts":
		// /v1/alerts/rules/{id}[/silence|/resolve]
		if len(parts) < 3 || parts[1] != "rules" {
			return ""
		}
		switch {
		case len(parts) == 3 && method == http.MethodPut:
			return ActionRuleUpdate
		case len(parts) == 3 && method == http.MethodDelete:
			return ActionRuleDelete
		case len(parts) == 4 && parts[3] == "silence":
			return ActionRuleSilence
		case len(parts) == 4 && parts[3] == "resolve":
			return ActionRuleResolve
		}

	case "experiments":
		return experimentAction(method, parts[1:])
	}
	return ""
}

func experimentAction(method string, parts []string) Action {
	switch len(parts) {
	case 0:
		if method == http.MethodPost {
			return ActionExperimentCreate
		}
	case 1:
		if parts[0] == "apply" {
			return ""
		}
		switch method {
		case http.MethodPatch:
			return ActionExperimentUpdate
		case http.MethodDelete:
			return ActionExperimentDelete
		}
	case 2:
		switch parts[1] {
		case "start", "pause", "complete", "archive":
			return Action("experiments:" + parts[1])
		case "variants":
			if method == http.MethodPost {
				return ActionVariantCreate
			}
		}
	case 3:
		if parts[1] != "variants" {
			return ""
		}
		switch method {
		case http.MethodPatch:
			return ActionVariantUpdate
		case http.MethodDelete:
			return ActionVariantDelete
		}
	}
	return ""
}

// determineResult maps HTTP status code to audit result
func determineResult(statusCode int) Result {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ResultSuccess
	case statusCode == http.StatusNotFound:
		return ResultNotFound
	case statusCode == http.StatusConflict:
		return ResultConflict
	case statusCode >= 400 && statusCode < 500:
		return ResultRejected
	default:
		return ResultError
	}
}
