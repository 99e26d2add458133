// Package httpclient builds the outbound HTTP clients used for webhook
// delivery.
//
// Clients created by New enforce a TLS 1.2 floor, a bounded connection
// pool and an overall request timeout. Every request is logged through the
// configured *slog.Logger with its URL sanitized:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.Timeout = 2 * time.Second
//	cfg.Logger = logger
//	client, err := httpclient.New(cfg)
//
// Requests are never retried. Callers that need at-least-once delivery
// must record failures themselves.
//
// # Security
//
//   - Sensitive query parameters (api_key, token, password, etc.) and URL
//     credentials are redacted from logs
//   - Request headers are never logged
//   - Certificate validation is always enabled
package httpclient
