package httpclient

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout must be > 0"},
		{"empty user agent", func(c *Config) { c.UserAgent = "" }, "user_agent is required"},
		{"negative conns", func(c *Config) { c.MaxConnsPerHost = -1 }, "max_conns_per_host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClient_SetsHeadersAndLogs(t *testing.T) {
	var gotUA, gotTeam, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotTeam = r.Header.Get("X-Team")
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var logs bytes.Buffer
	cfg := DefaultConfig()
	cfg.Headers = map[string]string{"X-Team": "sre", "X-Custom": "default"}
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client, err := New(cfg)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, server.URL+"?token=secret", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("X-Custom", "caller")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "vantage-webhook/1.0", gotUA)
	assert.Equal(t, "sre", gotTeam)
	assert.Equal(t, "caller", gotCustom)
	assert.Empty(t, req.Header.Get("User-Agent"), "caller's request must not be modified")

	out := logs.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "status=503")
	assert.NotContains(t, out, "secret")
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	client, err := New(cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Get(server.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
