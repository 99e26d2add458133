package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter substrings redacted from logs,
// matched case-insensitively.
var sensitiveParams = []string{
	"apikey",
	"api_key",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
	"signature",
}

const redacted = "[REDACTED]"

// sanitizeURL returns u with credentials and sensitive query parameters
// redacted.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	safe := *u
	if safe.User != nil {
		safe.User = url.User(redacted)
	}

	q := safe.Query()
	for param := range q {
		if isSensitiveParam(param) {
			q.Set(param, redacted)
		}
	}
	safe.RawQuery = q.Encode()
	return safe.String()
}

func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, s := range sensitiveParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
