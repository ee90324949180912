package lrs

import (
	"fmt"
	"strings"
)

// tokenResponse covers the token field spellings seen across record store
// and LMS implementations. cmi5 names the field "auth-token" but servers in
// the wild disagree.
type tokenResponse struct {
	AuthToken   string `json:"auth-token"`
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	AuthTokenCC string `json:"authToken"`
}

// value returns the first non-empty token field.
func (t tokenResponse) value() string {
	for _, v := range []string{t.AuthToken, t.AccessToken, t.Token, t.AuthTokenCC} {
		if v != "" {
			return v
		}
	}
	return ""
}

// knownSchemes are authorization schemes a server may have already applied.
var knownSchemes = []string{"Basic ", "Bearer "}

// normalizeAuthHeader turns a raw token into a ready-to-use Authorization
// header value. Some servers return a bare token and expect the caller to
// add the scheme; cmi5 tokens are Basic credentials.
func normalizeAuthHeader(token string) string {
	trimmed := strings.TrimSpace(token)
	for _, scheme := range knownSchemes {
		if strings.HasPrefix(trimmed, scheme) {
			return trimmed
		}
	}
	return "Basic " + trimmed
}

// apiError is a non-2xx response from the record store, kept with enough of
// the body to classify session-invalidated failures.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("lrs: status %d: %s", e.StatusCode, body)
}
