package auth

import (
	"regexp"
	"strings"
)

// maxSanitizedLen bounds how much of an error body survives sanitization.
const maxSanitizedLen = 256

var (
	// Token-shaped key/value pairs in JSON or form bodies.
	tokenFieldPattern = regexp.MustCompile(`(?i)("?(?:access_token|refresh_token|id_token|code|assertion|client_secret)"?\s*[:=]\s*)"?[A-Za-z0-9\-._~+/]+=*"?`)

	// Three dot-separated base64url segments, the JWT shape.
	jwtPattern = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)

	// Long unbroken base64url runs are likely secrets even without a label.
	longSecretPattern = regexp.MustCompile(`[A-Za-z0-9\-_]{24,}`)
)

// Sanitize produces a bounded, scrubbed summary of a potentially sensitive
// response body. Applied to every token-endpoint error before it is logged
// or surfaced; the raw body must never appear verbatim anywhere.
func Sanitize(body string) string {
	s := strings.ReplaceAll(body, "\n", " ")
	s = tokenFieldPattern.ReplaceAllString(s, `$1[redacted]`)
	s = jwtPattern.ReplaceAllString(s, "[redacted]")
	s = longSecretPattern.ReplaceAllString(s, "[redacted]")
	if len(s) > maxSanitizedLen {
		s = s[:maxSanitizedLen] + "…"
	}
	return s
}
