// Package sanitization redacts secrets from log lines and audit error
// strings. Notification error messages routinely echo upstream HTTP/SMTP
// response bodies, which can carry credentials the alarm pipeline must
// never persist or log verbatim.
package sanitization

import (
	"fmt"
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)(api[_-]?key)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)(token|bearer)\s*[:=]?\s*[A-Za-z0-9\-_.]{8,}`),
	regexp.MustCompile(`(?i)(secret)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)(authorization)\s*:\s*\S+`),
}

const redacted = "***REDACTED***"

// simpleMarkers drives SafeFallback's dumb substring scan, used only if the
// regex path panics (e.g. on pathological input triggering a regexp2
// backtracking blow-up upstream).
var simpleMarkers = []string{"password", "passwd", "api_key", "apikey", "token", "secret"}

// Sanitizer redacts secrets from arbitrary strings before they reach logs
// or audit storage.
type Sanitizer struct{}

// NewSanitizer constructs a Sanitizer. It carries no state; it exists as a
// value so callers can depend on an interface-shaped collaborator instead of
// package-level functions.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// SanitizeWithFallback redacts input using the regex rules, falling back to
// SafeFallback if sanitization panics, and always returns a usable string.
func (s *Sanitizer) SanitizeWithFallback(input string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = s.SafeFallback(input)
			err = fmt.Errorf("sanitizer panic recovered: %v", r)
		}
	}()
	return s.sanitize(input), nil
}

func (s *Sanitizer) sanitize(input string) string {
	out := input
	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, redacted)
	}
	return out
}

// SafeFallback does a simple, panic-free substring-based redaction. It is
// deliberately less precise than the regex path but cannot itself fail.
func (s *Sanitizer) SafeFallback(input string) string {
	lower := strings.ToLower(input)
	for _, marker := range simpleMarkers {
		if strings.Contains(lower, marker) {
			return "[REDACTED]"
		}
	}
	return input
}
