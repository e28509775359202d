package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var jwtPattern = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)

// Redactor masks credentials before they reach the log output.
type Redactor struct {
	keys     []string
	patterns []*regexp.Regexp
}

// DefaultRedactor masks password, token and secret style keys and any JWT in free text.
func DefaultRedactor() *Redactor {
	return &Redactor{
		keys:     []string{"password", "token", "secret", "authorization", "refresh", "access", "api_key"},
		patterns: []*regexp.Regexp{jwtPattern},
	}
}

// Redact replaces every sensitive pattern in s.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}

// RedactFields returns a copy of fields with sensitive values masked.
func (r *Redactor) RedactFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if r.sensitiveKey(k) {
			out[k] = redacted
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = r.Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) sensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range r.keys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
