// Package redact scrubs secret-bearing values from JSON-like documents
// before they are persisted as run artifacts.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultSecretPattern matches object keys whose string values must be
// replaced. Matching is case-insensitive and substring-based, so
// "apiKey", "api_key" and "x-auth-token" all hit.
var DefaultSecretPattern = regexp.MustCompile(`(?i)(password|passwd|token|secret|api[-_]?key|otp|auth|credential|cookie|session[-_]?id)`)

// Redactor replaces secret string values with a length-preserving marker,
// recursively over nested objects and arrays. The pattern set and
// allow-list are passed explicitly; there is no package-level state.
type Redactor struct {
	pattern *regexp.Regexp
	allowed map[string]struct{}
}

// New builds a Redactor. pattern may be nil to use DefaultSecretPattern.
// Keys in allow are exempt even when the pattern matches them.
func New(pattern *regexp.Regexp, allow []string) *Redactor {
	if pattern == nil {
		pattern = DefaultSecretPattern
	}
	allowed := make(map[string]struct{}, len(allow))
	for _, k := range allow {
		allowed[strings.ToLower(k)] = struct{}{}
	}
	return &Redactor{pattern: pattern, allowed: allowed}
}

// Value walks a decoded JSON value {nil, bool, float64, string, []any,
// map[string]any} and returns a copy with secret string values replaced.
func (r *Redactor) Value(v any) any {
	return r.walk(v, false)
}

// JSON redacts a serialized JSON document. Input that does not parse is
// returned unchanged: artifacts must never be lost to a redaction error.
func (r *Redactor) JSON(data []byte) []byte {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.MarshalIndent(r.Value(v), "", "  ")
	if err != nil {
		return data
	}
	return out
}

func (r *Redactor) walk(v any, secret bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = r.walk(child, secret || r.isSecretKey(k))
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = r.walk(child, secret)
		}
		return out
	case string:
		if secret {
			return Marker(t)
		}
		return t
	default:
		return t
	}
}

func (r *Redactor) isSecretKey(key string) bool {
	if _, ok := r.allowed[strings.ToLower(key)]; ok {
		return false
	}
	return r.pattern.MatchString(key)
}

// Marker returns the replacement for a secret value, encoding the
// original rune length so operators can spot truncated or empty secrets
// without seeing them.
func Marker(value string) string {
	return fmt.Sprintf("<redacted:%d>", utf8.RuneCountInString(value))
}
