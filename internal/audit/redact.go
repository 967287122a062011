package audit

import "strings"

const redacted = "[REDACTED]"

var sensitiveKeys = []string{"password", "passwd", "secret", "captcha", "token", "authorization"}

// Redact returns a copy of params with values of sensitive keys replaced.
// Nested objects and arrays are redacted too.
func Redact(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitive(k) {
			out[k] = redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return Redact(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = Redact(item)
		}
		return out
	default:
		return v
	}
}

func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
