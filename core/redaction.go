package core

import "strings"

const redactedValue = "[REDACTED]"

var sensitiveKeyTokens = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"otpauth",
	"totp",
	"qr_code",
	"credential",
}

var sensitiveKeys = map[string]struct{}{
	"code":              {},
	"otp":               {},
	"entered_code":      {},
	"verification_code": {},
	"uri":               {},
}

// RedactFields copies fields with secret-bearing keys replaced, recursing into nested maps.
func RedactFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return redactMap(fields)
}

func redactMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if isSensitiveKey(key) {
			target[key] = redactedValue
			continue
		}
		target[key] = redactValue(value)
	}
	return target
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	if _, ok := sensitiveKeys[key]; ok {
		return true
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}
