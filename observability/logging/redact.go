package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"method":    {},
	"requestId": {},
	"key":       {},
	"operation": {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.TrimSpace(key)
	if _, ok := redactionAllowlist[normalized]; ok {
		return true
	}
	_, ok := redactionAllowlist[strings.ToLower(normalized)]
	return ok
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskBytes redacts a binary payload while keeping its size visible, which is
// enough to correlate requests without leaking delivery details.
func MaskBytes(key string, value []byte) slog.Attr {
	if len(value) == 0 {
		return slog.String(key, "")
	}
	return slog.Group(key, slog.String("value", RedactedValue), slog.Int("bytes", len(value)))
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
