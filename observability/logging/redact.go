package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys whose values are never secret.
var plainKeys = map[string]bool{
	"service":   true,
	"env":       true,
	"component": true,
	"instance":  true,
	"operation": true,
	"currency":  true,
	"route":     true,
	"error":     true,
}

// MaskValue redacts a non-empty value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a log attribute for a possibly secret value. Values under
// plain keys pass through. Colon-separated tokens such as capabilities keep
// every segment but the last, so operators can still tell which instance a
// token belongs to.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || plainKeys[strings.ToLower(strings.TrimSpace(key))] {
		return slog.String(key, value)
	}
	if idx := strings.LastIndexByte(value, ':'); idx > 0 {
		return slog.String(key, value[:idx+1]+RedactedValue)
	}
	return slog.String(key, RedactedValue)
}
