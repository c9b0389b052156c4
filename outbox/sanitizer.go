package outbox

import (
	"regexp"
	"strings"
)

// Error messages coming back from brokers can embed connection strings,
// credentials, or tokens. They are redacted and bounded before being
// stored in the last error column.
const maxErrorLength = 512

const errorTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

type sensitivePattern struct {
	pattern     *regexp.Regexp
	replacement string
}

var sensitivePatterns = []sensitivePattern{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key)=)([^&\s]+)`),
		replacement: `$1` + redactedValue,
	},
}

// SanitizeError redacts sensitive values from err and enforces a bounded
// length suitable for the error column.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts sensitive values and enforces a bounded length.
func SanitizeErrorMessage(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, matcher := range sensitivePatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	return truncateError(redacted, maxErrorLength, errorTruncatedSuffix)
}

func truncateError(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	trimmed := string(runes[:maxRunes-len(suffixRunes)])

	return trimmed + suffix
}
