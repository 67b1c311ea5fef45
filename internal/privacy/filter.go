// Package privacy removes content that must not reach the shared
// development log.
package privacy

import (
	"regexp"
	"strings"
)

// privateTagRegex matches <private>...</private> blocks (non-greedy, dotall).
var privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

// secretPatterns match credential formats agents tend to echo into notes.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`),
}

const redacted = "[REDACTED]"

// StripPrivateTags removes all <private>...</private> blocks from content.
func StripPrivateTags(content string) string {
	return strings.TrimSpace(privateTagRegex.ReplaceAllString(content, ""))
}

// HasOnlyPrivateContent reports whether nothing is left after stripping.
func HasOnlyPrivateContent(content string) bool {
	return StripPrivateTags(content) == ""
}

// Redact strips private blocks and masks known credential formats.
func Redact(content string) string {
	out := StripPrivateTags(content)
	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, redacted)
	}
	return out
}
