package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns covers the shapes that show up in runner errors and adapter
// output: key=value assignments, Authorization headers, provider key formats,
// and uuid-shaped tokens.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Google API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing substrings with [REDACTED]. Everything that
// leaves the process goes through it: logs, audit entries, the ledger's
// stored error messages, tool output echoed back to the model.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key-like prefix, redact only the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue hides the value of any env key whose name looks secret.
// Used when echoing loaded configuration at startup.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, marker := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(lower, marker) {
			return redactedPlaceholder
		}
	}
	return value
}
