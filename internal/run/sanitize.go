package run

import "regexp"

// credentialedURLPattern matches a URL with embedded user:pass@ credentials.
var credentialedURLPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s/@]+:[^\s/@]+@`)

// keyValueSecretPattern matches a key=value pair whose key looks like it
// names secret material — the same heuristic substring set audit.IsSecretLikeKey
// applies to JSON keys, applied here to free-text "key=value" tokens.
var keyValueSecretPattern = regexp.MustCompile(`(?i)(token|secret|password|passwd|credential|apikey|api_key)\s*=\s*\S+`)

const sanitizedFallback = "error message withheld: contained sensitive data"

// SanitizeErrorMessage strips secret-like key=value tokens and credentialed
// URLs from a run's error message before it is persisted to a field every
// project member can read. If the message is unsafe after stripping (i.e.
// the strip left nothing usable), a generic fallback is stored instead.
func SanitizeErrorMessage(msg string) string {
	stripped := credentialedURLPattern.ReplaceAllString(msg, "[redacted-url]")
	stripped = keyValueSecretPattern.ReplaceAllStringFunc(stripped, func(match string) string {
		idx := indexOfEquals(match)
		if idx < 0 {
			return "[redacted]"
		}
		return match[:idx+1] + "[redacted]"
	})
	if stripped == "" {
		return sanitizedFallback
	}
	return stripped
}

func indexOfEquals(s string) int {
	for i, r := range s {
		if r == '=' {
			return i
		}
	}
	return -1
}
