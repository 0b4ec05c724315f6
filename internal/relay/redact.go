package relay

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-=/+]+`),
	regexp.MustCompile(`\b(sk-[A-Za-z0-9\-_]{8,})\b`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{20,}`),
	regexp.MustCompile(`(?i)([?&](key|api_key)=)[^&\s"']+`),
	regexp.MustCompile(`(?i)\b([A-Za-z0-9_]*(TOKEN|SECRET|PASSWORD|API_KEY))\b\s*[:=]\s*["']?([^\s"']+)`),
}

// RedactSecrets masks credentials in text that is about to leave the process.
func RedactSecrets(text string) string {
	out := text
	for _, p := range secretPatterns {
		out = p.ReplaceAllStringFunc(out, func(m string) string {
			if i := strings.IndexAny(m, "?&"); i == 0 {
				if eq := strings.Index(m, "="); eq > 0 {
					return m[:eq+1] + "***REDACTED***"
				}
			}
			if k, _, ok := strings.Cut(m, "="); ok {
				return k + "=***REDACTED***"
			}
			if k, _, ok := strings.Cut(m, ":"); ok {
				return k + ": ***REDACTED***"
			}
			return "***REDACTED***"
		})
	}
	return out
}
