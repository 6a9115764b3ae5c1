package executor

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	redactedMarker = "[REDACTED]"
	// maxRawOutput bounds raw worker text attached to audits.
	maxRawOutput = 1000
	// maxLoggedText bounds attacker-influenced text written to logs.
	maxLoggedText = 256
)

// Redactor masks secrets in text a worker echoed back before it reaches an
// audit payload or a log line.
type Redactor struct {
	knownSecrets []string
	patterns     []*regexp.Regexp
}

// NewRedactor creates a redactor that knows the provided secret values.
func NewRedactor(secrets []string) *Redactor {
	known := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		if secret != "" {
			known = append(known, secret)
		}
	}
	return &Redactor{
		knownSecrets: known,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)([a-z0-9\-\._~+/]+=*)`),
			regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password)["']?\s*[:=]\s*["']?)([^\s"',}]+)`),
		},
	}
}

// RedactorFromEnv learns the values of every sensitive variable in environ.
func RedactorFromEnv(environ []string) *Redactor {
	return NewRedactor(sensitiveValues(environ))
}

// Redact replaces known secrets and secret-shaped assignments in input.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}
	res := input
	for _, secret := range r.knownSecrets {
		res = strings.ReplaceAll(res, secret, redactedMarker)
	}
	for _, re := range r.patterns {
		res = re.ReplaceAllString(res, "${1}"+redactedMarker)
	}
	return res
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
