package executor

import (
	"strings"

	"github.com/polisai/polis-transform/pkg/worker"
)

// sensitiveMarkers are matched case-insensitively against variable names.
var sensitiveMarkers = []string{
	"TOKEN",
	"SECRET",
	"KEY",
	"PASSWORD",
	"PASSWD",
	"CREDENTIAL",
	"PRIVATE",
	"AUTH",
	"SESSION",
	"COOKIE",
}

// reservedPrefix names variables only the runner may set for the worker.
const reservedPrefix = "POLIS_TRANSFORM_WORKER_"

// ScrubEnv copies environ without variables that look like they carry
// secrets, and without any runner-owned variables an operator might have
// exported. Entries without "=" are dropped.
func ScrubEnv(environ []string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		if SensitiveName(name) || reservedName(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// SensitiveName reports whether an environment variable name looks like it
// holds a credential.
func SensitiveName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func reservedName(name string) bool {
	upper := strings.ToUpper(name)
	return upper == worker.EnvExpectedSHA256 || strings.HasPrefix(upper, reservedPrefix)
}

// sensitiveValues collects the values of variables ScrubEnv would drop, for
// redaction of text echoed back by the worker.
func sensitiveValues(environ []string) []string {
	var values []string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !SensitiveName(name) {
			continue
		}
		// Short values would redact ordinary words.
		if len(value) >= 6 {
			values = append(values, value)
		}
	}
	return values
}
