package config

import "sync/atomic"

// FeatureFlag is the system-wide transform execution switch. The zero value
// is disabled.
type FeatureFlag struct {
	enabled atomic.Bool
}

// NewFeatureFlag returns a flag initialised to enabled.
func NewFeatureFlag(enabled bool) *FeatureFlag {
	f := &FeatureFlag{}
	f.enabled.Store(enabled)
	return f
}

// Enabled reports the current value. A nil flag is disabled.
func (f *FeatureFlag) Enabled() bool {
	if f == nil {
		return false
	}
	return f.enabled.Load()
}

// Set changes the value and reports whether it changed.
func (f *FeatureFlag) Set(enabled bool) bool {
	return f.enabled.Swap(enabled) != enabled
}
