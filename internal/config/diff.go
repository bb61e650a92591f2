package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: log level,
// interrupt timings, model routing, and content policy. Everything else
// (listen address, queue sizes, providers, history backend) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InterruptChanged bool
	NewInterrupt     InterruptConfig

	RoutingChanged bool
	NewRouting     RoutingConfig

	PolicyChanged bool
	NewPolicy     PolicyConfig
}

// Any reports whether the diff contains at least one hot-reloadable change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.InterruptChanged || d.RoutingChanged || d.PolicyChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Interrupt != new.Interrupt {
		d.InterruptChanged = true
		d.NewInterrupt = new.Interrupt
	}

	if old.Routing != new.Routing {
		d.RoutingChanged = true
		d.NewRouting = new.Routing
	}

	if old.Policy.KidFriendlyDefault != new.Policy.KidFriendlyDefault ||
		!slices.Equal(old.Policy.ExtraBlockedTerms, new.Policy.ExtraBlockedTerms) {
		d.PolicyChanged = true
		d.NewPolicy = new.Policy
	}

	return d
}
