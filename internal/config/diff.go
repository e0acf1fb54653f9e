package config

import "reflect"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes (log level, dialog tuning, cache tuning) are tracked individually;
// anything that requires a restart is rolled up in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DialogChanged is true when any dialog tuning value changed. New
	// sessions pick the new values up; running sessions keep the old ones.
	DialogChanged bool

	// CacheChanged is true when artifact cache tuning changed.
	CacheChanged bool

	// RestartRequired is true when a change cannot be applied to a running
	// server: listen address, TLS, or any provider wiring.
	RestartRequired bool
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DialogChanged && !d.CacheChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Dialog != new.Dialog {
		d.DialogChanged = true
	}
	if old.Cache != new.Cache {
		d.CacheChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = true
	}
	if providersChanged(old.Providers, new.Providers) {
		d.RestartRequired = true
	}
	if old.Agents != new.Agents {
		d.RestartRequired = true
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// providersChanged compares provider wiring. Options maps and fallback lists
// are compared structurally.
func providersChanged(a, b ProvidersConfig) bool {
	if a.Breaker != b.Breaker {
		return true
	}
	return entryChanged(a.LLM, b.LLM) ||
		entryChanged(a.STT, b.STT) ||
		entryChanged(a.TTS, b.TTS) ||
		entryChanged(a.VAD, b.VAD)
}

func entryChanged(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return true
	}
	// Options values can be nested maps, so structural comparison it is.
	if !reflect.DeepEqual(a.Options, b.Options) {
		return true
	}
	if len(a.Fallbacks) != len(b.Fallbacks) {
		return true
	}
	for i := range a.Fallbacks {
		if entryChanged(a.Fallbacks[i], b.Fallbacks[i]) {
			return true
		}
	}
	return false
}
