package config_test

import (
	"testing"

	"github.com/voxhaven/voxhaven/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
			STT: config.ProviderEntry{Name: "deepgram"},
			TTS: config.ProviderEntry{Name: "elevenlabs"},
		},
		Dialog: config.DialogConfig{StartFrames: 3, EndFrames: 27},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	old := baseConfig()
	new := baseConfig()

	d := config.Diff(old, new)
	if !d.Empty() {
		t.Errorf("diff of identical configs should be empty, got %+v", d)
	}
}

func TestDiff_LogLevelChange(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change must not require a restart")
	}
}

func TestDiff_DialogChange(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Dialog.EndFrames = 40

	d := config.Diff(old, new)
	if !d.DialogChanged {
		t.Error("DialogChanged should be true")
	}
	if d.RestartRequired {
		t.Error("dialog tuning change must not require a restart")
	}
}

func TestDiff_CacheChange(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Cache.MaxBytes = 1 << 20

	d := config.Diff(old, new)
	if !d.CacheChanged {
		t.Error("CacheChanged should be true")
	}
}

func TestDiff_ListenAddrRequiresRestart(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":9090"

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("listen address change should require a restart")
	}
}

func TestDiff_ProviderModelRequiresRestart(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Providers.LLM.Model = "gpt-4o-mini"

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("provider model change should require a restart")
	}
}

func TestDiff_ProviderOptionsCompared(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	old.Providers.TTS.Options = map[string]any{"stability": 0.5}
	new.Providers.TTS.Options = map[string]any{"stability": 0.7}

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("provider options change should require a restart")
	}
}

func TestDiff_FallbackListRequiresRestart(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Providers.STT.Fallbacks = []config.ProviderEntry{{Name: "whisper"}}

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("adding a fallback should require a restart")
	}
}

func TestDiff_TLSAddedRequiresRestart(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Server.TLS = &config.TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"}

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("enabling TLS should require a restart")
	}
}

func TestDiff_AgentsSourceRequiresRestart(t *testing.T) {
	old := baseConfig()
	new := baseConfig()
	new.Agents.PostgresDSN = "postgres://localhost/voxhaven"

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("agent store change should require a restart")
	}
}
