package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "anyllm"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Environment variable references of the form ${VAR} are expanded
// before decoding, so secrets such as API keys can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderEntry("llm", cfg.Providers.LLM)
	validateProviderEntry("stt", cfg.Providers.STT)
	validateProviderEntry("tts", cfg.Providers.TTS)
	validateProviderEntry("vad", cfg.Providers.VAD)

	// The voice pipeline needs all three cascade stages; VAD has a built-in
	// default engine.
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}

	// Breaker
	if cfg.Providers.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.max_failures %d must not be negative", cfg.Providers.Breaker.MaxFailures))
	}
	if cfg.Providers.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.reset_timeout %s must not be negative", cfg.Providers.Breaker.ResetTimeout.Std()))
	}

	// Dialog tuning — zero means "use default", negatives are always wrong.
	d := cfg.Dialog
	for _, check := range []struct {
		name string
		v    int
	}{
		{"dialog.start_frames", d.StartFrames},
		{"dialog.end_frames", d.EndFrames},
		{"dialog.pre_speech_ms", d.PreSpeechMs},
		{"dialog.tts_concurrency", d.TTSConcurrency},
		{"dialog.unit_rune_cap", d.UnitRuneCap},
		{"dialog.egress_queue", d.EgressQueue},
	} {
		if check.v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", check.name, check.v))
		}
	}
	if d.VADAggressiveness != nil && (*d.VADAggressiveness < 0 || *d.VADAggressiveness > 3) {
		errs = append(errs, fmt.Errorf("dialog.vad_aggressiveness %d must be between 0 and 3", *d.VADAggressiveness))
	}
	for _, check := range []struct {
		name string
		v    int64
	}{
		{"dialog.idle_timeout", int64(d.IdleTimeout)},
		{"dialog.stt_inactivity", int64(d.STTInactivity)},
		{"dialog.llm_start_timeout", int64(d.LLMStartTimeout)},
		{"dialog.tts_unit_timeout", int64(d.TTSUnitTimeout)},
		{"cache.ttl", int64(cfg.Cache.TTL)},
		{"cache.max_bytes", cfg.Cache.MaxBytes},
	} {
		if check.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", check.name))
		}
	}

	// Agents availability
	if cfg.Agents.File == "" && cfg.Agents.PostgresDSN == "" {
		slog.Warn("no agent source configured; sessions will fail agent selection until agents are created via the API")
	}

	return errors.Join(errs...)
}

// validateProviderEntry logs a warning for unknown provider names in the entry
// and its fallbacks.
func validateProviderEntry(kind string, entry ProviderEntry) {
	validateProviderName(kind, entry.Name)
	for _, fb := range entry.Fallbacks {
		validateProviderName(kind, fb.Name)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
