// Command voxhaven is the main entry point for the Voxhaven voice dialog
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/voxhaven/voxhaven/internal/agentstore"
	"github.com/voxhaven/voxhaven/internal/artifact"
	"github.com/voxhaven/voxhaven/internal/config"
	"github.com/voxhaven/voxhaven/internal/dialog"
	"github.com/voxhaven/voxhaven/internal/health"
	"github.com/voxhaven/voxhaven/internal/observe"
	"github.com/voxhaven/voxhaven/internal/resilience"
	"github.com/voxhaven/voxhaven/internal/server"
	"github.com/voxhaven/voxhaven/pkg/provider/llm"
	"github.com/voxhaven/voxhaven/pkg/provider/llm/anyllm"
	"github.com/voxhaven/voxhaven/pkg/provider/stt"
	"github.com/voxhaven/voxhaven/pkg/provider/stt/deepgram"
	"github.com/voxhaven/voxhaven/pkg/provider/stt/whisper"
	"github.com/voxhaven/voxhaven/pkg/provider/tts"
	"github.com/voxhaven/voxhaven/pkg/provider/tts/coqui"
	"github.com/voxhaven/voxhaven/pkg/provider/tts/elevenlabs"
	"github.com/voxhaven/voxhaven/pkg/provider/vad"
	"github.com/voxhaven/voxhaven/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

// logLevel is swapped at runtime when the config watcher reports a log level
// change.
var logLevel slog.LevelVar

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxhaven: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxhaven: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("voxhaven starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxhaven"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Agent store ───────────────────────────────────────────────────────────
	agents, checkers, closeAgents, err := buildAgentStore(ctx, cfg.Agents)
	if err != nil {
		slog.Error("failed to initialise agent store", "err", err)
		return 1
	}
	defer closeAgents()

	// ── Artifact cache ────────────────────────────────────────────────────────
	storeOpts := []artifact.Option{artifact.WithMetrics(metrics)}
	if cfg.Cache.TTL > 0 {
		storeOpts = append(storeOpts, artifact.WithTTL(cfg.Cache.TTL.Std()))
	}
	if cfg.Cache.MaxBytes > 0 {
		storeOpts = append(storeOpts, artifact.WithMaxBytes(cfg.Cache.MaxBytes))
	}
	store, err := artifact.NewStore(storeOpts...)
	if err != nil {
		slog.Error("failed to open artifact cache", "err", err)
		return 1
	}
	defer store.Close()

	// ── Config watcher: hot log level ─────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RestartRequired {
			slog.Warn("configuration change requires a restart to take effect")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(
		server.Config{Session: sessionConfig(cfg.Dialog, metrics)},
		providers, agents, store, metrics, health.New(checkers...),
	)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)
		if cfg.Server.TLS != nil {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// sessionConfig maps the YAML dialog tuning onto the per-session template.
// Zero values fall through to the dialog package defaults.
func sessionConfig(d config.DialogConfig, m *observe.Metrics) dialog.SessionConfig {
	return dialog.SessionConfig{
		IdleTimeout:   d.IdleTimeout.Std(),
		STTInactivity: d.STTInactivity.Std(),
		EgressQueue:   d.EgressQueue,
		Metrics:       m,
		Segmenter: dialog.SegmenterConfig{
			StartFrames:    d.StartFrames,
			EndFrames:      d.EndFrames,
			PreSpeechMs:    d.PreSpeechMs,
			Aggressiveness: d.VADAggressiveness,
		},
		Turn: dialog.TurnConfig{
			LLMStartTimeout: d.LLMStartTimeout.Std(),
			TTSUnitTimeout:  d.TTSUnitTimeout.Std(),
			TTSConcurrency:  d.TTSConcurrency,
			UnitRuneCap:     d.UnitRuneCap,
		},
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, and groq all share the
	// same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// anyllm routes to any backend the any-llm gateway knows about; the target
	// backend comes from options.provider.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		backend := optString(entry.Options, "provider")
		if backend == "" {
			return nil, fmt.Errorf("anyllm requires options.provider naming the backend")
		}
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, whisper.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildProviders instantiates the providers named in cfg, wrapping each one
// that declares fallbacks in a circuit-breaking fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (dialog.Providers, error) {
	var ps dialog.Providers

	fallbackCfg := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  cfg.Providers.Breaker.MaxFailures,
				ResetTimeout: cfg.Providers.Breaker.ResetTimeout.Std(),
			},
			Kind: kind,
		}
	}

	// LLM
	llmPrimary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return ps, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = llmPrimary
	if len(cfg.Providers.LLM.Fallbacks) > 0 {
		fb := resilience.NewLLMFallback(llmPrimary, cfg.Providers.LLM.Name, fallbackCfg("llm"))
		for _, entry := range cfg.Providers.LLM.Fallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return ps, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.LLM = fb
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name,
		"fallbacks", len(cfg.Providers.LLM.Fallbacks))

	// STT
	sttPrimary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return ps, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttPrimary
	if len(cfg.Providers.STT.Fallbacks) > 0 {
		fb := resilience.NewSTTFallback(sttPrimary, cfg.Providers.STT.Name, fallbackCfg("stt"))
		for _, entry := range cfg.Providers.STT.Fallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return ps, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.STT = fb
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name,
		"fallbacks", len(cfg.Providers.STT.Fallbacks))

	// TTS
	ttsPrimary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return ps, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = ttsPrimary
	if len(cfg.Providers.TTS.Fallbacks) > 0 {
		fb := resilience.NewTTSFallback(ttsPrimary, cfg.Providers.TTS.Name, fallbackCfg("tts"))
		for _, entry := range cfg.Providers.TTS.Fallbacks {
			p, err := reg.CreateTTS(entry)
			if err != nil {
				return ps, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, p)
		}
		ps.TTS = fb
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name,
		"fallbacks", len(cfg.Providers.TTS.Fallbacks))

	// VAD defaults to the built-in energy engine.
	if cfg.Providers.VAD.Name == "" {
		ps.VAD = energy.New()
	} else {
		ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return ps, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
		}
	}

	return ps, nil
}

// buildAgentStore opens the configured agent store and imports the agent
// definitions file on top of it. It returns the store, readiness checkers,
// and a close function.
func buildAgentStore(ctx context.Context, cfg config.AgentsConfig) (agentstore.Store, []health.Checker, func(), error) {
	var (
		store    agentstore.Store
		checkers []health.Checker
		closer   = func() {}
	)

	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := agentstore.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("migrate agent schema: %w", err)
		}
		store = pg
		closer = pool.Close
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
		slog.Info("agent store ready", "backend", "postgres")
	} else {
		store = agentstore.NewMemoryStore()
		slog.Info("agent store ready", "backend", "memory")
	}

	if cfg.File != "" {
		defs, err := agentstore.LoadFile(cfg.File)
		if err != nil {
			closer()
			return nil, nil, nil, err
		}
		for i := range defs {
			if err := store.Upsert(ctx, &defs[i]); err != nil {
				closer()
				return nil, nil, nil, fmt.Errorf("import agent %q: %w", defs[i].ID, err)
			}
		}
		slog.Info("agent definitions imported", "file", cfg.File, "count", len(defs))
	}

	checkers = append(checkers, health.Checker{
		Name: "agents",
		Check: func(ctx context.Context) error {
			_, err := store.List(ctx)
			return err
		},
	})
	return store, checkers, closer, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	logLevel.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
