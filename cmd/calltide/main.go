// Command calltide is the real-time voice call server.
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

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calltide/calltide/internal/config"
	"github.com/calltide/calltide/internal/health"
	"github.com/calltide/calltide/internal/history"
	"github.com/calltide/calltide/internal/hub"
	"github.com/calltide/calltide/internal/interrupt"
	"github.com/calltide/calltide/internal/observe"
	"github.com/calltide/calltide/internal/pipeline"
	"github.com/calltide/calltide/internal/resilience"
	"github.com/calltide/calltide/internal/router"
	"github.com/calltide/calltide/pkg/provider/llm"
	"github.com/calltide/calltide/pkg/provider/llm/anyllm"
	oaillm "github.com/calltide/calltide/pkg/provider/llm/openai"
	"github.com/calltide/calltide/pkg/provider/stt"
	"github.com/calltide/calltide/pkg/provider/stt/deepgram"
	"github.com/calltide/calltide/pkg/provider/stt/whisper"
	"github.com/calltide/calltide/pkg/provider/tts"
	"github.com/calltide/calltide/pkg/provider/tts/coqui"
	"github.com/calltide/calltide/pkg/provider/tts/elevenlabs"
	"github.com/calltide/calltide/pkg/provider/vad"
	"github.com/calltide/calltide/pkg/provider/vad/energy"
)

// Exit codes: 0 clean, 1 fatal startup error, 2 configuration error,
// 3 shutdown completed with history writes still pending.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitConfigError    = 2
	exitPendingWrites  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "calltide: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "calltide: %v\n", err)
		}
		return exitConfigError
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("calltide starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      "calltide",
		TraceSampleRatio: cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitStartupFailure
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	adapters, err := buildAdapters(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return exitStartupFailure
	}

	// ── History store + async writer ──────────────────────────────────────────
	store, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open history store", "err", err)
		return exitStartupFailure
	}
	defer store.Close()

	writer := history.NewWriter(store,
		history.WithQueueSize(cfg.History.QueueSize),
		history.WithWriterLogger(logger.With("component", "history")),
		history.WithWriterMetrics(metrics),
	)
	writer.Start(ctx)

	if days := cfg.History.RetentionDays; days > 0 {
		go pruneLoop(ctx, store, days, logger.With("component", "history"))
	}

	// ── Core subsystems ───────────────────────────────────────────────────────
	interrupts := interrupt.NewManager(
		cfg.Interrupt.AutoInterruptMs,
		cfg.Interrupt.MinUserSpeechDurationMs,
		interrupt.WithLogger(logger.With("component", "interrupt")),
		interrupt.WithMetrics(metrics),
	)

	h := hub.New(cfg, hub.Deps{
		Providers: hub.Providers{
			STT: adapters.stt,
			LLM: adapters.llm,
			TTS: adapters.tts,
			VAD: adapters.vad,
		},
		Interrupts: interrupts,
		Recorder:   writer,
		Store:      store,
		Pools:      pipeline.NewPools(cfg.Concurrency.AdapterPoolSizes),
	}, hub.WithLogger(logger.With("component", "hub")), hub.WithMetrics(metrics))

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	h.Register(mux)
	health.New(buildCheckers(store, writer, cfg, adapters)...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.InterruptChanged {
			interrupts.SetThresholds(
				d.NewInterrupt.AutoInterruptMs,
				d.NewInterrupt.MinUserSpeechDurationMs)
			slog.Info("interrupt thresholds updated",
				"auto_interrupt_ms", d.NewInterrupt.AutoInterruptMs,
				"min_user_speech_duration_ms", d.NewInterrupt.MinUserSpeechDurationMs)
		}
		if d.RoutingChanged {
			h.SwapRouter(router.New(d.NewRouting, cfg.Pipeline.LLMTimeoutMs))
			slog.Info("model routing updated",
				"default_model", d.NewRouting.DefaultModel,
				"fallback_model", d.NewRouting.FallbackModel)
		}
		if d.PolicyChanged {
			h.SwapBlockedTerms(d.NewPolicy.ExtraBlockedTerms)
			slog.Info("content policy updated",
				"extra_blocked_terms", len(d.NewPolicy.ExtraBlockedTerms))
		}
	}, config.WithWatcherLogger(logger.With("component", "config")))
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return exitStartupFailure
	}
	defer watcher.Stop()

	// ── Serve ─────────────────────────────────────────────────────────────────
	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serveErr <- server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serveErr <- server.ListenAndServe()
		}
	}()
	slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)

	select {
	case err := <-serveErr:
		slog.Error("server error", "err", err)
		return exitStartupFailure
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	h.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownDrainMs)*time.Millisecond)
	defer cancelDrain()
	if pending := writer.Drain(drainCtx); pending > 0 {
		slog.Error("shutdown with pending history writes", "pending", pending)
		return exitPendingWrites
	}

	slog.Info("goodbye")
	return exitOK
}

// adapters bundles the per-stage providers after resilience wrapping.
type adapters struct {
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider
	vad vad.Engine

	sttStates func() map[string]resilience.State
	llmStates func() map[string]resilience.State
	ttsStates func() map[string]resilience.State
}

// registerBuiltinProviders wires the built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The OpenAI SDK adapter is the default; the any-llm backends cover the
	// rest with a shared APIKey/BaseURL pattern.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
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
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
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
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildAdapters instantiates the configured providers and wraps each pipeline
// stage in a circuit-breaker failover group.
func buildAdapters(cfg *config.Config, reg *config.Registry) (*adapters, error) {
	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}

	var vadEngine vad.Engine
	if cfg.Providers.VAD.Name != "" {
		vadEngine, err = reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
		}
	} else {
		// Always carry a server-side VAD so clients without silence hints work.
		vadEngine = energy.New()
	}

	fbCfg := resilience.FallbackConfig{}
	sttFB := resilience.NewSTTFallback(sttProvider, cfg.Providers.STT.Name, fbCfg)
	llmFB := resilience.NewLLMFallback(llmProvider, cfg.Providers.LLM.Name, fbCfg)
	ttsFB := resilience.NewTTSFallback(ttsProvider, cfg.Providers.TTS.Name, fbCfg)

	slog.Info("providers ready",
		"stt", cfg.Providers.STT.Name,
		"llm", cfg.Providers.LLM.Name,
		"tts", cfg.Providers.TTS.Name,
		"vad", cfg.Providers.VAD.Name,
	)

	return &adapters{
		stt:       sttFB,
		llm:       llmFB,
		tts:       ttsFB,
		vad:       vadEngine,
		sttStates: sttFB.States,
		llmStates: llmFB.States,
		ttsStates: ttsFB.States,
	}, nil
}

// buildStore opens the configured history backend.
func buildStore(ctx context.Context, cfg *config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case config.HistoryPostgres:
		return history.NewPostgresStore(ctx, cfg.History.PostgresDSN)
	case config.HistoryMemory:
		slog.Warn("using in-memory history store, data is lost on restart")
		return history.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
}

// pruneLoop deletes sessions past the retention window, once at startup and
// then daily.
func pruneLoop(ctx context.Context, store history.Store, days int, log *slog.Logger) {
	cutoff := time.Duration(days) * 24 * time.Hour
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		deleted, err := store.Prune(ctx, time.Now().Add(-cutoff))
		if err != nil {
			log.Warn("history prune failed", "err", err)
		} else if deleted > 0 {
			log.Info("pruned old history", "sessions", deleted, "retention_days", days)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pinger is implemented by stores with a connectivity probe.
type pinger interface {
	Ping(ctx context.Context) error
}

// buildCheckers assembles the readiness checks: adapter breaker states, the
// history backend, and the persist queue.
func buildCheckers(store history.Store, writer *history.Writer, cfg *config.Config, a *adapters) []health.Checker {
	checkers := []health.Checker{
		health.BreakerChecker("stt", a.sttStates),
		health.BreakerChecker("llm", a.llmStates),
		health.BreakerChecker("tts", a.ttsStates),
		{
			Name: "persist_queue",
			Check: func(context.Context) error {
				pending := writer.Pending()
				if limit := int64(cfg.History.QueueSize); pending >= limit {
					return fmt.Errorf("persist queue saturated: %d pending", pending)
				}
				return nil
			},
		},
	}
	if p, ok := store.(pinger); ok {
		checkers = append(checkers, health.Checker{
			Name:  "history",
			Check: p.Ping,
		})
	}
	return checkers
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
