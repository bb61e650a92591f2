package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Call [ApplyDefaults] first; zero values for required knobs are errors here.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"server.send_timeout_ms", cfg.Server.SendTimeoutMs},
		{"server.inbound_queue_size", cfg.Server.InboundQueueSize},
		{"server.outbound_queue_size", cfg.Server.OutboundQueueSize},
		{"server.max_chunk_bytes", cfg.Server.MaxChunkBytes},
		{"server.shutdown_drain_ms", cfg.Server.ShutdownDrainMs},
		{"pipeline.end_of_utterance_ms", cfg.Pipeline.EndOfUtteranceMs},
		{"pipeline.first_audio_target_ms", cfg.Pipeline.FirstAudioTargetMs},
		{"pipeline.stt_timeout_ms", cfg.Pipeline.STTTimeoutMs},
		{"pipeline.llm_timeout_ms", cfg.Pipeline.LLMTimeoutMs},
		{"pipeline.tts_timeout_ms", cfg.Pipeline.TTSTimeoutMs},
		{"pipeline.sample_rate", cfg.Pipeline.SampleRate},
		{"interrupt.auto_interrupt_ms", cfg.Interrupt.AutoInterruptMs},
		{"interrupt.min_user_speech_duration_ms", cfg.Interrupt.MinUserSpeechDurationMs},
		{"interrupt.cancellation_latency_ms", cfg.Interrupt.CancellationLatencyMs},
		{"history.persist_slo_ms", cfg.History.PersistSLOMs},
		{"history.queue_size", cfg.History.QueueSize},
		{"concurrency.max_sessions", cfg.Concurrency.MaxSessions},
		{"concurrency.adapter_pool_sizes.stt", cfg.Concurrency.AdapterPoolSizes.STT},
		{"concurrency.adapter_pool_sizes.llm", cfg.Concurrency.AdapterPoolSizes.LLM},
		{"concurrency.adapter_pool_sizes.tts", cfg.Concurrency.AdapterPoolSizes.TTS},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}

	// Interrupt timing coherence: the auto-interrupt window cannot be shorter
	// than the minimum voiced time it requires.
	if cfg.Interrupt.AutoInterruptMs < cfg.Interrupt.MinUserSpeechDurationMs {
		errs = append(errs, fmt.Errorf("interrupt.auto_interrupt_ms (%d) must be >= interrupt.min_user_speech_duration_ms (%d)",
			cfg.Interrupt.AutoInterruptMs, cfg.Interrupt.MinUserSpeechDurationMs))
	}
	if cfg.Interrupt.CancellationLatencyMs > 50 {
		slog.Warn("interrupt.cancellation_latency_ms exceeds the recommended 50 ms; interrupts may feel sluggish",
			"value", cfg.Interrupt.CancellationLatencyMs)
	}

	// Routing
	if cfg.Routing.DefaultModel == "" {
		errs = append(errs, errors.New("routing.default_model is required"))
	}
	if cfg.Routing.FallbackModel == "" {
		errs = append(errs, errors.New("routing.fallback_model is required"))
	}
	if cfg.Routing.ComplexityThreshold < 0 || cfg.Routing.ComplexityThreshold > 1 {
		errs = append(errs, fmt.Errorf("routing.complexity_threshold %.2f is out of range [0, 1]", cfg.Routing.ComplexityThreshold))
	}

	// History
	if cfg.History.Backend != "" && !cfg.History.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: postgres, memory", cfg.History.Backend))
	}
	if cfg.History.Backend == HistoryPostgres && cfg.History.PostgresDSN == "" {
		errs = append(errs, errors.New("history.postgres_dsn is required when history.backend is postgres"))
	}
	if cfg.History.Backend == HistoryMemory {
		slog.Warn("history.backend is memory; call history will not survive restarts")
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Providers.STT.Name == "" || cfg.Providers.LLM.Name == "" || cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.stt, providers.llm, and providers.tts are all required"))
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
