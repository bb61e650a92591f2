package config

import "testing"

func TestLogLevel_IsValid(t *testing.T) {
	valid := []LogLevel{LogDebug, LogInfo, LogWarn, LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = false, want true", l)
		}
	}
	invalid := []LogLevel{"", "trace", "DEBUG", "verbose"}
	for _, l := range invalid {
		if l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = true, want false", l)
		}
	}
}

func TestHistoryBackend_IsValid(t *testing.T) {
	if !HistoryPostgres.IsValid() || !HistoryMemory.IsValid() {
		t.Error("expected postgres and memory to be valid backends")
	}
	if HistoryBackend("sqlite").IsValid() {
		t.Error("expected sqlite to be invalid")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"send_timeout_ms", cfg.Server.SendTimeoutMs, 5000},
		{"inbound_queue_size", cfg.Server.InboundQueueSize, 64},
		{"outbound_queue_size", cfg.Server.OutboundQueueSize, 256},
		{"max_chunk_bytes", cfg.Server.MaxChunkBytes, 32768},
		{"shutdown_drain_ms", cfg.Server.ShutdownDrainMs, 5000},
		{"end_of_utterance_ms", cfg.Pipeline.EndOfUtteranceMs, 700},
		{"first_audio_target_ms", cfg.Pipeline.FirstAudioTargetMs, 500},
		{"stt_timeout_ms", cfg.Pipeline.STTTimeoutMs, 10000},
		{"llm_timeout_ms", cfg.Pipeline.LLMTimeoutMs, 30000},
		{"tts_timeout_ms", cfg.Pipeline.TTSTimeoutMs, 10000},
		{"sample_rate", cfg.Pipeline.SampleRate, 16000},
		{"auto_interrupt_ms", cfg.Interrupt.AutoInterruptMs, 3000},
		{"min_user_speech_duration_ms", cfg.Interrupt.MinUserSpeechDurationMs, 500},
		{"cancellation_latency_ms", cfg.Interrupt.CancellationLatencyMs, 50},
		{"persist_slo_ms", cfg.History.PersistSLOMs, 200},
		{"history_queue_size", cfg.History.QueueSize, 1024},
		{"max_sessions", cfg.Concurrency.MaxSessions, 1000},
		{"pool_stt", cfg.Concurrency.AdapterPoolSizes.STT, 32},
		{"pool_llm", cfg.Concurrency.AdapterPoolSizes.LLM, 32},
		{"pool_tts", cfg.Concurrency.AdapterPoolSizes.TTS, 32},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Pipeline.Language != "en" {
		t.Errorf("language = %q, want en", cfg.Pipeline.Language)
	}
	if cfg.Routing.ComplexityThreshold != 0.6 {
		t.Errorf("complexity_threshold = %v, want 0.6", cfg.Routing.ComplexityThreshold)
	}
	if cfg.History.Backend != HistoryMemory {
		t.Errorf("backend = %q, want memory without a DSN", cfg.History.Backend)
	}
}

func TestApplyDefaults_PostgresBackendFromDSN(t *testing.T) {
	cfg := &Config{}
	cfg.History.PostgresDSN = "postgres://localhost/calltide"
	ApplyDefaults(cfg)
	if cfg.History.Backend != HistoryPostgres {
		t.Errorf("backend = %q, want postgres when a DSN is set", cfg.History.Backend)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.ListenAddr = ":9999"
	cfg.Interrupt.AutoInterruptMs = 1500
	cfg.Routing.ComplexityThreshold = 0.9
	ApplyDefaults(cfg)

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen_addr = %q, want explicit :9999", cfg.Server.ListenAddr)
	}
	if cfg.Interrupt.AutoInterruptMs != 1500 {
		t.Errorf("auto_interrupt_ms = %d, want explicit 1500", cfg.Interrupt.AutoInterruptMs)
	}
	if cfg.Routing.ComplexityThreshold != 0.9 {
		t.Errorf("complexity_threshold = %v, want explicit 0.9", cfg.Routing.ComplexityThreshold)
	}
}
