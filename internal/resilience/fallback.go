package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every adapter in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all adapters failed")

// FallbackConfig configures a [FallbackGroup]: the per-adapter circuit breaker
// settings and the logger failover decisions are reported to.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover and skip events. Defaults to [slog.Default].
	Logger *slog.Logger
}

// fallbackEntry pairs an adapter value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// adapter type (speech recognition, language model, or synthesis backend). When
// the primary fails, or its circuit breaker is open, the next healthy fallback
// is tried in registration order, so a single provider outage degrades a call
// rather than dropping it.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = primaryName
	return &FallbackGroup[T]{
		entries: []fallbackEntry[T]{
			{
				name:    primaryName,
				value:   primary,
				breaker: NewCircuitBreaker(cbCfg),
			},
		},
		cfg: cfg,
		log: log,
	}
}

// AddFallback appends a fallback adapter. Fallbacks are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// States reports the breaker state of every entry, keyed by adapter name.
// The readiness endpoint uses this to surface degraded adapters.
func (fg *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(fg.entries))
	for i := range fg.entries {
		states[fg.entries[i].name] = fg.entries[i].breaker.State()
	}
	return states
}

// Execute tries fn against each entry in order until one succeeds.
// Entries with an open circuit breaker are skipped. Returns [ErrAllFailed]
// wrapped with the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		if err == nil {
			if i > 0 {
				fg.log.Info("failed over to fallback adapter", "adapter", entry.name)
			}
			return nil
		}
		lastErr = err
		fg.reportFailure(entry.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) reportFailure(name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		fg.log.Debug("skipping adapter with open breaker", "adapter", name)
	} else {
		fg.log.Warn("adapter call failed, trying next",
			"adapter", name, "error", err)
	}
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			if i > 0 {
				fg.log.Info("failed over to fallback adapter", "adapter", entry.name)
			}
			return result, nil
		}
		lastErr = err
		fg.reportFailure(entry.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
