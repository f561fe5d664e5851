package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for each entry of a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// Entry pairs a backend with its dedicated breaker.
type Entry[T any] struct {
	Name    string
	Value   T
	Breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and zero or more fallbacks of the
// same type, tried in registration order. Entries must all be added before
// the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []Entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as entry 0.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend after the existing entries.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, Entry[T]{
		Name:    name,
		Value:   fallback,
		Breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries, primary included.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Entry returns entry i. It panics when i is out of range.
func (fg *FallbackGroup[T]) Entry(i int) Entry[T] { return fg.entries[i] }

// Stats returns the breaker snapshot of every entry in order.
func (fg *FallbackGroup[T]) Stats() []BreakerStats {
	out := make([]BreakerStats, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.Breaker.Stats()
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds. Entries
// whose breaker is open are skipped. Returns [ErrAllFailed] wrapping the last
// error when every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.Breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.Value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "provider", entry.Name)
		} else {
			slog.Warn("resilience: provider failed, trying next", "provider", entry.Name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
