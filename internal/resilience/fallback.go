package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every candidate in a [FallbackGroup] failed
// or sat behind an open breaker.
var ErrAllFailed = errors.New("all candidates failed")

// FallbackConfig seeds the per-candidate circuit breaker of a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// candidate pairs one value with its dedicated breaker.
type candidate[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup tries a primary and then its backups in registration order.
// Each candidate sits behind its own circuit breaker, so a degraded primary
// is skipped without waiting for it to time out again.
//
// FallbackGroup is safe for concurrent use once assembled; AddFallback must
// finish before the first Execute.
type FallbackGroup[T any] struct {
	candidates []candidate[T]
	cfg        FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first candidate.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.add(primaryName, primary)
	return g
}

// AddFallback appends a backup candidate. Backups are tried in the order
// added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.candidates = append(fg.candidates, candidate[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(bc),
	})
}

// Execute runs fn against each candidate in order until one succeeds.
// Open-breaker candidates are skipped. When everything fails the result is
// [ErrAllFailed] wrapping the last error.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is the value-returning form of [FallbackGroup.Execute].
// It is a package-level function because Go methods cannot introduce type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.candidates {
		c := &fg.candidates[i]

		var result R
		err := c.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(c.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping candidate, circuit open", "candidate", c.name)
		} else {
			slog.Warn("candidate failed, trying next",
				"candidate", c.name,
				"error", err,
			)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
