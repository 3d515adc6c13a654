package store

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// FactGuard wraps a [FactStore] and makes persistence non-fatal. The
// in-memory facts store inside each runtime is authoritative during a run;
// losing a durable write degrades recovery, not the live event, so failures
// are logged and swallowed. IsDegraded reports whether the backend is
// currently failing.
//
// Checkpoint writes are deliberately NOT guarded: a checkpoint that cannot
// be persisted must surface as an error so the runtime can retry and fail.
//
// All methods are safe for concurrent use.
type FactGuard struct {
	store    FactStore
	degraded atomic.Bool
}

var _ FactStore = (*FactGuard)(nil)

// NewFactGuard creates a guard wrapping store.
func NewFactGuard(store FactStore) *FactGuard {
	return &FactGuard{store: store}
}

// SaveAll attempts the upsert. On failure the error is logged and swallowed
// and the guard is marked degraded. Success clears the flag.
func (g *FactGuard) SaveAll(ctx context.Context, eventID string, facts []types.Fact) error {
	if err := g.store.SaveAll(ctx, eventID, facts); err != nil {
		g.degraded.Store(true)
		slog.Warn("fact guard: SaveAll failed, swallowing error",
			"event_id", eventID,
			"facts", len(facts),
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Deactivate attempts to mark keys inactive. Failures are logged and
// swallowed.
func (g *FactGuard) Deactivate(ctx context.Context, eventID string, keys []string) error {
	if err := g.store.Deactivate(ctx, eventID, keys); err != nil {
		g.degraded.Store(true)
		slog.Warn("fact guard: Deactivate failed, swallowing error",
			"event_id", eventID,
			"keys", len(keys),
			"error", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// ListActive attempts the read. On failure an empty slice is returned so
// recovery proceeds with a cold facts store.
func (g *FactGuard) ListActive(ctx context.Context, eventID string) ([]types.Fact, error) {
	facts, err := g.store.ListActive(ctx, eventID)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("fact guard: ListActive failed, returning empty",
			"event_id", eventID,
			"error", err,
		)
		return []types.Fact{}, nil
	}
	g.degraded.Store(false)
	return facts, nil
}

// IsDegraded reports whether the most recent operation failed.
func (g *FactGuard) IsDegraded() bool { return g.degraded.Load() }

// GlossaryGuard wraps a [GlossaryStore] the same way: a missing glossary
// makes prompts thinner, never fails a dispatch.
type GlossaryGuard struct {
	store    GlossaryStore
	degraded atomic.Bool
}

var _ GlossaryStore = (*GlossaryGuard)(nil)

// NewGlossaryGuard creates a guard wrapping store.
func NewGlossaryGuard(store GlossaryStore) *GlossaryGuard {
	return &GlossaryGuard{store: store}
}

// ForEvent attempts the read. On failure an empty slice is returned.
func (g *GlossaryGuard) ForEvent(ctx context.Context, eventID string) ([]types.GlossaryEntry, error) {
	entries, err := g.store.ForEvent(ctx, eventID)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("glossary guard: ForEvent failed, returning empty",
			"event_id", eventID,
			"error", err,
		)
		return []types.GlossaryEntry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// Similar attempts the nearest-neighbour read. On failure an empty slice is
// returned.
func (g *GlossaryGuard) Similar(ctx context.Context, eventID string, embedding []float32, limit int) ([]types.GlossaryEntry, error) {
	entries, err := g.store.Similar(ctx, eventID, embedding, limit)
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("glossary guard: Similar failed, returning empty",
			"event_id", eventID,
			"limit", limit,
			"error", err,
		)
		return []types.GlossaryEntry{}, nil
	}
	g.degraded.Store(false)
	return entries, nil
}

// IsDegraded reports whether the most recent operation failed.
func (g *GlossaryGuard) IsDegraded() bool { return g.degraded.Load() }
