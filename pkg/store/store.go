// Package store defines the repository contracts the worker persists through.
//
// Every repository is accessed via a handle that serializes per key, so
// callers never coordinate writes themselves. Implementations live in the
// postgres (production, Supabase-backed) and memory (tests, development)
// subpackages.
package store

import (
	"context"
	"errors"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// ErrNotFound is returned by point reads when no row exists.
var ErrNotFound = errors.New("store: not found")

// CheckpointStore is the durable (event, agent) → last-processed-sequence map.
//
// Writes are idempotent, monotonic upserts: a Put below the stored seq is a
// no-op, so a stale writer cannot move a checkpoint backwards. Reads return
// 0 when absent. A committed write must be visible to any subsequent read;
// no ordering is guaranteed between distinct (event, agent) pairs.
type CheckpointStore interface {
	Get(ctx context.Context, eventID string, agent types.AgentType) (uint64, error)
	Put(ctx context.Context, eventID string, agent types.AgentType, seq uint64) error
}

// SessionStore persists provider session records, unique per (event, agent).
type SessionStore interface {
	// Upsert writes rec keyed by (EventID, Agent).
	Upsert(ctx context.Context, rec types.SessionRecord) error

	// Get returns the record for (eventID, agent) or [ErrNotFound].
	Get(ctx context.Context, eventID string, agent types.AgentType) (types.SessionRecord, error)

	// ListByStatus returns all records currently in status.
	ListByStatus(ctx context.Context, status types.SessionStatus) ([]types.SessionRecord, error)
}

// TranscriptStore persists transcript rows and serves replay reads.
type TranscriptStore interface {
	// Insert writes rec. Duplicate ids are ignored (first write wins).
	Insert(ctx context.Context, rec types.TranscriptRecord) error

	// Range returns up to limit finalized rows for eventID with Seq > afterSeq,
	// ordered by Seq ascending.
	Range(ctx context.Context, eventID string, afterSeq uint64, limit int) ([]types.TranscriptRecord, error)

	// AssignSeq persists a worker-assigned sequence for a row that arrived
	// without one. Rows that already carry a sequence are left untouched.
	AssignSeq(ctx context.Context, eventID string, id uint64, seq uint64) error
}

// GlossaryStore serves the read-only glossary corpus for an event.
type GlossaryStore interface {
	// ForEvent returns all entries for eventID ordered by confidence
	// descending.
	ForEvent(ctx context.Context, eventID string) ([]types.GlossaryEntry, error)

	// Similar returns up to limit entries nearest to the query embedding.
	// Implementations without embeddings fall back to ForEvent ordering.
	Similar(ctx context.Context, eventID string, embedding []float32, limit int) ([]types.GlossaryEntry, error)
}

// FactStore persists the rolling facts state at the persistence edge.
// The in-memory facts store inside each runtime is authoritative during a
// run; this repository is the durable shadow.
type FactStore interface {
	// SaveAll upserts the current fact set for eventID.
	SaveAll(ctx context.Context, eventID string, facts []types.Fact) error

	// Deactivate marks the given keys inactive (pruned) for eventID.
	Deactivate(ctx context.Context, eventID string, keys []string) error

	// ListActive returns the active facts for eventID, used to rebuild the
	// in-memory store after a restart.
	ListActive(ctx context.Context, eventID string) ([]types.Fact, error)
}

// OutputStore persists agent results.
type OutputStore interface {
	// Append writes out.
	Append(ctx context.Context, out types.AgentOutput) error

	// LastSeq returns the highest Seq appended for (eventID, agent), 0 when
	// none exist.
	LastSeq(ctx context.Context, eventID string, agent types.AgentType) (uint64, error)
}

// ChangeStream is a push subscription over transcript inserts.
//
// Delivery is at-least-once; consumers deduplicate by record id.
type ChangeStream interface {
	// Subscribe returns a channel of transcript records. The channel is
	// closed when ctx is cancelled or the stream fails terminally.
	Subscribe(ctx context.Context) (<-chan types.TranscriptRecord, error)
}
