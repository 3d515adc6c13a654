// Package types defines the shared types used across all Stagehand packages.
//
// These types form the lingua franca between the orchestrator, per-event
// runtimes, provider sessions, and the persistence layer. Each package defines
// its own domain types, but cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"encoding/json"
	"time"
)

// AgentType identifies one of the downstream agents driven per event.
type AgentType string

const (
	// AgentCards is the suggestion-generation agent. It receives every
	// finalized transcript chunk immediately.
	AgentCards AgentType = "cards"

	// AgentFacts is the rolling structured-fact extraction agent. It receives
	// debounced batches of transcript.
	AgentFacts AgentType = "facts"

	// AgentTranscript tracks the highest ingested transcript sequence. No
	// dispatch consumes it; replay uses it as an upper-bound sanity check.
	AgentTranscript AgentType = "transcript"
)

// IsValid reports whether a is a recognised agent type.
func (a AgentType) IsValid() bool {
	switch a {
	case AgentCards, AgentFacts, AgentTranscript:
		return true
	}
	return false
}

// SessionStatus is the persisted lifecycle state of a provider session.
type SessionStatus string

const (
	SessionGenerated SessionStatus = "generated"
	SessionStarting  SessionStatus = "starting"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionClosed    SessionStatus = "closed"
	SessionError     SessionStatus = "error"
)

// RuntimeStatus is the lifecycle state of an in-memory event runtime.
type RuntimeStatus string

const (
	RuntimeContextComplete RuntimeStatus = "context_complete"
	RuntimeReady           RuntimeStatus = "ready"
	RuntimeRunning         RuntimeStatus = "running"
	RuntimePaused          RuntimeStatus = "paused"
	RuntimeEnded           RuntimeStatus = "ended"
	RuntimeError           RuntimeStatus = "error"
)

// TranscriptChunk is a single transcript segment as held by the ring buffer.
// Chunks are immutable once inserted; only finalized chunks drive downstream
// work.
type TranscriptChunk struct {
	// Seq is the per-event monotonic sequence number assigned on first ingest.
	Seq uint64

	// At is when the chunk was spoken. Ties on Seq assignment are broken by At.
	At time.Time

	// Speaker is the diarized speaker label, if any.
	Speaker string

	// Text is the transcribed speech content.
	Text string

	// Final indicates the upstream transcription service marked this segment
	// stable. Non-final chunks never enter the ring buffer.
	Final bool

	// TranscriptID is the persisted transcript row id, when known.
	TranscriptID uint64
}

// TranscriptRecord is a transcript row as delivered by the change stream or
// read back during replay.
type TranscriptRecord struct {
	EventID string
	ID      uint64
	Seq     uint64
	At      time.Time
	Speaker string
	Text    string
	Final   bool

	// Delayed marks chunks that blocked on a full ingest queue before being
	// persisted. Observability only.
	Delayed bool
}

// Chunk converts the record to a ring-buffer chunk.
func (r TranscriptRecord) Chunk() TranscriptChunk {
	return TranscriptChunk{
		Seq:          r.Seq,
		At:           r.At,
		Speaker:      r.Speaker,
		Text:         r.Text,
		Final:        r.Final,
		TranscriptID: r.ID,
	}
}

// Fact is a single extracted fact keyed by Key within an event.
//
// Confidence moves toward 1.0 on value agreement and away on mismatch; the
// lifecycle (dormancy, revival, pruning) is driven by the facts processor, not
// by the store itself.
type Fact struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`

	// LastSeenSeq is the transcript sequence that last produced this fact.
	LastSeenSeq uint64 `json:"last_seen_seq"`

	// Sources lists transcript row ids that contributed to this fact (cap 10).
	Sources []uint64 `json:"sources,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`

	// MissStreak counts consecutive budgeter runs where this fact was eligible
	// but not selected.
	MissStreak int `json:"miss_streak"`

	// DormantAt is set when the fact transitions to dormant. Zero when active.
	DormantAt time.Time `json:"dormant_at,omitzero"`

	// ExcludeFromPrompt removes the fact from prompt assembly without
	// deleting it. Set on dormancy and pruning.
	ExcludeFromPrompt bool `json:"exclude_from_prompt"`
}

// Dormant reports whether the fact is currently dormant.
func (f Fact) Dormant() bool { return !f.DormantAt.IsZero() }

// GlossaryEntry is a read-only domain term loaded at runtime creation and
// cached in memory for prompt assembly.
type GlossaryEntry struct {
	Term       string  `json:"term"`
	Definition string  `json:"definition"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence_score"`
}

// CheckpointRecord is the durable last-processed sequence for one
// (event, agent) pair.
type CheckpointRecord struct {
	EventID string
	Agent   AgentType
	LastSeq uint64
}

// SessionRecord is the persisted state of one provider session, unique per
// (event, agent).
type SessionRecord struct {
	EventID string
	AgentID string
	Agent   AgentType

	// ProviderSessionID is the provider-assigned id. It changes on every
	// reconnect; logical session identity is (EventID, Agent).
	ProviderSessionID string

	Status SessionStatus
	Model  string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  time.Time

	// ConnectionCount is incremented on every successful (re)connect.
	ConnectionCount int
	LastConnectedAt time.Time
}

// AgentOutput is a persisted result produced by an agent session.
type AgentOutput struct {
	EventID string
	Agent   AgentType

	// Seq is the transcript sequence the output was produced for.
	Seq uint64

	Payload json.RawMessage

	// Fallback marks outputs produced by the chat-completions fallback path
	// rather than the realtime session.
	Fallback bool

	CreatedAt time.Time
}

// LogEntry is one entry in the per-(event, agent) bounded log ring.
type LogEntry struct {
	At      time.Time `json:"at"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}
