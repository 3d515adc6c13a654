// Package memory provides in-memory implementations of the store interfaces.
//
// They back development mode and the test suite. All types are safe for
// concurrent use via an internal mutex, and every store keeps its data for
// the lifetime of the process only.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/stagehand-live/stagehand/pkg/store"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// Compile-time checks against the store interfaces.
var (
	_ store.CheckpointStore = (*CheckpointStore)(nil)
	_ store.SessionStore    = (*SessionStore)(nil)
	_ store.TranscriptStore = (*TranscriptStore)(nil)
	_ store.GlossaryStore   = (*GlossaryStore)(nil)
	_ store.FactStore       = (*FactStore)(nil)
	_ store.OutputStore     = (*OutputStore)(nil)
	_ store.ChangeStream    = (*ChangeStream)(nil)
)

type checkpointKey struct {
	eventID string
	agent   types.AgentType
}

// CheckpointStore is an in-memory [store.CheckpointStore].
type CheckpointStore struct {
	mu   sync.Mutex
	seqs map[checkpointKey]uint64

	// FailPuts makes the next n Put calls return FailErr. Used to exercise
	// checkpoint retry and escalation paths.
	FailPuts int
	FailErr  error
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{seqs: make(map[checkpointKey]uint64)}
}

// Get returns the stored sequence, 0 when absent.
func (s *CheckpointStore) Get(_ context.Context, eventID string, agent types.AgentType) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[checkpointKey{eventID, agent}], nil
}

// Put upserts the sequence for (eventID, agent). Stale writes (a seq below
// the stored one) are ignored, matching the SQL implementation.
func (s *CheckpointStore) Put(_ context.Context, eventID string, agent types.AgentType, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts > 0 {
		s.FailPuts--
		return s.FailErr
	}
	key := checkpointKey{eventID, agent}
	if seq > s.seqs[key] {
		s.seqs[key] = seq
	}
	return nil
}

// SessionStore is an in-memory [store.SessionStore].
type SessionStore struct {
	mu   sync.Mutex
	recs map[checkpointKey]types.SessionRecord
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{recs: make(map[checkpointKey]types.SessionRecord)}
}

// Upsert writes rec keyed by (EventID, Agent).
func (s *SessionStore) Upsert(_ context.Context, rec types.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[checkpointKey{rec.EventID, rec.Agent}] = rec
	return nil
}

// Get returns the record or [store.ErrNotFound].
func (s *SessionStore) Get(_ context.Context, eventID string, agent types.AgentType) (types.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[checkpointKey{eventID, agent}]
	if !ok {
		return types.SessionRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ListByStatus returns all records in status, ordered by event id for
// deterministic tests.
func (s *SessionStore) ListByStatus(_ context.Context, status types.SessionStatus) ([]types.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.SessionRecord{}
	for _, rec := range s.recs {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Agent < out[j].Agent
	})
	return out, nil
}

// TranscriptStore is an in-memory [store.TranscriptStore].
type TranscriptStore struct {
	mu   sync.Mutex
	rows map[string][]types.TranscriptRecord // eventID → rows
	ids  map[string]map[uint64]int           // eventID → id → index
}

// NewTranscriptStore creates an empty transcript store.
func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{
		rows: make(map[string][]types.TranscriptRecord),
		ids:  make(map[string]map[uint64]int),
	}
}

// Insert writes rec unless its id was already seen for the event.
func (s *TranscriptStore) Insert(_ context.Context, rec types.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.ids[rec.EventID]
	if byID == nil {
		byID = make(map[uint64]int)
		s.ids[rec.EventID] = byID
	}
	if _, seen := byID[rec.ID]; seen {
		return nil
	}
	byID[rec.ID] = len(s.rows[rec.EventID])
	s.rows[rec.EventID] = append(s.rows[rec.EventID], rec)
	return nil
}

// Range returns up to limit finalized rows with Seq > afterSeq, Seq ascending.
func (s *TranscriptStore) Range(_ context.Context, eventID string, afterSeq uint64, limit int) ([]types.TranscriptRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.TranscriptRecord{}
	for _, rec := range s.rows[eventID] {
		if rec.Final && rec.Seq > afterSeq {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AssignSeq sets the sequence for a row that arrived without one.
func (s *TranscriptStore) AssignSeq(_ context.Context, eventID string, id uint64, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.ids[eventID][id]
	if !ok {
		return store.ErrNotFound
	}
	if s.rows[eventID][idx].Seq == 0 {
		s.rows[eventID][idx].Seq = seq
	}
	return nil
}

// GlossaryStore is an in-memory [store.GlossaryStore].
type GlossaryStore struct {
	mu      sync.Mutex
	entries map[string][]types.GlossaryEntry
}

// NewGlossaryStore creates an empty glossary store.
func NewGlossaryStore() *GlossaryStore {
	return &GlossaryStore{entries: make(map[string][]types.GlossaryEntry)}
}

// Seed installs entries for eventID, replacing any previous set.
func (s *GlossaryStore) Seed(eventID string, entries []types.GlossaryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.GlossaryEntry, len(entries))
	copy(cp, entries)
	s.entries[eventID] = cp
}

// ForEvent returns entries ordered by confidence descending.
func (s *GlossaryStore) ForEvent(_ context.Context, eventID string) ([]types.GlossaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.GlossaryEntry, len(s.entries[eventID]))
	copy(out, s.entries[eventID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out, nil
}

// Similar falls back to confidence ordering; the in-memory store keeps no
// embeddings.
func (s *GlossaryStore) Similar(ctx context.Context, eventID string, _ []float32, limit int) ([]types.GlossaryEntry, error) {
	out, err := s.ForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FactStore is an in-memory [store.FactStore].
type FactStore struct {
	mu       sync.Mutex
	facts    map[string]map[string]types.Fact
	inactive map[string]map[string]bool
}

// NewFactStore creates an empty fact store.
func NewFactStore() *FactStore {
	return &FactStore{
		facts:    make(map[string]map[string]types.Fact),
		inactive: make(map[string]map[string]bool),
	}
}

// SaveAll upserts the fact set for eventID.
func (s *FactStore) SaveAll(_ context.Context, eventID string, facts []types.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.facts[eventID]
	if byKey == nil {
		byKey = make(map[string]types.Fact)
		s.facts[eventID] = byKey
	}
	for _, f := range facts {
		byKey[f.Key] = f
	}
	return nil
}

// Deactivate marks keys inactive for eventID.
func (s *FactStore) Deactivate(_ context.Context, eventID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := s.inactive[eventID]
	if marked == nil {
		marked = make(map[string]bool)
		s.inactive[eventID] = marked
	}
	for _, k := range keys {
		marked[k] = true
	}
	return nil
}

// ListActive returns the facts for eventID that have not been deactivated,
// ordered by key.
func (s *FactStore) ListActive(_ context.Context, eventID string) ([]types.Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.Fact{}
	for k, f := range s.facts[eventID] {
		if s.inactive[eventID][k] {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// InactiveKeys returns the keys deactivated for eventID, sorted. Test helper.
func (s *FactStore) InactiveKeys(eventID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for k := range s.inactive[eventID] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OutputStore is an in-memory [store.OutputStore].
type OutputStore struct {
	mu   sync.Mutex
	outs []types.AgentOutput
}

// NewOutputStore creates an empty output store.
func NewOutputStore() *OutputStore {
	return &OutputStore{}
}

// Append writes out.
func (s *OutputStore) Append(_ context.Context, out types.AgentOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outs = append(s.outs, out)
	return nil
}

// LastSeq returns the highest appended Seq for (eventID, agent).
func (s *OutputStore) LastSeq(_ context.Context, eventID string, agent types.AgentType) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last uint64
	for _, o := range s.outs {
		if o.EventID == eventID && o.Agent == agent && o.Seq > last {
			last = o.Seq
		}
	}
	return last, nil
}

// Outputs returns a copy of all appended outputs. Test helper.
func (s *OutputStore) Outputs() []types.AgentOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AgentOutput, len(s.outs))
	copy(out, s.outs)
	return out
}

// ChangeStream is an in-memory [store.ChangeStream] fed by [Publish].
type ChangeStream struct {
	mu   sync.Mutex
	subs []chan types.TranscriptRecord
}

// NewChangeStream creates a stream with no subscribers.
func NewChangeStream() *ChangeStream {
	return &ChangeStream{}
}

// Subscribe registers a subscriber channel that is closed when ctx ends.
func (s *ChangeStream) Subscribe(ctx context.Context) (<-chan types.TranscriptRecord, error) {
	ch := make(chan types.TranscriptRecord, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Publish delivers rec to every subscriber, dropping it for subscribers with
// full buffers.
func (s *ChangeStream) Publish(rec types.TranscriptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub <- rec:
		default:
		}
	}
}
