package runtime

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/stagehand-live/stagehand/pkg/types"
)

// Default facts store limits.
const (
	defaultMaxFacts   = 50
	maxSourcesPerFact = 10

	confidenceAgreeStep    = 0.1
	confidenceMismatchStep = 0.2
	confidenceFloor        = 0.1
)

// FactsStore is the bounded key → fact mapping for one event. When full, the
// least-recently-touched fact is evicted on insert.
//
// The store implements the mechanical fact operations; the lifecycle policy
// (when to mark dormant, revive, or prune) lives in the facts processor that
// drives it.
//
// All methods are safe for concurrent use.
type FactsStore struct {
	mu       sync.RWMutex
	facts    map[string]*types.Fact
	maxItems int

	prunedKeys []string

	// now is swappable for tests.
	now func() time.Time
}

// NewFactsStore creates a store that retains at most maxItems facts.
// Zero or negative selects the default of 50.
func NewFactsStore(maxItems int) *FactsStore {
	if maxItems <= 0 {
		maxItems = defaultMaxFacts
	}
	return &FactsStore{
		facts:    make(map[string]*types.Fact, maxItems),
		maxItems: maxItems,
		now:      time.Now,
	}
}

// ConfidenceAdjustment is a post-budgeting confidence delta for one fact.
type ConfidenceAdjustment struct {
	Key   string
	Delta float64
}

// Upsert inserts or updates the fact for key.
//
// On update, values are compared structurally: agreement takes the higher of
// the stored and incoming confidence and raises it by 0.1 (capped at 1.0),
// mismatch lowers the stored confidence by 0.2 (floored at 0.1) and adopts
// the new value. Either way the fact's recency fields are refreshed and its
// miss streak resets. sourceID 0 means no source row is known.
func (s *FactsStore) Upsert(key string, value json.RawMessage, confidence float64, seq uint64, sourceID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	f, ok := s.facts[key]
	if !ok {
		if len(s.facts) >= s.maxItems {
			s.evictLRU()
		}
		nf := &types.Fact{
			Key:           key,
			Value:         append(json.RawMessage(nil), value...),
			Confidence:    clamp(confidence, 0, 1),
			LastSeenSeq:   seq,
			CreatedAt:     now,
			LastTouchedAt: now,
		}
		if sourceID != 0 {
			nf.Sources = []uint64{sourceID}
		}
		s.facts[key] = nf
		return
	}

	if jsonEqual(f.Value, value) {
		base := f.Confidence
		if confidence > base {
			base = confidence
		}
		f.Confidence = clamp(base+confidenceAgreeStep, 0, 1)
	} else {
		f.Confidence = clamp(f.Confidence-confidenceMismatchStep, confidenceFloor, 1)
		f.Value = append(json.RawMessage(nil), value...)
	}
	f.LastSeenSeq = seq
	f.LastTouchedAt = now
	f.MissStreak = 0
	if sourceID != 0 {
		f.Sources = append(f.Sources, sourceID)
		if len(f.Sources) > maxSourcesPerFact {
			f.Sources = f.Sources[len(f.Sources)-maxSourcesPerFact:]
		}
	}
}

// Get returns a copy of the fact for key.
func (s *FactsStore) Get(key string) (types.Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	if !ok {
		return types.Fact{}, false
	}
	return *f, true
}

// GetAll returns copies of all facts. When includeExcluded is false, facts
// marked exclude_from_prompt are omitted. Results are ordered by key for
// determinism.
func (s *FactsStore) GetAll(includeExcluded bool) []types.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Fact, 0, len(s.facts))
	for _, f := range s.facts {
		if !includeExcluded && f.ExcludeFromPrompt {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of held facts.
func (s *FactsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// IsDormant reports whether the fact for key exists and is dormant.
func (s *FactsStore) IsDormant(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	return ok && f.Dormant()
}

// RecordMiss increments the miss streak for key and returns the new streak.
func (s *FactsStore) RecordMiss(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	if !ok {
		return 0
	}
	f.MissStreak++
	return f.MissStreak
}

// MarkDormant transitions the fact for key to dormant at now, lowering its
// confidence by drop (floored at 0) and excluding it from prompts.
// Idempotent: already-dormant facts are left untouched.
func (s *FactsStore) MarkDormant(key string, now time.Time, drop float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	if !ok || f.Dormant() {
		return
	}
	f.DormantAt = now
	f.Confidence = clamp(f.Confidence-drop, 0, 1)
	f.ExcludeFromPrompt = true
}

// ReviveFromSelection clears dormancy for key when the fact was selected
// again with currConf at least delta above prevConf (hysteresis). Returns
// whether the fact was revived.
func (s *FactsStore) ReviveFromSelection(key string, prevConf, currConf float64, now time.Time, delta float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	if !ok || !f.Dormant() {
		return false
	}
	if currConf < prevConf+delta {
		return false
	}
	f.DormantAt = time.Time{}
	f.ExcludeFromPrompt = false
	f.LastTouchedAt = now
	f.MissStreak = 0
	return true
}

// Prune marks the fact for key as pruned: excluded from prompts and queued
// on the pruned-keys drain list.
func (s *FactsStore) Prune(key string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	if !ok {
		return
	}
	f.ExcludeFromPrompt = true
	s.prunedKeys = append(s.prunedKeys, key)
	delete(s.facts, key)
}

// DrainPrunedKeys returns and clears the accumulated pruned keys.
func (s *FactsStore) DrainPrunedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.prunedKeys
	s.prunedKeys = nil
	return keys
}

// ApplyConfidenceAdjustments applies post-budgeting deltas. Positive deltas
// cap at 1.0; negative deltas floor at 0.05.
func (s *FactsStore) ApplyConfidenceAdjustments(adjustments []ConfidenceAdjustment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, adj := range adjustments {
		f, ok := s.facts[adj.Key]
		if !ok {
			continue
		}
		next := f.Confidence + adj.Delta
		if adj.Delta >= 0 {
			f.Confidence = clamp(next, 0, 1)
		} else {
			f.Confidence = clamp(next, 0.05, 1)
		}
	}
}

// RecordMerge notes that members were merged into representative rep at ts:
// members inherit the representative's exclusion and their touch time so the
// LRU does not immediately evict the representative's cluster.
func (s *FactsStore) RecordMerge(rep string, members []string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repFact, ok := s.facts[rep]
	if !ok {
		return
	}
	repFact.LastTouchedAt = ts
	for _, m := range members {
		if m == rep {
			continue
		}
		mf, ok := s.facts[m]
		if !ok {
			continue
		}
		mf.ExcludeFromPrompt = true
		mf.LastTouchedAt = ts
	}
}

// Restore installs facts wholesale. Used by pause/resume snapshots and
// recovery; replaces the current contents.
func (s *FactsStore) Restore(facts []types.Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = make(map[string]*types.Fact, len(facts))
	for i := range facts {
		f := facts[i]
		s.facts[f.Key] = &f
	}
}

// evictLRU removes the least-recently-touched fact.
// Must be called with s.mu held.
func (s *FactsStore) evictLRU() {
	var (
		oldestKey string
		oldest    time.Time
		first     = true
	)
	for k, f := range s.facts {
		if first || f.LastTouchedAt.Before(oldest) {
			oldestKey = k
			oldest = f.LastTouchedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(s.facts, oldestKey)
	}
}

// jsonEqual compares two JSON values structurally, falling back to byte
// comparison when either side fails to parse.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	ab, err1 := json.Marshal(av)
	bb, err2 := json.Marshal(bv)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
