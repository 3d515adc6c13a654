// Package runtime implements the per-event worker state: the transcript ring
// buffer, the bounded facts store, and the [EventRuntime] that drives the
// Cards and Facts dispatch paths over them.
//
// An EventRuntime is single-writer: all mutations arrive through the
// orchestrator's per-event queue, so Ingest never races with itself. The
// facts debounce timer and the status emitter are the only concurrent
// readers, and both go through the runtime mutex.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stagehand-live/stagehand/internal/prompt"
	"github.com/stagehand-live/stagehand/pkg/provider/realtime"
	"github.com/stagehand-live/stagehand/pkg/store"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// Default runtime parameters.
const (
	defaultTokenBudget     = 2048
	defaultWarnRatio       = 0.80
	defaultCriticalRatio   = 0.95
	defaultFactsDebounce   = 25 * time.Second
	defaultRecentTextChars = 4000

	defaultDormantMissStreak = 5
	defaultDormantIdle       = 15 * time.Minute
	defaultDormancyDrop      = 0.05
	defaultReviveDelta       = 0.05
	defaultPruneAfter        = 60 * time.Minute

	checkpointRetries = 3

	// glossarySimilarLimit caps a similarity-refreshed glossary selection.
	glossarySimilarLimit = 16
)

// MessageSender is the slice of the session API the runtime dispatches
// through.
type MessageSender interface {
	Send(ctx context.Context, msg realtime.Message) error
}

// CardsFallback produces a Cards result when the realtime session cannot.
type CardsFallback interface {
	Generate(ctx context.Context, cardsCtx prompt.CardsContext, currentText string) (json.RawMessage, error)
}

// Embedder turns text into a vector for glossary similarity retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps are the persistence handles an [EventRuntime] needs.
type Deps struct {
	Checkpoints store.CheckpointStore
	Transcripts store.TranscriptStore
	Glossary    store.GlossaryStore
	Facts       store.FactStore
	Outputs     store.OutputStore
}

// Config tunes an [EventRuntime]. Zero values select the defaults named on
// each field.
type Config struct {
	// TokenBudget is the prompt ceiling. Default 2048.
	TokenBudget int

	// WarnRatio and CriticalRatio are the budget-usage fractions that
	// trigger warn and critical logs. Defaults 0.80 and 0.95.
	WarnRatio     float64
	CriticalRatio float64

	// FactsDebounce is the quiet period before a Facts dispatch. Default 25s.
	FactsDebounce time.Duration

	// RecentTextChars caps the transcript window passed into prompts.
	// Default 4000.
	RecentTextChars int

	// RingCapacity and RingWindow configure the transcript ring buffer.
	RingCapacity int
	RingWindow   time.Duration

	// MaxFacts bounds the facts store.
	MaxFacts int

	// DormantMissStreak and DormantIdle trigger fact dormancy; DormancyDrop
	// is the confidence penalty. Defaults 5, 15m, 0.05.
	DormantMissStreak int
	DormantIdle       time.Duration
	DormancyDrop      float64

	// ReviveDelta is the confidence hysteresis for reviving a dormant fact.
	// Default 0.05.
	ReviveDelta float64

	// PruneAfter is the continuous dormancy span before a fact is pruned.
	// Default 60m.
	PruneAfter time.Duration

	Builder  prompt.BuilderConfig
	Budgeter prompt.BudgeterConfig

	// CardsInstructions seeds the system-prompt section of the token
	// breakdown.
	CardsInstructions string
	FactsInstructions string

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TokenBudget <= 0 {
		c.TokenBudget = defaultTokenBudget
	}
	if c.WarnRatio <= 0 {
		c.WarnRatio = defaultWarnRatio
	}
	if c.CriticalRatio <= 0 {
		c.CriticalRatio = defaultCriticalRatio
	}
	if c.FactsDebounce <= 0 {
		c.FactsDebounce = defaultFactsDebounce
	}
	if c.RecentTextChars <= 0 {
		c.RecentTextChars = defaultRecentTextChars
	}
	if c.DormantMissStreak <= 0 {
		c.DormantMissStreak = defaultDormantMissStreak
	}
	if c.DormantIdle <= 0 {
		c.DormantIdle = defaultDormantIdle
	}
	if c.DormancyDrop <= 0 {
		c.DormancyDrop = defaultDormancyDrop
	}
	if c.ReviveDelta <= 0 {
		c.ReviveDelta = defaultReviveDelta
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = defaultPruneAfter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Snapshot is a point-in-time copy of runtime state for the status emitter.
type Snapshot struct {
	EventID string              `json:"event_id"`
	Status  types.RuntimeStatus `json:"status"`

	CardsLastSeq uint64 `json:"cards_last_seq"`
	FactsLastSeq uint64 `json:"facts_last_seq"`

	Ring       Stats `json:"ring"`
	FactsCount int   `json:"facts_count"`

	LastTokens      prompt.Breakdown `json:"last_tokens"`
	FactsLastUpdate time.Time        `json:"facts_last_update,omitzero"`

	LastError string `json:"last_error,omitempty"`

	CardsLogs []types.LogEntry `json:"cards_logs,omitempty"`
	FactsLogs []types.LogEntry `json:"facts_logs,omitempty"`
}

// EventRuntime is the composition root for one event: ring buffer, facts
// store, glossary cache, and the two dispatch paths.
type EventRuntime struct {
	eventID string
	cfg     Config
	deps    Deps
	log     *slog.Logger

	ring     *RingBuffer
	facts    *FactsStore
	builder  *prompt.Builder
	budgeter *prompt.Budgeter

	cardsLog *LogRing
	factsLog *LogRing

	mu       sync.Mutex
	status   types.RuntimeStatus
	glossary []types.GlossaryEntry

	cardsLastSeq    uint64
	factsLastSeq    uint64
	factsLastUpdate time.Time

	// cardsDurableSeq and factsDurableSeq trail the in-memory cursors: they
	// only advance when a checkpoint write for the dispatched seq succeeds,
	// so periodic flushes never persist a seq whose dispatch failed.
	cardsDurableSeq uint64
	factsDurableSeq uint64
	lastTokens      prompt.Breakdown
	lastError       string

	cardsSession MessageSender
	factsSession MessageSender
	fallback     CardsFallback
	embedder     Embedder

	// debounce schedules the Facts path; pendingFactsSeq is the highest
	// finalized seq awaiting that dispatch.
	debounce        *time.Timer
	pendingFactsSeq uint64

	// dormantBaseline records each fact's confidence at the moment it went
	// dormant, for revive hysteresis.
	dormantBaseline map[string]float64

	// now is swappable for tests.
	now func() time.Time
}

// NewEventRuntime constructs the runtime for eventID: loads both agent
// checkpoints, caches the glossary, and initializes empty buffer and store.
func NewEventRuntime(ctx context.Context, eventID string, cfg Config, deps Deps) (*EventRuntime, error) {
	cfg = cfg.withDefaults()

	cardsSeq, err := deps.Checkpoints.Get(ctx, eventID, types.AgentCards)
	if err != nil {
		return nil, fmt.Errorf("runtime: load cards checkpoint: %w", err)
	}
	factsSeq, err := deps.Checkpoints.Get(ctx, eventID, types.AgentFacts)
	if err != nil {
		return nil, fmt.Errorf("runtime: load facts checkpoint: %w", err)
	}

	glossary, err := deps.Glossary.ForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("runtime: load glossary: %w", err)
	}

	r := &EventRuntime{
		eventID:         eventID,
		cfg:             cfg,
		deps:            deps,
		log:             cfg.Logger.With("event_id", eventID),
		ring:            NewRingBuffer(cfg.RingCapacity, cfg.RingWindow),
		facts:           NewFactsStore(cfg.MaxFacts),
		builder:         prompt.NewBuilder(cfg.Builder),
		budgeter:        prompt.NewBudgeter(cfg.Budgeter),
		cardsLog:        NewLogRing(),
		factsLog:        NewLogRing(),
		status:          types.RuntimeContextComplete,
		glossary:        glossary,
		cardsLastSeq:    cardsSeq,
		factsLastSeq:    factsSeq,
		cardsDurableSeq: cardsSeq,
		factsDurableSeq: factsSeq,
		dormantBaseline: make(map[string]float64),
		now:             time.Now,
	}
	return r, nil
}

// EventID returns the event this runtime serves.
func (r *EventRuntime) EventID() string { return r.eventID }

// SetSessions installs the dispatch targets. Must be called before the first
// Ingest.
func (r *EventRuntime) SetSessions(cards, facts MessageSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cardsSession = cards
	r.factsSession = facts
}

// SetFallback installs the Cards fallback generator. Optional.
func (r *EventRuntime) SetFallback(fb CardsFallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fb
}

// SetEmbedder installs the embedder driving glossary similarity refresh.
// Optional; without one the construction-time glossary selection is kept.
func (r *EventRuntime) SetEmbedder(e Embedder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedder = e
}

// Status returns the runtime lifecycle status.
func (r *EventRuntime) Status() types.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus transitions the runtime status.
func (r *EventRuntime) SetStatus(s types.RuntimeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
}

// Checkpoints returns the in-memory (cards, facts) last-seq pair.
func (r *EventRuntime) Checkpoints() (cards, facts uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cardsLastSeq, r.factsLastSeq
}

// DurableCheckpoints returns the last (cards, facts) seqs whose dispatch was
// accepted and checkpointed. Periodic flushes re-persist these, never the
// ingest cursors.
func (r *EventRuntime) DurableCheckpoints() (cards, facts uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cardsDurableSeq, r.factsDurableSeq
}

// Ring exposes the transcript buffer for replay verification.
func (r *EventRuntime) Ring() *RingBuffer { return r.ring }

// Facts exposes the facts store. Callers outside the runtime only read.
func (r *EventRuntime) Facts() *FactsStore { return r.facts }

// Ingest processes one transcript record. Called only from the per-event
// dispatch loop, so calls never overlap.
//
// Non-final records update the buffer (which rejects them) and return.
// Finalized records get a sequence assigned when missing, advance the
// in-memory seq cursors, dispatch the Cards path immediately, and reset the
// Facts debounce.
func (r *EventRuntime) Ingest(ctx context.Context, rec types.TranscriptRecord) error {
	if r.Status() != types.RuntimeRunning {
		return fmt.Errorf("runtime: ingest while %s", r.Status())
	}

	if !rec.Final {
		return nil
	}

	if rec.Seq == 0 {
		seq := r.nextSeq()
		if err := r.deps.Transcripts.AssignSeq(ctx, r.eventID, rec.ID, seq); err != nil {
			r.cardsLog.Append("warn", "seq assignment failed for id %d: %v", rec.ID, err)
			r.log.Warn("seq assignment failed", "id", rec.ID, "error", err)
		}
		rec.Seq = seq
	}

	r.ring.Add(rec.Chunk())

	r.mu.Lock()
	if rec.Seq > r.cardsLastSeq {
		r.cardsLastSeq = rec.Seq
	}
	if rec.Seq > r.factsLastSeq {
		r.factsLastSeq = rec.Seq
	}
	r.pendingFactsSeq = r.factsLastSeq
	r.mu.Unlock()

	r.dispatchCards(ctx, rec)
	r.resetFactsDebounce()
	return nil
}

// Replay rebuilds buffer state from a persisted record without dispatching.
func (r *EventRuntime) Replay(rec types.TranscriptRecord) {
	if !rec.Final {
		return
	}
	r.ring.Add(rec.Chunk())
	r.mu.Lock()
	if rec.Seq > r.cardsLastSeq {
		r.cardsLastSeq = rec.Seq
	}
	if rec.Seq > r.factsLastSeq {
		r.factsLastSeq = rec.Seq
	}
	r.mu.Unlock()
}

// nextSeq assigns the next sequence for a record that arrived without one.
func (r *EventRuntime) nextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.cardsLastSeq
	if r.factsLastSeq > seq {
		seq = r.factsLastSeq
	}
	return seq + 1
}

// Stop cancels the debounce timer. Pending Facts work is flushed by the
// caller via FlushFacts when shutdown wants it.
func (r *EventRuntime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
}

// ── Cards path ──

func (r *EventRuntime) dispatchCards(ctx context.Context, rec types.TranscriptRecord) {
	snap := r.promptSnapshot(r.cfg.CardsInstructions)
	cardsCtx := r.builder.BuildCardsContext(snap, rec.Text)

	r.mu.Lock()
	r.lastTokens = cardsCtx.Tokens
	sender := r.cardsSession
	fallback := r.fallback
	r.mu.Unlock()

	r.logBudget(cardsCtx.Tokens.Total)

	if sender == nil {
		r.cardsLog.Append("warn", "no cards session installed, seq %d skipped", rec.Seq)
		return
	}

	msg := realtime.Message{
		Role:    "user",
		Content: rec.Text,
		Context: cardsContextItems(cardsCtx),
	}

	if err := sender.Send(ctx, msg); err != nil {
		r.cardsLog.Append("warn", "cards send failed at seq %d: %v", rec.Seq, err)
		r.log.Warn("cards send failed", "seq", rec.Seq, "error", err)

		if fallback == nil {
			return
		}
		payload, ferr := fallback.Generate(ctx, cardsCtx, rec.Text)
		if ferr != nil {
			r.cardsLog.Append("error", "cards fallback failed at seq %d: %v", rec.Seq, ferr)
			return
		}
		r.appendOutput(ctx, types.AgentCards, rec.Seq, payload, true)
	}

	// Send accepted (or fallback produced a result): advance the checkpoint.
	r.checkpoint(ctx, types.AgentCards, rec.Seq)
}

// cardsContextItems flattens the assembled context into provider items.
func cardsContextItems(c prompt.CardsContext) []realtime.ContextItem {
	items := make([]realtime.ContextItem, 0, len(c.Bullets)+1)
	for _, b := range c.Bullets {
		items = append(items, realtime.ContextItem{Role: "system", Content: b})
	}
	if c.GlossaryContext != "" {
		items = append(items, realtime.ContextItem{Role: "system", Content: "Glossary:\n" + c.GlossaryContext})
	}
	return items
}

// logBudget classifies token usage against the configured budget.
func (r *EventRuntime) logBudget(total int) {
	budget := r.cfg.TokenBudget
	usage := float64(total) / float64(budget)
	switch {
	case usage >= r.cfg.CriticalRatio:
		r.cardsLog.Append("error", "token budget critical: %d/%d", total, budget)
		r.log.Error("token budget critical", "tokens", total, "budget", budget)
	case usage >= r.cfg.WarnRatio:
		r.cardsLog.Append("warn", "token budget high: %d/%d", total, budget)
		r.log.Warn("token budget high", "tokens", total, "budget", budget)
	}
}

// ── Facts path ──

// resetFactsDebounce (re)arms the debounce timer. The timer fires into
// FlushFacts on its own goroutine; FlushFacts serializes with Ingest through
// the runtime mutex state it touches.
func (r *EventRuntime) resetFactsDebounce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = time.AfterFunc(r.cfg.FactsDebounce, func() {
		r.FlushFacts(context.Background())
	})
}

// FlushFacts runs the Facts dispatch immediately: context assembly,
// budgeting, lifecycle transitions, persistence, checkpoint. Invoked by the
// debounce timer and by orchestrator shutdown.
func (r *EventRuntime) FlushFacts(ctx context.Context) {
	r.mu.Lock()
	if r.pendingFactsSeq == 0 {
		r.mu.Unlock()
		return
	}
	seq := r.pendingFactsSeq
	r.pendingFactsSeq = 0
	sender := r.factsSession
	r.mu.Unlock()

	r.refreshGlossary(ctx)

	snap := r.promptSnapshot(r.cfg.FactsInstructions)
	factsCtx := r.builder.BuildFactsContext(snap)

	result := r.budgeter.Budget(prompt.BudgetInput{
		Facts:             snap.Facts,
		RecentTranscript:  factsCtx.RecentText,
		TotalBudgetTokens: r.cfg.TokenBudget,
		TranscriptTokens:  factsCtx.Tokens.Transcript,
		GlossaryTokens:    factsCtx.Tokens.Glossary,
	})

	if sender != nil {
		msg := realtime.Message{
			Role:    "user",
			Content: factsCtx.RecentText,
			Context: factsContextItems(factsCtx, result),
		}
		if err := sender.Send(ctx, msg); err != nil {
			r.factsLog.Append("warn", "facts send failed at seq %d: %v", seq, err)
			r.log.Warn("facts send failed", "seq", seq, "error", err)
			// Lifecycle still runs; the checkpoint does not advance.
			r.applyFactsLifecycle(ctx, result)
			return
		}
	}

	r.applyFactsLifecycle(ctx, result)
	r.checkpoint(ctx, types.AgentFacts, seq)

	r.mu.Lock()
	r.factsLastUpdate = r.now()
	r.mu.Unlock()
}

func factsContextItems(c prompt.FactsContext, result prompt.BudgetResult) []realtime.ContextItem {
	items := []realtime.ContextItem{}
	if c.Context != "" {
		items = append(items, realtime.ContextItem{Role: "system", Content: c.Context})
	}
	for _, f := range result.PromptFacts {
		items = append(items, realtime.ContextItem{Role: "system", Content: prompt.FactLine(f)})
	}
	return items
}

// applyFactsLifecycle runs the post-budget fact transitions: confidence
// adjustments, merges, miss streaks, dormancy, revival, and pruning.
func (r *EventRuntime) applyFactsLifecycle(ctx context.Context, result prompt.BudgetResult) {
	adjustments := make([]ConfidenceAdjustment, 0, len(result.FactAdjustments))
	for _, adj := range result.FactAdjustments {
		adjustments = append(adjustments, ConfidenceAdjustment{Key: adj.Key, Delta: adj.Delta})
	}
	r.facts.ApplyConfidenceAdjustments(adjustments)

	now := r.now()
	for _, op := range result.MergeOperations {
		r.facts.RecordMerge(op.Rep, op.Members, now)
	}

	selected := make(map[string]struct{}, len(result.SelectedFacts))
	for _, f := range result.SelectedFacts {
		selected[f.Key] = struct{}{}
	}

	// Miss streaks for eligible-but-unselected facts, then dormancy.
	for _, f := range r.facts.GetAll(false) {
		if _, ok := selected[f.Key]; ok {
			continue
		}
		streak := r.facts.RecordMiss(f.Key)
		idle := now.Sub(f.LastTouchedAt)
		if streak >= r.cfg.DormantMissStreak || idle >= r.cfg.DormantIdle {
			r.mu.Lock()
			r.dormantBaseline[f.Key] = f.Confidence
			r.mu.Unlock()
			r.facts.MarkDormant(f.Key, now, r.cfg.DormancyDrop)
			r.factsLog.Append("info", "fact %s dormant (streak %d, idle %s)", f.Key, streak, idle.Round(time.Second))
		}
	}

	// Revival with hysteresis, and pruning after continuous dormancy.
	for _, f := range r.facts.GetAll(true) {
		if !f.Dormant() {
			continue
		}
		r.mu.Lock()
		baseline, ok := r.dormantBaseline[f.Key]
		r.mu.Unlock()
		if ok && r.facts.ReviveFromSelection(f.Key, baseline, f.Confidence, now, r.cfg.ReviveDelta) {
			r.mu.Lock()
			delete(r.dormantBaseline, f.Key)
			r.mu.Unlock()
			r.factsLog.Append("info", "fact %s revived", f.Key)
			continue
		}
		if now.Sub(f.DormantAt) >= r.cfg.PruneAfter {
			r.facts.Prune(f.Key, now)
			r.mu.Lock()
			delete(r.dormantBaseline, f.Key)
			r.mu.Unlock()
		}
	}

	// Persist pruned keys as inactive; failures never fail the dispatch.
	if pruned := r.facts.DrainPrunedKeys(); len(pruned) > 0 {
		if err := r.deps.Facts.Deactivate(ctx, r.eventID, pruned); err != nil {
			r.factsLog.Append("warn", "deactivate pruned keys: %v", err)
			r.log.Warn("deactivate pruned keys", "keys", len(pruned), "error", err)
		} else {
			r.factsLog.Append("info", "pruned %d facts", len(pruned))
		}
	}

	// Persist the surviving facts.
	if err := r.deps.Facts.SaveAll(ctx, r.eventID, r.facts.GetAll(true)); err != nil {
		r.factsLog.Append("warn", "persist facts: %v", err)
		r.log.Warn("persist facts", "error", err)
	}
}

// UpsertFact applies a provider-extracted fact to the store. Called by the
// orchestrator when a Facts response arrives.
func (r *EventRuntime) UpsertFact(key string, value json.RawMessage, confidence float64, seq, sourceID uint64) {
	r.facts.Upsert(key, value, confidence, seq, sourceID)
}

// AppendOutput persists a completed agent response payload.
func (r *EventRuntime) AppendOutput(ctx context.Context, agent types.AgentType, seq uint64, payload json.RawMessage) {
	r.appendOutput(ctx, agent, seq, payload, false)
}

func (r *EventRuntime) appendOutput(ctx context.Context, agent types.AgentType, seq uint64, payload json.RawMessage, fallback bool) {
	if r.deps.Outputs == nil {
		return
	}
	out := types.AgentOutput{
		EventID:   r.eventID,
		Agent:     agent,
		Seq:       seq,
		Payload:   payload,
		Fallback:  fallback,
		CreatedAt: r.now().UTC(),
	}
	if err := r.deps.Outputs.Append(ctx, out); err != nil {
		r.logFor(agent).Append("warn", "persist output: %v", err)
		r.log.Warn("persist output", "agent", string(agent), "error", err)
	}
}

// refreshGlossary re-selects the cached glossary: the entries nearest the
// recent transcript embedding, when an embedder is installed. Both dispatch
// paths read the cache, so cards prompts pick the refresh up too. Failures
// keep the previous selection.
func (r *EventRuntime) refreshGlossary(ctx context.Context) {
	r.mu.Lock()
	embedder := r.embedder
	r.mu.Unlock()
	if embedder == nil {
		return
	}

	recent := r.ring.RecentText(r.cfg.RecentTextChars)
	if recent == "" {
		return
	}

	vec, err := embedder.Embed(ctx, recent)
	if err != nil {
		r.factsLog.Append("warn", "glossary embedding failed: %v", err)
		r.log.Warn("glossary embedding failed", "error", err)
		return
	}

	entries, err := r.deps.Glossary.Similar(ctx, r.eventID, vec, glossarySimilarLimit)
	if err != nil {
		r.factsLog.Append("warn", "glossary similarity lookup failed: %v", err)
		r.log.Warn("glossary similarity lookup failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	r.mu.Lock()
	r.glossary = entries
	r.mu.Unlock()
}

// ── shared plumbing ──

// promptSnapshot captures the prompt-eligible state under the mutex.
func (r *EventRuntime) promptSnapshot(instructions string) prompt.Snapshot {
	r.mu.Lock()
	glossary := r.glossary
	r.mu.Unlock()

	return prompt.Snapshot{
		SystemPrompt:     instructions,
		RecentTranscript: r.ring.RecentText(r.cfg.RecentTextChars),
		Facts:            r.facts.GetAll(false),
		Glossary:         glossary,
	}
}

// checkpoint writes seq for agent with bounded retries. Persistent failure
// moves the runtime to error status.
func (r *EventRuntime) checkpoint(ctx context.Context, agent types.AgentType, seq uint64) {
	var err error
	for attempt := 0; attempt < checkpointRetries; attempt++ {
		if err = r.deps.Checkpoints.Put(ctx, r.eventID, agent, seq); err == nil {
			r.markDurable(agent, seq)
			return
		}
	}

	r.logFor(agent).Append("error", "checkpoint write failed after %d attempts: %v", checkpointRetries, err)
	r.log.Error("checkpoint write failed",
		"agent", string(agent),
		"seq", seq,
		"attempts", checkpointRetries,
		"error", err)

	r.mu.Lock()
	r.status = types.RuntimeError
	r.lastError = fmt.Sprintf("checkpoint: %v", err)
	r.mu.Unlock()
}

// markDurable records a successful checkpoint write for agent.
func (r *EventRuntime) markDurable(agent types.AgentType, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch agent {
	case types.AgentFacts:
		if seq > r.factsDurableSeq {
			r.factsDurableSeq = seq
		}
	default:
		if seq > r.cardsDurableSeq {
			r.cardsDurableSeq = seq
		}
	}
}

// AppendLog records an externally observed log line (session events,
// orchestrator supervision) in the per-agent ring.
func (r *EventRuntime) AppendLog(agent types.AgentType, level, format string, args ...any) {
	r.logFor(agent).Append(level, format, args...)
}

func (r *EventRuntime) logFor(agent types.AgentType) *LogRing {
	if agent == types.AgentFacts {
		return r.factsLog
	}
	return r.cardsLog
}

// RestoreFacts installs a fact set wholesale, used by recovery.
func (r *EventRuntime) RestoreFacts(facts []types.Fact) {
	r.facts.Restore(facts)
}

// Snapshot copies the observable runtime state. Safe to call from any
// goroutine; never blocks on session I/O.
func (r *EventRuntime) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		EventID:         r.eventID,
		Status:          r.status,
		CardsLastSeq:    r.cardsLastSeq,
		FactsLastSeq:    r.factsLastSeq,
		LastTokens:      r.lastTokens,
		FactsLastUpdate: r.factsLastUpdate,
		LastError:       r.lastError,
	}
	r.mu.Unlock()

	s.Ring = r.ring.Stats()
	s.FactsCount = r.facts.Len()
	s.CardsLogs = r.cardsLog.LastN(50)
	s.FactsLogs = r.factsLog.LastN(50)
	return s
}
