// Package orchestrator hosts the process-wide supervisor: it subscribes to
// the transcript change stream, routes records into per-event runtimes,
// drives the start/pause/resume/end lifecycle, and recovers active events
// after a restart.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stagehand-live/stagehand/internal/observe"
	"github.com/stagehand-live/stagehand/internal/runtime"
	"github.com/stagehand-live/stagehand/internal/session"
	"github.com/stagehand-live/stagehand/pkg/store"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// Default orchestrator parameters.
const (
	defaultStartDeadline   = 15 * time.Second
	defaultStatusInterval  = 5 * time.Second
	defaultSummaryInterval = 5 * time.Minute
	defaultFlushInterval   = 30 * time.Second
	defaultShutdownDrain   = 10 * time.Second

	defaultQueueCapacity = 1024
)

// Errors returned by the lifecycle API.
var (
	// ErrIllegalTransition is returned when a lifecycle command is not legal
	// for the event's current state.
	ErrIllegalTransition = errors.New("orchestrator: illegal state transition")

	// ErrUnknownEvent is returned for commands against events with no
	// runtime.
	ErrUnknownEvent = errors.New("orchestrator: unknown event")
)

// Config tunes the orchestrator. Zero values select the defaults named on
// each field.
type Config struct {
	// Runtime is the per-event runtime configuration template.
	Runtime runtime.Config

	// Session is the per-session configuration template.
	Session session.CreateConfig

	// CardsModel and FactsModel select the provider models.
	CardsModel string
	FactsModel string

	// CardsInstructions and FactsInstructions are the agent system prompts.
	CardsInstructions string
	FactsInstructions string

	// StartDeadline bounds start_event end to end. Default 15s.
	StartDeadline time.Duration

	// StatusInterval is the status emit cadence. Default 5s.
	StatusInterval time.Duration

	// SummaryInterval is the summary log cadence. Default 5m.
	SummaryInterval time.Duration

	// FlushInterval is the safety-net checkpoint flush cadence. Default 30s.
	FlushInterval time.Duration

	// ShutdownDrain is the global queue-drain budget on shutdown.
	// Default 10s.
	ShutdownDrain time.Duration

	// QueueCapacity bounds each per-event ingest queue. Default 1024.
	QueueCapacity int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.StartDeadline <= 0 {
		c.StartDeadline = defaultStartDeadline
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = defaultStatusInterval
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = defaultSummaryInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.ShutdownDrain <= 0 {
		c.ShutdownDrain = defaultShutdownDrain
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Deps are the collaborators the orchestrator composes.
type Deps struct {
	Checkpoints store.CheckpointStore
	Transcripts store.TranscriptStore
	Glossary    store.GlossaryStore
	Facts       store.FactStore
	Outputs     store.OutputStore
	Records     store.SessionStore

	Stream   store.ChangeStream
	Sessions *session.Manager

	// Fallback is the optional Cards fallback generator.
	Fallback runtime.CardsFallback

	// Embedder is optional; when set, runtimes refresh their glossary
	// selection by similarity to the recent transcript.
	Embedder runtime.Embedder

	// Metrics is optional; nil disables instrument recording.
	Metrics *observe.Metrics
}

// eventWorker bundles everything owned per active event.
type eventWorker struct {
	rt    *runtime.EventRuntime
	queue *runtime.IngestQueue
	cards *session.RealtimeSession
	facts *session.RealtimeSession

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	seenIDs map[uint64]struct{}
}

// markSeen records id and reports whether it was new. Duplicate change-stream
// deliveries (same id) are ignored: first write wins.
func (w *eventWorker) markSeen(id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seenIDs[id]; ok {
		return false
	}
	w.seenIDs[id] = struct{}{}
	return true
}

// Orchestrator is the process-wide singleton supervising all event runtimes.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	workers  map[string]*eventWorker
	starting map[string]chan struct{}

	notifyMu sync.Mutex
	notify   func(eventID string)

	wg sync.WaitGroup
}

// New creates an orchestrator. Call [Orchestrator.Run] to begin consuming
// the transcript stream.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      cfg.Logger,
		workers:  make(map[string]*eventWorker),
		starting: make(map[string]chan struct{}),
	}
}

// SetStatusNotifier installs a callback invoked on session state changes so
// the status emitter can push an immediate snapshot.
func (o *Orchestrator) SetStatusNotifier(fn func(eventID string)) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.notify = fn
}

func (o *Orchestrator) notifyStatus(eventID string) {
	o.notifyMu.Lock()
	fn := o.notify
	o.notifyMu.Unlock()
	if fn != nil {
		fn(eventID)
	}
}

// Run subscribes to the transcript change stream and routes records until
// ctx is cancelled. It also drives the periodic status, summary, and
// checkpoint-flush tasks.
func (o *Orchestrator) Run(ctx context.Context) error {
	records, err := o.deps.Stream.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe: %w", err)
	}
	o.log.Info("transcript stream subscribed")

	statusTick := time.NewTicker(o.cfg.StatusInterval)
	defer statusTick.Stop()
	summaryTick := time.NewTicker(o.cfg.SummaryInterval)
	defer summaryTick.Stop()
	flushTick := time.NewTicker(o.cfg.FlushInterval)
	defer flushTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-records:
			if !ok {
				// A cancelled context closes the subscription; report the
				// cancellation rather than losing the race to the closed
				// channel.
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("orchestrator: transcript stream closed")
			}
			o.route(ctx, rec)
		case <-statusTick.C:
			o.emitStatus()
		case <-summaryTick.C:
			o.logSummary()
		case <-flushTick.C:
			o.flushCheckpoints(ctx)
		}
	}
}

// route hands rec to its event's worker. Records for inactive events are
// dropped; duplicate ids are ignored.
func (o *Orchestrator) route(ctx context.Context, rec types.TranscriptRecord) {
	o.mu.Lock()
	w, ok := o.workers[rec.EventID]
	o.mu.Unlock()
	if !ok {
		return
	}
	if !w.markSeen(rec.ID) {
		return
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordIngest(ctx, rec.EventID, rec.Final)
	}

	delayed, err := w.queue.Push(ctx, rec)
	if err != nil {
		o.log.Warn("ingest enqueue failed", "event_id", rec.EventID, "id", rec.ID, "error", err)
		return
	}
	if delayed {
		o.log.Warn("final chunk delayed by backpressure", "event_id", rec.EventID, "seq", rec.Seq)
		if o.deps.Metrics != nil {
			o.deps.Metrics.ChunksDelayed.Add(ctx, 1)
		}
	}
}

// ── lifecycle API ──

// StartEvent builds the runtime and sessions for eventID and begins
// dispatching. Idempotent: a concurrent or repeated start observes the
// running event and returns.
func (o *Orchestrator) StartEvent(ctx context.Context, eventID string) error {
	o.mu.Lock()
	if w, ok := o.workers[eventID]; ok {
		o.mu.Unlock()
		if w.rt.Status() == types.RuntimeRunning {
			return nil
		}
		return fmt.Errorf("%w: start while %s", ErrIllegalTransition, w.rt.Status())
	}
	if wait, inFlight := o.starting[eventID]; inFlight {
		o.mu.Unlock()
		// A concurrent start is already underway; wait for it.
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		o.mu.Lock()
		_, ok := o.workers[eventID]
		o.mu.Unlock()
		if ok {
			return nil
		}
		return fmt.Errorf("orchestrator: concurrent start of %s failed", eventID)
	}
	guard := make(chan struct{})
	o.starting[eventID] = guard
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.starting, eventID)
		o.mu.Unlock()
		close(guard)
	}()

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.StartDeadline)
	defer cancel()

	w, err := o.buildWorker(startCtx, eventID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.workers[eventID] = w
	o.mu.Unlock()

	if o.deps.Metrics != nil {
		o.deps.Metrics.ActiveRuntimes.Add(ctx, 1)
	}
	o.log.Info("event started", "event_id", eventID)
	o.notifyStatus(eventID)
	return nil
}

// buildWorker constructs the runtime, creates and connects both sessions,
// and launches the dispatch and event loops. On any failure the partially
// created sessions are closed best-effort.
func (o *Orchestrator) buildWorker(ctx context.Context, eventID string) (*eventWorker, error) {
	rtCfg := o.cfg.Runtime
	rtCfg.CardsInstructions = o.cfg.CardsInstructions
	rtCfg.FactsInstructions = o.cfg.FactsInstructions
	rtCfg.Logger = o.log

	rt, err := runtime.NewEventRuntime(ctx, eventID, rtCfg, runtime.Deps{
		Checkpoints: o.deps.Checkpoints,
		Transcripts: o.deps.Transcripts,
		Glossary:    o.deps.Glossary,
		Facts:       o.deps.Facts,
		Outputs:     o.deps.Outputs,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start %s: %w", eventID, err)
	}

	cards, err := o.createSession(eventID, types.AgentCards)
	if err != nil {
		return nil, err
	}
	facts, err := o.createSession(eventID, types.AgentFacts)
	if err != nil {
		o.deps.Sessions.Remove(eventID, types.AgentCards)
		return nil, err
	}

	// Connect both transports in parallel under the start deadline.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cards.Connect(gctx) })
	g.Go(func() error { return facts.Connect(gctx) })
	if err := g.Wait(); err != nil {
		o.rollbackSessions(eventID, cards, facts)
		return nil, fmt.Errorf("orchestrator: start %s: %w", eventID, err)
	}

	rt.SetSessions(cards, facts)
	if o.deps.Fallback != nil {
		rt.SetFallback(o.deps.Fallback)
	}
	if o.deps.Embedder != nil {
		rt.SetEmbedder(o.deps.Embedder)
	}
	rt.SetStatus(types.RuntimeRunning)

	w := &eventWorker{
		rt:      rt,
		queue:   runtime.NewIngestQueue(o.cfg.QueueCapacity),
		cards:   cards,
		facts:   facts,
		done:    make(chan struct{}),
		seenIDs: make(map[uint64]struct{}),
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	o.wg.Add(3)
	go o.dispatchLoop(loopCtx, w)
	go o.sessionEventLoop(loopCtx, w, cards)
	go o.sessionEventLoop(loopCtx, w, facts)

	return w, nil
}

func (o *Orchestrator) createSession(eventID string, agent types.AgentType) (*session.RealtimeSession, error) {
	cfg := o.cfg.Session
	switch agent {
	case types.AgentCards:
		cfg.Model = o.cfg.CardsModel
		cfg.Instructions = o.cfg.CardsInstructions
	case types.AgentFacts:
		cfg.Model = o.cfg.FactsModel
		cfg.Instructions = o.cfg.FactsInstructions
	}
	sess, err := o.deps.Sessions.Create(eventID, agent, cfg)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create %s session: %w", agent, err)
	}
	return sess, nil
}

// rollbackSessions closes partially started sessions after a failed start.
func (o *Orchestrator) rollbackSessions(eventID string, sessions ...*session.RealtimeSession) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range sessions {
		if s == nil {
			continue
		}
		if err := s.Close(closeCtx); err != nil {
			o.log.Warn("rollback close failed", "event_id", eventID, "error", err)
		}
	}
	o.deps.Sessions.Remove(eventID, types.AgentCards)
	o.deps.Sessions.Remove(eventID, types.AgentFacts)
}

// PauseEvent suspends dispatch for a running event: sessions close, state is
// preserved in memory for a cheap resume.
func (o *Orchestrator) PauseEvent(ctx context.Context, eventID string) error {
	w, err := o.worker(eventID)
	if err != nil {
		return err
	}
	if w.rt.Status() != types.RuntimeRunning {
		return fmt.Errorf("%w: pause while %s", ErrIllegalTransition, w.rt.Status())
	}

	// Flush pending facts work before the transport goes away.
	w.rt.FlushFacts(ctx)
	w.rt.Stop()

	var errs []error
	if err := w.cards.Pause(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := w.facts.Pause(ctx); err != nil {
		errs = append(errs, err)
	}
	w.rt.SetStatus(types.RuntimePaused)
	o.notifyStatus(eventID)
	return errors.Join(errs...)
}

// ResumeEvent reopens sessions for a paused event. Sessions that are still
// OPEN are left untouched.
func (o *Orchestrator) ResumeEvent(ctx context.Context, eventID string) error {
	w, err := o.worker(eventID)
	if err != nil {
		return err
	}
	if w.rt.Status() != types.RuntimePaused {
		return fmt.Errorf("%w: resume while %s", ErrIllegalTransition, w.rt.Status())
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []*session.RealtimeSession{w.cards, w.facts} {
		if s.State() == session.StateOpen {
			continue // already connected, skip reconnect
		}
		g.Go(func() error { return s.Resume(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("orchestrator: resume %s: %w", eventID, err)
	}

	w.rt.SetStatus(types.RuntimeRunning)
	o.notifyStatus(eventID)
	return nil
}

// EndEvent shuts an event down: flush facts, final checkpoints, close
// sessions, stop loops, drop the worker.
func (o *Orchestrator) EndEvent(ctx context.Context, eventID string) error {
	o.mu.Lock()
	w, ok := o.workers[eventID]
	if ok {
		delete(o.workers, eventID)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}

	st := w.rt.Status()
	if st != types.RuntimeRunning && st != types.RuntimePaused && st != types.RuntimeError {
		return fmt.Errorf("%w: end while %s", ErrIllegalTransition, st)
	}

	o.stopWorker(ctx, w, eventID)
	w.rt.SetStatus(types.RuntimeEnded)

	if o.deps.Metrics != nil {
		o.deps.Metrics.ActiveRuntimes.Add(ctx, -1)
	}
	o.log.Info("event ended", "event_id", eventID)
	o.notifyStatus(eventID)
	return nil
}

// stopWorker flushes state and tears down a worker's loops and sessions.
func (o *Orchestrator) stopWorker(ctx context.Context, w *eventWorker, eventID string) {
	w.rt.FlushFacts(ctx)
	w.rt.Stop()
	o.flushWorkerCheckpoints(ctx, w)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := w.cards.Close(closeCtx); err != nil {
		o.log.Warn("cards session close", "event_id", eventID, "error", err)
	}
	if err := w.facts.Close(closeCtx); err != nil {
		o.log.Warn("facts session close", "event_id", eventID, "error", err)
	}
	o.deps.Sessions.Remove(eventID, types.AgentCards)
	o.deps.Sessions.Remove(eventID, types.AgentFacts)

	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}
}

// Shutdown drains all per-event queues within the configured budget, then
// stops every worker.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	workers := make(map[string]*eventWorker, len(o.workers))
	for id, w := range o.workers {
		workers[id] = w
	}
	o.workers = make(map[string]*eventWorker)
	o.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownDrain)
	defer cancel()

	// Close queues so dispatch loops drain and exit.
	for _, w := range workers {
		w.queue.Close()
	}
	for id, w := range workers {
		select {
		case <-w.done:
		case <-drainCtx.Done():
			o.log.Warn("queue drain timed out", "event_id", id)
		}
	}

	var errs []error
	for _, w := range workers {
		w.rt.FlushFacts(ctx)
		w.rt.Stop()
		o.flushWorkerCheckpoints(ctx, w)
		if w.cancel != nil {
			w.cancel()
		}
	}
	if err := o.deps.Sessions.CloseAll(ctx); err != nil {
		errs = append(errs, err)
	}

	o.wg.Wait()
	o.log.Info("orchestrator shut down", "events", len(workers))
	return errors.Join(errs...)
}

// ── worker loops ──

// dispatchLoop is the single writer for one runtime: it pops the bounded
// queue and ingests in order.
func (o *Orchestrator) dispatchLoop(ctx context.Context, w *eventWorker) {
	defer o.wg.Done()
	defer close(w.done)

	for {
		rec, err := w.queue.Pop(ctx)
		if err != nil {
			return
		}
		if err := w.rt.Ingest(ctx, rec); err != nil {
			o.log.Warn("ingest failed", "event_id", rec.EventID, "seq", rec.Seq, "error", err)
		}
	}
}

// sessionEventLoop consumes one session's outbound events: agent results are
// applied and persisted, error transitions trigger a supervised resume.
func (o *Orchestrator) sessionEventLoop(ctx context.Context, w *eventWorker, s *session.RealtimeSession) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			o.handleSessionEvent(ctx, w, s, ev)
		}
	}
}

func (o *Orchestrator) handleSessionEvent(ctx context.Context, w *eventWorker, s *session.RealtimeSession, ev session.Event) {
	switch ev.Kind {
	case session.EventCard:
		cards, _ := w.rt.Checkpoints()
		w.rt.AppendOutput(ctx, types.AgentCards, cards, ev.Payload)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordDispatch(ctx, "cards", "completed")
		}

	case session.EventFacts:
		o.applyFactsPayload(w, ev.Payload)
		_, facts := w.rt.Checkpoints()
		w.rt.AppendOutput(ctx, types.AgentFacts, facts, ev.Payload)
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordDispatch(ctx, "facts", "completed")
		}

	case session.EventLog:
		w.rt.AppendLog(ev.Agent, "warn", "%s", ev.Message)

	case session.EventStatusChange:
		o.notifyStatus(ev.EventID)
		if ev.State == session.StateError {
			if o.deps.Metrics != nil {
				o.deps.Metrics.RecordSessionError(ctx, string(ev.Agent))
			}
			o.superviseError(ctx, w, s, ev)
		}
	}
}

// superviseError attempts one supervised resume after a session ERROR
// (liveness loss, reconnect exhaustion). A failed resume moves the runtime
// to error status.
func (o *Orchestrator) superviseError(ctx context.Context, w *eventWorker, s *session.RealtimeSession, ev session.Event) {
	o.log.Warn("session error, attempting supervised resume",
		"event_id", ev.EventID, "agent", string(ev.Agent))
	w.rt.AppendLog(ev.Agent, "error", "session error, supervisor resuming")

	if err := s.Resume(ctx); err != nil {
		o.log.Error("supervised resume failed",
			"event_id", ev.EventID, "agent", string(ev.Agent), "error", err)
		w.rt.AppendLog(ev.Agent, "error", "supervised resume failed: %v", err)
		w.rt.SetStatus(types.RuntimeError)
		o.notifyStatus(ev.EventID)
		return
	}
	o.log.Info("supervised resume succeeded", "event_id", ev.EventID, "agent", string(ev.Agent))
}

// factsPayload is the provider's Facts response shape.
type factsPayload struct {
	Facts []struct {
		Key        string          `json:"key"`
		Value      json.RawMessage `json:"value"`
		Confidence float64         `json:"confidence"`
		SourceSeq  uint64          `json:"source_seq"`
		SourceID   uint64          `json:"source_id"`
	} `json:"facts"`
}

// applyFactsPayload parses an extraction result and upserts each fact.
// Malformed payloads are logged and skipped; the session stays alive.
func (o *Orchestrator) applyFactsPayload(w *eventWorker, payload json.RawMessage) {
	var parsed factsPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		w.rt.AppendLog(types.AgentFacts, "error", "malformed facts payload: %v", err)
		return
	}
	for _, f := range parsed.Facts {
		if f.Key == "" {
			continue
		}
		conf := f.Confidence
		if conf <= 0 {
			conf = 0.5
		}
		w.rt.UpsertFact(f.Key, f.Value, conf, f.SourceSeq, f.SourceID)
	}
}

// ── periodic tasks ──

// Snapshots returns a snapshot per active runtime, ordered arbitrarily.
func (o *Orchestrator) Snapshots() []runtime.Snapshot {
	o.mu.Lock()
	workers := make([]*eventWorker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()

	out := make([]runtime.Snapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.rt.Snapshot())
	}
	return out
}

// Snapshot returns the snapshot for one event.
func (o *Orchestrator) Snapshot(eventID string) (runtime.Snapshot, bool) {
	o.mu.Lock()
	w, ok := o.workers[eventID]
	o.mu.Unlock()
	if !ok {
		return runtime.Snapshot{}, false
	}
	return w.rt.Snapshot(), true
}

func (o *Orchestrator) emitStatus() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.workers))
	for id := range o.workers {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.notifyStatus(id)
	}
}

func (o *Orchestrator) logSummary() {
	snaps := o.Snapshots()
	for _, s := range snaps {
		o.log.Info("runtime summary",
			"event_id", s.EventID,
			"status", string(s.Status),
			"cards_last_seq", s.CardsLastSeq,
			"facts_last_seq", s.FactsLastSeq,
			"ring_total", s.Ring.Total,
			"facts_count", s.FactsCount,
			"last_tokens", s.LastTokens.Total,
		)
	}
}

// flushCheckpoints is the periodic safety net: per-dispatch writes already
// persist cursors, this re-writes the last durably dispatched ones.
func (o *Orchestrator) flushCheckpoints(ctx context.Context) {
	o.mu.Lock()
	workers := make([]*eventWorker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()
	for _, w := range workers {
		o.flushWorkerCheckpoints(ctx, w)
	}
}

// flushWorkerCheckpoints persists the durable cursors only. The ingest
// cursors run ahead of dispatch, and a seq whose send failed must stay
// replayable after a restart.
func (o *Orchestrator) flushWorkerCheckpoints(ctx context.Context, w *eventWorker) {
	cards, facts := w.rt.DurableCheckpoints()
	eventID := w.rt.EventID()
	if cards > 0 {
		if err := o.deps.Checkpoints.Put(ctx, eventID, types.AgentCards, cards); err != nil {
			o.log.Warn("checkpoint flush failed", "event_id", eventID, "agent", "cards", "error", err)
		}
	}
	if facts > 0 {
		if err := o.deps.Checkpoints.Put(ctx, eventID, types.AgentFacts, facts); err != nil {
			o.log.Warn("checkpoint flush failed", "event_id", eventID, "agent", "facts", "error", err)
		}
	}
}

func (o *Orchestrator) worker(eventID string) (*eventWorker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}
	return w, nil
}

// ActiveEvents returns the ids of all events with a live worker.
func (o *Orchestrator) ActiveEvents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.workers))
	for id := range o.workers {
		out = append(out, id)
	}
	return out
}
