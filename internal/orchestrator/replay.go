package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stagehand-live/stagehand/internal/runtime"
	"github.com/stagehand-live/stagehand/internal/session"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// Recovery parameters.
const (
	// replayBatchLimit bounds each transcript fetch during recovery.
	replayBatchLimit = 1000

	// gapWarnThreshold is the checkpoint-to-head distance that triggers a
	// large-gap warning.
	gapWarnThreshold = 10000
)

// Recover rebuilds runtimes for every event with an ACTIVE session record:
// restore facts, replay finalized transcripts past the older checkpoint,
// then reconnect both sessions. Events that fail to recover are logged and
// skipped; the rest come back.
func (o *Orchestrator) Recover(ctx context.Context) error {
	recs, err := o.deps.Records.ListByStatus(ctx, types.SessionActive)
	if err != nil {
		return fmt.Errorf("orchestrator: list active sessions: %w", err)
	}

	events := make(map[string]struct{})
	for _, rec := range recs {
		events[rec.EventID] = struct{}{}
	}
	if len(events) == 0 {
		o.log.Info("recovery found no active events")
		return nil
	}
	o.log.Info("recovering active events", "count", len(events))

	for eventID := range events {
		if err := o.recoverEvent(ctx, eventID); err != nil {
			o.log.Error("event recovery failed", "event_id", eventID, "error", err)
			continue
		}
		o.log.Info("event recovered", "event_id", eventID)
	}
	return nil
}

// recoverEvent restores one event end to end. The runtime replays from the
// older of the two agent checkpoints so both cursors catch up to the
// transcript head before any live dispatch.
func (o *Orchestrator) recoverEvent(ctx context.Context, eventID string) error {
	o.mu.Lock()
	_, exists := o.workers[eventID]
	o.mu.Unlock()
	if exists {
		return nil
	}

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.StartDeadline)
	defer cancel()

	if err := o.reconcileCheckpoints(startCtx, eventID); err != nil {
		return fmt.Errorf("orchestrator: recover %s: %w", eventID, err)
	}

	rtCfg := o.cfg.Runtime
	rtCfg.CardsInstructions = o.cfg.CardsInstructions
	rtCfg.FactsInstructions = o.cfg.FactsInstructions
	rtCfg.Logger = o.log

	rt, err := runtime.NewEventRuntime(startCtx, eventID, rtCfg, runtime.Deps{
		Checkpoints: o.deps.Checkpoints,
		Transcripts: o.deps.Transcripts,
		Glossary:    o.deps.Glossary,
		Facts:       o.deps.Facts,
		Outputs:     o.deps.Outputs,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: recover %s: %w", eventID, err)
	}

	facts, err := o.deps.Facts.ListActive(startCtx, eventID)
	if err != nil {
		return fmt.Errorf("orchestrator: recover %s: load facts: %w", eventID, err)
	}
	rt.RestoreFacts(facts)

	replayed, err := o.replayTranscripts(startCtx, rt)
	if err != nil {
		return fmt.Errorf("orchestrator: recover %s: %w", eventID, err)
	}

	cards, err := o.reattachSession(startCtx, eventID, types.AgentCards)
	if err != nil {
		return err
	}
	factsSess, err := o.reattachSession(startCtx, eventID, types.AgentFacts)
	if err != nil {
		o.deps.Sessions.Remove(eventID, types.AgentCards)
		return err
	}

	g, gctx := errgroup.WithContext(startCtx)
	g.Go(func() error { return connectOrResume(gctx, cards) })
	g.Go(func() error { return connectOrResume(gctx, factsSess) })
	if err := g.Wait(); err != nil {
		o.rollbackSessions(eventID, cards, factsSess)
		return fmt.Errorf("orchestrator: recover %s: %w", eventID, err)
	}

	rt.SetSessions(cards, factsSess)
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
		facts:   factsSess,
		done:    make(chan struct{}),
		seenIDs: make(map[uint64]struct{}),
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	w.cancel = loopCancel

	o.wg.Add(3)
	go o.dispatchLoop(loopCtx, w)
	go o.sessionEventLoop(loopCtx, w, cards)
	go o.sessionEventLoop(loopCtx, w, factsSess)

	o.mu.Lock()
	o.workers[eventID] = w
	o.mu.Unlock()

	if o.deps.Metrics != nil {
		o.deps.Metrics.ActiveRuntimes.Add(ctx, 1)
	}
	o.log.Info("replayed transcripts", "event_id", eventID, "records", replayed)
	o.notifyStatus(eventID)
	return nil
}

// reconcileCheckpoints fast-forwards each agent checkpoint to the highest
// persisted output seq. A crash between a response append and its checkpoint
// write would otherwise replay and re-dispatch seqs that already produced
// results.
func (o *Orchestrator) reconcileCheckpoints(ctx context.Context, eventID string) error {
	for _, agent := range []types.AgentType{types.AgentCards, types.AgentFacts} {
		outHead, err := o.deps.Outputs.LastSeq(ctx, eventID, agent)
		if err != nil {
			return fmt.Errorf("output head for %s: %w", agent, err)
		}
		if outHead == 0 {
			continue
		}
		cp, err := o.deps.Checkpoints.Get(ctx, eventID, agent)
		if err != nil {
			return fmt.Errorf("checkpoint for %s: %w", agent, err)
		}
		if outHead <= cp {
			continue
		}
		o.log.Info("checkpoint behind persisted outputs, fast-forwarding",
			"event_id", eventID, "agent", string(agent),
			"checkpoint_seq", cp, "output_seq", outHead)
		if err := o.deps.Checkpoints.Put(ctx, eventID, agent, outHead); err != nil {
			return fmt.Errorf("fast-forward %s checkpoint: %w", agent, err)
		}
	}
	return nil
}

// replayTranscripts feeds persisted finalized records into rt without
// dispatching, in replayBatchLimit pages, starting past the older agent
// checkpoint. Returns the number of records replayed.
func (o *Orchestrator) replayTranscripts(ctx context.Context, rt *runtime.EventRuntime) (int, error) {
	cards, facts := rt.Checkpoints()
	after := cards
	if facts < after {
		after = facts
	}

	start := time.Now()
	checkpointed := after
	total := 0

	for {
		rows, err := o.deps.Transcripts.Range(ctx, rt.EventID(), after, replayBatchLimit)
		if err != nil {
			return total, fmt.Errorf("replay range after %d: %w", after, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			rt.Replay(row)
			if row.Seq > after {
				after = row.Seq
			}
		}
		total += len(rows)

		if len(rows) < replayBatchLimit {
			break
		}
	}

	// after now holds the replayed head, so the gap is exact.
	if after-checkpointed > gapWarnThreshold {
		o.log.Warn("large replay gap",
			"event_id", rt.EventID(), "after_seq", checkpointed, "head_seq", after)
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.ReplayDuration.Record(ctx, time.Since(start).Seconds())
	}
	return total, nil
}

// reattachSession reuses a manager-held session when one survives, otherwise
// creates a fresh one. After a restart the manager is empty, so this almost
// always creates.
func (o *Orchestrator) reattachSession(_ context.Context, eventID string, agent types.AgentType) (*session.RealtimeSession, error) {
	if sess, ok := o.deps.Sessions.Get(eventID, agent); ok {
		return sess, nil
	}
	return o.createSession(eventID, agent)
}

// connectOrResume picks the right entry point for a session's current state.
// Fresh sessions Connect; ones whose record carries prior history Resume
// after a pause, but a NEW in-memory session always dials via Connect.
func connectOrResume(ctx context.Context, s *session.RealtimeSession) error {
	switch s.State() {
	case session.StateOpen:
		return nil
	case session.StatePaused, session.StateError:
		return s.Resume(ctx)
	default:
		return s.Connect(ctx)
	}
}
