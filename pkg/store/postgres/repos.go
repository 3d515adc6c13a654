package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/stagehand-live/stagehand/pkg/store"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Checkpoints
// ─────────────────────────────────────────────────────────────────────────────

// CheckpointStoreImpl implements [store.CheckpointStore] over the
// agent_checkpoints table. Obtain one via [Store.Checkpoints].
type CheckpointStoreImpl struct {
	pool *pgxpool.Pool
}

// Get returns the last persisted sequence, 0 when absent.
func (s *CheckpointStoreImpl) Get(ctx context.Context, eventID string, agent types.AgentType) (uint64, error) {
	const q = `SELECT last_seq FROM agent_checkpoints WHERE event_id = $1 AND agent_type = $2`

	var seq int64
	err := s.pool.QueryRow(ctx, q, eventID, string(agent)).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint store: get: %w", err)
	}
	return uint64(seq), nil
}

// Put upserts the sequence for (eventID, agent). Writes are monotonic: a
// stale writer racing a newer one cannot move the checkpoint backwards.
func (s *CheckpointStoreImpl) Put(ctx context.Context, eventID string, agent types.AgentType, seq uint64) error {
	const q = `
		INSERT INTO agent_checkpoints (event_id, agent_type, last_seq, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (event_id, agent_type) DO UPDATE SET
		    last_seq   = GREATEST(agent_checkpoints.last_seq, EXCLUDED.last_seq),
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, eventID, string(agent), int64(seq)); err != nil {
		return fmt.Errorf("checkpoint store: put: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

// SessionStoreImpl implements [store.SessionStore] over the agent_sessions
// table. Obtain one via [Store.Sessions].
type SessionStoreImpl struct {
	pool *pgxpool.Pool
}

// Upsert writes rec keyed by (EventID, Agent).
func (s *SessionStoreImpl) Upsert(ctx context.Context, rec types.SessionRecord) error {
	const q = `
		INSERT INTO agent_sessions
		    (event_id, agent_id, agent_type, provider_session_id, status, model,
		     created_at, updated_at, closed_at, connection_count, last_connected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id, agent_type) DO UPDATE SET
		    agent_id            = EXCLUDED.agent_id,
		    provider_session_id = EXCLUDED.provider_session_id,
		    status              = EXCLUDED.status,
		    model               = EXCLUDED.model,
		    updated_at          = EXCLUDED.updated_at,
		    closed_at           = EXCLUDED.closed_at,
		    connection_count    = EXCLUDED.connection_count,
		    last_connected_at   = EXCLUDED.last_connected_at`

	_, err := s.pool.Exec(ctx, q,
		rec.EventID,
		rec.AgentID,
		string(rec.Agent),
		rec.ProviderSessionID,
		string(rec.Status),
		rec.Model,
		nullableTime(rec.CreatedAt, time.Now().UTC()),
		time.Now().UTC(),
		timeOrNil(rec.ClosedAt),
		rec.ConnectionCount,
		timeOrNil(rec.LastConnectedAt),
	)
	if err != nil {
		return fmt.Errorf("session store: upsert: %w", err)
	}
	return nil
}

// Get returns the record for (eventID, agent) or [store.ErrNotFound].
func (s *SessionStoreImpl) Get(ctx context.Context, eventID string, agent types.AgentType) (types.SessionRecord, error) {
	const q = `
		SELECT event_id, agent_id, agent_type, provider_session_id, status, model,
		       created_at, updated_at, closed_at, connection_count, last_connected_at
		FROM   agent_sessions
		WHERE  event_id = $1 AND agent_type = $2`

	rows, err := s.pool.Query(ctx, q, eventID, string(agent))
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("session store: get: %w", err)
	}
	recs, err := collectSessionRecords(rows)
	if err != nil {
		return types.SessionRecord{}, err
	}
	if len(recs) == 0 {
		return types.SessionRecord{}, store.ErrNotFound
	}
	return recs[0], nil
}

// ListByStatus returns all records currently in status.
func (s *SessionStoreImpl) ListByStatus(ctx context.Context, status types.SessionStatus) ([]types.SessionRecord, error) {
	const q = `
		SELECT event_id, agent_id, agent_type, provider_session_id, status, model,
		       created_at, updated_at, closed_at, connection_count, last_connected_at
		FROM   agent_sessions
		WHERE  status = $1
		ORDER  BY event_id, agent_type`

	rows, err := s.pool.Query(ctx, q, string(status))
	if err != nil {
		return nil, fmt.Errorf("session store: list by status: %w", err)
	}
	return collectSessionRecords(rows)
}

// collectSessionRecords scans pgx rows into SessionRecord values.
func collectSessionRecords(rows pgx.Rows) ([]types.SessionRecord, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.SessionRecord, error) {
		var (
			rec           types.SessionRecord
			agent, status string
			closedAt      *time.Time
			lastConnected *time.Time
		)
		if err := row.Scan(
			&rec.EventID,
			&rec.AgentID,
			&agent,
			&rec.ProviderSessionID,
			&status,
			&rec.Model,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&closedAt,
			&rec.ConnectionCount,
			&lastConnected,
		); err != nil {
			return types.SessionRecord{}, err
		}
		rec.Agent = types.AgentType(agent)
		rec.Status = types.SessionStatus(status)
		if closedAt != nil {
			rec.ClosedAt = *closedAt
		}
		if lastConnected != nil {
			rec.LastConnectedAt = *lastConnected
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []types.SessionRecord{}
	}
	return recs, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Transcripts
// ─────────────────────────────────────────────────────────────────────────────

// TranscriptStoreImpl implements [store.TranscriptStore] over the transcripts
// table. Obtain one via [Store.Transcripts].
type TranscriptStoreImpl struct {
	pool *pgxpool.Pool
}

// Insert writes rec; rows with an already-seen id are left untouched.
func (s *TranscriptStoreImpl) Insert(ctx context.Context, rec types.TranscriptRecord) error {
	const q = `
		INSERT INTO transcripts (id, event_id, seq, at, speaker, text, final, delayed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		int64(rec.ID),
		rec.EventID,
		int64(rec.Seq),
		rec.At,
		rec.Speaker,
		rec.Text,
		rec.Final,
		rec.Delayed,
	)
	if err != nil {
		return fmt.Errorf("transcript store: insert: %w", err)
	}
	return nil
}

// Range returns up to limit finalized rows with Seq > afterSeq, Seq ascending.
func (s *TranscriptStoreImpl) Range(ctx context.Context, eventID string, afterSeq uint64, limit int) ([]types.TranscriptRecord, error) {
	const q = `
		SELECT id, event_id, seq, at, speaker, text, final, delayed
		FROM   transcripts
		WHERE  event_id = $1 AND final AND seq > $2
		ORDER  BY seq
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, eventID, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("transcript store: range: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TranscriptRecord, error) {
		var (
			rec     types.TranscriptRecord
			id, seq int64
		)
		if err := row.Scan(&id, &rec.EventID, &seq, &rec.At, &rec.Speaker, &rec.Text, &rec.Final, &rec.Delayed); err != nil {
			return types.TranscriptRecord{}, err
		}
		rec.ID = uint64(id)
		rec.Seq = uint64(seq)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []types.TranscriptRecord{}
	}
	return recs, nil
}

// AssignSeq persists a worker-assigned sequence for a row that arrived
// without one. Rows already carrying a sequence keep it.
func (s *TranscriptStoreImpl) AssignSeq(ctx context.Context, eventID string, id uint64, seq uint64) error {
	const q = `UPDATE transcripts SET seq = $3 WHERE event_id = $1 AND id = $2 AND seq = 0`

	if _, err := s.pool.Exec(ctx, q, eventID, int64(id), int64(seq)); err != nil {
		return fmt.Errorf("transcript store: assign seq: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Glossary
// ─────────────────────────────────────────────────────────────────────────────

// GlossaryStoreImpl implements [store.GlossaryStore] over the glossary_entries
// table. Obtain one via [Store.Glossary].
type GlossaryStoreImpl struct {
	pool *pgxpool.Pool
}

// ForEvent returns all entries for eventID ordered by confidence descending.
func (s *GlossaryStoreImpl) ForEvent(ctx context.Context, eventID string) ([]types.GlossaryEntry, error) {
	const q = `
		SELECT term, definition, category, confidence_score
		FROM   glossary_entries
		WHERE  event_id = $1
		ORDER  BY confidence_score DESC, term`

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("glossary store: for event: %w", err)
	}
	return collectGlossaryEntries(rows)
}

// Similar returns the limit entries whose embeddings are nearest (cosine
// distance) to the query embedding. Entries without embeddings are excluded;
// when the event has none, it falls back to [GlossaryStoreImpl.ForEvent].
func (s *GlossaryStoreImpl) Similar(ctx context.Context, eventID string, embedding []float32, limit int) ([]types.GlossaryEntry, error) {
	if len(embedding) == 0 {
		entries, err := s.ForEvent(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		return entries, nil
	}

	const q = `
		SELECT term, definition, category, confidence_score
		FROM   glossary_entries
		WHERE  event_id = $1 AND embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, eventID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("glossary store: similar: %w", err)
	}
	entries, err := collectGlossaryEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return s.ForEvent(ctx, eventID)
	}
	return entries, nil
}

func collectGlossaryEntries(rows pgx.Rows) ([]types.GlossaryEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.GlossaryEntry, error) {
		var e types.GlossaryEntry
		if err := row.Scan(&e.Term, &e.Definition, &e.Category, &e.Confidence); err != nil {
			return types.GlossaryEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("glossary store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []types.GlossaryEntry{}
	}
	return entries, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Facts
// ─────────────────────────────────────────────────────────────────────────────

// FactStoreImpl implements [store.FactStore] over the facts table.
// Obtain one via [Store.Facts].
type FactStoreImpl struct {
	pool *pgxpool.Pool
}

// SaveAll upserts the fact set for eventID in a single batch.
func (s *FactStoreImpl) SaveAll(ctx context.Context, eventID string, facts []types.Fact) error {
	const q = `
		INSERT INTO facts
		    (event_id, key, value, confidence, last_seen_seq, sources,
		     created_at, last_touched_at, miss_streak, dormant_at, exclude_from_prompt, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true)
		ON CONFLICT (event_id, key) DO UPDATE SET
		    value               = EXCLUDED.value,
		    confidence          = EXCLUDED.confidence,
		    last_seen_seq       = EXCLUDED.last_seen_seq,
		    sources             = EXCLUDED.sources,
		    last_touched_at     = EXCLUDED.last_touched_at,
		    miss_streak         = EXCLUDED.miss_streak,
		    dormant_at          = EXCLUDED.dormant_at,
		    exclude_from_prompt = EXCLUDED.exclude_from_prompt,
		    active              = true`

	batch := &pgx.Batch{}
	for _, f := range facts {
		sources := make([]int64, len(f.Sources))
		for i, src := range f.Sources {
			sources[i] = int64(src)
		}
		batch.Queue(q,
			eventID,
			f.Key,
			f.Value,
			f.Confidence,
			int64(f.LastSeenSeq),
			sources,
			f.CreatedAt,
			f.LastTouchedAt,
			f.MissStreak,
			timeOrNil(f.DormantAt),
			f.ExcludeFromPrompt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("fact store: save all: %w", err)
	}
	return nil
}

// ListActive returns the active facts for eventID, ordered by key.
func (s *FactStoreImpl) ListActive(ctx context.Context, eventID string) ([]types.Fact, error) {
	const q = `
		SELECT key, value, confidence, last_seen_seq, sources,
		       created_at, last_touched_at, miss_streak, dormant_at, exclude_from_prompt
		FROM facts
		WHERE event_id = $1 AND active
		ORDER BY key`

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("fact store: list active: %w", err)
	}
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Fact, error) {
		var (
			f         types.Fact
			seq       int64
			sources   []int64
			dormantAt *time.Time
		)
		err := row.Scan(&f.Key, &f.Value, &f.Confidence, &seq, &sources,
			&f.CreatedAt, &f.LastTouchedAt, &f.MissStreak, &dormantAt, &f.ExcludeFromPrompt)
		if err != nil {
			return types.Fact{}, err
		}
		f.LastSeenSeq = uint64(seq)
		f.Sources = make([]uint64, len(sources))
		for i, src := range sources {
			f.Sources[i] = uint64(src)
		}
		if dormantAt != nil {
			f.DormantAt = *dormantAt
		}
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fact store: scan rows: %w", err)
	}
	if facts == nil {
		facts = []types.Fact{}
	}
	return facts, nil
}

// Deactivate marks keys inactive for eventID.
func (s *FactStoreImpl) Deactivate(ctx context.Context, eventID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	const q = `UPDATE facts SET active = false, exclude_from_prompt = true WHERE event_id = $1 AND key = ANY($2)`

	if _, err := s.pool.Exec(ctx, q, eventID, keys); err != nil {
		return fmt.Errorf("fact store: deactivate: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Outputs
// ─────────────────────────────────────────────────────────────────────────────

// OutputStoreImpl implements [store.OutputStore] over the agent_outputs
// table. Obtain one via [Store.Outputs].
type OutputStoreImpl struct {
	pool *pgxpool.Pool
}

// Append writes out.
func (s *OutputStoreImpl) Append(ctx context.Context, out types.AgentOutput) error {
	const q = `
		INSERT INTO agent_outputs (event_id, agent_type, seq, payload, fallback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		out.EventID,
		string(out.Agent),
		int64(out.Seq),
		out.Payload,
		out.Fallback,
		nullableTime(out.CreatedAt, time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("output store: append: %w", err)
	}
	return nil
}

// LastSeq returns the highest appended Seq for (eventID, agent).
func (s *OutputStoreImpl) LastSeq(ctx context.Context, eventID string, agent types.AgentType) (uint64, error) {
	const q = `SELECT COALESCE(MAX(seq), 0) FROM agent_outputs WHERE event_id = $1 AND agent_type = $2`

	var seq int64
	if err := s.pool.QueryRow(ctx, q, eventID, string(agent)).Scan(&seq); err != nil {
		return 0, fmt.Errorf("output store: last seq: %w", err)
	}
	return uint64(seq), nil
}

// timeOrNil converts a zero time to SQL NULL.
func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullableTime substitutes fallback for a zero time.
func nullableTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
