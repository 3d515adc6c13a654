// Package postgres provides PostgreSQL-backed implementations of the store
// repositories. Supabase projects are plain Postgres, so the worker connects
// with a service-role DSN and uses pgx directly.
//
// All repositories share a single [pgxpool.Pool]. The pgvector extension is
// used for the optional glossary embedding column; [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	seq, _ := st.Checkpoints().Get(ctx, eventID, types.AgentCards)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/stagehand-live/stagehand/pkg/store"
)

// Compile-time interface checks.
var (
	_ store.CheckpointStore = (*CheckpointStoreImpl)(nil)
	_ store.SessionStore    = (*SessionStoreImpl)(nil)
	_ store.TranscriptStore = (*TranscriptStoreImpl)(nil)
	_ store.GlossaryStore   = (*GlossaryStoreImpl)(nil)
	_ store.FactStore       = (*FactStoreImpl)(nil)
	_ store.OutputStore     = (*OutputStoreImpl)(nil)
)

const ddlCheckpoints = `
CREATE TABLE IF NOT EXISTS agent_checkpoints (
    event_id   TEXT        NOT NULL,
    agent_type TEXT        NOT NULL,
    last_seq   BIGINT      NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (event_id, agent_type)
);`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS agent_sessions (
    event_id            TEXT        NOT NULL,
    agent_id            TEXT        NOT NULL DEFAULT '',
    agent_type          TEXT        NOT NULL,
    provider_session_id TEXT        NOT NULL DEFAULT '',
    status              TEXT        NOT NULL,
    model               TEXT        NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    closed_at           TIMESTAMPTZ,
    connection_count    INT         NOT NULL DEFAULT 0,
    last_connected_at   TIMESTAMPTZ,
    PRIMARY KEY (event_id, agent_type)
);

CREATE INDEX IF NOT EXISTS idx_agent_sessions_status
    ON agent_sessions (status);`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    id       BIGSERIAL   PRIMARY KEY,
    event_id TEXT        NOT NULL,
    seq      BIGINT      NOT NULL DEFAULT 0,
    at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    speaker  TEXT        NOT NULL DEFAULT '',
    text     TEXT        NOT NULL,
    final    BOOLEAN     NOT NULL DEFAULT false,
    delayed  BOOLEAN     NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_transcripts_event_seq
    ON transcripts (event_id, seq);`

// notifyTranscripts publishes every transcript insert on the
// transcript_inserts channel for the change stream.
const ddlTranscriptNotify = `
CREATE OR REPLACE FUNCTION notify_transcript_insert() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('transcript_inserts', json_build_object(
        'event_id', NEW.event_id,
        'id',       NEW.id,
        'seq',      NEW.seq,
        'at_ms',    (extract(epoch from NEW.at) * 1000)::bigint,
        'speaker',  NEW.speaker,
        'text',     NEW.text,
        'final',    NEW.final
    )::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS transcripts_notify ON transcripts;
CREATE TRIGGER transcripts_notify
    AFTER INSERT ON transcripts
    FOR EACH ROW EXECUTE FUNCTION notify_transcript_insert();`

const ddlGlossary = `
CREATE TABLE IF NOT EXISTS glossary_entries (
    id               BIGSERIAL PRIMARY KEY,
    event_id         TEXT      NOT NULL,
    term             TEXT      NOT NULL,
    definition       TEXT      NOT NULL,
    category         TEXT      NOT NULL DEFAULT '',
    confidence_score REAL      NOT NULL DEFAULT 0,
    embedding        vector(1536)
);

CREATE INDEX IF NOT EXISTS idx_glossary_event
    ON glossary_entries (event_id);`

const ddlFacts = `
CREATE TABLE IF NOT EXISTS facts (
    event_id            TEXT        NOT NULL,
    key                 TEXT        NOT NULL,
    value               JSONB       NOT NULL,
    confidence          REAL        NOT NULL,
    last_seen_seq       BIGINT      NOT NULL DEFAULT 0,
    sources             BIGINT[]    NOT NULL DEFAULT '{}',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_touched_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    miss_streak         INT         NOT NULL DEFAULT 0,
    dormant_at          TIMESTAMPTZ,
    exclude_from_prompt BOOLEAN     NOT NULL DEFAULT false,
    active              BOOLEAN     NOT NULL DEFAULT true,
    PRIMARY KEY (event_id, key)
);`

const ddlOutputs = `
CREATE TABLE IF NOT EXISTS agent_outputs (
    id         BIGSERIAL   PRIMARY KEY,
    event_id   TEXT        NOT NULL,
    agent_type TEXT        NOT NULL,
    seq        BIGINT      NOT NULL DEFAULT 0,
    payload    JSONB       NOT NULL,
    fallback   BOOLEAN     NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agent_outputs_event_agent_seq
    ON agent_outputs (event_id, agent_type, seq);`

// Store is the central PostgreSQL-backed persistence handle. It holds a
// single [pgxpool.Pool] and exposes one repository per concern. All
// operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes a connection pool to the database at
// dsn, registers pgvector types on every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types so the glossary embedding column can be scanned
	// into pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate ensures all required extensions, tables, and triggers exist.
// It is idempotent and safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		ddlCheckpoints,
		ddlSessions,
		ddlTranscripts,
		ddlTranscriptNotify,
		ddlGlossary,
		ddlFacts,
		ddlOutputs,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for the change stream's dedicated
// listening connection.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Checkpoints returns the checkpoint repository.
func (s *Store) Checkpoints() *CheckpointStoreImpl { return &CheckpointStoreImpl{pool: s.pool} }

// Sessions returns the session-record repository.
func (s *Store) Sessions() *SessionStoreImpl { return &SessionStoreImpl{pool: s.pool} }

// Transcripts returns the transcript repository.
func (s *Store) Transcripts() *TranscriptStoreImpl { return &TranscriptStoreImpl{pool: s.pool} }

// Glossary returns the glossary repository.
func (s *Store) Glossary() *GlossaryStoreImpl { return &GlossaryStoreImpl{pool: s.pool} }

// Facts returns the fact repository.
func (s *Store) Facts() *FactStoreImpl { return &FactStoreImpl{pool: s.pool} }

// Outputs returns the agent-output repository.
func (s *Store) Outputs() *OutputStoreImpl { return &OutputStoreImpl{pool: s.pool} }
