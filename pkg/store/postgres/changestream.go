package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stagehand-live/stagehand/pkg/store"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// Compile-time check against the store interface.
var _ store.ChangeStream = (*ChangeStreamImpl)(nil)

// listenChannel is the NOTIFY channel the transcripts trigger publishes on.
const listenChannel = "transcript_inserts"

// reconnectBackoff is the delay before re-acquiring a listening connection
// after it drops.
const reconnectBackoff = 2 * time.Second

// ChangeStreamImpl implements [store.ChangeStream] over Postgres
// LISTEN/NOTIFY. Every transcript insert fires the transcripts_notify
// trigger, whose JSON payload is decoded into a [types.TranscriptRecord].
//
// Delivery is at-least-once: after a dropped connection the subscriber
// re-listens, and notifications raised while disconnected are replayed by
// the orchestrator's replay path, not by this stream.
type ChangeStreamImpl struct {
	pool *pgxpool.Pool
}

// NewChangeStream creates a change stream over the given pool.
func NewChangeStream(pool *pgxpool.Pool) *ChangeStreamImpl {
	return &ChangeStreamImpl{pool: pool}
}

// notifyPayload mirrors the JSON built by the transcripts_notify trigger.
type notifyPayload struct {
	EventID string `json:"event_id"`
	ID      uint64 `json:"id"`
	Seq     uint64 `json:"seq"`
	AtMS    int64  `json:"at_ms"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

// Subscribe acquires a dedicated connection, LISTENs on the transcript
// channel, and forwards decoded records until ctx is cancelled.
func (s *ChangeStreamImpl) Subscribe(ctx context.Context) (<-chan types.TranscriptRecord, error) {
	out := make(chan types.TranscriptRecord, 256)

	// Acquire eagerly so a misconfigured database surfaces as a Subscribe
	// error rather than a background log line.
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("change stream: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+listenChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("change stream: listen: %w", err)
	}

	go s.pump(ctx, conn, out)
	return out, nil
}

// pump forwards notifications to out, re-acquiring the listening connection
// when it drops. It owns out and closes it on exit.
func (s *ChangeStreamImpl) pump(ctx context.Context, conn *pgxpool.Conn, out chan<- types.TranscriptRecord) {
	defer close(out)
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if conn == nil {
			var err error
			conn, err = s.pool.Acquire(ctx)
			if err == nil {
				_, err = conn.Exec(ctx, "LISTEN "+listenChannel)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("change stream: re-listen failed", "error", err)
				if conn != nil {
					conn.Release()
					conn = nil
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectBackoff):
				}
				continue
			}
		}

		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("change stream: wait for notification", "error", err)
			conn.Release()
			conn = nil
			continue
		}

		var payload notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			slog.Warn("change stream: malformed payload", "error", err)
			continue
		}

		rec := types.TranscriptRecord{
			EventID: payload.EventID,
			ID:      payload.ID,
			Seq:     payload.Seq,
			At:      time.UnixMilli(payload.AtMS).UTC(),
			Speaker: payload.Speaker,
			Text:    payload.Text,
			Final:   payload.Final,
		}

		select {
		case out <- rec:
		case <-ctx.Done():
			return
		}
	}
}
