// Package status pushes runtime snapshots to the configured status endpoint.
//
// The emitter runs on a fixed cadence and additionally on every state change
// signalled by the orchestrator. Emission is fire-and-forget over a buffered
// trigger channel, so a slow or unreachable endpoint never blocks ingest or
// session supervision.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stagehand-live/stagehand/internal/runtime"
)

// Defaults for [Config].
const (
	defaultInterval    = 5 * time.Second
	defaultPostTimeout = 3 * time.Second
	triggerBuffer      = 64
)

// SnapshotSource yields the current per-event runtime snapshots.
type SnapshotSource interface {
	Snapshots() []runtime.Snapshot
	Snapshot(eventID string) (runtime.Snapshot, bool)
}

// Config tunes an [Emitter].
type Config struct {
	// Endpoint receives snapshot POSTs as JSON.
	Endpoint string

	// Interval is the periodic emit cadence. Default 5s.
	Interval time.Duration

	// PostTimeout bounds a single POST. Default 3s.
	PostTimeout time.Duration

	// Client overrides the HTTP client. Defaults to a fresh client with
	// PostTimeout applied.
	Client *http.Client

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = defaultPostTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.PostTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// payload is the wire shape of one status POST.
type payload struct {
	At        time.Time          `json:"at"`
	Snapshots []runtime.Snapshot `json:"snapshots"`
}

// Emitter POSTs snapshots to the status endpoint.
type Emitter struct {
	cfg    Config
	source SnapshotSource
	log    *slog.Logger

	trigger chan string
}

// New creates an emitter over source. Install [Emitter.Notify] as the
// orchestrator's status notifier for change-driven pushes.
func New(cfg Config, source SnapshotSource) *Emitter {
	cfg = cfg.withDefaults()
	return &Emitter{
		cfg:     cfg,
		source:  source,
		log:     cfg.Logger,
		trigger: make(chan string, triggerBuffer),
	}
}

// Notify requests an immediate emit for eventID. Never blocks; bursts beyond
// the trigger buffer collapse into the next periodic emit.
func (e *Emitter) Notify(eventID string) {
	select {
	case e.trigger <- eventID:
	default:
	}
}

// Run emits on the configured cadence and on every trigger until ctx ends.
func (e *Emitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.emitAll(ctx)
		case eventID := <-e.trigger:
			e.emitOne(ctx, eventID)
		}
	}
}

func (e *Emitter) emitAll(ctx context.Context) {
	snaps := e.source.Snapshots()
	if len(snaps) == 0 {
		return
	}
	e.post(ctx, snaps)
}

func (e *Emitter) emitOne(ctx context.Context, eventID string) {
	snap, ok := e.source.Snapshot(eventID)
	if !ok {
		return
	}
	e.post(ctx, []runtime.Snapshot{snap})
}

// post sends one payload. Failures are logged and dropped; the next cycle
// carries fresher state anyway.
func (e *Emitter) post(ctx context.Context, snaps []runtime.Snapshot) {
	body, err := json.Marshal(payload{At: time.Now().UTC(), Snapshots: snaps})
	if err != nil {
		e.log.Error("status payload marshal failed", "error", err)
		return
	}

	postCtx, cancel := context.WithTimeout(ctx, e.cfg.PostTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		e.log.Error("status request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.cfg.Client.Do(req)
	if err != nil {
		e.log.Warn("status post failed", "endpoint", e.cfg.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e.log.Warn("status post rejected",
			"endpoint", e.cfg.Endpoint,
			"status", fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	}
}
