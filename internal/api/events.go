// Package api exposes the event lifecycle over HTTP.
//
// The worker is driven by an upstream control plane that starts, pauses,
// resumes, and ends events. Each command maps to one POST endpoint; snapshot
// reads back the live runtime state for a dashboard poll.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/stagehand-live/stagehand/internal/observe"
	"github.com/stagehand-live/stagehand/internal/orchestrator"
	"github.com/stagehand-live/stagehand/internal/runtime"
)

// commandTimeout bounds a single lifecycle command. Start is the slowest
// path (two provider connects); the orchestrator applies its own tighter
// start deadline underneath.
const commandTimeout = 30 * time.Second

// Supervisor is the slice of the orchestrator the API drives.
type Supervisor interface {
	StartEvent(ctx context.Context, eventID string) error
	PauseEvent(ctx context.Context, eventID string) error
	ResumeEvent(ctx context.Context, eventID string) error
	EndEvent(ctx context.Context, eventID string) error
	ActiveEvents() []string
	Snapshot(eventID string) (runtime.Snapshot, bool)
}

// EventsHandler serves the /events lifecycle endpoints.
type EventsHandler struct {
	sup Supervisor
	log *slog.Logger
}

// NewEventsHandler creates the handler.
func NewEventsHandler(sup Supervisor, log *slog.Logger) *EventsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EventsHandler{sup: sup, log: log}
}

// Register attaches the event routes to mux.
func (h *EventsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /events", h.listEvents)
	mux.HandleFunc("GET /events/{id}", h.getSnapshot)
	mux.HandleFunc("POST /events/{id}/start", h.command("start", h.sup.StartEvent))
	mux.HandleFunc("POST /events/{id}/pause", h.command("pause", h.sup.PauseEvent))
	mux.HandleFunc("POST /events/{id}/resume", h.command("resume", h.sup.ResumeEvent))
	mux.HandleFunc("POST /events/{id}/end", h.command("end", h.sup.EndEvent))
}

type commandResult struct {
	OK      bool   `json:"ok"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// command adapts one orchestrator lifecycle method to an HTTP handler.
func (h *EventsHandler) command(name string, fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := r.PathValue("id")
		if eventID == "" {
			writeJSON(w, http.StatusBadRequest, commandResult{Error: "event id is required"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()

		log := observe.Logger(ctx, h.log)

		if err := fn(ctx, eventID); err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, orchestrator.ErrUnknownEvent):
				status = http.StatusNotFound
			case errors.Is(err, orchestrator.ErrIllegalTransition):
				status = http.StatusConflict
			}
			log.Warn("event command failed",
				"command", name,
				"event_id", eventID,
				"status", status,
				"error", err,
			)
			writeJSON(w, status, commandResult{EventID: eventID, Error: err.Error()})
			return
		}

		log.Info("event command applied", "command", name, "event_id", eventID)
		writeJSON(w, http.StatusOK, commandResult{OK: true, EventID: eventID})
	}
}

func (h *EventsHandler) listEvents(w http.ResponseWriter, _ *http.Request) {
	ids := h.sup.ActiveEvents()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": ids})
}

func (h *EventsHandler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	snap, ok := h.sup.Snapshot(eventID)
	if !ok {
		writeJSON(w, http.StatusNotFound, commandResult{EventID: eventID, Error: "unknown event"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
