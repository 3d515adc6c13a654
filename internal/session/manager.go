package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stagehand-live/stagehand/pkg/provider/realtime"
	"github.com/stagehand-live/stagehand/pkg/store"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// Manager owns the set of live sessions across all event runtimes. It also
// serializes [types.SessionRecord] writes per (event, agent) so status
// updates from transport callbacks and orchestrator commands are
// linearizable.
//
// All methods are safe for concurrent use.
type Manager struct {
	provider realtime.Provider
	records  store.SessionStore
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*RealtimeSession

	// recordMu holds one mutex per (event, agent) record.
	recordMu   sync.Mutex
	recordLock map[sessionKey]*sync.Mutex
}

type sessionKey struct {
	eventID string
	agent   types.AgentType
}

// NewManager creates a manager backed by the given provider and record store.
func NewManager(provider realtime.Provider, records store.SessionStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		provider:   provider,
		records:    records,
		log:        log,
		sessions:   make(map[sessionKey]*RealtimeSession),
		recordLock: make(map[sessionKey]*sync.Mutex),
	}
}

// CreateConfig carries the per-session parameters for [Manager.Create].
type CreateConfig struct {
	Model        string
	Instructions string

	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	PingInterval   time.Duration
	MaxMissedPongs int

	Backoff                time.Duration
	BackoffFactor          float64
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int
}

// Create registers a new session for (eventID, agent). The session starts in
// NEW; the caller drives Connect. Creating over an existing live session is
// an error.
func (m *Manager) Create(eventID string, agent types.AgentType, cfg CreateConfig) (*RealtimeSession, error) {
	key := sessionKey{eventID: eventID, agent: agent}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[key]; ok {
		if st := existing.State(); st != StateClosed {
			return nil, fmt.Errorf("session manager: %s/%s already exists in state %s", eventID, agent, st)
		}
	}

	sess := New(Config{
		EventID:                eventID,
		Agent:                  agent,
		Provider:               m.provider,
		Records:                (*managedRecords)(m),
		Model:                  cfg.Model,
		Instructions:           cfg.Instructions,
		ConnectTimeout:         cfg.ConnectTimeout,
		SendTimeout:            cfg.SendTimeout,
		PingInterval:           cfg.PingInterval,
		MaxMissedPongs:         cfg.MaxMissedPongs,
		Backoff:                cfg.Backoff,
		BackoffFactor:          cfg.BackoffFactor,
		MaxBackoff:             cfg.MaxBackoff,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		Logger:                 m.log,
	})
	m.sessions[key] = sess
	return sess, nil
}

// Get returns the session for (eventID, agent), if registered.
func (m *Manager) Get(eventID string, agent types.AgentType) (*RealtimeSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionKey{eventID: eventID, agent: agent}]
	return sess, ok
}

// Remove drops the registration for (eventID, agent). The session itself is
// not closed; callers close before removing.
func (m *Manager) Remove(eventID string, agent types.AgentType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey{eventID: eventID, agent: agent})
}

// CloseAll closes every registered session. Errors are joined; closing
// continues past individual failures.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*RealtimeSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[sessionKey]*RealtimeSession)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// lockFor returns the record mutex for key, creating it on first use.
func (m *Manager) lockFor(key sessionKey) *sync.Mutex {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()
	mu, ok := m.recordLock[key]
	if !ok {
		mu = &sync.Mutex{}
		m.recordLock[key] = mu
	}
	return mu
}

// managedRecords adapts the manager into a [RecordSink] with per-key
// serialized read-modify-write cycles.
type managedRecords Manager

var _ RecordSink = (*managedRecords)(nil)

// Update applies mutate to the persisted record for (eventID, agent) under
// the per-key lock. A missing record is initialized in place.
func (r *managedRecords) Update(ctx context.Context, eventID string, agent types.AgentType, mutate func(*types.SessionRecord)) error {
	m := (*Manager)(r)
	if m.records == nil {
		return nil
	}

	key := sessionKey{eventID: eventID, agent: agent}
	mu := m.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.records.Get(ctx, eventID, agent)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = types.SessionRecord{
			EventID:   eventID,
			Agent:     agent,
			Status:    types.SessionGenerated,
			CreatedAt: time.Now().UTC(),
		}
	case err != nil:
		return fmt.Errorf("session manager: read record: %w", err)
	}

	mutate(&rec)
	rec.UpdatedAt = time.Now().UTC()

	if err := m.records.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("session manager: write record: %w", err)
	}
	return nil
}
