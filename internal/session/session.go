// Package session manages the lifecycle of provider sessions: one
// [RealtimeSession] per (event, agent) pair, supervised by a [Manager].
//
// A session owns exactly one transport connection at a time. Connections are
// not resumable: pause, resume, and transport-drop recovery all open a fresh
// provider connection while the logical (event, agent) identity and the
// persisted [types.SessionRecord] carry across.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stagehand-live/stagehand/pkg/provider/realtime"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// Default session parameters.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultSendTimeout    = 5 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultMaxMissedPongs = 3

	defaultBackoff        = 500 * time.Millisecond
	defaultBackoffFactor  = 2
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxConsecutive = 5

	// backoffJitter is the ± fraction applied to every backoff delay.
	backoffJitter = 0.2

	// eventBufferSize bounds the outbound event channel. Emits never block;
	// overflow is counted and logged.
	eventBufferSize = 256
)

// State is a session lifecycle state.
type State string

// Session states.
const (
	StateNew        State = "new"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StatePaused     State = "paused"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// Errors returned by session operations.
var (
	// ErrSessionClosed is returned by Send when the session is not OPEN.
	ErrSessionClosed = errors.New("session: not open")

	// ErrBackpressure is returned by Send when the transport buffer stayed
	// full past the enqueue deadline.
	ErrBackpressure = errors.New("session: send buffer full")

	// ErrInvalidTransition is returned when an operation is illegal in the
	// session's current state.
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

// EventKind tags an outbound [Event].
type EventKind string

// Outbound event kinds. Delivery is at-least-once within the process;
// consumers must be idempotent.
const (
	EventCard         EventKind = "card"
	EventFacts        EventKind = "facts"
	EventLog          EventKind = "log"
	EventStatusChange EventKind = "status_change"
)

// Event is an outbound notification from a session to its owner.
type Event struct {
	Kind    EventKind
	EventID string
	Agent   types.AgentType

	// Payload carries the completed model response for card/facts events.
	Payload json.RawMessage

	// Message carries human-readable detail for log events.
	Message string

	// State is set on status_change events.
	State State
}

// RecordSink persists session record mutations. The [Manager] provides an
// implementation that serializes writes per (event, agent).
type RecordSink interface {
	Update(ctx context.Context, eventID string, agent types.AgentType, mutate func(*types.SessionRecord)) error
}

// Config configures a [RealtimeSession]. Zero durations and counts select
// the defaults named on each field.
type Config struct {
	EventID string
	Agent   types.AgentType

	Provider realtime.Provider
	Records  RecordSink

	// Model and Instructions seed the provider session.
	Model        string
	Instructions string

	// ConnectTimeout bounds a single transport dial. Default 10s.
	ConnectTimeout time.Duration

	// SendTimeout bounds a Send enqueue before ErrBackpressure. Default 5s.
	SendTimeout time.Duration

	// PingInterval is the keepalive cadence. Default 20s.
	PingInterval time.Duration

	// MaxMissedPongs is the consecutive miss count that forces ERROR.
	// Default 3.
	MaxMissedPongs int

	// Backoff, BackoffFactor, and MaxBackoff shape the reconnect delay
	// sequence. Defaults 500ms, x2, 30s cap. Every delay is jittered ±20%.
	Backoff       time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration

	// MaxConsecutiveFailures is the reconnect attempt count that forces
	// ERROR. Default 5.
	MaxConsecutiveFailures int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.MaxMissedPongs <= 0 {
		c.MaxMissedPongs = defaultMaxMissedPongs
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = defaultBackoffFactor
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = defaultMaxConsecutive
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// RealtimeSession drives one provider session through its lifecycle:
//
//	NEW → CONNECTING → OPEN → {CLOSING → CLOSED, PAUSED → CONNECTING, ERROR}
//
// All exported methods are safe for concurrent use, but Connect, Pause,
// Resume, and Close are normally driven by a single supervisor goroutine.
type RealtimeSession struct {
	cfg Config
	log *slog.Logger

	// lifeCtx spans the whole session. Close cancels it, which aborts any
	// reconnect backoff still in flight.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu     sync.Mutex
	state  State
	handle realtime.SessionHandle

	// loopCancel stops the ping and receive loops for the current handle.
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	events    chan Event
	dropped   atomic.Int64
	closeOnce sync.Once
}

// New creates a session in state NEW. No transport is opened until
// [RealtimeSession.Connect].
func New(cfg Config) *RealtimeSession {
	cfg = cfg.withDefaults()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &RealtimeSession{
		cfg: cfg,
		log: cfg.Logger.With(
			"event_id", cfg.EventID,
			"agent", string(cfg.Agent),
		),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		state:      StateNew,
		events:     make(chan Event, eventBufferSize),
	}
}

// State returns the current lifecycle state.
func (s *RealtimeSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events yields outbound session events. The channel is closed by Close.
func (s *RealtimeSession) Events() <-chan Event {
	return s.events
}

// ProviderSessionID returns the current provider-assigned id, or "" when no
// transport is open.
func (s *RealtimeSession) ProviderSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.ID()
}

// Connect opens the initial transport connection. Legal from NEW only; the
// persisted record moves starting → active around the dial. A dial failure
// within the connect deadline transitions to ERROR.
func (s *RealtimeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, state)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.persist(ctx, func(rec *types.SessionRecord) {
		rec.Status = types.SessionStarting
		rec.Model = s.cfg.Model
	}); err != nil {
		s.log.Warn("session record write failed", "error", err)
	}

	if err := s.dial(ctx); err != nil {
		s.fail(ctx, fmt.Errorf("session connect: %w", err))
		return fmt.Errorf("session connect: %w", err)
	}
	return nil
}

// Send enqueues a message on the open transport. Returns [ErrSessionClosed]
// when the session is not OPEN and [ErrBackpressure] when the transport
// buffer stays full past the send deadline.
func (s *RealtimeSession) Send(ctx context.Context, msg realtime.Message) error {
	s.mu.Lock()
	if s.state != StateOpen || s.handle == nil {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	handle := s.handle
	s.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	err := handle.Send(sendCtx, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		s.log.Warn("send buffer full, dropping message", "timeout", s.cfg.SendTimeout)
		return ErrBackpressure
	}
	if errors.Is(err, realtime.ErrHandleClosed) {
		return ErrSessionClosed
	}
	return fmt.Errorf("session send: %w", err)
}

// Pause tears down the transport while preserving logical state for a cheap
// resume. Legal from OPEN.
func (s *RealtimeSession) Pause(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateOpen {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, state)
	}
	s.teardownLocked()
	s.setStateLocked(StatePaused)
	s.mu.Unlock()

	if err := s.persist(ctx, func(rec *types.SessionRecord) {
		rec.Status = types.SessionPaused
	}); err != nil {
		return fmt.Errorf("session pause: %w", err)
	}
	return nil
}

// Resume opens a fresh transport after a pause or an ERROR transition.
// The provider assigns a new session id; connection_count increments.
func (s *RealtimeSession) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StatePaused && s.state != StateError {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, state)
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.fail(ctx, fmt.Errorf("session resume: %w", err))
		return fmt.Errorf("session resume: %w", err)
	}
	return nil
}

// Close shuts the session down gracefully. Idempotent; legal from any state.
func (s *RealtimeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateClosing)
	s.teardownLocked()
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	// Abort any reconnect dial still sleeping its backoff.
	s.lifeCancel()

	err := s.persist(ctx, func(rec *types.SessionRecord) {
		rec.Status = types.SessionClosed
		rec.ClosedAt = time.Now().UTC()
	})

	s.loopWG.Wait()
	s.closeOnce.Do(func() { close(s.events) })

	if err != nil {
		return fmt.Errorf("session close: %w", err)
	}
	return nil
}

// ── connection management ──

// dial opens a transport with retry. It walks the exponential backoff
// sequence and gives up after MaxConsecutiveFailures attempts.
func (s *RealtimeSession) dial(ctx context.Context) error {
	var lastErr error
	delay := s.cfg.Backoff

	for attempt := 0; attempt < s.cfg.MaxConsecutiveFailures; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, jitter(delay)); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * s.cfg.BackoffFactor)
			if delay > s.cfg.MaxBackoff {
				delay = s.cfg.MaxBackoff
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		handle, err := s.cfg.Provider.Connect(dialCtx, realtime.SessionConfig{
			Model:        s.cfg.Model,
			Instructions: s.cfg.Instructions,
		})
		cancel()
		if err != nil {
			lastErr = err
			s.log.Warn("transport dial failed",
				"attempt", attempt+1,
				"max_attempts", s.cfg.MaxConsecutiveFailures,
				"error", err)
			continue
		}

		if !s.install(ctx, handle) {
			return fmt.Errorf("dial: %w", ErrSessionClosed)
		}
		return nil
	}
	return fmt.Errorf("dial: %d consecutive failures: %w", s.cfg.MaxConsecutiveFailures, lastErr)
}

// install adopts handle as the live transport, moves to OPEN, persists the
// record, and starts the ping and receive loops. The adoption re-checks the
// state under the lock: a Close that raced the dial wins, the dialed handle
// is discarded, and install reports false.
func (s *RealtimeSession) install(ctx context.Context, handle realtime.SessionHandle) bool {
	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		cancel()
		if err := handle.Close(); err != nil {
			s.log.Debug("discard dialed transport", "error", err)
		}
		s.log.Warn("dial finished after state change, transport discarded", "state", string(state))
		return false
	}
	s.handle = handle
	s.loopCancel = cancel
	s.setStateLocked(StateOpen)
	s.loopWG.Add(2)
	s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.persist(ctx, func(rec *types.SessionRecord) {
		rec.Status = types.SessionActive
		rec.ProviderSessionID = handle.ID()
		rec.Model = s.cfg.Model
		rec.ConnectionCount++
		rec.LastConnectedAt = now
	}); err != nil {
		s.log.Warn("session record write failed", "error", err)
	}

	s.log.Info("session open", "provider_session_id", handle.ID())

	go s.pingLoop(loopCtx, handle)
	go s.receiveLoop(loopCtx, handle)
	return true
}

// teardown closes the current transport and stops its loops.
// Must be called with s.mu held.
func (s *RealtimeSession) teardownLocked() {
	if s.loopCancel != nil {
		s.loopCancel()
		s.loopCancel = nil
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.log.Debug("transport close", "error", err)
		}
		s.handle = nil
	}
}

// fail transitions to ERROR and persists the status. The supervisor observes
// the status_change event and decides whether to Resume.
func (s *RealtimeSession) fail(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.setStateLocked(StateError)
	s.mu.Unlock()

	s.log.Error("session failed", "error", cause)
	s.emit(Event{Kind: EventLog, Message: cause.Error()})

	if err := s.persist(ctx, func(rec *types.SessionRecord) {
		rec.Status = types.SessionError
	}); err != nil {
		s.log.Warn("session record write failed", "error", err)
	}
}

// ── background loops ──

// pingLoop emits a keepalive every PingInterval. Consecutive misses beyond
// MaxMissedPongs force the session into ERROR.
func (s *RealtimeSession) pingLoop(ctx context.Context, handle realtime.SessionHandle) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval/2)
		err := handle.Ping(pingCtx)
		cancel()

		if err == nil {
			missed = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		missed++
		s.log.Warn("missed pong", "missed", missed, "max", s.cfg.MaxMissedPongs)
		if missed >= s.cfg.MaxMissedPongs {
			s.fail(context.Background(), fmt.Errorf("liveness: %d consecutive missed pongs", missed))
			return
		}
	}
}

// receiveLoop translates provider events into outbound session events. When
// the transport drops while OPEN, it attempts an automatic reconnect.
func (s *RealtimeSession) receiveLoop(ctx context.Context, handle realtime.SessionHandle) {
	defer s.loopWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-handle.Events():
			if !ok {
				s.onTransportDrop(ctx)
				return
			}
			s.handleProviderEvent(ev)
		}
	}
}

func (s *RealtimeSession) handleProviderEvent(ev realtime.ServerEvent) {
	switch ev.Kind {
	case realtime.EventResponseDone:
		kind := EventCard
		if s.cfg.Agent == types.AgentFacts {
			kind = EventFacts
		}
		s.emit(Event{Kind: kind, Payload: ev.Response})
	case realtime.EventError:
		s.log.Warn("provider error", "error", ev.Err)
		s.emit(Event{Kind: EventLog, Message: ev.Err.Error()})
	case realtime.EventToolCall:
		// Tool calls are not part of the card/facts flow; surface for
		// observability only.
		s.log.Debug("unexpected tool call", "tool", ev.Tool.Name)
	}
}

// onTransportDrop handles an unexpected events-channel close. A drop during
// a deliberate teardown (pause/close) is ignored; a drop while OPEN starts
// the reconnect sequence.
func (s *RealtimeSession) onTransportDrop(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	s.teardownLocked()
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.log.Warn("transport dropped, reconnecting")
	if err := s.dial(s.lifeCtx); err != nil {
		if s.lifeCtx.Err() != nil {
			return // session closed while reconnecting
		}
		s.fail(context.Background(), fmt.Errorf("reconnect: %w", err))
	}
}

// ── helpers ──

// setStateLocked transitions to next and emits a status_change event.
// Must be called with s.mu held.
func (s *RealtimeSession) setStateLocked(next State) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.log.Debug("session state", "from", string(prev), "to", string(next))
	s.emit(Event{Kind: EventStatusChange, State: next})
}

// emit delivers ev without blocking; overflow is dropped and counted.
func (s *RealtimeSession) emit(ev Event) {
	ev.EventID = s.cfg.EventID
	ev.Agent = s.cfg.Agent
	select {
	case s.events <- ev:
	default:
		dropped := s.dropped.Add(1)
		if dropped%50 == 1 {
			s.log.Warn("event buffer full, dropping", "dropped_total", dropped)
		}
	}
}

func (s *RealtimeSession) persist(ctx context.Context, mutate func(*types.SessionRecord)) error {
	if s.cfg.Records == nil {
		return nil
	}
	return s.cfg.Records.Update(ctx, s.cfg.EventID, s.cfg.Agent, mutate)
}

// jitter spreads d by ±20% so synchronized sessions do not reconnect in
// lockstep.
func jitter(d time.Duration) time.Duration {
	f := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
