package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stagehand-live/stagehand/pkg/provider/realtime"
	"github.com/stagehand-live/stagehand/pkg/provider/realtime/mock"
	"github.com/stagehand-live/stagehand/pkg/store/memory"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// newTestManager wires a manager over a mock provider and an in-memory
// record store.
func newTestManager(h *mock.Handle) (*Manager, *mock.Provider, *memory.SessionStore) {
	p := &mock.Provider{Handle: h}
	records := memory.NewSessionStore()
	return NewManager(p, records, nil), p, records
}

// fastConfig keeps retry delays short so failure paths finish quickly.
func fastConfig() CreateConfig {
	return CreateConfig{
		Model:          "test-model",
		Backoff:        time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		PingInterval:   time.Hour, // keep pings out of lifecycle tests
		ConnectTimeout: time.Second,
	}
}

func waitForState(t *testing.T, s *RealtimeSession, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session stuck in %s, want %s", s.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestConnectPersistsRecord(t *testing.T) {
	ctx := context.Background()
	h := mock.NewHandle("prov-123")
	m, p, records := newTestManager(h)

	s, err := m.Create("ev1", types.AgentCards, fastConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close(ctx)

	if got := s.State(); got != StateOpen {
		t.Errorf("state = %s, want open", got)
	}
	if got := s.ProviderSessionID(); got != "prov-123" {
		t.Errorf("provider session id = %q, want prov-123", got)
	}
	if p.ConnectCount() != 1 {
		t.Errorf("connect count = %d, want 1", p.ConnectCount())
	}

	rec, err := records.Get(ctx, "ev1", types.AgentCards)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.Status != types.SessionActive {
		t.Errorf("record status = %s, want active", rec.Status)
	}
	if rec.ProviderSessionID != "prov-123" {
		t.Errorf("record provider session id = %q", rec.ProviderSessionID)
	}
	if rec.ConnectionCount != 1 {
		t.Errorf("connection count = %d, want 1", rec.ConnectionCount)
	}
	if rec.Model != "test-model" {
		t.Errorf("record model = %q, want test-model", rec.Model)
	}
	if rec.LastConnectedAt.IsZero() {
		t.Error("last_connected_at not set")
	}
}

func TestConnectFromOpenIsInvalid(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(mock.NewHandle("x"))
	s, _ := m.Create("ev1", types.AgentCards, fastConfig())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close(ctx)

	if err := s.Connect(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Connect = %v, want ErrInvalidTransition", err)
	}
}

func TestConnectRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	m, p, records := newTestManager(nil)
	p.ConnectErr = errors.New("dial refused")

	s, _ := m.Create("ev1", types.AgentCards, fastConfig())
	err := s.Connect(ctx)
	if err == nil {
		t.Fatal("Connect succeeded against a failing provider")
	}
	if got := s.State(); got != StateError {
		t.Errorf("state = %s, want error", got)
	}
	if p.ConnectCount() != defaultMaxConsecutive {
		t.Errorf("connect attempts = %d, want %d", p.ConnectCount(), defaultMaxConsecutive)
	}

	rec, err := records.Get(ctx, "ev1", types.AgentCards)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.Status != types.SessionError {
		t.Errorf("record status = %s, want error", rec.Status)
	}
}

func TestConnectRecoversAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	m, p, _ := newTestManager(mock.NewHandle("x"))
	p.ConnectErr = errors.New("transient")
	p.ConnectErrCount = 2

	s, _ := m.Create("ev1", types.AgentCards, fastConfig())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close(ctx)

	if got := p.ConnectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3 (two failures then success)", got)
	}
	if s.State() != StateOpen {
		t.Errorf("state = %s, want open", s.State())
	}
}

func TestSendRequiresOpen(t *testing.T) {
	m, _, _ := newTestManager(mock.NewHandle("x"))
	s, _ := m.Create("ev1", types.AgentCards, fastConfig())

	err := s.Send(context.Background(), realtime.Message{Content: "hello"})
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send before connect = %v, want ErrSessionClosed", err)
	}
}

func TestSendRecordsMessage(t *testing.T) {
	ctx := context.Background()
	h := mock.NewHandle("x")
	m, _, _ := newTestManager(h)
	s, _ := m.Create("ev1", types.AgentCards, fastConfig())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close(ctx)

	msg := realtime.Message{Role: "user", Content: "suggest a card"}
	if err := s.Send(ctx, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := h.SentMessages()
	if len(sent) != 1 || sent[0].Content != "suggest a card" {
		t.Errorf("sent = %+v, want the one message", sent)
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	first := mock.NewHandle("conn-1")
	m, p, records := newTestManager(first)

	s, _ := m.Create("ev1", types.AgentFacts, fastConfig())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s.State() != StatePaused {
		t.Fatalf("state = %s, want paused", s.State())
	}
	if !first.IsClosed() {
		t.Error("pause must close the transport")
	}
	rec, _ := records.Get(ctx, "ev1", types.AgentFacts)
	if rec.Status != types.SessionPaused {
		t.Errorf("record status = %s, want paused", rec.Status)
	}

	// Resume opens a new transport with a new provider session id.
	p.Handle = mock.NewHandle("conn-2")
	if err := s.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer s.Close(ctx)

	if s.ProviderSessionID() != "conn-2" {
		t.Errorf("provider session id = %q, want conn-2", s.ProviderSessionID())
	}
	rec, _ = records.Get(ctx, "ev1", types.AgentFacts)
	if rec.Status != types.SessionActive {
		t.Errorf("record status = %s, want active", rec.Status)
	}
	if rec.ConnectionCount != 2 {
		t.Errorf("connection count = %d, want 2", rec.ConnectionCount)
	}
	if rec.ProviderSessionID != "conn-2" {
		t.Errorf("record provider session id = %q, want conn-2", rec.ProviderSessionID)
	}
}

func TestSendWhilePaused(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(mock.NewHandle("x"))
	s, _ := m.Create("ev1", types.AgentCards, fastConfig())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Send(ctx, realtime.Message{Content: "x"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send while paused = %v, want ErrSessionClosed", err)
	}
}

func TestCloseSetsClosedAt(t *testing.T) {
	ctx := context.Background()
	m, _, records := newTestManager(mock.NewHandle("x"))
	s, _ := m.Create("ev1", types.AgentCards, fastConfig())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}

	rec, _ := records.Get(ctx, "ev1", types.AgentCards)
	if rec.Status != types.SessionClosed {
		t.Errorf("record status = %s, want closed", rec.Status)
	}
	if rec.ClosedAt.IsZero() {
		t.Error("closed_at not set")
	}

	// Idempotent.
	if err := s.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestResponseDoneBecomesAgentEvent(t *testing.T) {
	ctx := context.Background()
	h := mock.NewHandle("x")
	m, _, _ := newTestManager(h)

	s, _ := m.Create("ev1", types.AgentFacts, fastConfig())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close(ctx)

	h.EmitResponseDone([]byte(`{"facts":[{"key":"venue","value":"Hall B"}]}`))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind != EventFacts {
				continue
			}
			if ev.EventID != "ev1" || ev.Agent != types.AgentFacts {
				t.Errorf("event identity = %s/%s", ev.EventID, ev.Agent)
			}
			if len(ev.Payload) == 0 {
				t.Error("empty payload")
			}
			return
		case <-deadline:
			t.Fatal("no facts event received")
		}
	}
}

func TestMissedPongsForceError(t *testing.T) {
	ctx := context.Background()
	h := mock.NewHandle("x")
	h.PingErr = errors.New("no pong")
	p := &mock.Provider{Handle: h}

	s := New(Config{
		EventID:        "ev1",
		Agent:          types.AgentCards,
		Provider:       p,
		PingInterval:   5 * time.Millisecond,
		MaxMissedPongs: 3,
		Backoff:        time.Millisecond,
	})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitForState(t, s, StateError)
	if h.PingCount < 3 {
		t.Errorf("ping count = %d, want >= 3", h.PingCount)
	}
}

func TestTransportDropReconnects(t *testing.T) {
	ctx := context.Background()
	first := mock.NewHandle("conn-1")
	m, p, _ := newTestManager(first)

	s, _ := m.Create("ev1", types.AgentCards, fastConfig())
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close(ctx)

	// Simulate a transport drop; the provider will hand out a fresh handle.
	p.Handle = mock.NewHandle("conn-2")
	first.Close()

	// The session is still OPEN on the old handle until its receive loop
	// notices the drop, so wait for the fresh handle to be installed.
	deadline := time.After(2 * time.Second)
	for s.ProviderSessionID() == "conn-1" {
		select {
		case <-deadline:
			t.Fatalf("session did not reconnect, provider session id = %q", s.ProviderSessionID())
		case <-time.After(5 * time.Millisecond):
		}
	}
	waitForState(t, s, StateOpen)
	if got := s.ProviderSessionID(); got != "conn-2" {
		t.Errorf("provider session id after reconnect = %q, want conn-2", got)
	}
}

// gatedProvider delays Connect until its gate channel is closed, simulating a
// dial that is still in flight when the caller moves on. A nil gate passes
// straight through to the inner provider.
type gatedProvider struct {
	inner *mock.Provider

	mu         sync.Mutex
	gate       chan struct{}
	honorCtx   bool
	gateWaited chan struct{}
}

func (g *gatedProvider) arm(honorCtx bool) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.honorCtx = honorCtx
	g.gateWaited = make(chan struct{}, 1)
	return g.gate
}

func (g *gatedProvider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	g.mu.Lock()
	gate, honorCtx, waited := g.gate, g.honorCtx, g.gateWaited
	g.mu.Unlock()

	if gate != nil {
		select {
		case waited <- struct{}{}:
		default:
		}
		if honorCtx {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-gate:
			}
		} else {
			<-gate
		}
	}
	return g.inner.Connect(ctx, cfg)
}

func TestEmitOverflowCountsDrops(t *testing.T) {
	m, _, _ := newTestManager(mock.NewHandle("conn-1"))
	s, err := m.Create("ev1", types.AgentCards, fastConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Overflow the buffer from several goroutines; the drop counter must
	// account for every emit the channel could not take.
	const total = eventBufferSize + 100
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < total/4; j++ {
				s.emit(Event{Kind: EventLog, Message: "overflow"})
			}
		}()
	}
	wg.Wait()

	if got := s.dropped.Load(); got != total-eventBufferSize {
		t.Errorf("dropped = %d, want %d", got, total-eventBufferSize)
	}
	if got := len(s.Events()); got != eventBufferSize {
		t.Errorf("buffered = %d, want %d", got, eventBufferSize)
	}
}

func TestCloseAbortsInFlightReconnect(t *testing.T) {
	ctx := context.Background()
	first := mock.NewHandle("conn-1")
	gp := &gatedProvider{inner: &mock.Provider{Handle: first}}

	s := New(Config{
		EventID:        "ev1",
		Agent:          types.AgentCards,
		Provider:       gp,
		Backoff:        time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		PingInterval:   time.Hour,
		ConnectTimeout: time.Second,
	})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The reconnect dial blocks on the gate; Close must not wait for it.
	gp.arm(true)
	gp.inner.Handle = mock.NewHandle("conn-2")
	first.Close()
	waitForState(t, s, StateConnecting)

	closed := make(chan error, 1)
	go func() { closed <- s.Close(ctx) }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind an in-flight reconnect dial")
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestLateReconnectCannotReopenClosedSession(t *testing.T) {
	ctx := context.Background()
	first := mock.NewHandle("conn-1")
	gp := &gatedProvider{inner: &mock.Provider{Handle: first}}

	s := New(Config{
		EventID:        "ev1",
		Agent:          types.AgentCards,
		Provider:       gp,
		Backoff:        time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		PingInterval:   time.Hour,
		ConnectTimeout: time.Second,
	})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The reconnect dial ignores cancellation and will eventually hand a
	// fresh transport to a session that has since been closed.
	gate := gp.arm(false)
	second := mock.NewHandle("conn-2")
	gp.inner.Handle = second
	first.Close()
	waitForState(t, s, StateConnecting)
	<-gp.gateWaited

	closed := make(chan error, 1)
	go func() { closed <- s.Close(ctx) }()
	waitForState(t, s, StateClosed)

	// Let the stalled dial finish: the session must discard the late handle
	// instead of reopening.
	close(gate)
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the stalled dial finished")
	}

	deadline := time.After(2 * time.Second)
	for !second.IsClosed() {
		select {
		case <-deadline:
			t.Fatal("late-dialed transport never discarded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("state = %s after late dial, want closed", got)
	}
}

func TestManagerCreateRejectsDuplicates(t *testing.T) {
	m, _, _ := newTestManager(mock.NewHandle("x"))
	if _, err := m.Create("ev1", types.AgentCards, fastConfig()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := m.Create("ev1", types.AgentCards, fastConfig()); err == nil {
		t.Error("duplicate Create succeeded")
	}
	// A different agent for the same event is fine.
	if _, err := m.Create("ev1", types.AgentFacts, fastConfig()); err != nil {
		t.Errorf("Create for second agent: %v", err)
	}
}

func TestManagerCloseAll(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(nil)

	for _, agent := range []types.AgentType{types.AgentCards, types.AgentFacts} {
		s, err := m.Create("ev1", agent, fastConfig())
		if err != nil {
			t.Fatalf("Create %s: %v", agent, err)
		}
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect %s: %v", agent, err)
		}
	}
	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}

	if err := m.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("len after CloseAll = %d, want 0", m.Len())
	}
}
