// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime API protocol. Completed
// responses, tool calls, and provider errors are surfaced as typed
// [realtime.ServerEvent] values; keepalives use WebSocket ping/pong frames.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/stagehand-live/stagehand/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// createdTimeout bounds the wait for the session.created event that
	// carries the provider-assigned session id.
	createdTimeout = 10 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Realtime session with the given configuration.
// It blocks until the provider has delivered the session.created event (so
// the returned handle always has an id) or ctx expires.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		events:  make(chan realtime.ServerEvent, 16),
		created: make(chan struct{}),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if cfg.Instructions != "" {
		if err := sess.writeJSON(sessionUpdateMessage{
			Type:    "session.update",
			Session: sessionParams{Instructions: cfg.Instructions, Modalities: []string{"text"}},
		}); err != nil {
			sessCancel()
			conn.Close(websocket.StatusInternalError, "session update failed")
			return nil, fmt.Errorf("openai: session update: %w", err)
		}
	}

	go sess.receiveLoop()

	// Wait for the provider-assigned session id.
	createdDeadline := createdTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < createdDeadline {
			createdDeadline = until
		}
	}
	select {
	case <-sess.created:
	case <-ctx.Done():
		_ = sess.Close()
		return nil, fmt.Errorf("openai: await session.created: %w", ctx.Err())
	case <-time.After(createdDeadline):
		_ = sess.Close()
		return nil, fmt.Errorf("openai: session.created not received within %s", createdTimeout)
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions string   `json:"instructions,omitempty"`
	Modalities   []string `json:"modalities,omitempty"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in a Realtime error event.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// session.created / session.updated
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	// response.done
	Response json.RawMessage `json:"response,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.ServerEvent

	mu          sync.Mutex
	id          string
	closed      bool
	createdOnce sync.Once
	created     chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel: it closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(realtime.ServerEvent{Kind: realtime.EventError, Err: err})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		if evt.Session == nil || evt.Session.ID == "" {
			return
		}
		s.mu.Lock()
		s.id = evt.Session.ID
		s.mu.Unlock()
		s.createdOnce.Do(func() { close(s.created) })

	case "response.done":
		if len(evt.Response) == 0 {
			return
		}
		s.emit(realtime.ServerEvent{Kind: realtime.EventResponseDone, Response: evt.Response})

	case "response.function_call_arguments.done":
		s.emit(realtime.ServerEvent{
			Kind: realtime.EventToolCall,
			Tool: &realtime.ToolCall{
				CallID:    evt.CallID,
				Name:      evt.Name,
				Arguments: evt.Arguments,
			},
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.ServerEvent{Kind: realtime.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

func (s *session) emit(evt realtime.ServerEvent) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// ID returns the provider-assigned session id from session.created.
func (s *session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Send injects the message's context items and content as conversation items
// and requests a model response.
func (s *session) Send(ctx context.Context, msg realtime.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrHandleClosed
	}
	s.mu.Unlock()

	items := make([]realtime.ContextItem, 0, len(msg.Context)+1)
	items = append(items, msg.Context...)
	role := msg.Role
	if role == "" {
		role = "user"
	}
	items = append(items, realtime.ContextItem{Role: role, Content: msg.Content})

	for _, item := range items {
		r := item.Role
		// Realtime supports "user", "assistant", and "system" conversation
		// roles. Unknown roles are coerced to "user".
		switch r {
		case "assistant", "system":
		default:
			r = "user"
		}
		partType := "input_text"
		if r == "assistant" {
			partType = "text"
		}

		wire := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    "message",
				Role:    r,
				Content: []conversationPart{{Type: partType, Text: item.Content}},
			},
		}
		data, err := json.Marshal(wire)
		if err != nil {
			return fmt.Errorf("openai: marshal: %w", err)
		}
		if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("openai: send item: %w", err)
		}
	}

	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"response.create"}`)); err != nil {
		return fmt.Errorf("openai: response.create: %w", err)
	}
	return nil
}

// Events returns the channel on which typed server events arrive.
func (s *session) Events() <-chan realtime.ServerEvent { return s.events }

// Ping round-trips a WebSocket ping frame and waits for the pong.
func (s *session) Ping(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrHandleClosed
	}
	s.mu.Unlock()
	return s.conn.Ping(ctx)
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
