// Package mock provides test doubles for the realtime package interfaces.
//
// Use [Provider] to verify Connect calls and hand out controlled session
// handles. Use [Handle] to drive the server-event stream and inspect which
// messages the worker sent.
//
// Example:
//
//	h := mock.NewHandle("sess-1")
//	p := &mock.Provider{Handle: h}
//	// … inject p, then:
//	h.EmitResponseDone([]byte(`{"cards":[]}`))
package mock

import (
	"context"
	"sync"

	"github.com/stagehand-live/stagehand/pkg/provider/realtime"
)

// Compile-time checks against the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*Handle)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Handle is returned by Connect. If nil, Connect returns a fresh
	// [Handle] with a generated id.
	Handle *Handle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	// When ConnectErrCount > 0, only that many leading calls fail.
	ConnectErr      error
	ConnectErrCount int

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// handles records every handle handed out, in order.
	handles []*Handle
}

// Connect records the call and returns Handle (or a fresh one), ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		if p.ConnectErrCount == 0 {
			return nil, p.ConnectErr
		}
		if p.ConnectErrCount > 0 {
			p.ConnectErrCount--
			if p.ConnectErrCount >= 0 {
				err := p.ConnectErr
				if p.ConnectErrCount == 0 {
					p.ConnectErr = nil
				}
				return nil, err
			}
		}
	}
	h := p.Handle
	if h == nil || h.IsClosed() {
		h = NewHandle("mock-sess")
	}
	p.handles = append(p.handles, h)
	return h, nil
}

// ConnectCount returns the number of Connect invocations so far.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Handles returns every handle handed out so far, in order.
func (p *Provider) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, len(p.handles))
	copy(out, p.handles)
	return out
}

// Handle is a scriptable test double for [realtime.SessionHandle].
type Handle struct {
	mu sync.Mutex

	id     string
	events chan realtime.ServerEvent
	closed bool

	// SendErr is returned by Send when non-nil.
	SendErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// Sent records every message passed to Send, in order.
	Sent []realtime.Message

	// PingCount is the number of Ping invocations.
	PingCount int
}

// NewHandle creates a Handle with the given provider session id and a
// buffered event channel.
func NewHandle(id string) *Handle {
	return &Handle{
		id:     id,
		events: make(chan realtime.ServerEvent, 32),
	}
}

// ID returns the configured session id.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Send records msg and returns SendErr.
func (h *Handle) Send(_ context.Context, msg realtime.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return realtime.ErrHandleClosed
	}
	if h.SendErr != nil {
		return h.SendErr
	}
	h.Sent = append(h.Sent, msg)
	return nil
}

// SetSendErr swaps the scripted Send error while the handle is in use.
func (h *Handle) SetSendErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SendErr = err
}

// SentMessages returns a copy of all recorded messages.
func (h *Handle) SentMessages() []realtime.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]realtime.Message, len(h.Sent))
	copy(out, h.Sent)
	return out
}

// Events returns the scriptable server-event channel.
func (h *Handle) Events() <-chan realtime.ServerEvent { return h.events }

// Ping records the call and returns PingErr.
func (h *Handle) Ping(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return realtime.ErrHandleClosed
	}
	h.PingCount++
	return h.PingErr
}

// Close marks the handle closed and closes the event channel. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}

// IsClosed reports whether Close has been called.
func (h *Handle) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// EmitResponseDone queues an [realtime.EventResponseDone] event.
func (h *Handle) EmitResponseDone(payload []byte) {
	h.emit(realtime.ServerEvent{Kind: realtime.EventResponseDone, Response: payload})
}

// EmitError queues an [realtime.EventError] event.
func (h *Handle) EmitError(err error) {
	h.emit(realtime.ServerEvent{Kind: realtime.EventError, Err: err})
}

// EmitToolCall queues an [realtime.EventToolCall] event.
func (h *Handle) EmitToolCall(tc realtime.ToolCall) {
	h.emit(realtime.ServerEvent{Kind: realtime.EventToolCall, Tool: &tc})
}

func (h *Handle) emit(evt realtime.ServerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- evt
}
