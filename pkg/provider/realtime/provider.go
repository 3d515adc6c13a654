// Package realtime defines the provider-neutral contract for streaming LLM
// sessions.
//
// A [Provider] opens bidirectional streaming connections; each connection is a
// [SessionHandle] that accepts text messages with prompt context and yields
// typed [ServerEvent] values. Dynamic provider payloads are parsed into the
// tagged variants at the transport boundary; internal code never sees raw
// wire frames.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrHandleClosed is returned by [SessionHandle.Send] after the handle has
// been closed.
var ErrHandleClosed = errors.New("realtime: session handle closed")

// Provider opens streaming sessions. Implementations must be safe for
// concurrent use; each returned handle owns exactly one transport connection.
type Provider interface {
	// Connect opens a new transport connection and returns a handle once the
	// provider has assigned a session id. Connect must respect ctx deadlines.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}

// SessionConfig configures a new provider session.
type SessionConfig struct {
	// Model selects the provider model for this session.
	Model string

	// Instructions is the system prompt installed at session creation.
	Instructions string
}

// SessionHandle is one live transport connection. Handles are not resumable:
// a reconnect produces a new handle with a new provider session id.
type SessionHandle interface {
	// ID returns the provider-assigned session id.
	ID() string

	// Send enqueues a request to the provider. It must not block past the
	// transport's send buffer; ctx bounds the enqueue.
	Send(ctx context.Context, msg Message) error

	// Events yields typed server events. The channel is closed when the
	// transport terminates; the terminating error, if any, is delivered as a
	// final [EventError] before close.
	Events() <-chan ServerEvent

	// Ping round-trips a keepalive frame. A nil return means the pong
	// arrived within the ctx deadline.
	Ping(ctx context.Context) error

	// Close terminates the transport. Idempotent.
	Close() error
}

// Message is one request sent to the provider.
type Message struct {
	// Role is the conversation role, normally "user".
	Role string

	// Content is the message text.
	Content string

	// Context lists additional conversation items injected before the
	// message (assembled prompt sections, tool context).
	Context []ContextItem
}

// ContextItem is one injected conversation item.
type ContextItem struct {
	Role    string
	Content string
}

// EventKind tags a [ServerEvent] variant.
type EventKind string

const (
	// EventResponseDone carries a completed model response.
	EventResponseDone EventKind = "response.done"

	// EventToolCall carries a tool invocation requested by the model.
	EventToolCall EventKind = "tool_call"

	// EventError carries a provider-reported or transport error.
	EventError EventKind = "error"

	// EventPong acknowledges a keepalive frame.
	EventPong EventKind = "pong"
)

// ServerEvent is a tagged variant parsed from the provider wire format.
type ServerEvent struct {
	Kind EventKind

	// Response is the completed payload for [EventResponseDone].
	Response json.RawMessage

	// Tool is set for [EventToolCall].
	Tool *ToolCall

	// Err is set for [EventError].
	Err error
}

// ToolCall describes a tool invocation requested by the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}
