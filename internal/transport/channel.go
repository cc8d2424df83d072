// Package transport defines the duplex event channel the session manager
// drives, and its WebSocket implementation. The session layer treats a
// channel as opaque: dial it, emit named events, receive named events, and
// learn why it went away.
package transport

import "context"

// DisconnectReason classifies why a channel closed. The session manager
// combines this with session state to decide whether to retry, surface an
// error, or settle into a clean disconnect.
type DisconnectReason int

const (
	// ReasonLocalClose: this side called Close.
	ReasonLocalClose DisconnectReason = iota
	// ReasonServerClose: the remote side closed the connection cleanly.
	ReasonServerClose
	// ReasonTransportLoss: the connection dropped without a close handshake.
	ReasonTransportLoss
)

// String returns the human-readable name of the disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case ReasonLocalClose:
		return "local close"
	case ReasonServerClose:
		return "server close"
	case ReasonTransportLoss:
		return "transport loss"
	default:
		return "unknown"
	}
}

// Callbacks receives channel events. OnEvent and OnDisconnect are invoked
// from the channel's read goroutine, one at a time; OnDisconnect is called
// exactly once per successful Dial.
type Callbacks struct {
	OnEvent      func(env Envelope)
	OnDisconnect func(reason DisconnectReason)
}

// Channel is a bidirectional event socket.
type Channel interface {
	// Dial opens the connection. It returns once the socket is up (the read
	// loop starts in the background) or with an error on failure/timeout.
	Dial(ctx context.Context) error

	// Emit sends one named event with a JSON payload.
	Emit(ctx context.Context, event string, payload any) error

	// Close tears the connection down. The subsequent OnDisconnect reports
	// ReasonLocalClose. Idempotent.
	Close() error

	// Closed reports whether the channel is not (or no longer) connected.
	Closed() bool
}

// Factory opens channels to an endpoint with callbacks attached. The session
// manager depends on this instead of a concrete dialer so tests can inject a
// fake channel.
type Factory func(endpoint string, cb Callbacks) Channel
