package transport

import (
	"encoding/json"

	"github.com/charles1614/deepwiki-sub000/internal/store"
)

// Wire event names. Each WebSocket frame carries exactly one envelope; the
// remote side dispatches on the event name.
const (
	// Outbound intents (client → remote).
	EventConnectTunnel     = "connect-tunnel"
	EventDisconnectTunnel  = "disconnect-tunnel"
	EventNavigationPause   = "navigation-pause"
	EventNavigationResume  = "navigation-resume"
	EventNavigationRestore = "navigation-restore"

	// Inbound events (remote → client).
	EventTunnelReady   = "tunnel-ready"
	EventTunnelError   = "tunnel-error"
	EventTunnelClosed  = "tunnel-closed"
	EventRestoreAck    = "restore-acknowledged"
	EventRestoreFailed = "restore-failed"
)

// Envelope is a single event frame on the wire.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectPayload carries the tunnel credentials for EventConnectTunnel.
type ConnectPayload struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	UpstreamToken   string `json:"upstream_token,omitempty"`
	UpstreamBaseURL string `json:"upstream_base_url,omitempty"`
}

// ReadyPayload carries the remote-assigned session id for EventTunnelReady.
type ReadyPayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload carries a human-readable failure description for
// EventTunnelError and EventRestoreFailed.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RestorePayload re-sends the last known session identity plus cached UI
// snapshots for EventNavigationRestore.
type RestorePayload struct {
	SessionID string                  `json:"session_id"`
	Terminal  *store.TerminalSnapshot `json:"terminal,omitempty"`
	Browser   *store.BrowserSnapshot  `json:"browser,omitempty"`
}
