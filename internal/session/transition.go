// transition.go implements the session state machine as a pure function:
// next(policy, session, event, now) returns the new session value plus the
// effects the caller must execute (open/close the channel, emit intents,
// arm or disarm guard timers, schedule a reconnect, clear snapshots).
//
// Keeping the transition function free of I/O makes every ordering rule
// testable without sockets or timers. The Manager in manager.go serializes
// calls to next under one mutex and executes the effects.

package session

import (
	"fmt"
	"time"

	"github.com/charles1614/deepwiki-sub000/internal/transport"
)

// Session is the state-machine-visible data for one logical session.
type Session struct {
	Status              Status    `json:"status"`
	SessionID           string    `json:"session_id,omitempty"`
	LastConnectedAt     time.Time `json:"last_connected_at,omitzero"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
	NavigationStartedAt time.Time `json:"navigation_started_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`

	// LastSessionID survives tunnel teardown so Restore can re-send the
	// prior session identity. Cleared only by an explicit Disconnect.
	LastSessionID string `json:"-"`

	// EverReady records whether the tunnel handshake completed since the
	// last explicit connect. An unexpected transport loss before the tunnel
	// was ever ready is not retried: blind retries against a dead target
	// would loop forever.
	EverReady bool `json:"-"`

	// HandshakeArmed is true while the handshake guard timer is running.
	// tunnel-ready / tunnel-error arriving after the guard fired are stale
	// and must be ignored.
	HandshakeArmed bool `json:"-"`

	// ChannelOpen mirrors whether a transport channel is currently up.
	ChannelOpen bool `json:"-"`
}

// policy carries the transition limits that are configuration, not state.
type policy struct {
	MaxReconnects int
}

// Reconnection backoff configuration. Package-level vars so tests can override.
var (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 16 * time.Second
)

// backoffDelay returns the wait before reconnect attempt number attempts+1:
// min(base * 2^attempts, max).
func backoffDelay(attempts int) time.Duration {
	d := reconnectBaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return d
}

// Event is an input to the state machine: consumer intents, transport
// callbacks, tunnel events, and guard-timer expirations.
type Event interface{ isEvent() }

type (
	// EvConnect: consumer requested a connection (settings handled by Manager).
	EvConnect struct{}
	// EvTransportUp: the channel dial completed.
	EvTransportUp struct{}
	// EvTransportError: the channel dial failed or timed out.
	EvTransportError struct{ Err string }
	// EvTunnelReady: remote assigned a session id.
	EvTunnelReady struct{ SessionID string }
	// EvTunnelError: remote reported a tunnel failure.
	EvTunnelError struct{ Message string }
	// EvTunnelClosed: remote tore the tunnel down.
	EvTunnelClosed struct{}
	// EvHandshakeTimeout: the 30s handshake guard fired.
	EvHandshakeTimeout struct{}
	// EvTransportLost: the channel's read loop terminated.
	EvTransportLost struct{ Reason transport.DisconnectReason }
	// EvDisconnect: consumer requested an explicit disconnect.
	EvDisconnect struct{}
	// EvPreserve: consumer is navigating away.
	EvPreserve struct{}
	// EvResume: consumer returned quickly.
	EvResume struct{}
	// EvRestore: consumer returned after an uncertain gap.
	EvRestore struct{}
	// EvRestoreAck: remote acknowledged the restore.
	EvRestoreAck struct{}
	// EvRestoreFailed: remote rejected the restore.
	EvRestoreFailed struct{ Message string }
	// EvRestoreTimeout: the 10s restore guard fired.
	EvRestoreTimeout struct{}
	// EvRetryTimer: the reconnect backoff timer fired.
	EvRetryTimer struct{}
)

func (EvConnect) isEvent() {}
func (EvTransportUp) isEvent() {}
func (EvTransportError) isEvent() {}
func (EvTunnelReady) isEvent() {}
func (EvTunnelError) isEvent() {}
func (EvTunnelClosed) isEvent() {}
func (EvHandshakeTimeout) isEvent() {}
func (EvTransportLost) isEvent() {}
func (EvDisconnect) isEvent() {}
func (EvPreserve) isEvent() {}
func (EvResume) isEvent() {}
func (EvRestore) isEvent() {}
func (EvRestoreAck) isEvent() {}
func (EvRestoreFailed) isEvent() {}
func (EvRestoreTimeout) isEvent() {}
func (EvRetryTimer) isEvent() {}

// Effect is an instruction for the Manager to carry out after a transition.
type Effect interface{ isEffect() }

type (
	// EffOpenChannel: dial a fresh transport channel (bounded by the
	// connect timeout).
	EffOpenChannel struct{}
	// EffCloseChannel: close the current channel.
	EffCloseChannel struct{}
	// EffSendConnectIntent: emit connect-tunnel with the current settings.
	EffSendConnectIntent struct{}
	// EffSendDisconnectIntent: emit disconnect-tunnel.
	EffSendDisconnectIntent struct{}
	// EffSendPause: emit navigation-pause.
	EffSendPause struct{}
	// EffSendResume: emit navigation-resume.
	EffSendResume struct{}
	// EffSendRestore: emit navigation-restore with the given session id and
	// the cached snapshots.
	EffSendRestore struct{ SessionID string }
	// EffArmHandshakeTimer / EffDisarmHandshakeTimer: 30s tunnel guard.
	EffArmHandshakeTimer    struct{}
	EffDisarmHandshakeTimer struct{}
	// EffArmRestoreTimer / EffDisarmRestoreTimer: 10s restore guard.
	EffArmRestoreTimer    struct{}
	EffDisarmRestoreTimer struct{}
	// EffScheduleReconnect: arm the backoff timer for the next attempt.
	EffScheduleReconnect struct{ Delay time.Duration }
	// EffCancelReconnect: clear any pending backoff timer.
	EffCancelReconnect struct{}
	// EffSaveNavigationMark / EffClearNavigationMark: persist or drop the
	// navigating-away timestamp.
	EffSaveNavigationMark  struct{}
	EffClearNavigationMark struct{}
	// EffClearSessionSnapshots: drop cached terminal/browser/navigation state.
	EffClearSessionSnapshots struct{}
)

func (EffOpenChannel) isEffect() {}
func (EffCloseChannel) isEffect() {}
func (EffSendConnectIntent) isEffect() {}
func (EffSendDisconnectIntent) isEffect() {}
func (EffSendPause) isEffect() {}
func (EffSendResume) isEffect() {}
func (EffSendRestore) isEffect() {}
func (EffArmHandshakeTimer) isEffect() {}
func (EffDisarmHandshakeTimer) isEffect() {}
func (EffArmRestoreTimer) isEffect() {}
func (EffDisarmRestoreTimer) isEffect() {}
func (EffScheduleReconnect) isEffect() {}
func (EffCancelReconnect) isEffect() {}
func (EffSaveNavigationMark) isEffect() {}
func (EffClearNavigationMark) isEffect() {}
func (EffClearSessionSnapshots) isEffect() {}

// next applies one event to the session and returns the new session plus the
// effects to execute. It never blocks and never performs I/O.
func next(p policy, s Session, ev Event, now time.Time) (Session, []Effect) {
	switch ev := ev.(type) {

	case EvConnect:
		switch s.Status {
		case StatusIdle, StatusDisconnected, StatusError, StatusManuallyDisconnected:
			s.Status = StatusConnecting
			s.SessionID = ""
			s.LastError = ""
			s.ReconnectAttempts = 0
			s.EverReady = false
			s.HandshakeArmed = false
			return s, []Effect{EffCancelReconnect{}, EffOpenChannel{}}
		default:
			// Connect already in flight or session live: no-op. This guard
			// keeps a double-mounting consumer from opening two channels.
			return s, nil
		}

	case EvTransportUp:
		s.ChannelOpen = true
		s.LastConnectedAt = now
		if s.Status == StatusRestoring {
			// Restore path: skip the connect handshake, re-send identity.
			return s, []Effect{EffSendRestore{SessionID: s.LastSessionID}, EffArmRestoreTimer{}}
		}
		s.Status = StatusConnected
		s.HandshakeArmed = true
		return s, []Effect{EffSendConnectIntent{}, EffArmHandshakeTimer{}}

	case EvTransportError:
		s.ChannelOpen = false
		s.HandshakeArmed = false
		if s.Status == StatusConnecting && s.ReconnectAttempts > 0 {
			// A failed dial during an auto-reconnect cycle counts against
			// the same attempt budget as an unexpected loss.
			if s.ReconnectAttempts < p.MaxReconnects {
				delay := backoffDelay(s.ReconnectAttempts)
				s.ReconnectAttempts++
				s.Status = StatusDisconnected
				s.LastError = fmt.Sprintf("reconnect failed (%s), retrying in %s", ev.Err, delay)
				return s, []Effect{EffCloseChannel{}, EffScheduleReconnect{Delay: delay}}
			}
			s.Status = StatusDisconnected
			s.LastError = fmt.Sprintf("reconnect failed after %d attempts: %s", p.MaxReconnects, ev.Err)
			return s, []Effect{EffCloseChannel{}}
		}
		s.LastError = ev.Err
		s.Status = StatusError
		return s, []Effect{EffCloseChannel{}}

	case EvTunnelReady:
		if !s.HandshakeArmed {
			// Handshake guard already fired (or no handshake in flight):
			// a late ready is a no-op, not a stale transition.
			return s, nil
		}
		s.SessionID = ev.SessionID
		s.LastSessionID = ev.SessionID
		s.EverReady = true
		s.HandshakeArmed = false
		s.LastError = ""
		s.ReconnectAttempts = 0
		return s, []Effect{EffDisarmHandshakeTimer{}}

	case EvTunnelError:
		if !s.HandshakeArmed && !s.EverReady {
			// Late handshake error after the guard fired: ignore.
			return s, nil
		}
		effects := []Effect{}
		if s.HandshakeArmed {
			s.HandshakeArmed = false
			effects = append(effects, EffDisarmHandshakeTimer{})
		}
		// Transport stays up; sessionId stays until explicit close.
		s.Status = StatusError
		s.LastError = ev.Message
		return s, effects

	case EvTunnelClosed:
		if s.Status != StatusConnected && s.Status != StatusPreserved {
			return s, nil
		}
		effects := []Effect{}
		if s.HandshakeArmed {
			s.HandshakeArmed = false
			effects = append(effects, EffDisarmHandshakeTimer{})
		}
		s.Status = StatusDisconnected
		s.SessionID = ""
		return s, effects

	case EvHandshakeTimeout:
		if !s.HandshakeArmed {
			return s, nil
		}
		// Deliberate: the transport stays up and the status stays Connected;
		// the timeout is only surfaced through LastError.
		s.HandshakeArmed = false
		s.LastError = "tunnel handshake timed out after no ready or error event"
		return s, nil

	case EvTransportLost:
		s.ChannelOpen = false
		s.HandshakeArmed = false
		s.LastConnectedAt = time.Time{}

		if s.Status == StatusManuallyDisconnected || ev.Reason == transport.ReasonLocalClose {
			// Local closes are always deliberate: either a manual disconnect
			// (whose status was set before the channel closed, precisely so
			// this callback cannot race into the reconnect branch) or a
			// cleanup close after a failure already reflected in the status.
			return s, nil
		}

		if !s.EverReady {
			// The tunnel never came up on this connection. Retrying blindly
			// risks an infinite loop against a dead target.
			s.Status = StatusError
			s.LastError = fmt.Sprintf("connection lost before tunnel established (%s)", ev.Reason)
			return s, nil
		}

		if s.ReconnectAttempts < p.MaxReconnects {
			delay := backoffDelay(s.ReconnectAttempts)
			s.ReconnectAttempts++
			s.Status = StatusDisconnected
			s.SessionID = ""
			s.LastError = fmt.Sprintf("connection lost (%s), reconnecting in %s", ev.Reason, delay)
			return s, []Effect{EffScheduleReconnect{Delay: delay}}
		}

		s.Status = StatusDisconnected
		s.SessionID = ""
		s.LastError = fmt.Sprintf("connection lost (%s), gave up after %d attempts", ev.Reason, p.MaxReconnects)
		return s, nil

	case EvRetryTimer:
		if s.Status != StatusDisconnected {
			return s, nil
		}
		// EverReady persists across retry cycles: a retry whose transport
		// dies before the next handshake still draws on the reconnect
		// budget instead of hitting the never-ready guard.
		s.Status = StatusConnecting
		s.SessionID = ""
		return s, []Effect{EffOpenChannel{}}

	case EvDisconnect:
		effects := []Effect{EffCancelReconnect{}, EffDisarmHandshakeTimer{}, EffDisarmRestoreTimer{}}
		if s.ChannelOpen {
			effects = append(effects, EffSendDisconnectIntent{}, EffCloseChannel{})
		}
		effects = append(effects, EffClearSessionSnapshots{})
		s.Status = StatusManuallyDisconnected
		s.SessionID = ""
		s.LastSessionID = ""
		s.EverReady = false
		s.HandshakeArmed = false
		s.ChannelOpen = false
		s.LastConnectedAt = time.Time{}
		s.NavigationStartedAt = time.Time{}
		return s, effects

	case EvPreserve:
		if s.Status != StatusConnected {
			return s, nil
		}
		s.Status = StatusPreserved
		s.NavigationStartedAt = now
		return s, []Effect{EffSendPause{}, EffSaveNavigationMark{}}

	case EvResume:
		if s.Status != StatusPreserved {
			return s, nil
		}
		s.Status = StatusConnected
		s.NavigationStartedAt = time.Time{}
		return s, []Effect{EffSendResume{}, EffClearNavigationMark{}}

	case EvRestore:
		s.Status = StatusRestoring
		s.LastError = ""
		if s.ChannelOpen {
			return s, []Effect{EffSendRestore{SessionID: s.LastSessionID}, EffArmRestoreTimer{}}
		}
		return s, []Effect{EffOpenChannel{}}

	case EvRestoreAck:
		if s.Status != StatusRestoring {
			return s, nil
		}
		s.Status = StatusConnected
		s.SessionID = s.LastSessionID
		s.EverReady = true
		s.LastError = ""
		s.NavigationStartedAt = time.Time{}
		return s, []Effect{EffDisarmRestoreTimer{}, EffClearNavigationMark{}}

	case EvRestoreFailed:
		if s.Status != StatusRestoring {
			return s, nil
		}
		s.Status = StatusError
		s.LastError = ev.Message
		effects := []Effect{EffDisarmRestoreTimer{}}
		if s.ChannelOpen {
			s.ChannelOpen = false
			effects = append(effects, EffCloseChannel{})
		}
		return s, effects

	case EvRestoreTimeout:
		if s.Status != StatusRestoring {
			return s, nil
		}
		s.Status = StatusError
		s.LastError = "restore timed out waiting for acknowledgment"
		effects := []Effect{}
		if s.ChannelOpen {
			s.ChannelOpen = false
			effects = append(effects, EffCloseChannel{})
		}
		return s, effects

	default:
		return s, nil
	}
}
