// events.go implements lifecycle event logging for the session package.
//
// SessionEvents emitted by the Manager (connected, tunnel ready, preserved,
// reconnecting, restore failed, ...) are stored in a ring buffer (100
// entries) for later retrieval and fanned out to registered EventListeners.
// This complements the status transition history in status.go: transitions
// track state changes, events track individual actions and their outcomes.

package session

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events retained.
const eventBufferSize = 100

// SessionEventType defines the type of session lifecycle event.
type SessionEventType string

const (
	EventConnecting       SessionEventType = "connecting"
	EventConnected        SessionEventType = "connected"
	EventTunnelReady      SessionEventType = "tunnel_ready"
	EventTunnelError      SessionEventType = "tunnel_error"
	EventTunnelClosed     SessionEventType = "tunnel_closed"
	EventHandshakeTimeout SessionEventType = "handshake_timeout"
	EventDisconnected     SessionEventType = "disconnected"
	EventManualDisconnect SessionEventType = "manual_disconnect"
	EventReconnecting     SessionEventType = "reconnecting"
	EventReconnectFailed  SessionEventType = "reconnect_failed"
	EventPreserved        SessionEventType = "preserved"
	EventResumed          SessionEventType = "resumed"
	EventRestoring        SessionEventType = "restoring"
	EventRestored         SessionEventType = "restored"
	EventRestoreFailed    SessionEventType = "restore_failed"
	EventError            SessionEventType = "error"
)

// SessionEvent represents one lifecycle event.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Details   string           `json:"details"`
}

// EventListener is a callback for session lifecycle events.
// Listeners are called synchronously; long-running handlers should spawn goroutines.
type EventListener func(event SessionEvent)

// eventLog is a fixed-size ring buffer of SessionEvents plus listeners.
type eventLog struct {
	mu        sync.RWMutex
	events    [eventBufferSize]SessionEvent
	head      int // next write position
	count     int // total entries written (capped at buffer size for reads)
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{}
}

// record stores an event and notifies listeners.
func (el *eventLog) record(eventType SessionEventType, details string) {
	event := SessionEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Details:   details,
	}

	el.mu.Lock()
	el.events[el.head] = event
	el.head = (el.head + 1) % eventBufferSize
	if el.count < eventBufferSize {
		el.count++
	}
	listeners := make([]EventListener, len(el.listeners))
	copy(listeners, el.listeners)
	el.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

// history returns events in chronological order (oldest first).
func (el *eventLog) history() []SessionEvent {
	el.mu.RLock()
	defer el.mu.RUnlock()

	if el.count == 0 {
		return nil
	}

	result := make([]SessionEvent, el.count)
	if el.count < eventBufferSize {
		copy(result, el.events[:el.count])
	} else {
		// Buffer is full, so head is the oldest entry.
		n := copy(result, el.events[el.head:])
		copy(result[n:], el.events[:el.head])
	}
	return result
}

// onEvent registers a listener for session lifecycle events.
func (el *eventLog) onEvent(l EventListener) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.listeners = append(el.listeners, l)
}
