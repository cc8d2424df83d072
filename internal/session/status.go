// status.go implements status tracking for the session package.
//
// The session has a Status (Idle, Connecting, Connected, Disconnected,
// ManuallyDisconnected, Error, Preserved, Restoring) driven by the state
// machine in transition.go. Status changes are recorded in a ring buffer
// (50 entries) for debugging, and registered callbacks are invoked on every
// change for UI updates.

package session

import (
	"sync"
	"time"
)

// Status represents the current state of the logical session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusManuallyDisconnected
	StatusError
	StatusPreserved
	StatusRestoring
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusManuallyDisconnected:
		return "manually_disconnected"
	case StatusError:
		return "error"
	case StatusPreserved:
		return "preserved"
	case StatusRestoring:
		return "restoring"
	default:
		return "unknown"
	}
}

// transitionBufferSize is the maximum number of status transitions retained
// for debugging.
const transitionBufferSize = 50

// StateTransition records a single status change.
type StateTransition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called when the session status changes.
// Callbacks are invoked synchronously; long-running handlers should spawn goroutines.
type StateChangeCallback func(from, to Status)

// stateTracker records the current status, a transition ring buffer, and
// status change callbacks. It is embedded in Manager.
type stateTracker struct {
	mu          sync.RWMutex
	current     Status
	transitions [transitionBufferSize]StateTransition
	head        int // next write position
	count       int // total entries written (capped at buffer size for reads)
	callbacks   []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StatusIdle}
}

// setState updates the status, records the transition, and invokes
// callbacks. If the status is unchanged, this is a no-op.
func (st *stateTracker) setState(to Status, reason string) {
	st.mu.Lock()
	from := st.current
	if from == to {
		st.mu.Unlock()
		return
	}
	st.current = to
	st.transitions[st.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	st.head = (st.head + 1) % transitionBufferSize
	if st.count < transitionBufferSize {
		st.count++
	}

	// Copy callbacks under lock, invoke outside lock
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(from, to)
	}
}

// getState returns the current status.
func (st *stateTracker) getState() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns the status transitions in chronological order (oldest first).
func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.count == 0 {
		return nil
	}

	result := make([]StateTransition, st.count)
	if st.count < transitionBufferSize {
		copy(result, st.transitions[:st.count])
	} else {
		// Buffer is full, so head is the oldest entry.
		n := copy(result, st.transitions[st.head:])
		copy(result[n:], st.transitions[:st.head])
	}
	return result
}

// onStateChange registers a callback for status changes.
func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
