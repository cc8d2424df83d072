// Package session implements the connection state machine for the remote
// session continuity layer. A Manager owns one logical session: it opens the
// transport channel, drives the tunnel handshake, retries unexpected
// disconnects with bounded exponential backoff, and preserves or restores
// the session across consumer navigation.
//
// All state lives in the Session value in transition.go; the Manager
// serializes every input (consumer calls, transport callbacks, timers)
// through the pure transition function under a single mutex, which gives the
// same effective ordering as the single-threaded event loop the protocol
// assumes. Channel callbacks carry a generation number so events from a
// channel that has already been replaced are dropped instead of producing
// stale transitions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/charles1614/deepwiki-sub000/internal/logutil"
	"github.com/charles1614/deepwiki-sub000/internal/store"
	"github.com/charles1614/deepwiki-sub000/internal/transport"
)

// Timeout defaults applied when Config fields are zero.
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultRestoreTimeout   = 10 * time.Second
	DefaultMaxReconnects    = 5
)

// Config tunes the manager's guard timeouts and reconnect budget.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	RestoreTimeout   time.Duration
	MaxReconnects    int

	// Endpoint derives the channel endpoint from connection settings.
	// Defaults to ws://host:port/session.
	Endpoint func(store.ConnectionSettings) string
}

// outcome resolves a blocked Connect or Restore call.
type outcome struct {
	ok  bool
	err string
}

// Manager drives one logical session through its lifecycle. Safe for
// concurrent use.
type Manager struct {
	cfg     Config
	st      *store.Store
	factory transport.Factory

	mu             sync.Mutex
	sess           Session
	settings       *store.ConnectionSettings
	ch             transport.Channel
	gen            int // channel generation; bumped on every open
	handshakeTimer *time.Timer
	restoreTimer   *time.Timer
	reconnectTimer *time.Timer
	waiters        []chan outcome
	closed         bool

	tracker *stateTracker
	events  *eventLog
}

// NewManager creates a Manager backed by the given store and channel
// factory. Prior session identity and connection settings persisted by an
// earlier process are loaded so Restore works across a full remount.
func NewManager(cfg Config, st *store.Store, factory transport.Factory) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.RestoreTimeout <= 0 {
		cfg.RestoreTimeout = DefaultRestoreTimeout
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.Endpoint == nil {
		cfg.Endpoint = func(s store.ConnectionSettings) string {
			return fmt.Sprintf("ws://%s:%d/session", s.Host, s.Port)
		}
	}

	m := &Manager{
		cfg:     cfg,
		st:      st,
		factory: factory,
		tracker: newStateTracker(),
		events:  newEventLog(),
	}

	if mark := st.LoadNavigation(); mark != nil {
		m.sess.LastSessionID = mark.SessionID
		m.sess.NavigationStartedAt = mark.StartedAt
	}
	if settings := st.LoadSettings(); settings != nil {
		m.settings = settings
	}
	return m
}

func (m *Manager) policy() policy {
	return policy{MaxReconnects: m.cfg.MaxReconnects}
}

// Connect establishes the session: it opens a transport channel, performs
// the tunnel handshake, and blocks until the tunnel is ready, a terminal
// failure occurs, or the handshake guard times out (in which case the
// transport stays up and Connect returns nil with the timeout surfaced via
// LastError). A Connect issued while another is in flight is a logged no-op.
func (m *Manager) Connect(ctx context.Context, settings store.ConnectionSettings) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("session manager closed")
	}
	switch m.sess.Status {
	case StatusIdle, StatusDisconnected, StatusError, StatusManuallyDisconnected:
	default:
		status := m.sess.Status
		m.mu.Unlock()
		log.Printf("[session] connect ignored: already %s", status)
		return nil
	}

	m.settings = &settings
	w := make(chan outcome, 1)
	m.waiters = append(m.waiters, w)
	io := m.dispatchLocked(EvConnect{})
	m.mu.Unlock()
	for _, fn := range io {
		fn()
	}

	// Credentials persist across restarts; snapshot failures degrade silently.
	m.st.SaveSettings(settings)

	return m.await(ctx, w)
}

// Disconnect explicitly tears the session down: the status moves to
// ManuallyDisconnected and any pending reconnect timer is cancelled before
// the channel is closed, so the close callback cannot be mistaken for an
// unexpected loss. Cached session snapshots are cleared. Idempotent.
func (m *Manager) Disconnect() {
	m.dispatch(EvDisconnect{})
}

// Preserve signals that the consumer is navigating away but expects to
// return soon. Best-effort: the channel stays open and the remote side is
// asked to pause.
func (m *Manager) Preserve() {
	m.dispatch(EvPreserve{})
}

// Resume signals that the consumer returned from a short navigation.
func (m *Manager) Resume() {
	m.dispatch(EvResume{})
}

// Restore re-synchronizes the session after an absence of uncertain length:
// it re-sends the last known session id plus cached snapshots and waits
// (bounded) for an acknowledgment. Returns whether the session was restored;
// the error is non-nil only for a contract violation (no prior session).
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	// A remount in a fresh process only knows the prior session through the
	// persisted navigation mark and settings; load before taking the lock.
	mark := m.st.LoadNavigation()
	storedSettings := m.st.LoadSettings()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, errors.New("session manager closed")
	}

	if m.sess.LastSessionID == "" {
		if mark == nil || mark.SessionID == "" {
			m.mu.Unlock()
			return false, errors.New("restore called with no prior session")
		}
		m.sess.LastSessionID = mark.SessionID
	}

	if m.settings == nil {
		if storedSettings == nil && !m.sess.ChannelOpen {
			m.mu.Unlock()
			return false, errors.New("restore called with no connection settings")
		}
		m.settings = storedSettings
	}

	w := make(chan outcome, 1)
	m.waiters = append(m.waiters, w)

	var io []func()
	switch m.sess.Status {
	case StatusConnecting, StatusRestoring:
		// An attempt is already in flight; just wait for its outcome.
	default:
		io = m.dispatchLocked(EvRestore{})
	}
	m.mu.Unlock()
	for _, fn := range io {
		fn()
	}

	if err := m.await(ctx, w); err != nil {
		if errors.Is(err, ctx.Err()) {
			return false, err
		}
		// Restore failures are reported through the returned bool; the
		// details stay observable via LastError.
		return false, nil
	}
	return true, nil
}

// await blocks until the pending attempt resolves or ctx is done.
func (m *Manager) await(ctx context.Context, w chan outcome) error {
	select {
	case o := <-w:
		if o.ok {
			return nil
		}
		return errors.New(o.err)
	case <-ctx.Done():
		m.mu.Lock()
		for i, other := range m.waiters {
			if other == w {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current session data.
func (m *Manager) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Status returns the current session status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Status
}

// Transitions returns the recent status transition history in chronological
// order (oldest first). Up to 50 transitions are retained.
func (m *Manager) Transitions() []StateTransition {
	return m.tracker.history()
}

// Events returns the session lifecycle event history in chronological order
// (oldest first). Up to 100 events are retained.
func (m *Manager) Events() []SessionEvent {
	return m.events.history()
}

// OnStateChange registers a callback invoked on every status change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.tracker.onStateChange(cb)
}

// OnEvent registers a listener for session lifecycle events.
func (m *Manager) OnEvent(l EventListener) {
	m.events.onEvent(l)
}

// Close shuts the manager down: timers are stopped, the channel is closed,
// and any blocked Connect/Restore calls fail. The manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.stopTimerLocked(&m.handshakeTimer)
	m.stopTimerLocked(&m.restoreTimer)
	m.stopTimerLocked(&m.reconnectTimer)
	ch := m.ch
	m.ch = nil
	for _, w := range m.waiters {
		w <- outcome{ok: false, err: "session manager closed"}
	}
	m.waiters = nil
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

// dispatch runs one event through the state machine.
func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	io := m.dispatchLocked(ev)
	m.mu.Unlock()
	for _, fn := range io {
		fn()
	}
}

// dispatchChannel is dispatch for channel-scoped callbacks and timers:
// events from a superseded channel generation are dropped. This is what
// guarantees the disconnect handler acts on the state that was current when
// its channel was live, never on state that has already moved on.
func (m *Manager) dispatchChannel(gen int, ev Event) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	io := m.dispatchLocked(ev)
	m.mu.Unlock()
	for _, fn := range io {
		fn()
	}
}

// dispatchLocked applies the transition and prepares effects. Timer and
// waiter bookkeeping happens synchronously under the lock (a manual
// disconnect must clear a pending reconnect before anything else can run);
// network and store I/O plus listener notification are returned for the
// caller to run after unlocking.
func (m *Manager) dispatchLocked(ev Event) []func() {
	old := m.sess
	newSess, effects := next(m.policy(), old, ev, time.Now())
	m.sess = newSess

	var io []func()
	for _, eff := range effects {
		switch eff := eff.(type) {
		case EffOpenChannel:
			io = append(io, m.openChannelLocked())
		case EffCloseChannel:
			ch := m.ch
			m.ch = nil
			if ch != nil {
				io = append(io, func() { ch.Close() })
			}
		case EffSendConnectIntent:
			io = append(io, m.emitLocked(transport.EventConnectTunnel, m.connectPayloadLocked()))
		case EffSendDisconnectIntent:
			io = append(io, m.emitLocked(transport.EventDisconnectTunnel, nil))
		case EffSendPause:
			io = append(io, m.emitLocked(transport.EventNavigationPause, nil))
		case EffSendResume:
			io = append(io, m.emitLocked(transport.EventNavigationResume, nil))
		case EffSendRestore:
			io = append(io, m.sendRestoreLocked(eff.SessionID))
		case EffArmHandshakeTimer:
			gen := m.gen
			m.stopTimerLocked(&m.handshakeTimer)
			m.handshakeTimer = time.AfterFunc(m.cfg.HandshakeTimeout, func() {
				m.dispatchChannel(gen, EvHandshakeTimeout{})
			})
		case EffDisarmHandshakeTimer:
			m.stopTimerLocked(&m.handshakeTimer)
		case EffArmRestoreTimer:
			gen := m.gen
			m.stopTimerLocked(&m.restoreTimer)
			m.restoreTimer = time.AfterFunc(m.cfg.RestoreTimeout, func() {
				m.dispatchChannel(gen, EvRestoreTimeout{})
			})
		case EffDisarmRestoreTimer:
			m.stopTimerLocked(&m.restoreTimer)
		case EffScheduleReconnect:
			m.stopTimerLocked(&m.reconnectTimer)
			m.reconnectTimer = time.AfterFunc(eff.Delay, func() {
				m.dispatch(EvRetryTimer{})
			})
		case EffCancelReconnect:
			m.stopTimerLocked(&m.reconnectTimer)
		case EffSaveNavigationMark:
			mark := store.NavigationMark{
				StartedAt: newSess.NavigationStartedAt,
				SessionID: newSess.SessionID,
			}
			io = append(io, func() { m.st.SaveNavigation(mark) })
		case EffClearNavigationMark:
			io = append(io, func() { m.st.Clear(store.KindNavigation) })
		case EffClearSessionSnapshots:
			io = append(io, func() { m.st.ClearSession() })
		}
	}

	if fn := m.notifyLocked(ev, old, newSess, effects); fn != nil {
		io = append(io, fn)
	}
	m.resolveWaitersLocked(ev, old, newSess, effects)
	return io
}

// openChannelLocked replaces the channel generation and returns the dial step.
func (m *Manager) openChannelLocked() func() {
	m.gen++
	gen := m.gen

	var endpoint string
	if m.settings != nil {
		endpoint = m.cfg.Endpoint(*m.settings)
	}

	ch := m.factory(endpoint, transport.Callbacks{
		OnEvent: func(env transport.Envelope) {
			m.handleEnvelope(gen, env)
		},
		OnDisconnect: func(reason transport.DisconnectReason) {
			m.dispatchChannel(gen, EvTransportLost{Reason: reason})
		},
	})
	m.ch = ch
	timeout := m.cfg.ConnectTimeout

	return func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := ch.Dial(ctx); err != nil {
				msg := err.Error()
				if ctx.Err() != nil {
					msg = fmt.Sprintf("transport connect timed out after %s", timeout)
				}
				m.dispatchChannel(gen, EvTransportError{Err: msg})
				return
			}
			m.dispatchChannel(gen, EvTransportUp{})
		}()
	}
}

func (m *Manager) connectPayloadLocked() *transport.ConnectPayload {
	if m.settings == nil {
		return nil
	}
	return &transport.ConnectPayload{
		Host:            m.settings.Host,
		Port:            m.settings.Port,
		Username:        m.settings.Username,
		Password:        m.settings.Password,
		UpstreamToken:   m.settings.UpstreamToken,
		UpstreamBaseURL: m.settings.UpstreamBaseURL,
	}
}

// emitLocked captures the current channel and returns a step that emits one
// intent on it. Emission failures are logged, never raised: every failure
// the consumer should see arrives as a transport or tunnel event.
func (m *Manager) emitLocked(event string, payload any) func() {
	ch := m.ch
	return func() {
		if ch == nil {
			return
		}
		if err := ch.Emit(context.Background(), event, payload); err != nil {
			log.Printf("[session] emit %s failed: %v", event, err)
		}
	}
}

// sendRestoreLocked returns a step that reads the cached snapshots and emits
// the restore intent.
func (m *Manager) sendRestoreLocked(sessionID string) func() {
	ch := m.ch
	return func() {
		if ch == nil {
			return
		}
		payload := transport.RestorePayload{
			SessionID: sessionID,
			Terminal:  m.st.LoadTerminal(),
			Browser:   m.st.LoadBrowser(),
		}
		if err := ch.Emit(context.Background(), transport.EventNavigationRestore, payload); err != nil {
			log.Printf("[session] emit %s failed: %v", transport.EventNavigationRestore, err)
		}
	}
}

func (m *Manager) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// handleEnvelope translates an inbound wire event into a machine event.
func (m *Manager) handleEnvelope(gen int, env transport.Envelope) {
	switch env.Event {
	case transport.EventTunnelReady:
		var p transport.ReadyPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[session] malformed %s payload: %v", env.Event, err)
			return
		}
		m.dispatchChannel(gen, EvTunnelReady{SessionID: p.SessionID})
	case transport.EventTunnelError:
		m.dispatchChannel(gen, EvTunnelError{Message: errorMessage(env, "tunnel error")})
	case transport.EventTunnelClosed:
		m.dispatchChannel(gen, EvTunnelClosed{})
	case transport.EventRestoreAck:
		m.dispatchChannel(gen, EvRestoreAck{})
	case transport.EventRestoreFailed:
		m.dispatchChannel(gen, EvRestoreFailed{Message: errorMessage(env, "restore failed")})
	default:
		log.Printf("[session] ignoring unknown event %q", logutil.SanitizeForLog(env.Event))
	}
}

// errorMessage extracts the failure description from an error-carrying
// envelope. A malformed or empty payload must not produce an empty LastError,
// so it falls back to a generic message.
func errorMessage(env transport.Envelope, fallback string) string {
	var p transport.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("[session] malformed %s payload: %v", env.Event, err)
		return fallback
	}
	if p.Message == "" {
		return fallback
	}
	return p.Message
}

// notifyLocked records the transition and lifecycle event. The returned step
// runs after unlock because tracker and event listeners are invoked
// synchronously and may call back into the manager.
func (m *Manager) notifyLocked(ev Event, old, newSess Session, effects []Effect) func() {
	eventType, details := eventFor(ev, old, newSess, effects)

	statusChanged := old.Status != newSess.Status
	if !statusChanged && eventType == "" {
		return nil
	}

	reason := details
	if reason == "" {
		reason = fmt.Sprintf("%T", ev)
	}
	newStatus := newSess.Status
	return func() {
		if statusChanged {
			m.tracker.setState(newStatus, reason)
		}
		if eventType != "" {
			m.events.record(eventType, details)
		}
	}
}

// eventFor maps a processed machine event to a lifecycle event. Returns an
// empty type for transitions that were no-ops.
func eventFor(ev Event, old, newSess Session, effects []Effect) (SessionEventType, string) {
	scheduled := false
	for _, eff := range effects {
		if _, ok := eff.(EffScheduleReconnect); ok {
			scheduled = true
		}
	}

	switch ev := ev.(type) {
	case EvConnect:
		if newSess.Status == StatusConnecting && old.Status != StatusConnecting {
			return EventConnecting, "connect requested"
		}
	case EvTransportUp:
		if newSess.Status == StatusConnected {
			return EventConnected, "transport connected"
		}
	case EvTransportError:
		if scheduled {
			return EventReconnecting, logutil.SanitizeForLog(ev.Err)
		}
		if newSess.Status == StatusDisconnected {
			return EventReconnectFailed, logutil.SanitizeForLog(ev.Err)
		}
		return EventError, logutil.SanitizeForLog(ev.Err)
	case EvTunnelReady:
		if newSess.SessionID != "" && old.SessionID == "" {
			return EventTunnelReady, fmt.Sprintf("session %s", logutil.SanitizeForLog(newSess.SessionID))
		}
	case EvTunnelError:
		if newSess.Status == StatusError && old.Status != StatusError {
			return EventTunnelError, logutil.SanitizeForLog(ev.Message)
		}
	case EvTunnelClosed:
		if newSess.Status == StatusDisconnected && old.Status != StatusDisconnected {
			return EventTunnelClosed, "remote closed the tunnel"
		}
	case EvHandshakeTimeout:
		if old.HandshakeArmed {
			return EventHandshakeTimeout, newSess.LastError
		}
	case EvTransportLost:
		if old.Status == StatusManuallyDisconnected || newSess.Status == old.Status {
			return "", ""
		}
		if scheduled {
			return EventReconnecting, newSess.LastError
		}
		if newSess.Status == StatusError {
			return EventError, newSess.LastError
		}
		return EventReconnectFailed, newSess.LastError
	case EvRetryTimer:
		if newSess.Status == StatusConnecting {
			return EventConnecting, fmt.Sprintf("reconnect attempt %d", newSess.ReconnectAttempts)
		}
	case EvDisconnect:
		return EventManualDisconnect, "disconnect requested"
	case EvPreserve:
		if newSess.Status == StatusPreserved {
			return EventPreserved, "navigating away"
		}
	case EvResume:
		if newSess.Status == StatusConnected && old.Status == StatusPreserved {
			return EventResumed, "returned from navigation"
		}
	case EvRestore:
		if newSess.Status == StatusRestoring {
			return EventRestoring, fmt.Sprintf("restoring session %s", logutil.SanitizeForLog(newSess.LastSessionID))
		}
	case EvRestoreAck:
		if newSess.Status == StatusConnected && old.Status == StatusRestoring {
			return EventRestored, fmt.Sprintf("session %s restored", logutil.SanitizeForLog(newSess.SessionID))
		}
	case EvRestoreFailed:
		if newSess.Status == StatusError && old.Status == StatusRestoring {
			return EventRestoreFailed, logutil.SanitizeForLog(ev.Message)
		}
	case EvRestoreTimeout:
		if newSess.Status == StatusError && old.Status == StatusRestoring {
			return EventRestoreFailed, newSess.LastError
		}
	}
	return "", ""
}

// resolveWaitersLocked completes blocked Connect/Restore calls when the
// attempt reaches a terminal outcome. Transient Disconnected states with a
// reconnect still scheduled keep the callers waiting.
func (m *Manager) resolveWaitersLocked(ev Event, old, newSess Session, effects []Effect) {
	if len(m.waiters) == 0 {
		return
	}

	scheduled := false
	for _, eff := range effects {
		if _, ok := eff.(EffScheduleReconnect); ok {
			scheduled = true
		}
	}
	_, handshakeTimedOut := ev.(EvHandshakeTimeout)

	var result *outcome
	switch {
	case newSess.SessionID != "" && old.SessionID == "":
		result = &outcome{ok: true}
	case old.Status == StatusRestoring && newSess.Status == StatusConnected:
		// Restore acknowledged. The session id may have been set the whole
		// time (restore from Preserved or after a tunnel error), so the
		// first case cannot catch this.
		result = &outcome{ok: true}
	case handshakeTimedOut && old.HandshakeArmed:
		// Silent degrade: the transport is up, the handshake error is only
		// surfaced through LastError.
		result = &outcome{ok: true}
	case newSess.Status == StatusError:
		result = &outcome{ok: false, err: newSess.LastError}
	case newSess.Status == StatusManuallyDisconnected && old.Status != StatusManuallyDisconnected:
		result = &outcome{ok: false, err: "session manually disconnected"}
	case newSess.Status == StatusDisconnected && !scheduled && old.Status != StatusDisconnected:
		err := newSess.LastError
		if err == "" {
			err = "session disconnected"
		}
		result = &outcome{ok: false, err: err}
	}
	if result == nil {
		return
	}

	for _, w := range m.waiters {
		w <- *result
	}
	m.waiters = nil
}
