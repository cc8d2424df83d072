package session

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/charles1614/deepwiki-sub000/internal/transport"
)

var testPolicy = policy{MaxReconnects: 5}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// hasEffect reports whether effects contains an effect of the same type as want.
func hasEffect(effects []Effect, want Effect) bool {
	for _, e := range effects {
		if reflect.TypeOf(e) == reflect.TypeOf(want) {
			return true
		}
	}
	return false
}

// readySession drives a fresh session through connect, transport up, and
// tunnel ready.
func readySession(t *testing.T) Session {
	t.Helper()
	s := Session{}
	s, _ = next(testPolicy, s, EvConnect{}, t0)
	s, _ = next(testPolicy, s, EvTransportUp{}, t0)
	s, _ = next(testPolicy, s, EvTunnelReady{SessionID: "sess-1"}, t0)
	if s.Status != StatusConnected {
		t.Fatalf("readySession: status = %s, want connected", s.Status)
	}
	return s
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 16 * time.Second},
		{10, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestConnectFromStatus(t *testing.T) {
	tests := []struct {
		from    Status
		allowed bool
	}{
		{StatusIdle, true},
		{StatusConnecting, false},
		{StatusConnected, false},
		{StatusDisconnected, true},
		{StatusManuallyDisconnected, true},
		{StatusError, true},
		{StatusPreserved, false},
		{StatusRestoring, false},
	}
	for _, tt := range tests {
		s, effects := next(testPolicy, Session{Status: tt.from}, EvConnect{}, t0)
		if tt.allowed {
			if s.Status != StatusConnecting {
				t.Errorf("connect from %s: status = %s, want connecting", tt.from, s.Status)
			}
			if !hasEffect(effects, EffOpenChannel{}) {
				t.Errorf("connect from %s: missing EffOpenChannel", tt.from)
			}
		} else {
			if s.Status != tt.from {
				t.Errorf("connect from %s: status changed to %s, want no-op", tt.from, s.Status)
			}
			if len(effects) != 0 {
				t.Errorf("connect from %s: got %d effects, want none", tt.from, len(effects))
			}
		}
	}
}

func TestConnectResetsErrorState(t *testing.T) {
	s := Session{
		Status:            StatusError,
		LastError:         "previous failure",
		ReconnectAttempts: 3,
		EverReady:         true,
	}
	s, _ = next(testPolicy, s, EvConnect{}, t0)
	if s.LastError != "" {
		t.Errorf("LastError = %q, want cleared", s.LastError)
	}
	if s.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0", s.ReconnectAttempts)
	}
	if s.EverReady {
		t.Error("EverReady not reset")
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	s := Session{}
	s, _ = next(testPolicy, s, EvConnect{}, t0)
	if s.Status != StatusConnecting {
		t.Fatalf("after connect: status = %s", s.Status)
	}

	s, effects := next(testPolicy, s, EvTransportUp{}, t0)
	if s.Status != StatusConnected {
		t.Fatalf("after transport up: status = %s", s.Status)
	}
	if !s.HandshakeArmed {
		t.Error("handshake guard not armed")
	}
	if !hasEffect(effects, EffSendConnectIntent{}) || !hasEffect(effects, EffArmHandshakeTimer{}) {
		t.Errorf("transport up effects = %v", effects)
	}
	if s.LastConnectedAt != t0 {
		t.Errorf("LastConnectedAt = %v, want %v", s.LastConnectedAt, t0)
	}

	s, effects = next(testPolicy, s, EvTunnelReady{SessionID: "abc-123"}, t0)
	if s.SessionID != "abc-123" || s.LastSessionID != "abc-123" {
		t.Errorf("session ids = %q/%q, want abc-123", s.SessionID, s.LastSessionID)
	}
	if !s.EverReady {
		t.Error("EverReady not set")
	}
	if s.HandshakeArmed {
		t.Error("handshake guard still armed")
	}
	if !hasEffect(effects, EffDisarmHandshakeTimer{}) {
		t.Errorf("tunnel ready effects = %v", effects)
	}
}

func TestHandshakeTimeoutKeepsTransportUp(t *testing.T) {
	s := Session{}
	s, _ = next(testPolicy, s, EvConnect{}, t0)
	s, _ = next(testPolicy, s, EvTransportUp{}, t0)

	s, effects := next(testPolicy, s, EvHandshakeTimeout{}, t0)
	if s.Status != StatusConnected {
		t.Errorf("status = %s, want connected (silent degrade)", s.Status)
	}
	if !strings.Contains(s.LastError, "handshake timed out") {
		t.Errorf("LastError = %q", s.LastError)
	}
	if len(effects) != 0 {
		t.Errorf("effects = %v, want none", effects)
	}

	// Late handshake events after the guard fired are stale and ignored.
	s, _ = next(testPolicy, s, EvTunnelReady{SessionID: "late"}, t0)
	if s.SessionID != "" {
		t.Errorf("late tunnel ready applied: SessionID = %q", s.SessionID)
	}
	s, _ = next(testPolicy, s, EvTunnelError{Message: "late error"}, t0)
	if s.Status != StatusConnected {
		t.Errorf("late tunnel error applied: status = %s", s.Status)
	}
}

func TestHandshakeTimeoutWhenNotArmed(t *testing.T) {
	s := readySession(t)
	s2, effects := next(testPolicy, s, EvHandshakeTimeout{}, t0)
	if !reflect.DeepEqual(s, s2) || len(effects) != 0 {
		t.Errorf("stale handshake timeout changed state: %+v", s2)
	}
}

func TestTunnelErrorDuringHandshake(t *testing.T) {
	s := Session{}
	s, _ = next(testPolicy, s, EvConnect{}, t0)
	s, _ = next(testPolicy, s, EvTransportUp{}, t0)

	s, effects := next(testPolicy, s, EvTunnelError{Message: "upstream rejected credentials"}, t0)
	if s.Status != StatusError {
		t.Errorf("status = %s, want error", s.Status)
	}
	if s.LastError != "upstream rejected credentials" {
		t.Errorf("LastError = %q", s.LastError)
	}
	if !hasEffect(effects, EffDisarmHandshakeTimer{}) {
		t.Errorf("effects = %v, want handshake timer disarmed", effects)
	}
}

func TestTunnelErrorMidSession(t *testing.T) {
	s := readySession(t)
	s, _ = next(testPolicy, s, EvTunnelError{Message: "tunnel collapsed"}, t0)
	if s.Status != StatusError {
		t.Errorf("status = %s, want error", s.Status)
	}
	// The transport and session identity survive until an explicit close.
	if s.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", s.SessionID)
	}
}

func TestTunnelClosedByRemote(t *testing.T) {
	s := readySession(t)
	s, _ = next(testPolicy, s, EvTunnelClosed{}, t0)
	if s.Status != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", s.Status)
	}
	if s.SessionID != "" {
		t.Errorf("SessionID = %q, want cleared", s.SessionID)
	}
	if s.LastSessionID != "sess-1" {
		t.Errorf("LastSessionID = %q, want retained for restore", s.LastSessionID)
	}
}

func TestTransportLostBeforeReadyDoesNotRetry(t *testing.T) {
	s := Session{}
	s, _ = next(testPolicy, s, EvConnect{}, t0)
	s, _ = next(testPolicy, s, EvTransportUp{}, t0)

	s, effects := next(testPolicy, s, EvTransportLost{Reason: transport.ReasonTransportLoss}, t0)
	if s.Status != StatusError {
		t.Errorf("status = %s, want error", s.Status)
	}
	if hasEffect(effects, EffScheduleReconnect{}) {
		t.Error("reconnect scheduled for a connection that was never ready")
	}
	if !strings.Contains(s.LastError, "before tunnel established") {
		t.Errorf("LastError = %q", s.LastError)
	}
}

func TestTransportLostSchedulesBackoff(t *testing.T) {
	s := readySession(t)

	s, effects := next(testPolicy, s, EvTransportLost{Reason: transport.ReasonTransportLoss}, t0)
	if s.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", s.Status)
	}
	if s.ReconnectAttempts != 1 {
		t.Errorf("ReconnectAttempts = %d, want 1", s.ReconnectAttempts)
	}
	var sched EffScheduleReconnect
	found := false
	for _, e := range effects {
		if se, ok := e.(EffScheduleReconnect); ok {
			sched, found = se, true
		}
	}
	if !found {
		t.Fatalf("effects = %v, want EffScheduleReconnect", effects)
	}
	if sched.Delay != 1*time.Second {
		t.Errorf("first retry delay = %s, want 1s", sched.Delay)
	}
}

func TestLossBeforeReadyMidCycleStillRetries(t *testing.T) {
	// A session that was ready once stays on the retry budget even when a
	// reconnect attempt gets the transport up and then loses it before the
	// handshake completes.
	s := readySession(t)
	s, _ = next(testPolicy, s, EvTransportLost{Reason: transport.ReasonTransportLoss}, t0)
	s, _ = next(testPolicy, s, EvRetryTimer{}, t0)
	s, _ = next(testPolicy, s, EvTransportUp{}, t0)
	if s.Status != StatusConnected {
		t.Fatalf("after retry transport up: status = %s, want connected", s.Status)
	}

	s, effects := next(testPolicy, s, EvTransportLost{Reason: transport.ReasonTransportLoss}, t0)
	if s.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected with a retry pending", s.Status)
	}
	if s.ReconnectAttempts != 2 {
		t.Errorf("ReconnectAttempts = %d, want 2", s.ReconnectAttempts)
	}
	got := time.Duration(-1)
	for _, e := range effects {
		if se, ok := e.(EffScheduleReconnect); ok {
			got = se.Delay
		}
	}
	if got != 2*time.Second {
		t.Errorf("next retry delay = %s, want 2s", got)
	}
}

func TestReconnectCycleExhaustsBudget(t *testing.T) {
	s := readySession(t)
	s, _ = next(testPolicy, s, EvTransportLost{Reason: transport.ReasonTransportLoss}, t0)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range wantDelays {
		s2, effects := next(testPolicy, s, EvRetryTimer{}, t0)
		if s2.Status != StatusConnecting {
			t.Fatalf("retry %d: status = %s, want connecting", i+1, s2.Status)
		}
		s2, effects = next(testPolicy, s2, EvTransportError{Err: "dial refused"}, t0)
		if s2.Status != StatusDisconnected {
			t.Fatalf("retry %d failed: status = %s, want disconnected", i+1, s2.Status)
		}
		got := time.Duration(-1)
		for _, e := range effects {
			if se, ok := e.(EffScheduleReconnect); ok {
				got = se.Delay
			}
		}
		if got != want {
			t.Errorf("retry %d: next delay = %s, want %s", i+1, got, want)
		}
		s = s2
	}

	// Attempt budget spent: the final failure lands on Disconnected with no
	// further retry scheduled.
	s, _ = next(testPolicy, s, EvRetryTimer{}, t0)
	s, effects := next(testPolicy, s, EvTransportError{Err: "dial refused"}, t0)
	if s.Status != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", s.Status)
	}
	if hasEffect(effects, EffScheduleReconnect{}) {
		t.Error("reconnect scheduled past the attempt budget")
	}
	if !strings.Contains(s.LastError, "after 5 attempts") {
		t.Errorf("LastError = %q", s.LastError)
	}
}

func TestTunnelReadyResetsReconnectAttempts(t *testing.T) {
	s := readySession(t)
	s, _ = next(testPolicy, s, EvTransportLost{Reason: transport.ReasonTransportLoss}, t0)
	s, _ = next(testPolicy, s, EvRetryTimer{}, t0)
	s, _ = next(testPolicy, s, EvTransportUp{}, t0)
	s, _ = next(testPolicy, s, EvTunnelReady{SessionID: "sess-2"}, t0)
	if s.ReconnectAttempts != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0 after successful handshake", s.ReconnectAttempts)
	}
	if s.SessionID != "sess-2" {
		t.Errorf("SessionID = %q, want sess-2", s.SessionID)
	}
}

func TestLocalCloseLeavesStatusAlone(t *testing.T) {
	// A cleanup close after a failure must not clobber the status that
	// already reflects the failure.
	s := Session{Status: StatusError, LastError: "tunnel collapsed", EverReady: true, ChannelOpen: true}
	s, effects := next(testPolicy, s, EvTransportLost{Reason: transport.ReasonLocalClose}, t0)
	if s.Status != StatusError {
		t.Errorf("status = %s, want error preserved", s.Status)
	}
	if len(effects) != 0 {
		t.Errorf("effects = %v, want none", effects)
	}
}

func TestManualDisconnect(t *testing.T) {
	s := readySession(t)
	s, effects := next(testPolicy, s, EvDisconnect{}, t0)

	if s.Status != StatusManuallyDisconnected {
		t.Fatalf("status = %s, want manually_disconnected", s.Status)
	}
	if s.SessionID != "" || s.LastSessionID != "" {
		t.Errorf("session ids = %q/%q, want cleared", s.SessionID, s.LastSessionID)
	}
	for _, want := range []Effect{
		EffCancelReconnect{}, EffSendDisconnectIntent{}, EffCloseChannel{}, EffClearSessionSnapshots{},
	} {
		if !hasEffect(effects, want) {
			t.Errorf("effects = %v, missing %T", effects, want)
		}
	}

	// The close callback that follows must not be mistaken for a loss.
	s2, effects := next(testPolicy, s, EvTransportLost{Reason: transport.ReasonLocalClose}, t0)
	if s2.Status != StatusManuallyDisconnected {
		t.Errorf("status after close callback = %s", s2.Status)
	}
	if hasEffect(effects, EffScheduleReconnect{}) {
		t.Error("reconnect scheduled after manual disconnect")
	}
}

func TestManualDisconnectIdempotent(t *testing.T) {
	s := readySession(t)
	s, _ = next(testPolicy, s, EvDisconnect{}, t0)
	s2, effects := next(testPolicy, s, EvDisconnect{}, t0)
	if s2.Status != StatusManuallyDisconnected {
		t.Errorf("status = %s", s2.Status)
	}
	// Channel already down: no intent or close should be re-issued.
	if hasEffect(effects, EffSendDisconnectIntent{}) || hasEffect(effects, EffCloseChannel{}) {
		t.Errorf("effects = %v, want no channel work on repeat disconnect", effects)
	}
}

func TestManualDisconnectCancelsPendingReconnect(t *testing.T) {
	s := readySession(t)
	s, _ = next(testPolicy, s, EvTransportLost{Reason: transport.ReasonTransportLoss}, t0)
	if s.Status != StatusDisconnected {
		t.Fatalf("status = %s", s.Status)
	}

	s, effects := next(testPolicy, s, EvDisconnect{}, t0)
	if !hasEffect(effects, EffCancelReconnect{}) {
		t.Errorf("effects = %v, want EffCancelReconnect", effects)
	}

	// A stale retry timer firing anyway must not reconnect.
	s2, effects := next(testPolicy, s, EvRetryTimer{}, t0)
	if s2.Status != StatusManuallyDisconnected || hasEffect(effects, EffOpenChannel{}) {
		t.Errorf("stale retry reopened: status = %s, effects = %v", s2.Status, effects)
	}
}

func TestPreserveAndResume(t *testing.T) {
	s := readySession(t)

	s, effects := next(testPolicy, s, EvPreserve{}, t0)
	if s.Status != StatusPreserved {
		t.Fatalf("status = %s, want preserved", s.Status)
	}
	if s.NavigationStartedAt != t0 {
		t.Errorf("NavigationStartedAt = %v, want %v", s.NavigationStartedAt, t0)
	}
	if !hasEffect(effects, EffSendPause{}) || !hasEffect(effects, EffSaveNavigationMark{}) {
		t.Errorf("preserve effects = %v", effects)
	}

	s, effects = next(testPolicy, s, EvResume{}, t0)
	if s.Status != StatusConnected {
		t.Fatalf("status = %s, want connected", s.Status)
	}
	if !s.NavigationStartedAt.IsZero() {
		t.Errorf("NavigationStartedAt = %v, want cleared", s.NavigationStartedAt)
	}
	if !hasEffect(effects, EffSendResume{}) || !hasEffect(effects, EffClearNavigationMark{}) {
		t.Errorf("resume effects = %v", effects)
	}
}

func TestPreserveOnlyWhenConnected(t *testing.T) {
	for _, from := range []Status{StatusIdle, StatusConnecting, StatusDisconnected, StatusError} {
		s, effects := next(testPolicy, Session{Status: from}, EvPreserve{}, t0)
		if s.Status != from || len(effects) != 0 {
			t.Errorf("preserve from %s: status = %s, effects = %v", from, s.Status, effects)
		}
	}
}

func TestResumeOnlyWhenPreserved(t *testing.T) {
	s := readySession(t)
	s2, effects := next(testPolicy, s, EvResume{}, t0)
	if s2.Status != StatusConnected || len(effects) != 0 {
		t.Errorf("resume while connected: status = %s, effects = %v", s2.Status, effects)
	}
}

func TestRestoreWithClosedChannel(t *testing.T) {
	s := Session{Status: StatusDisconnected, LastSessionID: "sess-1"}
	s, effects := next(testPolicy, s, EvRestore{}, t0)
	if s.Status != StatusRestoring {
		t.Fatalf("status = %s, want restoring", s.Status)
	}
	if !hasEffect(effects, EffOpenChannel{}) {
		t.Errorf("effects = %v, want EffOpenChannel", effects)
	}

	// Transport comes up: the restore intent replaces the connect handshake.
	s, effects = next(testPolicy, s, EvTransportUp{}, t0)
	if s.Status != StatusRestoring {
		t.Errorf("status = %s, want restoring until acknowledged", s.Status)
	}
	restore := false
	for _, e := range effects {
		if se, ok := e.(EffSendRestore); ok {
			restore = true
			if se.SessionID != "sess-1" {
				t.Errorf("restore session id = %q, want sess-1", se.SessionID)
			}
		}
	}
	if !restore || !hasEffect(effects, EffArmRestoreTimer{}) {
		t.Errorf("effects = %v", effects)
	}

	s, _ = next(testPolicy, s, EvRestoreAck{}, t0)
	if s.Status != StatusConnected {
		t.Errorf("status = %s, want connected", s.Status)
	}
	if s.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", s.SessionID)
	}
	if !s.EverReady {
		t.Error("EverReady not set after restore")
	}
}

func TestRestoreWithOpenChannel(t *testing.T) {
	s := Session{Status: StatusPreserved, LastSessionID: "sess-1", ChannelOpen: true}
	s, effects := next(testPolicy, s, EvRestore{}, t0)
	if s.Status != StatusRestoring {
		t.Fatalf("status = %s", s.Status)
	}
	if hasEffect(effects, EffOpenChannel{}) {
		t.Error("opened a second channel while one is live")
	}
	if !hasEffect(effects, EffSendRestore{}) || !hasEffect(effects, EffArmRestoreTimer{}) {
		t.Errorf("effects = %v", effects)
	}
}

func TestRestoreFailed(t *testing.T) {
	s := Session{Status: StatusRestoring, LastSessionID: "sess-1", ChannelOpen: true}
	s, effects := next(testPolicy, s, EvRestoreFailed{Message: "session expired upstream"}, t0)
	if s.Status != StatusError {
		t.Errorf("status = %s, want error", s.Status)
	}
	if s.LastError != "session expired upstream" {
		t.Errorf("LastError = %q", s.LastError)
	}
	if !hasEffect(effects, EffCloseChannel{}) || !hasEffect(effects, EffDisarmRestoreTimer{}) {
		t.Errorf("effects = %v", effects)
	}

	// A late acknowledgment after the failure is stale.
	s2, effects := next(testPolicy, s, EvRestoreAck{}, t0)
	if s2.Status != StatusError || len(effects) != 0 {
		t.Errorf("late ack applied: status = %s", s2.Status)
	}
}

func TestRestoreTimeout(t *testing.T) {
	s := Session{Status: StatusRestoring, LastSessionID: "sess-1", ChannelOpen: true}
	s, effects := next(testPolicy, s, EvRestoreTimeout{}, t0)
	if s.Status != StatusError {
		t.Errorf("status = %s, want error", s.Status)
	}
	if !strings.Contains(s.LastError, "timed out") {
		t.Errorf("LastError = %q", s.LastError)
	}
	if !hasEffect(effects, EffCloseChannel{}) {
		t.Errorf("effects = %v, want channel closed", effects)
	}
}

func TestRetryTimerOnlyFiresWhenDisconnected(t *testing.T) {
	for _, from := range []Status{StatusIdle, StatusConnecting, StatusConnected, StatusError, StatusManuallyDisconnected} {
		s, effects := next(testPolicy, Session{Status: from}, EvRetryTimer{}, t0)
		if s.Status != from || len(effects) != 0 {
			t.Errorf("retry timer from %s: status = %s, effects = %v", from, s.Status, effects)
		}
	}
}
