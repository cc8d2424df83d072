package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charles1614/deepwiki-sub000/internal/crypto"
	"github.com/charles1614/deepwiki-sub000/internal/session"
	"github.com/charles1614/deepwiki-sub000/internal/store"
)

// Package-level dependencies, wired in main.
var (
	SessionMgr *session.Manager
	StateStore *store.Store
)

type connectRequest struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	UpstreamToken   string `json:"upstream_token"`
	UpstreamBaseURL string `json:"upstream_base_url"`
}

type sessionStatus struct {
	Status              string     `json:"status"`
	SessionID           string     `json:"session_id,omitempty"`
	ReconnectAttempts   int        `json:"reconnect_attempts"`
	LastError           string     `json:"last_error,omitempty"`
	LastConnectedAt     *time.Time `json:"last_connected_at,omitempty"`
	NavigationStartedAt *time.Time `json:"navigation_started_at,omitempty"`
}

func currentStatus() sessionStatus {
	snap := SessionMgr.Snapshot()
	status := sessionStatus{
		Status:            snap.Status.String(),
		SessionID:         snap.SessionID,
		ReconnectAttempts: snap.ReconnectAttempts,
		LastError:         snap.LastError,
	}
	if !snap.LastConnectedAt.IsZero() {
		t := snap.LastConnectedAt
		status.LastConnectedAt = &t
	}
	if !snap.NavigationStartedAt.IsZero() {
		t := snap.NavigationStartedAt
		status.NavigationStartedAt = &t
	}
	return status
}

// ConnectSession establishes the session and blocks until the tunnel is ready
// or the attempt fails.
func ConnectSession(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Host == "" || req.Port == 0 {
		writeError(w, http.StatusBadRequest, "host and port are required")
		return
	}

	err := SessionMgr.Connect(r.Context(), store.ConnectionSettings{
		Host:            req.Host,
		Port:            req.Port,
		Username:        req.Username,
		Password:        req.Password,
		UpstreamToken:   req.UpstreamToken,
		UpstreamBaseURL: req.UpstreamBaseURL,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, currentStatus())
}

// DisconnectSession explicitly tears the session down. Idempotent.
func DisconnectSession(w http.ResponseWriter, r *http.Request) {
	SessionMgr.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

// PreserveSession marks the consumer as navigating away.
func PreserveSession(w http.ResponseWriter, r *http.Request) {
	SessionMgr.Preserve()
	w.WriteHeader(http.StatusNoContent)
}

// ResumeSession marks the consumer as returned from a short navigation.
func ResumeSession(w http.ResponseWriter, r *http.Request) {
	SessionMgr.Resume()
	w.WriteHeader(http.StatusNoContent)
}

// RestoreSession re-synchronizes after an absence of uncertain length.
func RestoreSession(w http.ResponseWriter, r *http.Request) {
	restored, err := SessionMgr.Restore(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	status := currentStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"restored":   restored,
		"status":     status.Status,
		"session_id": status.SessionID,
		"last_error": status.LastError,
	})
}

func GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentStatus())
}

func GetSessionTransitions(w http.ResponseWriter, r *http.Request) {
	transitions := SessionMgr.Transitions()
	if transitions == nil {
		transitions = []session.StateTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": transitions})
}

func GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	events := SessionMgr.Events()
	if events == nil {
		events = []session.SessionEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// GetSessionSettings returns the stored connection settings with credentials
// masked.
func GetSessionSettings(w http.ResponseWriter, r *http.Request) {
	settings := StateStore.LoadSettings()
	if settings == nil {
		writeError(w, http.StatusNotFound, "no connection settings stored")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"host":              settings.Host,
		"port":              settings.Port,
		"username":          settings.Username,
		"password":          crypto.Mask(settings.Password),
		"upstream_token":    crypto.Mask(settings.UpstreamToken),
		"upstream_base_url": settings.UpstreamBaseURL,
	})
}
