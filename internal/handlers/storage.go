package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/charles1614/deepwiki-sub000/internal/store"
)

// ensureQuota verifies the store can accept a new snapshot, running
// quota-driven cleanup once before giving up with 507.
func ensureQuota(w http.ResponseWriter) bool {
	if StateStore.CheckQuota().Available {
		return true
	}
	StateStore.Optimize()
	if StateStore.CheckQuota().Available {
		return true
	}
	writeError(w, http.StatusInsufficientStorage, "storage budget exhausted")
	return false
}

func GetTerminalState(w http.ResponseWriter, r *http.Request) {
	snap := StateStore.LoadTerminal()
	if snap == nil {
		writeError(w, http.StatusNotFound, "no terminal snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func PutTerminalState(w http.ResponseWriter, r *http.Request) {
	var snap store.TerminalSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !ensureQuota(w) {
		return
	}
	if !StateStore.SaveTerminal(snap) {
		writeError(w, http.StatusInternalServerError, "failed to persist terminal snapshot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func GetBrowserState(w http.ResponseWriter, r *http.Request) {
	snap := StateStore.LoadBrowser()
	if snap == nil {
		writeError(w, http.StatusNotFound, "no file browser snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func PutBrowserState(w http.ResponseWriter, r *http.Request) {
	var snap store.BrowserSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !ensureQuota(w) {
		return
	}
	if !StateStore.SaveBrowser(snap) {
		writeError(w, http.StatusInternalServerError, "failed to persist file browser snapshot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func GetStorageQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateStore.CheckQuota())
}

// OptimizeStorage runs quota-driven cleanup and reports the resulting usage.
func OptimizeStorage(w http.ResponseWriter, r *http.Request) {
	StateStore.Optimize()
	writeJSON(w, http.StatusOK, StateStore.CheckQuota())
}

// ClearSessionState drops the cached session snapshots, keeping connection
// settings.
func ClearSessionState(w http.ResponseWriter, r *http.Request) {
	StateStore.ClearSession()
	w.WriteHeader(http.StatusNoContent)
}
