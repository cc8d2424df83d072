package handlers

import (
	"net/http"
	"strconv"

	"github.com/charles1614/deepwiki-sub000/internal/logging"
)

// GetServerLogs returns the tail of the server log file. The lines query
// parameter bounds the tail (default 200).
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	n := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		n = parsed
	}

	content, err := logging.ReadTail(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

// ClearServerLogs truncates the server log file.
func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear logs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
