package handlers

import (
	"net/http"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	storeStatus := "disconnected"
	if StateStore != nil && StateStore.Ping() == nil {
		storeStatus = "connected"
	}

	sessionStatus := "unknown"
	if SessionMgr != nil {
		sessionStatus = SessionMgr.Status().String()
	}

	status := "healthy"
	if storeStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"store":   storeStatus,
		"session": sessionStatus,
	})
}
