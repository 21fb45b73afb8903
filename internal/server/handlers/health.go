package handlers

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// ready flips once startup wiring (store migration, backend registry)
// completes.
var ready atomic.Bool

// SetReady marks the process as ready to serve run traffic.
func SetReady(v bool) {
	ready.Store(v)
}

// Health reports overall process health.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Live reports process liveness.
func Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready reports whether startup wiring completed.
func Ready(w http.ResponseWriter, _ *http.Request) {
	if !ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
