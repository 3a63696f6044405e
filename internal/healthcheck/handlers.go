package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"
)

// response is the body both endpoints serve: the sweep snapshot plus an
// explicit status word, so curl output is readable without checking the
// HTTP code.
type response struct {
	Status string `json:"status"`
	Snapshot
}

// HealthHandler serves /healthz. The process is live while quick sweeps
// keep completing on schedule.
func HealthHandler(tracker *Tracker, quickInterval time.Duration) http.HandlerFunc {
	return statusHandler(tracker, func() bool {
		return tracker.Healthy(time.Now().UTC(), quickInterval)
	})
}

// ReadyHandler serves /readyz. The process is ready once the first
// quick sweep has run.
func ReadyHandler(tracker *Tracker) http.HandlerFunc {
	return statusHandler(tracker, func() bool {
		return tracker.Ready()
	})
}

func statusHandler(tracker *Tracker, pass func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := response{Status: "ok", Snapshot: tracker.Snapshot()}
		code := http.StatusOK
		if !pass() {
			body.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}
