package handlers

import (
	"net/http"
	"os"
	"time"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	// Status is "ok", or "degraded" when the journal cannot be reached.
	Status  string `json:"status"`
	Version string `json:"version"`
	Host    string `json:"host"`
	PID     int    `json:"pid"`
	Uptime  int64  `json:"uptime"`
	Tracked int    `json:"tracked"`
	Running int    `json:"running"`
	// Journal is "disabled", "ok" or the ping error.
	Journal string `json:"journal"`
}

// Health serves the health endpoint. The zero value is not usable; see NewHealth.
type Health struct {
	version string
	manager ProcessManager
	ping    func() error
	started time.Time
	host    string
}

// NewHealth creates the health endpoint. ping reports journal reachability and
// is nil when the journal is disabled. manager may be nil.
func NewHealth(version string, manager ProcessManager, ping func() error) *Health {
	host, _ := os.Hostname()
	return &Health{
		version: version,
		manager: manager,
		ping:    ping,
		started: time.Now(),
		host:    host,
	}
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: h.version,
		Host:    h.host,
		PID:     os.Getpid(),
		Uptime:  int64(time.Since(h.started).Seconds()),
		Journal: "disabled",
	}

	if h.manager != nil {
		for _, info := range h.manager.List() {
			resp.Tracked++
			if info.Alive() {
				resp.Running++
			}
		}
	}

	if h.ping != nil {
		if err := h.ping(); err != nil {
			resp.Status = "degraded"
			resp.Journal = err.Error()
		} else {
			resp.Journal = "ok"
		}
	}

	SendJSON(w, http.StatusOK, resp)
}
