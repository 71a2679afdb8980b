package cron

import (
	"sync"
	"time"
)

// Run statuses recorded in history.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// HistoryEntry records one run of a job.
type HistoryEntry struct {
	JobName   string        `json:"job_name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

// History keeps the most recent runs per job in memory.
type History struct {
	mu      sync.Mutex
	limit   int
	entries map[string][]HistoryEntry
}

// NewHistory keeps up to limit entries per job.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 20
	}
	return &History{limit: limit, entries: make(map[string][]HistoryEntry)}
}

// Add appends an entry, dropping the oldest one past the limit.
func (h *History) Add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.entries[e.JobName], e)
	if len(list) > h.limit {
		list = list[len(list)-h.limit:]
	}
	h.entries[e.JobName] = list
}

// List returns the entries of a job, newest first.
func (h *History) List(name string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.entries[name]
	out := make([]HistoryEntry, len(list))
	for i, e := range list {
		out[len(list)-1-i] = e
	}
	return out
}

// Last returns the most recent entry of a job.
func (h *History) Last(name string) (HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.entries[name]
	if len(list) == 0 {
		return HistoryEntry{}, false
	}
	return list[len(list)-1], true
}
