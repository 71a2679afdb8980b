package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"procvisor/internal/cron"
)

// CronScheduler is the part of cron.Scheduler the handlers use.
type CronScheduler interface {
	Jobs() []string
	NextRun(name string) (time.Time, bool)
	RunNow(ctx context.Context, name string) (cron.HistoryEntry, error)
	History() *cron.History
}

// CronHandler exposes the maintenance jobs.
type CronHandler struct {
	scheduler CronScheduler
}

// NewCronHandler creates a new cron handler.
func NewCronHandler(scheduler CronScheduler) *CronHandler {
	return &CronHandler{scheduler: scheduler}
}

// RegisterRoutes registers cron routes on the router.
func (h *CronHandler) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/api/v1/cron").Subrouter()

	sub.HandleFunc("/jobs", h.HandleListJobs).Methods("GET")
	sub.HandleFunc("/jobs/{name}/run", h.HandleRunJob).Methods("POST")
	sub.HandleFunc("/jobs/{name}/history", h.HandleHistory).Methods("GET")
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name    string             `json:"name"`
	NextRun *time.Time         `json:"next_run,omitempty"`
	LastRun *cron.HistoryEntry `json:"last_run,omitempty"`
}

// HandleListJobs returns all jobs with their next and last run.
func (h *CronHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	names := h.scheduler.Jobs()
	jobs := make([]JobStatus, 0, len(names))
	for _, name := range names {
		st := JobStatus{Name: name}
		if next, ok := h.scheduler.NextRun(name); ok {
			st.NextRun = &next
		}
		if last, ok := h.scheduler.History().Last(name); ok {
			st.LastRun = &last
		}
		jobs = append(jobs, st)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"jobs": jobs,
	})
}

// HandleRunJob runs a job immediately.
func (h *CronHandler) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	entry, err := h.scheduler.RunNow(r.Context(), name)
	var execErr *cron.ExecutionFailedError
	switch {
	case err == nil:
		SendJSON(w, http.StatusOK, entry)
	case errors.Is(err, cron.ErrJobNotFound):
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "job not found")
	case errors.Is(err, cron.ErrJobRunning):
		SendError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, cron.ErrSchedulerNotRunning):
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
	case errors.As(err, &execErr):
		SendJSON(w, http.StatusOK, entry)
	default:
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// HandleHistory returns the recent runs of a job.
func (h *CronHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	found := false
	for _, n := range h.scheduler.Jobs() {
		if n == name {
			found = true
			break
		}
	}
	if !found {
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"history": h.scheduler.History().List(name),
	})
}
