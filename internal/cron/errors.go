// Package cron runs the periodic maintenance jobs of the process journal.
package cron

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound         = errors.New("cron: job not found")
	ErrJobExists           = errors.New("cron: job already registered")
	ErrJobRunning          = errors.New("cron: job already running")
	ErrSchedulerNotRunning = errors.New("cron: scheduler not running")

	// ErrInvalidJob is returned by Job.Validate for a missing name or run func.
	ErrInvalidJob = errors.New("cron: invalid job")

	// ErrInvalidSchedule matches every *InvalidScheduleError.
	ErrInvalidSchedule = errors.New("cron: invalid schedule")
)

// InvalidScheduleError reports a schedule that robfig/cron cannot parse.
// It unwraps to both ErrInvalidSchedule and the parser error.
type InvalidScheduleError struct {
	Schedule string
	Err      error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("cron: invalid schedule %q: %v", e.Schedule, e.Err)
}

func (e *InvalidScheduleError) Unwrap() []error {
	return []error{ErrInvalidSchedule, e.Err}
}

// ExecutionFailedError is returned by RunNow when the last attempt failed.
type ExecutionFailedError struct {
	JobName  string
	Attempts int
	Cause    error
}

func (e *ExecutionFailedError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("cron: job %s failed after %d attempts: %v", e.JobName, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("cron: job %s failed: %v", e.JobName, e.Cause)
}

func (e *ExecutionFailedError) Unwrap() error {
	return e.Cause
}
