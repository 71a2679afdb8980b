package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) error

// Job is a named function run on a cron schedule.
type Job struct {
	// Name is the unique identifier for the job.
	Name string
	// Schedule is a 5-field or 6-field (with seconds) cron expression, or a
	// descriptor such as "@hourly".
	Schedule string
	// Timeout bounds a single run. Zero means DefaultJobTimeout.
	Timeout time.Duration
	// Retry controls retries after a failed run.
	Retry RetryPolicy
	Run   JobFunc
}

// DefaultJobTimeout bounds a run that does not set its own timeout.
const DefaultJobTimeout = 10 * time.Minute

var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NormalizeSchedule turns a standard 5-field expression into the 6-field form
// the scheduler expects. Other expressions are returned as-is.
func NormalizeSchedule(schedule string) string {
	schedule = strings.TrimSpace(schedule)
	if len(strings.Fields(schedule)) == 5 {
		return "0 " + schedule
	}
	return schedule
}

// ValidateSchedule checks that schedule parses.
func ValidateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return &InvalidScheduleError{Schedule: schedule, Err: errors.New("empty expression")}
	}
	if _, err := scheduleParser.Parse(NormalizeSchedule(schedule)); err != nil {
		return &InvalidScheduleError{Schedule: schedule, Err: err}
	}
	return nil
}

// Validate checks the job definition.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if j.Run == nil {
		return fmt.Errorf("%w: %s has no run function", ErrInvalidJob, j.Name)
	}
	return ValidateSchedule(j.Schedule)
}

func (j *Job) timeout() time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	return DefaultJobTimeout
}
