package cron

import (
	"context"
	"errors"
	"time"

	"procvisor/internal/procutil"
	"procvisor/internal/storage"
	"procvisor/pkg/logger"
)

// Names of the built-in journal jobs.
const (
	JobPruneJournal     = "journal.prune"
	JobReconcileJournal = "journal.reconcile"
	JobReleaseExited    = "process.release"
)

// JournalStore is the part of the journal the maintenance jobs use.
type JournalStore interface {
	PruneProcesses(before time.Time) (int64, error)
	ListRunningProcesses() ([]*storage.ProcessRecord, error)
	MarkProcessLost(id string, at time.Time) error
}

// ProcessTable reports which processes are tracked in memory.
type ProcessTable interface {
	Get(h procutil.Handle) (procutil.Info, bool)
}

// ProcessReleaser drops exited processes from the live table.
type ProcessReleaser interface {
	ReleaseExited(cutoff time.Time) []procutil.Handle
}

// ReleaseJob forgets processes that exited more than after ago, so a long
// running server does not keep every child it ever started.
func ReleaseJob(table ProcessReleaser, after time.Duration, schedule string) Job {
	return Job{
		Name:     JobReleaseExited,
		Schedule: schedule,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			if after <= 0 {
				return nil
			}
			if released := table.ReleaseExited(time.Now().Add(-after)); len(released) > 0 {
				logger.Debug().Int("count", len(released)).Dur("after", after).Msg("released exited processes")
			}
			return nil
		},
	}
}

// PruneJob deletes finished journal rows older than retention.
func PruneJob(store JournalStore, retention time.Duration, schedule string) Job {
	return Job{
		Name:     JobPruneJournal,
		Schedule: schedule,
		Timeout:  time.Minute,
		Retry:    DefaultRetryPolicy(),
		Run: func(ctx context.Context) error {
			if retention <= 0 {
				return nil
			}
			n, err := store.PruneProcesses(time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info().Int64("rows", n).Dur("retention", retention).Msg("pruned process journal")
			}
			return nil
		},
	}
}

// ReconcileJob marks running rows as lost when the process is neither tracked
// by table nor present on the host. This catches rows left behind by a
// previous instance that exited without recording its children.
func ReconcileJob(store JournalStore, table ProcessTable, schedule string) Job {
	return Job{
		Name:     JobReconcileJournal,
		Schedule: schedule,
		Timeout:  time.Minute,
		Retry:    DefaultRetryPolicy(),
		Run: func(ctx context.Context) error {
			_, err := Reconcile(ctx, store, table, procutil.PIDExists)
			return err
		},
	}
}

// Reconcile performs one reconcile pass and returns the ids marked lost.
// exists reports whether a pid is present on the host.
func Reconcile(ctx context.Context, store JournalStore, table ProcessTable, exists func(int) bool) ([]string, error) {
	rows, err := store.ListRunningProcesses()
	if err != nil {
		return nil, err
	}

	var lost []string
	now := time.Now()
	for _, rec := range rows {
		if err := ctx.Err(); err != nil {
			return lost, err
		}
		if table != nil {
			if info, ok := table.Get(procutil.Handle(rec.PID)); ok && info.ID == rec.ID {
				continue
			}
		}
		if exists(rec.PID) {
			continue
		}
		if err := store.MarkProcessLost(rec.ID, now); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return lost, err
		}
		lost = append(lost, rec.ID)
	}

	if len(lost) > 0 {
		logger.Warn().Int("count", len(lost)).Msg("marked untracked journal entries as lost")
	}
	return lost, nil
}
