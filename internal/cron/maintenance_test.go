package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procvisor/internal/procutil"
	"procvisor/internal/storage"
)

type fakeTable map[procutil.Handle]procutil.Info

func (f fakeTable) Get(h procutil.Handle) (procutil.Info, bool) {
	info, ok := f[h]
	return info, ok
}

func openJournal(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReconcile(t *testing.T) {
	db := openJournal(t)

	tracked := &storage.ProcessRecord{PID: 10, ExecPath: "ffmpeg"}
	alive := &storage.ProcessRecord{PID: 20, ExecPath: "ffmpeg"}
	gone := &storage.ProcessRecord{PID: 30, ExecPath: "ffmpeg"}
	// Same pid as a tracked process but from an earlier run.
	stale := &storage.ProcessRecord{PID: 10, ExecPath: "ffmpeg", StartedAt: time.Now().Add(-time.Hour)}
	for _, r := range []*storage.ProcessRecord{tracked, alive, gone, stale} {
		require.NoError(t, db.InsertProcess(r))
	}

	table := fakeTable{10: {ID: tracked.ID, PID: 10}}
	exists := func(pid int) bool { return pid == 20 }

	lost, err := Reconcile(context.Background(), db, table, exists)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{gone.ID, stale.ID}, lost)

	for id, want := range map[string]string{
		tracked.ID: storage.StateRunning,
		alive.ID:   storage.StateRunning,
		gone.ID:    storage.StateLost,
		stale.ID:   storage.StateLost,
	} {
		rec, err := db.GetProcess(id)
		require.NoError(t, err)
		assert.Equal(t, want, rec.State, "pid %d", rec.PID)
	}

	// A second pass has nothing left to do.
	lost, err = Reconcile(context.Background(), db, table, exists)
	require.NoError(t, err)
	assert.Empty(t, lost)
}

func TestMaintenanceJobsRun(t *testing.T) {
	db := openJournal(t)

	old := &storage.ProcessRecord{PID: 1, ExecPath: "ffmpeg"}
	require.NoError(t, db.InsertProcess(old))
	require.NoError(t, db.MarkProcessExited(old.ID, storage.StateExited, 0, "", time.Now().Add(-48*time.Hour)))

	s := NewScheduler(nil)
	require.NoError(t, s.Register(PruneJob(db, 24*time.Hour, "@hourly")))
	require.NoError(t, s.Register(ReconcileJob(db, fakeTable{}, "@every 5m")))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, []string{JobPruneJournal, JobReconcileJournal}, s.Jobs())

	_, err := s.RunNow(context.Background(), JobPruneJournal)
	require.NoError(t, err)
	_, err = db.GetProcess(old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.RunNow(context.Background(), JobReconcileJournal)
	require.NoError(t, err)
}

type fakeReleaser struct {
	cutoffs []time.Time
	release []procutil.Handle
}

func (f *fakeReleaser) ReleaseExited(cutoff time.Time) []procutil.Handle {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.release
}

func TestReleaseJob(t *testing.T) {
	table := &fakeReleaser{release: []procutil.Handle{42}}

	job := ReleaseJob(table, time.Hour, "@every 10m")
	require.NoError(t, job.Validate())
	require.NoError(t, job.Run(context.Background()))
	require.Len(t, table.cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), table.cutoffs[0], time.Minute)

	// Zero keeps exited processes.
	require.NoError(t, ReleaseJob(table, 0, "@every 10m").Run(context.Background()))
	assert.Len(t, table.cutoffs, 1)
}
