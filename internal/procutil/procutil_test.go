package procutil

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh")
	}
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.OutputDir = dir
	opts.StopGrace = 2 * time.Second
	m := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx, 100*time.Millisecond)
	})
	return m, dir
}

func TestSpawnKill(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\tsleep 30", false)
	require.NoError(t, err)
	require.NotZero(t, h)

	assert.True(t, m.IsAlive(h))
	assert.True(t, PIDExists(int(h)))

	require.NoError(t, m.Kill(h))
	assert.False(t, m.IsAlive(h))

	info, ok := m.Get(h)
	require.True(t, ok)
	assert.Equal(t, StateKilled, info.State)
	assert.Equal(t, -1, info.ExitCode)

	// A second kill on an exited process is a no-op.
	assert.NoError(t, m.Kill(h))
}

func TestWaitTimeout(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\tsleep 30", false)
	require.NoError(t, err)

	start := time.Now()
	assert.False(t, m.WaitTimeout(h, 100*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, m.IsAlive(h))

	require.NoError(t, m.Kill(h))
	assert.True(t, m.WaitTimeout(h, 0))
}

func TestWaitReportsExitCode(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\texit 3", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, h))

	info, ok := m.Get(h)
	require.True(t, ok)
	assert.Equal(t, StateExited, info.State)
	assert.Equal(t, 3, info.ExitCode)
	assert.Empty(t, info.Error)
	assert.False(t, info.ExitedAt.IsZero())
}

func TestWaitHonoursContext(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\tsleep 30", false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx, h), context.DeadlineExceeded)
	assert.True(t, m.IsAlive(h))
}

func TestUntrackedHandle(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	// Our own pid exists but was not spawned by the manager.
	h := Handle(os.Getpid())
	assert.False(t, m.IsAlive(h))
	assert.True(t, m.WaitTimeout(h, time.Second))
	assert.NoError(t, m.Wait(context.Background(), h))
	assert.NoError(t, m.Kill(h))
	assert.True(t, PIDExists(os.Getpid()))

	assert.False(t, m.IsAlive(0))
	assert.True(t, m.WaitTimeout(0, time.Second))
}

func TestSpawnRedirectsOutput(t *testing.T) {
	skipOnWindows(t)
	m, dir := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\techo out; echo err >&2", false)
	require.NoError(t, err)
	require.True(t, m.WaitTimeout(h, 5*time.Second))

	stdout, err := os.ReadFile(filepath.Join(dir, "ffmpeg.out"))
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(stdout))

	stderr, err := os.ReadFile(filepath.Join(dir, "ffmpeg.err"))
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(stderr))
}

func TestPerProcessOutput(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.OutputDir = filepath.Join(dir, "logs")
	opts.PerProcessOutput = true
	m := NewManager(opts)

	h, err := m.Spawn("/bin/echo", "\thello", false)
	require.NoError(t, err)
	require.True(t, m.WaitTimeout(h, 5*time.Second))

	info, ok := m.Get(h)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(opts.OutputDir, info.ID+".out"), info.StdoutPath)

	data, err := os.ReadFile(info.StdoutPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestSpawnFailure(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/nonexistent/transcoder", "\t-i\tx", false)
	assert.Error(t, err)
	assert.Zero(t, h)
	assert.Empty(t, m.List())

	h, err = m.Spawn("", "", false)
	assert.ErrorIs(t, err, ErrEmptyCommand)
	assert.Zero(t, h)
}

func TestStopGraceful(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\texec sleep 30", false)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.Stop(context.Background(), h, 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	info, _ := m.Get(h)
	assert.Equal(t, StateExited, info.State)
}

func TestStopEscalatesToKill(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\ttrap '' TERM; exec sleep 30", false)
	require.NoError(t, err)
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, m.Stop(context.Background(), h, 200*time.Millisecond))
	info, _ := m.Get(h)
	assert.Equal(t, StateKilled, info.State)
}

type recordingObserver struct {
	mu      sync.Mutex
	started []Info
	exited  []Info
}

func (r *recordingObserver) ProcessStarted(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info)
}

func (r *recordingObserver) ProcessExited(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exited = append(r.exited, info)
}

func (r *recordingObserver) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.exited)
}

func TestObserverNotified(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)
	obs := &recordingObserver{}
	m.AddObserver(obs)

	h, err := m.Spawn("/bin/sh", "\t-c\texit 0", false)
	require.NoError(t, err)
	require.True(t, m.WaitTimeout(h, 5*time.Second))

	require.Eventually(t, func() bool {
		s, e := obs.counts()
		return s == 1 && e == 1
	}, 2*time.Second, 10*time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, h, obs.started[0].PID)
	assert.Equal(t, StateRunning, obs.started[0].State)
	assert.Equal(t, StateExited, obs.exited[0].State)
	assert.Equal(t, obs.started[0].ID, obs.exited[0].ID)
}

func TestReleaseAndList(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	running, err := m.Spawn("/bin/sh", "\t-c\tsleep 30", false)
	require.NoError(t, err)
	done, err := m.Spawn("/bin/sh", "\t-c\texit 0", false)
	require.NoError(t, err)
	require.True(t, m.WaitTimeout(done, 5*time.Second))

	assert.Len(t, m.List(), 2)
	assert.False(t, m.Release(running))
	assert.True(t, m.Release(done))
	_, tracked := m.Get(done)
	assert.False(t, tracked)
	assert.Len(t, m.List(), 1)

	// Released handles follow the untracked rules.
	assert.False(t, m.IsAlive(done))
}

func TestShutdownStopsEverything(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	var handles []Handle
	for i := 0; i < 3; i++ {
		h, err := m.Spawn("/bin/sh", "\t-c\texec sleep 30", false)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx, time.Second))

	for _, h := range handles {
		assert.False(t, m.IsAlive(h))
	}
}

func TestConcurrentAccess(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\tsleep 0.2", false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.IsAlive(h)
			_ = m.WaitTimeout(h, 5*time.Second)
			_ = m.List()
		}()
	}
	wg.Wait()
	assert.False(t, m.IsAlive(h))
}

type orderObserver struct {
	mu     sync.Mutex
	delay  time.Duration
	events []string
}

func (o *orderObserver) ProcessStarted(Info) {
	time.Sleep(o.delay)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "started")
}

func (o *orderObserver) ProcessExited(Info) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "exited")
}

func (o *orderObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func TestObserverOrderForFastExit(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)
	obs := &orderObserver{delay: 50 * time.Millisecond}
	m.AddObserver(obs)

	h, err := m.Spawn("/bin/true", "", false)
	require.NoError(t, err)
	require.True(t, m.WaitTimeout(h, 5*time.Second))

	require.Eventually(t, func() bool {
		return len(obs.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"started", "exited"}, obs.snapshot())
}

func TestShutdownKillsWhenContextExpires(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	h, err := m.Spawn("/bin/sh", "\t-c\ttrap '' TERM; exec sleep 30", false)
	require.NoError(t, err)
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = m.Shutdown(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	assert.False(t, m.IsAlive(h))
	info, ok := m.Get(h)
	require.True(t, ok)
	assert.Equal(t, StateKilled, info.State)
}

func TestReleaseExited(t *testing.T) {
	skipOnWindows(t)
	m, _ := newTestManager(t)

	running, err := m.Spawn("/bin/sh", "\t-c\tsleep 30", false)
	require.NoError(t, err)
	done, err := m.Spawn("/bin/sh", "\t-c\texit 0", false)
	require.NoError(t, err)
	require.True(t, m.WaitTimeout(done, 5*time.Second))

	assert.Empty(t, m.ReleaseExited(time.Now().Add(-time.Hour)))
	assert.Equal(t, []Handle{done}, m.ReleaseExited(time.Now().Add(time.Second)))

	_, ok := m.Get(done)
	assert.False(t, ok)
	_, ok = m.Get(running)
	assert.True(t, ok)
}

// procState returns the state letter of pid from /proc, or 0 once the pid
// is gone.
func procState(pid int) byte {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 || i+2 >= len(data) {
		return 0
	}
	return data[i+2]
}

func TestKillTreeReachesGrandchildren(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc")
	}
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.OutputDir = dir
	opts.KillTree = true
	m := NewManager(opts)

	h, err := m.Spawn("/bin/sh", "\t-c\tsleep 30 & echo $!; wait", false)
	require.NoError(t, err)

	var grandchild int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "ffmpeg.out"))
		if err != nil {
			return false
		}
		grandchild, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && grandchild > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NotZero(t, procState(grandchild))

	require.NoError(t, m.Kill(h))
	assert.False(t, m.IsAlive(h))

	// Reparented to init, the grandchild is either reaped or left as a zombie.
	require.Eventually(t, func() bool {
		s := procState(grandchild)
		return s == 0 || s == 'Z'
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, PIDExists(grandchild))
}

func TestPIDExistsIgnoresZombies(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc")
	}
	// Started without a Wait, the child stays a zombie of the test binary.
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() { _ = cmd.Wait() })

	require.Eventually(t, func() bool {
		return procState(pid) == 'Z'
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, PIDExists(pid))
	assert.True(t, PIDExists(os.Getpid()))
}
