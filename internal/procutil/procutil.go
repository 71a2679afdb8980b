// Package procutil spawns and supervises external processes such as
// transcoders. Every child started through a Manager is tracked in a
// concurrent table keyed by its pid; liveness, termination and waiting are
// answered from that table.
//
// Pids the Manager did not start are handled per platform. On Windows they are
// opened through the native process handle API, so a caller can poll, kill or
// wait on any pid. Elsewhere an untracked pid is treated as a process that has
// already gone away: it is never alive, Kill is a no-op and waits return
// immediately.
package procutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"procvisor/pkg/logger"
)

// Handle identifies a spawned process. It is the OS pid; zero means no process.
type Handle int

// Process states reported in Info.
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateKilled  = "killed"
)

var (
	// ErrEmptyCommand is returned by Spawn when there is nothing to execute.
	ErrEmptyCommand = errors.New("procutil: empty command")

	// errInterruptUnsupported is returned by interruptProcess on platforms
	// that cannot deliver a graceful stop request to a child.
	errInterruptUnsupported = errors.New("procutil: interrupt not supported")
)

// Options configures a Manager.
type Options struct {
	// OutputDir receives the stdout/stderr files. Empty means the working directory.
	OutputDir string
	// StdoutFile and StderrFile name the redirect targets. Empty discards the stream.
	StdoutFile string
	StderrFile string
	// PerProcessOutput names output files after the process id instead of
	// sharing StdoutFile/StderrFile between children.
	PerProcessOutput bool
	// KillTree terminates the child's whole process tree instead of the child alone.
	KillTree bool
	// StopGrace is the default time Stop waits after the interrupt before killing.
	StopGrace time.Duration
	// TaskkillPath overrides %SystemRoot%\system32\taskkill.exe on Windows.
	TaskkillPath string
	// Logger overrides the global logger.
	Logger *zerolog.Logger
}

// DefaultOptions returns the settings used by the pipeline's ffmpeg launcher.
func DefaultOptions() Options {
	return Options{
		StdoutFile: "ffmpeg.out",
		StderrFile: "ffmpeg.err",
		StopGrace:  5 * time.Second,
	}
}

// Info is a point-in-time snapshot of a tracked process.
type Info struct {
	ID         string    `json:"id"`
	PID        Handle    `json:"pid"`
	Path       string    `json:"path"`
	Args       []string  `json:"args"`
	Visible    bool      `json:"visible"`
	State      string    `json:"state"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	StdoutPath string    `json:"stdout_path,omitempty"`
	StderrPath string    `json:"stderr_path,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	ExitedAt   time.Time `json:"exited_at,omitempty"`
}

// Alive reports whether the snapshot was taken while the process was running.
func (i Info) Alive() bool {
	return i.State == StateRunning
}

// Observer receives lifecycle notifications. Calls happen on the spawning
// goroutine (ProcessStarted) and on the reaper goroutine (ProcessExited) and
// must not block for long. ProcessExited for a process is never delivered
// before its ProcessStarted has returned.
type Observer interface {
	ProcessStarted(info Info)
	ProcessExited(info Info)
}

// Process is a tracked child.
type Process struct {
	id         string
	pid        Handle
	path       string
	args       []string
	visible    bool
	startedAt  time.Time
	stdoutPath string
	stderrPath string

	cmd     *exec.Cmd
	outputs []*os.File
	done    chan struct{}
	// started is closed once every observer has seen ProcessStarted.
	started chan struct{}

	mu       sync.Mutex
	killed   bool
	exitedAt time.Time
	exitCode int
	waitErr  error
}

func (p *Process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) markKilled() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
}

func (p *Process) info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		ID:         p.id,
		PID:        p.pid,
		Path:       p.path,
		Args:       append([]string(nil), p.args...),
		Visible:    p.visible,
		State:      StateRunning,
		StdoutPath: p.stdoutPath,
		StderrPath: p.stderrPath,
		StartedAt:  p.startedAt,
	}
	if !p.exitedAt.IsZero() {
		info.State = StateExited
		if p.killed {
			info.State = StateKilled
		}
		info.ExitCode = p.exitCode
		info.ExitedAt = p.exitedAt
		if p.waitErr != nil {
			info.Error = p.waitErr.Error()
		}
	}
	return info
}

// Manager spawns processes and tracks them until they are released.
type Manager struct {
	opts Options
	log  *zerolog.Logger

	mu        sync.RWMutex
	processes map[Handle]*Process
	observers []Observer
}

// NewManager creates a Manager. Zero-valued fields of opts are used as given;
// start from DefaultOptions to get the stock file names and grace period.
func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.Component("procutil")
	}
	return &Manager{
		opts:      opts,
		log:       log,
		processes: make(map[Handle]*Process),
	}
}

// AddObserver registers an observer for subsequent lifecycle events.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) snapshotObservers() []Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Observer(nil), m.observers...)
}

// Spawn starts execPath with the TAB-delimited arguments in cmdLine. visible
// asks for a console window of its own where the platform has one. It returns
// the child's pid, or 0 and an error when the process could not be started.
func (m *Manager) Spawn(execPath, cmdLine string, visible bool) (Handle, error) {
	if execPath == "" && cmdLine == "" {
		return 0, ErrEmptyCommand
	}

	cmd, argv := newCommand(execPath, cmdLine, visible, m.opts.KillTree)
	if cmd == nil {
		return 0, ErrEmptyCommand
	}

	proc := &Process{
		id:      uuid.New().String(),
		path:    execPath,
		args:    argv,
		visible: visible,
		cmd:     cmd,
		done:    make(chan struct{}),
		started: make(chan struct{}),
	}

	if redirectOutput(visible) {
		if err := m.openOutputs(proc); err != nil {
			return 0, err
		}
	}

	m.log.Info().Strs("args", argv).Bool("visible", visible).Msg("starting process")

	if err := cmd.Start(); err != nil {
		proc.closeOutputs()
		return 0, fmt.Errorf("start %s: %w", execPath, err)
	}

	proc.pid = Handle(cmd.Process.Pid)
	proc.startedAt = time.Now()

	m.mu.Lock()
	m.processes[proc.pid] = proc
	m.mu.Unlock()

	go m.reap(proc)

	info := proc.info()
	for _, o := range m.snapshotObservers() {
		o.ProcessStarted(info)
	}
	close(proc.started)

	m.log.Info().Int("pid", int(proc.pid)).Str("id", proc.id).Msg("process started")
	return proc.pid, nil
}

func (m *Manager) openOutputs(p *Process) error {
	stdoutName, stderrName := m.opts.StdoutFile, m.opts.StderrFile
	if m.opts.PerProcessOutput {
		if stdoutName != "" {
			stdoutName = p.id + ".out"
		}
		if stderrName != "" {
			stderrName = p.id + ".err"
		}
	}

	if m.opts.OutputDir != "" && (stdoutName != "" || stderrName != "") {
		if err := os.MkdirAll(m.opts.OutputDir, 0755); err != nil {
			return fmt.Errorf("create output dir %s: %w", m.opts.OutputDir, err)
		}
	}

	if stdoutName != "" {
		path := filepath.Join(m.opts.OutputDir, stdoutName)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("open stdout file %s: %w", path, err)
		}
		p.cmd.Stdout = f
		p.stdoutPath = path
		p.outputs = append(p.outputs, f)
	}
	if stderrName != "" {
		path := filepath.Join(m.opts.OutputDir, stderrName)
		f, err := os.Create(path)
		if err != nil {
			p.closeOutputs()
			return fmt.Errorf("open stderr file %s: %w", path, err)
		}
		p.cmd.Stderr = f
		p.stderrPath = path
		p.outputs = append(p.outputs, f)
	}
	return nil
}

func (p *Process) closeOutputs() {
	for _, f := range p.outputs {
		_ = f.Close()
	}
	p.outputs = nil
}

// reap is the only caller of cmd.Wait for p.
func (m *Manager) reap(p *Process) {
	err := p.cmd.Wait()
	p.closeOutputs()

	p.mu.Lock()
	p.exitedAt = time.Now()
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	p.mu.Unlock()
	close(p.done)

	info := p.info()
	m.log.Info().
		Int("pid", int(p.pid)).
		Int("exit_code", info.ExitCode).
		Str("state", info.State).
		Dur("uptime", info.ExitedAt.Sub(info.StartedAt)).
		Msg("process exited")

	// Observers must see the start before the exit, even for a child that
	// is gone before Spawn has finished notifying.
	<-p.started
	for _, o := range m.snapshotObservers() {
		o.ProcessExited(info)
	}
}

func (m *Manager) lookup(h Handle) (*Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[h]
	return p, ok
}

// IsAlive reports whether the process is still running. It never blocks.
func (m *Manager) IsAlive(h Handle) bool {
	if h <= 0 {
		return false
	}
	if p, ok := m.lookup(h); ok {
		return !p.exited()
	}
	return untrackedAlive(h)
}

// Kill forcibly terminates the process and blocks until it has exited.
// Killing a process that already exited is not an error.
func (m *Manager) Kill(h Handle) error {
	if h <= 0 {
		return nil
	}
	p, ok := m.lookup(h)
	if !ok {
		return untrackedKill(h, m.opts)
	}
	if p.exited() {
		return nil
	}

	p.markKilled()
	m.log.Info().Int("pid", int(h)).Bool("tree", m.opts.KillTree).Msg("killing process")
	if err := killProcess(p, m.opts); err != nil && !errors.Is(err, os.ErrProcessDone) && !p.exited() {
		return fmt.Errorf("kill process %d: %w", h, err)
	}
	<-p.done
	return nil
}

// Wait blocks until the process exits or ctx is done.
func (m *Manager) Wait(ctx context.Context, h Handle) error {
	if h <= 0 {
		return nil
	}
	p, ok := m.lookup(h)
	if !ok {
		return untrackedWait(ctx, h)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout waits at most d for the process to exit and reports whether it
// did. A negative d waits without limit.
func (m *Manager) WaitTimeout(h Handle, d time.Duration) bool {
	if h <= 0 {
		return true
	}
	p, ok := m.lookup(h)
	if !ok {
		return untrackedWaitTimeout(h, d)
	}
	if d < 0 {
		<-p.done
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return p.exited()
	}
}

// Stop asks the process to exit and kills it if it is still running after
// grace. A non-positive grace uses Options.StopGrace. Untracked pids are
// killed directly.
func (m *Manager) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	if h <= 0 {
		return nil
	}
	p, ok := m.lookup(h)
	if !ok {
		return m.Kill(h)
	}
	if p.exited() {
		return nil
	}
	if grace <= 0 {
		grace = m.opts.StopGrace
	}

	err := interruptProcess(p, m.opts)
	switch {
	case err == nil:
		m.log.Debug().Int("pid", int(h)).Dur("grace", grace).Msg("interrupt sent")
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
			m.log.Warn().Int("pid", int(h)).Dur("grace", grace).Msg("grace period expired, killing process")
		case <-ctx.Done():
			m.log.Warn().Int("pid", int(h)).Err(ctx.Err()).Msg("stop canceled, killing process")
			if kerr := m.Kill(h); kerr != nil {
				return errors.Join(ctx.Err(), kerr)
			}
			return ctx.Err()
		}
	case errors.Is(err, errInterruptUnsupported), errors.Is(err, os.ErrProcessDone):
	default:
		m.log.Warn().Err(err).Int("pid", int(h)).Msg("interrupt failed")
	}

	return m.Kill(h)
}

// Get returns a snapshot of a tracked process.
func (m *Manager) Get(h Handle) (Info, bool) {
	p, ok := m.lookup(h)
	if !ok {
		return Info{}, false
	}
	return p.info(), true
}

// List returns snapshots of every tracked process ordered by start time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	procs := make([]*Process, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Release drops an exited process from the table. Running processes are kept
// and false is returned.
func (m *Manager) Release(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.processes[h]
	if !ok || !p.exited() {
		return false
	}
	delete(m.processes, h)
	return true
}

// ReleaseExited drops every process that exited before cutoff and returns
// their handles.
func (m *Manager) ReleaseExited(cutoff time.Time) []Handle {
	var stale []Handle
	for _, info := range m.List() {
		if !info.Alive() && info.ExitedAt.Before(cutoff) {
			stale = append(stale, info.PID)
		}
	}

	released := stale[:0]
	for _, h := range stale {
		if m.Release(h) {
			released = append(released, h)
		}
	}
	return released
}

// Shutdown stops every running process concurrently.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) error {
	var running []Handle
	for _, info := range m.List() {
		if info.Alive() {
			running = append(running, info.PID)
		}
	}
	if len(running) == 0 {
		return nil
	}

	m.log.Info().Int("count", len(running)).Msg("stopping processes")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range running {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := m.Stop(ctx, h, grace); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %d: %w", h, err))
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// PIDExists probes the operating system for pid, regardless of whether this
// Manager started it.
func PIDExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	return pidExists(pid)
}
