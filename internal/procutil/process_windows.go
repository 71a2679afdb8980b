//go:build windows
// +build windows

package procutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/windows"

	"procvisor/pkg/logger"
)

// stillActive is the exit code GetExitCodeProcess reports for a running process.
const stillActive = 259

// waitSlice bounds each WaitForSingleObject call so context cancellation is noticed.
const waitSlice = 250 * time.Millisecond

// newCommand hands the raw command line to CreateProcess. A visible child gets
// its own console; otherwise no window is created at all.
func newCommand(execPath, cmdLine string, visible bool, _ bool) (*exec.Cmd, []string) {
	if execPath == "" {
		return nil, nil
	}

	raw := windowsCommandLine(execPath, cmdLine)
	flags := uint32(windows.CREATE_NO_WINDOW)
	if visible {
		flags = windows.CREATE_NEW_CONSOLE
	}

	cmd := exec.Command(execPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine:       raw,
		CreationFlags: flags,
		HideWindow:    !visible,
	}
	return cmd, []string{raw}
}

// A child with its own console writes there; only windowless children are redirected.
func redirectOutput(visible bool) bool {
	return !visible
}

func killProcess(p *Process, opts Options) error {
	if opts.KillTree {
		return taskkill(int(p.pid), opts)
	}
	return p.cmd.Process.Kill()
}

// Console-less children cannot receive CTRL_C_EVENT, so Stop falls through to Kill.
func interruptProcess(*Process, Options) error {
	return errInterruptUnsupported
}

func taskkillPath(opts Options) string {
	if opts.TaskkillPath != "" {
		return opts.TaskkillPath
	}
	return filepath.Join(os.Getenv("SystemRoot"), "system32", "taskkill.exe")
}

func taskkill(pid int, opts Options) error {
	args := []string{"/F"}
	if opts.KillTree {
		args = append(args, "/T")
	}
	args = append(args, "/PID", strconv.Itoa(pid))

	cmd := exec.Command(taskkillPath(opts), args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NO_WINDOW, HideWindow: true}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("taskkill %d: %w: %s", pid, err, out)
	}
	return nil
}

func openProcess(pid Handle, access uint32) (windows.Handle, error) {
	return windows.OpenProcess(access, false, uint32(pid))
}

func untrackedAlive(pid Handle) bool {
	return pidExists(int(pid))
}

// untrackedKill runs taskkill against the pid and blocks on the process handle
// until the kernel reports it signalled.
func untrackedKill(pid Handle, opts Options) error {
	h, err := openProcess(pid, windows.SYNCHRONIZE)
	if err != nil {
		return nil
	}
	defer windows.CloseHandle(h)

	if err := taskkill(int(pid), opts); err != nil {
		logger.Warn().Err(err).Int("pid", int(pid)).Msg("taskkill failed")
	}
	if _, err := windows.WaitForSingleObject(h, windows.INFINITE); err != nil {
		return fmt.Errorf("wait for process %d: %w", pid, err)
	}
	return nil
}

func untrackedWait(ctx context.Context, pid Handle) error {
	h, err := openProcess(pid, windows.SYNCHRONIZE)
	if err != nil {
		return nil
	}
	defer windows.CloseHandle(h)

	for {
		event, err := windows.WaitForSingleObject(h, uint32(waitSlice/time.Millisecond))
		if err != nil {
			return fmt.Errorf("wait for process %d: %w", pid, err)
		}
		if event == windows.WAIT_OBJECT_0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// untrackedWaitTimeout treats a pid that cannot be opened as already exited.
func untrackedWaitTimeout(pid Handle, d time.Duration) bool {
	h, err := openProcess(pid, windows.SYNCHRONIZE)
	if err != nil {
		return true
	}
	defer windows.CloseHandle(h)

	ms := uint32(windows.INFINITE)
	if d >= 0 {
		ms = timeoutMillis(d)
	}
	event, err := windows.WaitForSingleObject(h, ms)
	return err == nil && event == windows.WAIT_OBJECT_0
}

func pidExists(pid int) bool {
	h, err := openProcess(Handle(pid), windows.PROCESS_QUERY_LIMITED_INFORMATION)
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// timeoutMillis converts d for WaitForSingleObject, clamping below INFINITE so
// a long finite wait never turns into an unbounded one.
func timeoutMillis(d time.Duration) uint32 {
	ms := d / time.Millisecond
	if ms >= windows.INFINITE {
		return windows.INFINITE - 1
	}
	return uint32(ms)
}
