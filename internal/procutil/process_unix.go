//go:build !windows
// +build !windows

package procutil

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// newCommand splits the TAB-delimited command line into an argv. visible has
// no meaning without a console subsystem and is ignored.
func newCommand(execPath, cmdLine string, _ bool, killTree bool) (*exec.Cmd, []string) {
	args := SplitCommandLine(execPath, cmdLine)
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}

	cmd := exec.Command(args[0], args[1:]...)
	if killTree {
		// A dedicated process group lets Kill reach every descendant.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	return cmd, args
}

func redirectOutput(bool) bool {
	return true
}

func killProcess(p *Process, opts Options) error {
	if opts.KillTree {
		err := syscall.Kill(-int(p.pid), syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return p.cmd.Process.Kill()
}

// interruptProcess sends SIGTERM, which ffmpeg treats like "q": finish the
// output container and quit.
func interruptProcess(p *Process, opts Options) error {
	if opts.KillTree {
		err := syscall.Kill(-int(p.pid), syscall.SIGTERM)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

// Untracked pids are not ours to reap on this platform.

func untrackedAlive(Handle) bool {
	return false
}

func untrackedKill(Handle, Options) error {
	return nil
}

func untrackedWait(context.Context, Handle) error {
	return nil
}

func untrackedWaitTimeout(Handle, time.Duration) bool {
	return true
}

func pidExists(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !zombie(pid)
}

// zombie reports whether /proc lists pid in state Z. A zombie still answers
// kill(pid, 0) but has already exited. Without procfs nothing is a zombie.
func zombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The command name is parenthesized and may itself contain ")".
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] == 'Z'
}
