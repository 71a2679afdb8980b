package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"procvisor/internal/procutil"
	"procvisor/internal/storage"
)

// RunOptions run 命令选项
type RunOptions struct {
	Visible bool
	Timeout time.Duration
	Grace   time.Duration
}

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run [flags] -- <exec> [args...]",
		Short: "Run a process under supervision and wait for it",
		Long: `Spawn a process, record it in the journal and wait for it to exit.

With --timeout the process is stopped once the timeout elapses: it is asked
to exit first and killed when it is still running after --grace. Interrupting
procvisor stops the child the same way. The child's exit code becomes
procvisor's exit code.`,
		Example: `  # Transcode a file, stopping ffmpeg after ten minutes
  procvisor run --timeout 10m -- ffmpeg -i in.flv out.mp4`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Visible, "visible", false, "give the child its own console window (Windows)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "stop the process after this long (0 waits forever)")
	cmd.Flags().DurationVar(&opts.Grace, "grace", 0, "time between the stop request and the kill (default process.stop_grace)")

	return cmd
}

// exitSignal delivers the child's final snapshot once every observer
// registered before it has seen the exit. run starts a single child, so any
// exit is the one it waits for.
type exitSignal struct {
	done chan procutil.Info
}

func (e *exitSignal) ProcessStarted(procutil.Info) {}

func (e *exitSignal) ProcessExited(info procutil.Info) {
	select {
	case e.done <- info:
	default:
	}
}

func runRun(cmd *cobra.Command, args []string, opts *RunOptions) error {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return err
	}
	log := cliCtx.Log()

	procOpts, err := cliCtx.ProcessOptions()
	if err != nil {
		return err
	}
	m := procutil.NewManager(procOpts)

	db, err := cliCtx.Journal()
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if db != nil {
		m.AddObserver(storage.NewJournal(db))
	}

	// Observers run in registration order; exit fires after the journal
	// has written its row.
	exit := &exitSignal{done: make(chan procutil.Info, 1)}
	m.AddObserver(exit)

	var cmdLine string
	if len(args) > 1 {
		cmdLine = "\t" + strings.Join(args[1:], "\t")
	}

	h, err := m.Spawn(args[0], cmdLine, opts.Visible)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := m.Wait(ctx, h); err != nil {
		reason := "interrupted"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		log.Warn().Int("pid", int(h)).Str("reason", reason).Msg("stopping process")

		stopCtx, cancel := context.WithTimeout(context.Background(), stopBudget(opts.Grace, procOpts.StopGrace))
		defer cancel()
		if err := m.Stop(stopCtx, h, opts.Grace); err != nil {
			return fmt.Errorf("stop %d: %w", h, err)
		}
	}

	var info procutil.Info
	select {
	case info = <-exit.done:
	case <-time.After(5 * time.Second):
		info, _ = m.Get(h)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "pid %d %s (exit code %d)\n", info.PID, info.State, info.ExitCode)
	if info.Error != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", info.Error)
	}
	if info.ExitCode != 0 {
		return &ExitCodeError{Code: info.ExitCode}
	}
	return nil
}

// stopBudget bounds a Stop call: the grace period plus time for the kill.
func stopBudget(grace, fallback time.Duration) time.Duration {
	if grace <= 0 {
		grace = fallback
	}
	return grace + 10*time.Second
}
