package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"procvisor/internal/config"
	"procvisor/internal/gateway"
	"procvisor/internal/storage"
	"procvisor/internal/transcoder"
)

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose system health",
		Long: `Run diagnostic checks on your procvisor installation.

This command checks:
- Configuration file validity
- Journal database accessibility
- Process output directory
- Transcoder availability and version
- Server status`,
		RunE: runDoctor,
	}

	return cmd
}

type checkResult struct {
	name    string
	status  string // ok, warning, error
	message string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "procvisor doctor")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)

	ctx := cmd.Context()
	results := []checkResult{
		checkSystemInfo(),
		checkConfigFile(cliCtx.ConfigPath),
		checkJournal(cliCtx),
		checkOutputDir(cliCtx),
		checkTranscoder(ctx, cliCtx.Config.Transcoder),
		checkServer(ctx, cliCtx.Config.Server),
	}

	printResults(out, results)
	return nil
}

// printResults writes one line per check and a summary. It reports whether
// any check failed.
func printResults(out io.Writer, results []checkResult) bool {
	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		icon := "✓"
		switch r.status {
		case "warning":
			icon = "!"
			hasWarnings = true
		case "error":
			icon = "✗"
			hasErrors = true
		}
		fmt.Fprintf(out, "%s %s: %s\n", icon, r.name, r.message)
	}

	fmt.Fprintln(out)
	switch {
	case hasErrors:
		fmt.Fprintln(out, "Some checks failed. Please address the issues above.")
	case hasWarnings:
		fmt.Fprintln(out, "Some warnings detected. procvisor should work but may have issues.")
	default:
		fmt.Fprintln(out, "All checks passed.")
	}
	return hasErrors
}

func checkSystemInfo() checkResult {
	return checkResult{
		name:    "System",
		status:  "ok",
		message: fmt.Sprintf("Go %s on %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}
}

func checkConfigFile(configPath string) checkResult {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return checkResult{
			name:    "Config File",
			status:  "warning",
			message: fmt.Sprintf("Not found: %s (using defaults)", configPath),
		}
	}
	return checkResult{
		name:    "Config File",
		status:  "ok",
		message: fmt.Sprintf("Found: %s", configPath),
	}
}

func checkJournal(cliCtx *CLIContext) checkResult {
	if !cliCtx.Config.Journal.Enabled {
		return checkResult{name: "Journal", status: "warning", message: "disabled (journal.enabled=false)"}
	}
	db, err := cliCtx.GetStorage()
	if err != nil {
		return checkResult{name: "Journal", status: "error", message: err.Error()}
	}
	version, err := db.SchemaVersion()
	if err != nil {
		return checkResult{name: "Journal", status: "error", message: err.Error()}
	}
	counts, err := db.CountByState()
	if err != nil {
		return checkResult{name: "Journal", status: "error", message: err.Error()}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return checkResult{
		name:   "Journal",
		status: "ok",
		message: fmt.Sprintf("%s (schema v%d, %d records, %d running, host %s)",
			db.Path(), version, total, counts[storage.StateRunning], storage.Hostname()),
	}
}

func checkOutputDir(cliCtx *CLIContext) checkResult {
	opts, err := cliCtx.ProcessOptions()
	if err != nil {
		return checkResult{name: "Output Directory", status: "error", message: err.Error()}
	}
	probe, err := os.CreateTemp(opts.OutputDir, ".doctor-*")
	if err != nil {
		return checkResult{name: "Output Directory", status: "error", message: fmt.Sprintf("%s is not writable: %v", opts.OutputDir, err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return checkResult{name: "Output Directory", status: "ok", message: opts.OutputDir}
}

func checkTranscoder(ctx context.Context, cfg config.TranscoderConfig) checkResult {
	res, err := transcoder.Probe(ctx, cfg.Path)
	if err != nil {
		if errors.Is(err, transcoder.ErrUnknownVersion) && res != nil {
			return checkResult{name: "Transcoder", status: "warning", message: fmt.Sprintf("%s: cannot parse %q", res.Path, res.Banner)}
		}
		return checkResult{name: "Transcoder", status: "error", message: err.Error()}
	}
	if err := transcoder.CheckConstraint(res.Version, cfg.MinVersion); err != nil {
		return checkResult{name: "Transcoder", status: "warning", message: fmt.Sprintf("%s: %v", res.Path, err)}
	}
	return checkResult{name: "Transcoder", status: "ok", message: fmt.Sprintf("%s (version %s)", res.Path, res.Version)}
}

func checkServer(ctx context.Context, cfg config.ServerConfig) checkResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	where := cfg.Addr()
	if cfg.Pipe != "" {
		where = cfg.Pipe
	}
	health, err := gateway.NewClient(cfg).Health(ctx)
	if err != nil {
		return checkResult{name: "Server", status: "warning", message: fmt.Sprintf("not reachable at %s", where)}
	}
	status := "ok"
	if health.Status != "ok" {
		status = "warning"
	}
	return checkResult{
		name:   "Server",
		status: status,
		message: fmt.Sprintf("%s at %s, pid %d (%d tracked, %d running, journal %s)",
			health.Version, where, health.PID, health.Tracked, health.Running, health.Journal),
	}
}
