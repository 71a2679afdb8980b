// Package cli implements the procvisor command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"procvisor/internal/config"
	"procvisor/internal/gateway"
	"procvisor/pkg/logger"
)

// contextKey CLI 上下文键
type contextKey struct{}

// app owns one execution of the command tree: the global flags and the
// context built from them, which must be closed whether or not the command
// succeeded.
type app struct {
	root *cobra.Command

	configPath string
	verbose    bool
	quiet      bool

	cliCtx *CLIContext
}

// Run executes the command line args and returns the process exit code.
// Errors are printed to stderr, except a child's exit status, which run
// reports itself.
func Run(args []string, stderr io.Writer) int {
	a := newApp()
	a.root.SetArgs(args)
	err := a.execute(context.Background())

	var exitErr *ExitCodeError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}

func newApp() *app {
	gateway.Version = CurrentBuildInfo().Version

	a := &app{}
	a.root = &cobra.Command{
		Use:   "procvisor",
		Short: "procvisor - transcoder process supervisor",
		Long: `procvisor spawns and supervises external processes such as ffmpeg.
It tracks every child it starts, answers liveness queries, stops children
gracefully or forcibly, and records their lifecycle in a local journal.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := a.root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file path (default $PROCVISOR_HOME/config.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "log errors only")
	a.root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	a.root.AddCommand(
		NewVersionCmd(),
		NewConfigCmd(),
		NewRunCmd(),
		NewServeCmd(),
		NewPsCmd(),
		NewDoctorCmd(),
	)
	return a
}

// execute runs the tree and releases whatever setup opened.
func (a *app) execute(ctx context.Context) error {
	err := a.root.ExecuteContext(ctx)
	if a.cliCtx != nil {
		if cerr := a.cliCtx.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = logger.Close()
	return err
}

// setup loads the configuration and the logger and stores a CLIContext in
// the command's context. version and help need neither.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}

	configPath := a.configPath
	if configPath == "" {
		var err error
		if configPath, err = config.DefaultConfigPath(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	level := cfg.Log.Level
	switch {
	case a.verbose:
		level = "debug"
	case a.quiet:
		level = "error"
	}
	if err := logger.Init(logger.LogConfig{Level: level, Format: cfg.Log.Format, File: cfg.Log.File}); err != nil {
		return err
	}

	storagePath := cfg.Storage.Path
	if storagePath == "" {
		if storagePath, err = config.DefaultDataPath(); err != nil {
			return err
		}
	}

	a.cliCtx = NewCLIContext(cfg, configPath, storagePath)
	cmd.SetContext(context.WithValue(cmd.Context(), contextKey{}, a.cliCtx))
	return nil
}

// GetCLIContext 从命令上下文获取 CLI 上下文
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cliCtx, _ := ctx.Value(contextKey{}).(*CLIContext)
	return cliCtx
}

func requireCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return nil, errors.New("CLI context not initialized")
	}
	return cliCtx, nil
}
