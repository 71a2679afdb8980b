package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"procvisor/internal/config"
	"procvisor/internal/cron"
	"procvisor/internal/gateway"
	"procvisor/internal/gateway/websocket"
	"procvisor/internal/procutil"
	"procvisor/internal/storage"
	"procvisor/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the procvisor gateway server",
		Long: `Start the procvisor gateway server.

This command starts the HTTP control plane that provides:
- REST endpoints to spawn, inspect, stop and wait on processes
- a WebSocket stream of process lifecycle events
- the process journal and its maintenance jobs

The server listens on the configured host and port (default: 127.0.0.1:18790),
or on server.pipe when it is set.`,
		Example: `  # Start server with default configuration
  procvisor serve

  # Listen on a unix socket instead of TCP
  procvisor serve --pipe /run/procvisor.sock`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	cmd.Flags().String("pipe", "", "unix socket or named pipe to listen on (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx, err := requireCLIContext(cmd)
	if err != nil {
		return err
	}
	cfg := cliCtx.Config
	log := cliCtx.Log()

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if pipe, _ := cmd.Flags().GetString("pipe"); pipe != "" {
		cfg.Server.Pipe = pipe
	}

	procOpts, err := cliCtx.ProcessOptions()
	if err != nil {
		return err
	}
	manager := procutil.NewManager(procOpts)
	hub := websocket.NewHub()
	deps := gateway.Deps{Manager: manager, Hub: hub}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := cliCtx.Journal()
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if db != nil {
		manager.AddObserver(storage.NewJournal(db))
		deps.Journal = db

		// Rows still marked running belong to a previous instance.
		if lost, err := cron.Reconcile(ctx, db, manager, procutil.PIDExists); err != nil {
			log.Warn().Err(err).Msg("journal reconcile failed")
		} else if len(lost) > 0 {
			log.Info().Int("count", len(lost)).Msg("marked stale journal rows lost")
		}

	}
	scheduler, err := newMaintenanceScheduler(cfg, db, manager)
	if err != nil {
		return err
	}
	deps.Cron = scheduler
	manager.AddObserver(hub)

	srv := gateway.NewServer(cfg.Server, deps)
	ln, err := gateway.Listen(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	if err := scheduler.Start(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}

	if watcher, err := config.Watch(cliCtx.ConfigPath, onConfigChange(cfg)); err != nil {
		log.Debug().Err(err).Str("path", cliCtx.ConfigPath).Msg("config watch disabled")
	} else {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	log.Info().
		Str("address", ln.Addr().String()).
		Bool("journal", db != nil).
		Msg("Server started successfully")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error().Err(serveErr).Msg("Server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopBudget(0, cfg.Process.StopGrace))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	<-scheduler.Stop().Done()
	if err := manager.Shutdown(shutdownCtx, cfg.Process.StopGrace); err != nil {
		log.Error().Err(err).Msg("Error stopping processes")
	}

	log.Info().Msg("Server stopped")
	return serveErr
}

// liveTable is what the maintenance jobs need from the process manager.
type liveTable interface {
	cron.ProcessTable
	cron.ProcessReleaser
}

// newMaintenanceScheduler registers the live-table release job and, when db
// is not nil, the journal prune and reconcile jobs.
func newMaintenanceScheduler(cfg *config.Config, db *storage.DB, table liveTable) (*cron.Scheduler, error) {
	s := cron.NewScheduler(&cron.SchedulerConfig{HistoryLimit: 50})
	jobs := []cron.Job{
		cron.ReleaseJob(table, cfg.Process.ReleaseAfter, cfg.Process.ReleaseSchedule),
	}
	if db != nil {
		jobs = append(jobs,
			cron.PruneJob(db, cfg.Journal.Retention, cfg.Journal.PruneSchedule),
			cron.ReconcileJob(db, table, cfg.Journal.ReconcileSchedule),
		)
	}
	for _, job := range jobs {
		if job.Schedule == "" {
			continue
		}
		if err := s.Register(job); err != nil {
			return nil, fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	return s, nil
}

// onConfigChange applies the settings that can change without a restart.
// Everything else is logged and picked up on the next start.
func onConfigChange(current *config.Config) func(*config.Config) {
	return func(next *config.Config) {
		if next.Log.Level != current.Log.Level {
			logger.SetLevel(next.Log.Level)
			logger.Info().Str("level", next.Log.Level).Msg("log level changed")
			current.Log.Level = next.Log.Level
		}
		if next.Server != current.Server || next.Process != current.Process || next.Journal != current.Journal {
			logger.Warn().Msg("settings other than log.level take effect after restart")
		}
	}
}
