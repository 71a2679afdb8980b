package cli

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"procvisor/internal/config"
	"procvisor/internal/procutil"
	"procvisor/internal/storage"
	"procvisor/pkg/logger"
)

// CLIContext holds what a command needs after the root has loaded the
// configuration. The journal database is opened on first use.
type CLIContext struct {
	Config      *config.Config
	ConfigPath  string
	StoragePath string

	storageOnce sync.Once
	storage     *storage.DB
	storageErr  error
}

// NewCLIContext 创建 CLI 上下文
func NewCLIContext(cfg *config.Config, configPath, storagePath string) *CLIContext {
	return &CLIContext{Config: cfg, ConfigPath: configPath, StoragePath: storagePath}
}

// GetStorage opens the journal database once, whether or not journal.enabled
// is set. doctor uses it to report on an existing journal.
func (c *CLIContext) GetStorage() (*storage.DB, error) {
	c.storageOnce.Do(func() {
		c.storage, c.storageErr = storage.Open(c.StoragePath)
	})
	return c.storage, c.storageErr
}

// Journal returns the journal database, or nil when journal.enabled is off.
func (c *CLIContext) Journal() (*storage.DB, error) {
	if !c.Config.Journal.Enabled {
		return nil, nil
	}
	return c.GetStorage()
}

// ProcessOptions builds manager options from the process section. An unset
// output_dir falls back to config.DefaultOutputDir, which is created on demand.
func (c *CLIContext) ProcessOptions() (procutil.Options, error) {
	opts, err := c.Config.Process.Options()
	if err != nil {
		return opts, err
	}
	if opts.OutputDir == "" {
		if opts.OutputDir, err = config.DefaultOutputDir(); err != nil {
			return opts, err
		}
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return opts, fmt.Errorf("create output dir: %w", err)
	}
	opts.Logger = logger.Component("procutil")
	return opts, nil
}

// Log returns the logger for command-level messages.
func (c *CLIContext) Log() *zerolog.Logger {
	return logger.Component("cli")
}

// Close releases the journal database if it was opened.
func (c *CLIContext) Close() error {
	if c.storage == nil {
		return nil
	}
	err := c.storage.Close()
	c.storage = nil
	return err
}
