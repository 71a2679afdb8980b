// Package logger provides the process-wide zerolog logger used by procvisor.
//
// Until Init runs, Get returns a console logger on stderr so that early CLI
// errors are still readable.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // trace, debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // console, json
	File   string `json:"file" mapstructure:"file"`     // optional append-only log file
}

var (
	current atomic.Pointer[zerolog.Logger]

	// fileMu guards logFile; Get never takes it.
	fileMu  sync.Mutex
	logFile *os.File
)

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	current.Store(&l)
}

// ParseLevel converts a level name to a zerolog.Level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init configures the global logger. Calling it again replaces the previous
// configuration and closes any log file opened by an earlier call. The log
// file's directory is created when missing.
func Init(config LogConfig) error {
	zerolog.SetGlobalLevel(ParseLevel(config.Level))

	var out io.Writer = os.Stderr
	if strings.EqualFold(config.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02T15:04:05-07:00"}
	}

	fileMu.Lock()
	defer fileMu.Unlock()

	var f *os.File
	if config.File != "" {
		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		var err error
		f, err = os.OpenFile(config.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", config.File, err)
		}
		// the file always gets JSON, whatever the terminal format
		out = zerolog.MultiLevelWriter(out, f)
	}

	store(out)
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	return nil
}

// SetOutput points the global logger at w. Mostly useful in tests.
func SetOutput(w io.Writer) {
	store(w)
}

func store(w io.Writer) {
	l := zerolog.New(w).With().Timestamp().Logger()
	current.Store(&l)
}

// SetLevel changes the global level without rebuilding the writers.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// Get returns the global logger.
func Get() *zerolog.Logger {
	return current.Load()
}

// Component returns a child logger tagged with a component name.
func Component(name string) *zerolog.Logger {
	l := Get().With().Str("component", name).Logger()
	return &l
}

// Close closes the log file if one is open. Later entries only reach stderr.
func Close() error {
	fileMu.Lock()
	defer fileMu.Unlock()

	if logFile == nil {
		return nil
	}
	store(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}

func Debug() *zerolog.Event { return Get().Debug() }
func Info() *zerolog.Event  { return Get().Info() }
func Warn() *zerolog.Event  { return Get().Warn() }
func Error() *zerolog.Event { return Get().Error() }
