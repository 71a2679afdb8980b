package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"procvisor/internal/procutil"
)

// Config 是应用配置的根结构体
type Config struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Process    ProcessConfig    `mapstructure:"process" yaml:"process"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Journal    JournalConfig    `mapstructure:"journal" yaml:"journal"`
	Transcoder TranscoderConfig `mapstructure:"transcoder" yaml:"transcoder"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ProcessConfig 子进程启动与终止配置
type ProcessConfig struct {
	OutputDir        string        `mapstructure:"output_dir" yaml:"output_dir"`
	StdoutFile       string        `mapstructure:"stdout_file" yaml:"stdout_file"`
	StderrFile       string        `mapstructure:"stderr_file" yaml:"stderr_file"`
	PerProcessOutput bool          `mapstructure:"per_process_output" yaml:"per_process_output"`
	KillTree         bool          `mapstructure:"kill_tree" yaml:"kill_tree"`
	StopGrace        time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	TaskkillPath     string        `mapstructure:"taskkill_path" yaml:"taskkill_path,omitempty"` // Windows only
	// ReleaseAfter drops exited children from the live table once they have
	// been gone this long. Zero keeps them until restart.
	ReleaseAfter    time.Duration `mapstructure:"release_after" yaml:"release_after"`
	ReleaseSchedule string        `mapstructure:"release_schedule" yaml:"release_schedule"`
}

// Options converts the section into procutil options. ~ in OutputDir is expanded.
func (c ProcessConfig) Options() (procutil.Options, error) {
	dir, err := ExpandPath(c.OutputDir)
	if err != nil {
		return procutil.Options{}, err
	}
	return procutil.Options{
		OutputDir:        dir,
		StdoutFile:       c.StdoutFile,
		StderrFile:       c.StderrFile,
		PerProcessOutput: c.PerProcessOutput,
		KillTree:         c.KillTree,
		StopGrace:        c.StopGrace,
		TaskkillPath:     c.TaskkillPath,
	}, nil
}

// ServerConfig HTTP 控制面配置
// Pipe 非空时改为监听 unix socket（Windows 上为命名管道），忽略 Host/Port。
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	Pipe string `mapstructure:"pipe" yaml:"pipe,omitempty"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JournalConfig 进程日志（SQLite）与定期清理配置
type JournalConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Retention         time.Duration `mapstructure:"retention" yaml:"retention"`
	PruneSchedule     string        `mapstructure:"prune_schedule" yaml:"prune_schedule"`
	ReconcileSchedule string        `mapstructure:"reconcile_schedule" yaml:"reconcile_schedule"`
}

// TranscoderConfig 转码器探测配置
type TranscoderConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	MinVersion string `mapstructure:"min_version" yaml:"min_version"`
}

var (
	configPath string
	mu         sync.RWMutex
)

// Load 加载配置
// 优先级: PROCVISOR_* 环境变量 > 配置文件 > 默认值。文件不存在时只用默认值。
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()
	viper.SetEnvPrefix("PROCVISOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	configPath = ""
	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expanded
		viper.SetConfigFile(expanded)
		if err := viper.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", expanded, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would only fail later, at spawn or listen time.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Process.StopGrace < 0 {
		errs = append(errs, errors.New("process.stop_grace: must not be negative"))
	}
	if c.Process.ReleaseAfter < 0 {
		errs = append(errs, errors.New("process.release_after: must not be negative"))
	}
	if c.Journal.Retention < 0 {
		errs = append(errs, errors.New("journal.retention: must not be negative"))
	}
	if f := c.Log.Format; f != "" && f != "console" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format: want console or json, got %q", f))
	}
	if c.Process.StdoutFile != "" && c.Process.StdoutFile == c.Process.StderrFile {
		errs = append(errs, errors.New("process.stdout_file and process.stderr_file must differ"))
	}
	return errors.Join(errs...)
}

// Reload 重新读取最近一次 Load 的配置文件
func Reload() (*Config, error) {
	mu.RLock()
	path := configPath
	mu.RUnlock()
	return Load(path)
}

// Get 获取任意配置键值
func Get(key string) any {
	return viper.Get(key)
}

// AllSettings 返回合并后的全部配置
func AllSettings() map[string]any {
	return viper.AllSettings()
}

// Set 设置配置值，并在已加载配置文件时写回该文件
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath == "" {
		return nil
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return writeFile(configPath, data)
}

// SaveTo 将 cfg 写入 path
func SaveTo(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

// writeFile replaces path through a temp file in the same directory, so the
// config watcher never reloads a half-written file.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Reset 重置配置（主要用于测试）
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	configPath = ""
	viper.Reset()
}
