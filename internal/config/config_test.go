package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// 验证默认值
	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q, want info", cfg.Log.Level)
	}
	if cfg.Process.StdoutFile != "ffmpeg.out" || cfg.Process.StderrFile != "ffmpeg.err" {
		t.Errorf("process output files = %q/%q", cfg.Process.StdoutFile, cfg.Process.StderrFile)
	}
	if cfg.Process.StopGrace != 5*time.Second {
		t.Errorf("process.stop_grace = %v, want 5s", cfg.Process.StopGrace)
	}
	if cfg.Server.Addr() != "127.0.0.1:18790" {
		t.Errorf("server addr = %q", cfg.Server.Addr())
	}
	if !cfg.Journal.Enabled {
		t.Error("journal.enabled = false, want true")
	}
	if cfg.Journal.Retention != 7*24*time.Hour {
		t.Errorf("journal.retention = %v", cfg.Journal.Retention)
	}
	if cfg.Transcoder.MinVersion != ">= 4.0" {
		t.Errorf("transcoder.min_version = %q", cfg.Transcoder.MinVersion)
	}
}

func TestLoad_FromFile(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")

	content := `
server:
  port: 9000
log:
  level: debug
process:
  output_dir: /var/log/transcode
  kill_tree: true
  stop_grace: 10s
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Process.KillTree)
	assert.Equal(t, 10*time.Second, cfg.Process.StopGrace)

	opts, err := cfg.Process.Options()
	require.NoError(t, err)
	assert.Equal(t, "/var/log/transcode", opts.OutputDir)
	assert.True(t, opts.KillTree)
	assert.Equal(t, "ffmpeg.out", opts.StdoutFile)
}

func TestLoad_EnvOverride(t *testing.T) {
	Reset()
	defer Reset()

	t.Setenv("PROCVISOR_SERVER_PORT", "7777")
	t.Setenv("PROCVISOR_PROCESS_PER_PROCESS_OUTPUT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.True(t, cfg.Process.PerProcessOutput)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_InvalidYAML(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("log: [unclosed"), 0644))

	_, err := Load(configFile)
	assert.Error(t, err)
}

func TestSetPersists(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "sub", "config.yaml")
	_, err := Load(configFile)
	require.NoError(t, err)

	require.NoError(t, Set("log.level", "warn"))

	info, err := os.Stat(configFile)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	Reset()
	cfg, err := Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := "server:\n  port: 99999\nprocess:\n  stdout_file: out.log\n  stderr_file: out.log\n"
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))

	_, err := Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "must differ")
}

func TestValidate(t *testing.T) {
	valid := Config{Log: LogConfig{Format: "json"}, Server: ServerConfig{Port: 8080}}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Process.StopGrace = -time.Second
	bad.Process.ReleaseAfter = -time.Minute
	bad.Log.Format = "xml"
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop_grace")
	assert.Contains(t, err.Error(), "release_after")
	assert.Contains(t, err.Error(), "log.format")
}

func TestSaveTo(t *testing.T) {
	Reset()
	defer Reset()

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Server.Port = 12345

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveTo(cfg, path))

	Reset()
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12345, loaded.Server.Port)
}

func TestWatchReloads(t *testing.T) {
	Reset()
	defer Reset()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("log:\n  level: info\n"), 0644))
	_, err := Load(configFile)
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	w, err := Watch(configFile, func(cfg *Config) { changed <- cfg })
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(configFile, []byte("log:\n  level: debug\n"), 0644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Log.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
