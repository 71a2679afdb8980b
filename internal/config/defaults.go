package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults 设置所有配置项的默认值
func SetDefaults() {
	// Log 配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage 配置（空路径表示 ~/.procvisor/journal.db）
	viper.SetDefault("storage.path", "")

	// Process 配置
	viper.SetDefault("process.output_dir", "")
	viper.SetDefault("process.stdout_file", "ffmpeg.out")
	viper.SetDefault("process.stderr_file", "ffmpeg.err")
	viper.SetDefault("process.per_process_output", false)
	viper.SetDefault("process.kill_tree", false)
	viper.SetDefault("process.stop_grace", 5*time.Second)
	viper.SetDefault("process.release_after", time.Hour)
	viper.SetDefault("process.release_schedule", "0 */10 * * * *") // 每 10 分钟

	// Server 配置
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 18790)
	viper.SetDefault("server.pipe", "")

	// Journal 配置
	viper.SetDefault("journal.enabled", true)
	viper.SetDefault("journal.retention", 7*24*time.Hour)
	viper.SetDefault("journal.prune_schedule", "0 0 * * * *")       // 每小时
	viper.SetDefault("journal.reconcile_schedule", "0 */5 * * * *") // 每 5 分钟

	// Transcoder 配置
	viper.SetDefault("transcoder.path", "ffmpeg")
	viper.SetDefault("transcoder.min_version", ">= 4.0")
}
