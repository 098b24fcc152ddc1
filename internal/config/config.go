// Package config loads kiln's configuration from defaults, an optional YAML
// file, and KILN_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "kiln.db"
	defaultInstanceName = "kiln"
	defaultStartMethod  = "spawn"

	envPrefix = "KILN"
)

// Config holds application configuration.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	InstanceName string
	Trainer      TrainerConfig
}

// TrainerConfig configures how training jobs are run and retained.
type TrainerConfig struct {
	UseSubprocess         bool
	SubprocessStartMethod string
	// RetentionDuration is nil when unset, which disables purging.
	RetentionDuration *string
	// WorkerExecutable overrides the binary re-executed for worker processes.
	WorkerExecutable string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", "info")
	v.SetDefault("instance_name", defaultInstanceName)
	v.SetDefault("trainer.use_subprocess", false)
	v.SetDefault("trainer.subprocess_start_method", defaultStartMethod)
	v.SetDefault("trainer.worker_executable", "")
}

// Load reads configuration. configFile may be empty.
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without a default are only visible to Unmarshal/Get through an
	// explicit binding.
	if err := v.BindEnv("trainer.retention_duration"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := Config{
		ListenAddr:   v.GetString("listen_addr"),
		DBPath:       v.GetString("db_path"),
		LogLevel:     parseLogLevel(v.GetString("log_level")),
		InstanceName: v.GetString("instance_name"),
		Trainer: TrainerConfig{
			UseSubprocess:         v.GetBool("trainer.use_subprocess"),
			SubprocessStartMethod: v.GetString("trainer.subprocess_start_method"),
			WorkerExecutable:      v.GetString("trainer.worker_executable"),
		},
	}
	if v.IsSet("trainer.retention_duration") {
		retention := v.GetString("trainer.retention_duration")
		cfg.Trainer.RetentionDuration = &retention
	}

	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
