// Package config loads server settings from defaults, an optional YAML file
// and CONDUCTOR_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "github.com/iammorganparry/clive/apps/conductor/internal/errors"
)

const envPrefix = "CONDUCTOR"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	DevLog   DevLogConfig   `mapstructure:"devlog"`
	Process  ProcessConfig  `mapstructure:"process"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Log      LogConfig      `mapstructure:"log"`
	Messages MessagesConfig `mapstructure:"messages"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// APIKey enables bearer auth when non-empty.
	APIKey string `mapstructure:"api_key"`
}

type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type DevLogConfig struct {
	Dir string `mapstructure:"dir"`
}

type ProcessConfig struct {
	Command         string        `mapstructure:"command"`
	Args            []string      `mapstructure:"args"`
	InterruptGrace  time.Duration `mapstructure:"interrupt_grace"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type SessionsConfig struct {
	AutoStart bool `mapstructure:"auto_start"`
}

type RelayConfig struct {
	QueueSize    int `mapstructure:"queue_size"`
	ClientBuffer int `mapstructure:"client_buffer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MessagesConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
}

// MCPConfig configures the stdio bridge.
type MCPConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// Dir returns the conductor home directory, ~/.conductor.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".conductor")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8742},
		Store:  StoreConfig{DBPath: filepath.Join(Dir(), "conductor.db")},
		DevLog: DevLogConfig{Dir: filepath.Join(Dir(), "devlogs")},
		Process: ProcessConfig{
			Command:         "claude",
			Args:            []string{},
			InterruptGrace:  5 * time.Second,
			ResponseTimeout: 5 * time.Minute,
		},
		Sessions: SessionsConfig{AutoStart: true},
		Relay:    RelayConfig{QueueSize: 1024, ClientBuffer: 256},
		Log:      LogConfig{Level: "info"},
		Messages: MessagesConfig{DefaultLimit: 50},
		MCP:      MCPConfig{ServerURL: "http://localhost:8742"},
	}
}

// SetDefaults registers every key with its default so that environment
// variables are picked up even for keys absent from the file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.api_key", d.Server.APIKey)

	v.SetDefault("store.db_path", d.Store.DBPath)
	v.SetDefault("devlog.dir", d.DevLog.Dir)

	v.SetDefault("process.command", d.Process.Command)
	v.SetDefault("process.args", d.Process.Args)
	v.SetDefault("process.interrupt_grace", d.Process.InterruptGrace)
	v.SetDefault("process.response_timeout", d.Process.ResponseTimeout)

	v.SetDefault("sessions.auto_start", d.Sessions.AutoStart)

	v.SetDefault("relay.queue_size", d.Relay.QueueSize)
	v.SetDefault("relay.client_buffer", d.Relay.ClientBuffer)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("messages.default_limit", d.Messages.DefaultLimit)
	v.SetDefault("mcp.server_url", d.MCP.ServerURL)
}

// New builds a viper instance. configFile may be empty, in which case
// config.yaml is looked up in ~/.conductor and the working directory; a
// missing file is not an error.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	// CONDUCTOR_PROCESS_RESPONSE_TIMEOUT for process.response_timeout
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !apperrors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store.DBPath = expandHome(cfg.Store.DBPath)
	cfg.DevLog.Dir = expandHome(cfg.DevLog.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field, msg string) {
		if !ok {
			errs = append(errs, apperrors.NewValidationError(field, msg))
		}
	}

	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port",
		fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port))
	check(c.Store.DBPath != "", "store.db_path", "must not be empty")
	check(c.DevLog.Dir != "", "devlog.dir", "must not be empty")
	check(c.Process.Command != "", "process.command", "must not be empty")
	check(c.Process.InterruptGrace > 0, "process.interrupt_grace", "must be positive")
	check(c.Process.ResponseTimeout > 0, "process.response_timeout", "must be positive")
	check(c.Relay.QueueSize > 0, "relay.queue_size", "must be positive")
	check(c.Relay.ClientBuffer > 0, "relay.client_buffer", "must be positive")
	check(c.Messages.DefaultLimit >= 1 && c.Messages.DefaultLimit <= 500, "messages.default_limit",
		"must be between 1 and 500")
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, apperrors.NewValidationError("log.level", err.Error()))
	}

	return apperrors.Join(errs...)
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", level)
}

// Watch reloads the file on change and passes every valid result to fn.
// Invalid edits are logged and ignored. It does nothing when no config file
// was read.
func Watch(v *viper.Viper, logger *slog.Logger, fn func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(v)
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
