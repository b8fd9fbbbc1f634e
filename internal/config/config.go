// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Environment EnvironmentConfig `mapstructure:"environment" yaml:"environment"`
	Terminal    TerminalConfig    `mapstructure:"terminal" yaml:"terminal"`
	Preview     PreviewConfig     `mapstructure:"preview" yaml:"preview"`
	Collab      CollabConfig      `mapstructure:"collab" yaml:"collab"`
	Watcher     WatcherConfig     `mapstructure:"watcher" yaml:"watcher"`
	Exec        ExecConfig        `mapstructure:"exec" yaml:"exec"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit" yaml:"ratelimit"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP and WebSocket server settings.
type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"` // Empty allows localhost origins only
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	TrustedProxies []string      `mapstructure:"trusted_proxies" yaml:"trusted_proxies"` // IPs or CIDRs whose X-Forwarded-For is honored
}

// GatewayConfig holds project channel settings.
type GatewayConfig struct {
	SendBuffer      int           `mapstructure:"send_buffer" yaml:"send_buffer"` // Outbound frames queued per connection before it is dropped
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"` // Pending commands per project
	CommandTimeout  time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ReplaceTimeout  time.Duration `mapstructure:"replace_timeout" yaml:"replace_timeout"`
}

// EnvironmentConfig holds execution environment settings.
type EnvironmentConfig struct {
	Runtime             string        `mapstructure:"runtime" yaml:"runtime"` // process or docker
	RootDir             string        `mapstructure:"root_dir" yaml:"root_dir"`
	MaxEnvironments     int           `mapstructure:"max_environments" yaml:"max_environments"`
	DefaultCPUPercent   int           `mapstructure:"default_cpu_percent" yaml:"default_cpu_percent"`
	DefaultMemoryMB     int           `mapstructure:"default_memory_mb" yaml:"default_memory_mb"`
	MaxCPUPercent       int           `mapstructure:"max_cpu_percent" yaml:"max_cpu_percent"`
	MaxMemoryMB         int           `mapstructure:"max_memory_mb" yaml:"max_memory_mb"`
	CreateTimeout       time.Duration `mapstructure:"create_timeout" yaml:"create_timeout"`
	StopGrace           time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval        time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	SampleInterval      time.Duration `mapstructure:"sample_interval" yaml:"sample_interval"`
	PortRangeStart      int           `mapstructure:"port_range_start" yaml:"port_range_start"`
	PortRangeEnd        int           `mapstructure:"port_range_end" yaml:"port_range_end"`
	PortsPerEnvironment int           `mapstructure:"ports_per_environment" yaml:"ports_per_environment"`
	Sandbox             bool          `mapstructure:"sandbox" yaml:"sandbox"` // Landlock + rlimits for the process runtime
	Docker              DockerConfig  `mapstructure:"docker" yaml:"docker"`
}

// DockerConfig holds settings for the docker runtime.
type DockerConfig struct {
	Image           string `mapstructure:"image" yaml:"image"`
	Host            string `mapstructure:"host" yaml:"host"` // Empty uses DOCKER_HOST / the default socket
	PidsLimit       int64  `mapstructure:"pids_limit" yaml:"pids_limit"`
	ContainerPrefix string `mapstructure:"container_prefix" yaml:"container_prefix"`
}

// TerminalConfig holds PTY session settings.
type TerminalConfig struct {
	Shell                     string        `mapstructure:"shell" yaml:"shell"`
	ShellArgs                 []string      `mapstructure:"shell_args" yaml:"shell_args"`
	MaxSessionsPerEnvironment int           `mapstructure:"max_sessions_per_environment" yaml:"max_sessions_per_environment"`
	OutputBufferBytes         int           `mapstructure:"output_buffer_bytes" yaml:"output_buffer_bytes"`
	HistorySize               int           `mapstructure:"history_size" yaml:"history_size"`
	AttachmentQueue           int           `mapstructure:"attachment_queue" yaml:"attachment_queue"`
	CloseGrace                time.Duration `mapstructure:"close_grace" yaml:"close_grace"`
	InputRatePerSecond        float64       `mapstructure:"input_rate_per_second" yaml:"input_rate_per_second"`
	InputBurst                int           `mapstructure:"input_burst" yaml:"input_burst"`
}

// PreviewConfig holds preview server settings.
type PreviewConfig struct {
	ReadyTimeout              time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	PollInterval              time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StopGrace                 time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	LogTailLines              int           `mapstructure:"log_tail_lines" yaml:"log_tail_lines"`
	MaxPreviewsPerEnvironment int           `mapstructure:"max_previews_per_environment" yaml:"max_previews_per_environment"`
}

// CollabConfig holds collaborative editing settings.
type CollabConfig struct {
	Store            string `mapstructure:"store" yaml:"store"` // sqlite or postgres
	SQLitePath       string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN      string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	MaxDocumentBytes int    `mapstructure:"max_document_bytes" yaml:"max_document_bytes"`
}

// WatcherConfig holds file watcher settings.
type WatcherConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	DebounceMS     int      `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
}

// ExecConfig holds one-shot execution settings.
type ExecConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
}

// RateLimitConfig holds admin API rate limit settings.
type RateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int    `mapstructure:"burst" yaml:"burst"`
	RedisAddr         string `mapstructure:"redis_addr" yaml:"redis_addr"` // Empty keeps limits in memory
	RedisPassword     string `mapstructure:"redis_password" yaml:"-"`
	RedisDB           int    `mapstructure:"redis_db" yaml:"redis_db"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console or json
	File   string `mapstructure:"file" yaml:"file"`     // Optional rotating log file
}

// Load loads configuration from file, environment variables, and defaults.
// Priority: CLI flags > Environment variables > Config file > Defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.wsgate")
		v.AddConfigPath("/etc/wsgate")
	}

	// Environment variables
	v.SetEnvPrefix("WSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := postProcess(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Defaults returns the configuration used when no file or environment
// variable overrides a key.
func Defaults() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing defaults: %w", err)
	}
	if err := postProcess(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8780)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.trusted_proxies", []string{})

	// Gateway defaults
	v.SetDefault("gateway.send_buffer", 1024)
	v.SetDefault("gateway.max_message_bytes", 512*1024)
	v.SetDefault("gateway.queue_size", 64)
	v.SetDefault("gateway.command_timeout", "90s")
	v.SetDefault("gateway.pong_timeout", "90s")
	v.SetDefault("gateway.write_timeout", "15s")
	v.SetDefault("gateway.replace_timeout", "5s")

	// Environment defaults
	v.SetDefault("environment.runtime", RuntimeProcess)
	v.SetDefault("environment.root_dir", "")
	v.SetDefault("environment.max_environments", 16)
	v.SetDefault("environment.default_cpu_percent", 100)
	v.SetDefault("environment.default_memory_mb", 512)
	v.SetDefault("environment.max_cpu_percent", 400)
	v.SetDefault("environment.max_memory_mb", 4096)
	v.SetDefault("environment.create_timeout", "60s")
	v.SetDefault("environment.stop_grace", "10s")
	v.SetDefault("environment.idle_timeout", "30m")
	v.SetDefault("environment.reap_interval", "1m")
	v.SetDefault("environment.sample_interval", "5s")
	v.SetDefault("environment.port_range_start", 20000)
	v.SetDefault("environment.port_range_end", 20999)
	v.SetDefault("environment.ports_per_environment", 1)
	v.SetDefault("environment.sandbox", true)
	v.SetDefault("environment.docker.image", "ubuntu:24.04")
	v.SetDefault("environment.docker.host", "")
	v.SetDefault("environment.docker.pids_limit", 512)
	v.SetDefault("environment.docker.container_prefix", "wsgate-")

	// Terminal defaults
	v.SetDefault("terminal.shell", "/bin/bash")
	v.SetDefault("terminal.shell_args", []string{"-l"})
	v.SetDefault("terminal.max_sessions_per_environment", 8)
	v.SetDefault("terminal.output_buffer_bytes", 256*1024)
	v.SetDefault("terminal.history_size", 500)
	v.SetDefault("terminal.attachment_queue", 256)
	v.SetDefault("terminal.close_grace", "2s")
	v.SetDefault("terminal.input_rate_per_second", 200)
	v.SetDefault("terminal.input_burst", 400)

	// Preview defaults
	v.SetDefault("preview.ready_timeout", "60s")
	v.SetDefault("preview.poll_interval", "250ms")
	v.SetDefault("preview.stop_grace", "5s")
	v.SetDefault("preview.log_tail_lines", 200)
	v.SetDefault("preview.max_previews_per_environment", 1)

	// Collab defaults
	v.SetDefault("collab.store", StoreSQLite)
	v.SetDefault("collab.sqlite_path", "")
	v.SetDefault("collab.postgres_dsn", "")
	v.SetDefault("collab.max_document_bytes", 2*1024*1024)

	// Watcher defaults
	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.debounce_ms", 100)
	v.SetDefault("watcher.ignore_patterns", DefaultWatcherIgnorePatterns)

	// Exec defaults
	v.SetDefault("exec.default_timeout", "30s")
	v.SetDefault("exec.max_timeout", "5m")
	v.SetDefault("exec.max_output_bytes", 1024*1024)

	// Rate limit defaults
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests_per_minute", 120)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.redis_addr", "")
	v.SetDefault("ratelimit.redis_password", "")
	v.SetDefault("ratelimit.redis_db", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
}

// postProcess performs any necessary post-processing on the config.
func postProcess(cfg *Config) error {
	if cfg.Environment.RootDir == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.Environment.RootDir = filepath.Join(dir, "environments")
	}

	absRoot, err := filepath.Abs(cfg.Environment.RootDir)
	if err != nil {
		return fmt.Errorf("failed to resolve environment root: %w", err)
	}
	cfg.Environment.RootDir = absRoot

	if cfg.Collab.Store == StoreSQLite && cfg.Collab.SQLitePath == "" {
		cfg.Collab.SQLitePath = filepath.Join(filepath.Dir(absRoot), "documents.db")
	}

	cfg.Environment.Runtime = strings.ToLower(strings.TrimSpace(cfg.Environment.Runtime))
	cfg.Collab.Store = strings.ToLower(strings.TrimSpace(cfg.Collab.Store))
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	return nil
}

// GetConfigDir returns the default config directory path.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".wsgate"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
