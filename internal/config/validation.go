package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validateServer(&cfg.Server); err != nil {
		return err
	}
	if err := validateGateway(&cfg.Gateway); err != nil {
		return err
	}
	if err := validateEnvironment(&cfg.Environment); err != nil {
		return err
	}
	if err := validateTerminal(&cfg.Terminal); err != nil {
		return err
	}
	if err := validatePreview(&cfg.Preview); err != nil {
		return err
	}
	if err := validateCollab(&cfg.Collab); err != nil {
		return err
	}
	if err := validateWatcher(&cfg.Watcher); err != nil {
		return err
	}
	if err := validateExec(&cfg.Exec); err != nil {
		return err
	}
	if err := validateRateLimit(&cfg.RateLimit); err != nil {
		return err
	}
	return validateLogging(&cfg.Logging)
}

func validateServer(cfg *ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Host == "" {
		return fmt.Errorf("server.host cannot be empty")
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" || strings.HasPrefix(origin, "*.") {
			continue
		}
		if err := validateOrigin(origin); err != nil {
			return err
		}
	}
	return nil
}

func validateGateway(cfg *GatewayConfig) error {
	if cfg.SendBuffer < 1 {
		return fmt.Errorf("gateway.send_buffer must be at least 1")
	}
	if cfg.MaxMessageBytes < 1024 {
		return fmt.Errorf("gateway.max_message_bytes must be at least 1024")
	}
	if cfg.QueueSize < 1 {
		return fmt.Errorf("gateway.queue_size must be at least 1")
	}
	for field, d := range map[string]time.Duration{
		"gateway.command_timeout": cfg.CommandTimeout,
		"gateway.pong_timeout":    cfg.PongTimeout,
		"gateway.write_timeout":   cfg.WriteTimeout,
		"gateway.replace_timeout": cfg.ReplaceTimeout,
	} {
		if err := positive(field, d); err != nil {
			return err
		}
	}
	return nil
}

// validateOrigin validates that an allowed origin is an http(s) URL with a host.
func validateOrigin(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("server.allowed_origins has an invalid URL %q: %w", rawURL, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("server.allowed_origins entry %q must include a host", rawURL)
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("server.allowed_origins entry %q must use http or https", rawURL)
	}
	return nil
}

func validateEnvironment(cfg *EnvironmentConfig) error {
	switch cfg.Runtime {
	case RuntimeProcess:
	case RuntimeDocker:
		if cfg.Docker.Image == "" {
			return fmt.Errorf("environment.docker.image cannot be empty")
		}
		if cfg.Docker.PidsLimit < 0 {
			return fmt.Errorf("environment.docker.pids_limit cannot be negative")
		}
	default:
		return fmt.Errorf("environment.runtime must be %q or %q, got %q", RuntimeProcess, RuntimeDocker, cfg.Runtime)
	}

	if cfg.RootDir == "" {
		return fmt.Errorf("environment.root_dir cannot be empty")
	}
	if cfg.MaxEnvironments < 1 {
		return fmt.Errorf("environment.max_environments must be at least 1")
	}
	if cfg.DefaultCPUPercent < 1 || cfg.DefaultCPUPercent > cfg.MaxCPUPercent {
		return fmt.Errorf("environment.default_cpu_percent must be between 1 and environment.max_cpu_percent")
	}
	if cfg.DefaultMemoryMB < 16 || cfg.DefaultMemoryMB > cfg.MaxMemoryMB {
		return fmt.Errorf("environment.default_memory_mb must be between 16 and environment.max_memory_mb")
	}
	if err := positive("environment.create_timeout", cfg.CreateTimeout); err != nil {
		return err
	}
	if err := positive("environment.stop_grace", cfg.StopGrace); err != nil {
		return err
	}
	if err := positive("environment.idle_timeout", cfg.IdleTimeout); err != nil {
		return err
	}
	if err := positive("environment.reap_interval", cfg.ReapInterval); err != nil {
		return err
	}
	if err := positive("environment.sample_interval", cfg.SampleInterval); err != nil {
		return err
	}

	if cfg.PortRangeStart < 1024 || cfg.PortRangeEnd > 65535 || cfg.PortRangeStart > cfg.PortRangeEnd {
		return fmt.Errorf("environment port range must satisfy 1024 <= port_range_start <= port_range_end <= 65535")
	}
	if cfg.PortsPerEnvironment < 1 {
		return fmt.Errorf("environment.ports_per_environment must be at least 1")
	}
	if span := cfg.PortRangeEnd - cfg.PortRangeStart + 1; span < cfg.PortsPerEnvironment {
		return fmt.Errorf("environment port range is smaller than environment.ports_per_environment")
	}
	return nil
}

func validateTerminal(cfg *TerminalConfig) error {
	if cfg.Shell == "" {
		return fmt.Errorf("terminal.shell cannot be empty")
	}
	if cfg.MaxSessionsPerEnvironment < 1 {
		return fmt.Errorf("terminal.max_sessions_per_environment must be at least 1")
	}
	if cfg.OutputBufferBytes < 4096 {
		return fmt.Errorf("terminal.output_buffer_bytes must be at least 4096")
	}
	if cfg.HistorySize < 1 {
		return fmt.Errorf("terminal.history_size must be at least 1")
	}
	if cfg.AttachmentQueue < 1 {
		return fmt.Errorf("terminal.attachment_queue must be at least 1")
	}
	if cfg.InputRatePerSecond <= 0 || cfg.InputBurst < 1 {
		return fmt.Errorf("terminal.input_rate_per_second and terminal.input_burst must be positive")
	}
	return positive("terminal.close_grace", cfg.CloseGrace)
}

func validatePreview(cfg *PreviewConfig) error {
	if err := positive("preview.ready_timeout", cfg.ReadyTimeout); err != nil {
		return err
	}
	if err := positive("preview.poll_interval", cfg.PollInterval); err != nil {
		return err
	}
	if err := positive("preview.stop_grace", cfg.StopGrace); err != nil {
		return err
	}
	if cfg.LogTailLines < 1 {
		return fmt.Errorf("preview.log_tail_lines must be at least 1")
	}
	// One preview per environment is part of the data model.
	if cfg.MaxPreviewsPerEnvironment != 1 {
		return fmt.Errorf("preview.max_previews_per_environment must be 1")
	}
	return nil
}

func validateCollab(cfg *CollabConfig) error {
	switch cfg.Store {
	case StoreSQLite:
		if cfg.SQLitePath == "" {
			return fmt.Errorf("collab.sqlite_path cannot be empty")
		}
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("collab.postgres_dsn is required when collab.store is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("collab.store must be %q or %q, got %q", StoreSQLite, StorePostgres, cfg.Store)
	}
	if cfg.MaxDocumentBytes < 1024 {
		return fmt.Errorf("collab.max_document_bytes must be at least 1024")
	}
	return nil
}

func validateWatcher(cfg *WatcherConfig) error {
	if cfg.DebounceMS < 0 {
		return fmt.Errorf("watcher.debounce_ms cannot be negative")
	}
	if cfg.DebounceMS > 10000 {
		return fmt.Errorf("watcher.debounce_ms cannot exceed 10000ms")
	}
	return nil
}

func validateExec(cfg *ExecConfig) error {
	if err := positive("exec.default_timeout", cfg.DefaultTimeout); err != nil {
		return err
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		return fmt.Errorf("exec.max_timeout cannot be less than exec.default_timeout")
	}
	if cfg.MaxOutputBytes < 1024 {
		return fmt.Errorf("exec.max_output_bytes must be at least 1024")
	}
	return nil
}

func validateRateLimit(cfg *RateLimitConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.RequestsPerMinute < 1 {
		return fmt.Errorf("ratelimit.requests_per_minute must be at least 1")
	}
	if cfg.Burst < 0 {
		return fmt.Errorf("ratelimit.burst cannot be negative")
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	if _, err := zerolog.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("logging.level %q is invalid: %w", cfg.Level, err)
	}
	if cfg.Format != "console" && cfg.Format != "json" {
		return fmt.Errorf("logging.format must be console or json")
	}
	return nil
}

func positive(field string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}
