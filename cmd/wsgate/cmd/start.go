package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/brianly1003/wsgate/internal/app"
	"github.com/brianly1003/wsgate/internal/config"
)

var (
	host        string
	port        int
	runtimeName string
	rootDir     string
)

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the gateway and serve the admin API and project channels.

Environments run as sandboxed host processes by default. Use
--runtime docker to run each environment in its own container.

Example:
  wsgate start
  wsgate start --port 9000
  wsgate start --runtime docker
  wsgate start --root /srv/wsgate/envs`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&host, "host", "", "bind address (default: 127.0.0.1)")
	startCmd.Flags().IntVar(&port, "port", 0, "server port for HTTP and WebSocket (default: 8780)")
	startCmd.Flags().StringVar(&runtimeName, "runtime", "", "environment runtime: process or docker")
	startCmd.Flags().StringVar(&rootDir, "root", "", "directory holding environment roots")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyFlags(cfg)

	// Re-validate after overrides
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closeLogs, err := setupLogging(cfg.Logging, verbose)
	if err != nil {
		return err
	}
	defer closeLogs()

	log.Info().
		Str("version", version).
		Str("runtime", cfg.Environment.Runtime).
		Str("root", cfg.Environment.RootDir).
		Int("port", cfg.Server.Port).
		Msg("starting wsgate")

	application, err := app.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	log.Info().Msg("wsgate stopped")
	return nil
}

// applyFlags overrides config values with the flags that were set.
func applyFlags(cfg *config.Config) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if runtimeName != "" {
		cfg.Environment.Runtime = runtimeName
	}
	if rootDir != "" {
		cfg.Environment.RootDir = rootDir
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
