package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rpcbatcher/internal/config"
	"rpcbatcher/internal/server"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string

	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "rpcbatcher",
	Short: "JSON-RPC gateway that coalesces client requests into upstream batches",
	Long: `rpcbatcher accepts JSON-RPC requests per upstream group, buffers them per
partition key and sends them upstream as JSON-RPC batches.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rpcbatcher %s (commit: %s)\n", version, commit)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Printf("config %s is valid: %d groups\n", configPath, len(cfg.Groups))
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", configPath).
		Str("host", cfg.Host).
		Int("rpcPort", cfg.RPCPort).
		Int("wsPort", cfg.WSPort).
		Int("metricsPort", cfg.MetricsPort).
		Int("groups", len(cfg.Groups)).
		Msg("starting rpcbatcher")

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Stop(shutdownCtx)
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	logger.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return err
	}
	return nil
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to config file")
	rootCmd.AddCommand(serveCmd, checkConfigCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
