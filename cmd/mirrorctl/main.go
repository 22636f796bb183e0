// Command mirrorctl runs the synchronization layer from a terminal: it
// mirrors collections, prints dashboard statistics and issues mutations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/tenantmirror/internal/config"
	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/erauner12/tenantmirror/internal/dashboard"
	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type globals struct {
	configPath string
	envFile    string
	token      string
	debug      bool
	logLevel   string
	out        string

	cfg *config.Config
}

func main() {
	g := &globals{}

	root := &cobra.Command{
		Use:           "mirrorctl",
		Short:         "Mirror tenant-scoped collections and mutate them through the gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to configuration file (JSON or YAML)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("TM_ACCESS_TOKEN"), "Access token; overrides the stored session (env TM_ACCESS_TOKEN)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.out, "out", "text", "Output format: json|text")

	root.AddCommand(
		watchCmd(g),
		statsCmd(g),
		createCmd(g),
		updateCmd(g),
		deleteCmd(g),
		signalCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// load reads .env, the config file and environment overrides, then applies
// CLI flags before validating
func (g *globals) load() error {
	if err := godotenv.Load(g.envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load %s: %w", g.envFile, err)
	}

	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	if g.debug {
		cfg.Debug = true
		if g.logLevel == "info" {
			cfg.LogLevel = "debug"
		}
	}
	if g.logLevel != "info" {
		cfg.LogLevel = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	setupLogging(cfg)
	g.cfg = cfg
	return nil
}

// layer builds the synchronization layer for one command
func (g *globals) layer(ctx context.Context, m *metrics.Metrics) (*dashboard.Layer, error) {
	opts := dashboard.Options{Config: g.cfg, Metrics: m}
	if g.token != "" {
		opts.Resolver = credential.Static(g.token)
	}
	return dashboard.New(ctx, opts)
}

// setupLogging configures the global logger
func setupLogging(cfg *config.Config) {
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))

	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).With().Caller().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).
		With().
		Timestamp().
		Logger()
}

// parseLogLevel converts a string log level to zerolog.Level
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// signalContext is cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
