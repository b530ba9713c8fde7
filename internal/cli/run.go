package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cellium/mcp-relay/config"
	"github.com/cellium/mcp-relay/internal/broker"
	"github.com/cellium/mcp-relay/internal/logctx"
)

const defaultConfigPath = "relay-config.json"

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the broker (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, explicit := resolveConfigPath(cmd, args)

	var (
		cfg *config.Config
		err error
	)
	if !explicit {
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			cfg = config.Default()
		}
	}
	if cfg == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := broker.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("mcp-relay starting", "version", version, "addr", cfg.Server.Addr)

	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
// The second return reports whether the caller named a file.
func resolveConfigPath(cmd *cobra.Command, args []string) (string, bool) {
	if len(args) > 0 {
		return args[0], true
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String(), true
	}
	return defaultConfigPath, false
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(logctx.Handler{Handler: handler})
}
