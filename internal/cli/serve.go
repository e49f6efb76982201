package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentbridge/agentbridge/internal/config"
	"github.com/agentbridge/agentbridge/internal/daemon"
	"github.com/agentbridge/agentbridge/internal/db"
)

// newServeCommand runs the daemon in the foreground, sharing the
// --socket flag with the client commands. Useful for development and
// for supervisors that want the daemon as a child process.
func newServeCommand(opts *options) *cobra.Command {
	var (
		configPath string
		listenAddr string
		dbPath     string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			if cmd.Root().PersistentFlags().Changed("socket") || configPath == "" {
				cfg.SocketPath = opts.socketPath
			}

			logger := serveLogger(logLevel)
			ctx := cmd.Context()

			store, err := db.Open(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
				return err
			}

			srv := daemon.NewServer(cfg, store, logger)
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config path")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "optional TCP listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite path")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	return cmd
}

func serveLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
