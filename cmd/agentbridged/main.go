package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentbridge/agentbridge/internal/config"
	"github.com/agentbridge/agentbridge/internal/daemon"
	"github.com/agentbridge/agentbridge/internal/db"
)

func main() {
	var (
		configPath string
		logLevel   string
	)
	cfg := config.DefaultConfig()
	flag.StringVar(&configPath, "config", "", "YAML config path")
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for agentbridged")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "optional TCP listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	flag.Parse()

	logger := newLogger(logLevel)

	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			fatal(logger, err)
		}
		// Flags override the file for the paths they cover.
		socket, listen, dbPath := cfg.SocketPath, cfg.ListenAddr, cfg.DBPath
		cfg = loaded
		if isFlagSet("socket") {
			cfg.SocketPath = socket
		}
		if isFlagSet("listen") {
			cfg.ListenAddr = listen
		}
		if isFlagSet("db") {
			cfg.DBPath = dbPath
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(logger, err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(logger, err)
	}

	srv := daemon.NewServer(cfg, store, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, err)
	}
}

func newLogger(level string) *slog.Logger {
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

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func fatal(logger *slog.Logger, err error) {
	logger.Error("agentbridged failed", "error", err)
	_, _ = fmt.Fprintf(os.Stderr, "agentbridged: %v\n", err)
	os.Exit(1)
}
