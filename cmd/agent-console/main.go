package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/floegence/agent-console/internal/config"
	"github.com/floegence/agent-console/internal/lockfile"
	"github.com/floegence/agent-console/internal/service"
	"github.com/floegence/agent-console/internal/sessionstore"
	"github.com/floegence/agent-console/internal/sysmon"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("agent-console %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `agent-console

Usage:
  agent-console init [flags]
  agent-console run [flags]
  agent-console version

Commands:
  init        Write a default config file.
  run         Serve the dashboard API using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	port := fs.Int("port", 0, "HTTP API port (default: 24110)")
	dbPath := fs.String("db", "", "Session store path (default: next to config)")
	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	_ = fs.Parse(args)

	cfg := &config.Config{
		ListenPort: *port,
		DBPath:     strings.TrimSpace(*dbPath),
		LogFormat:  *logFormat,
		LogLevel:   *logLevel,
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	dbPath := cfg.EffectiveDBPath(*cfgPath)

	// The store runs on a single SQLite connection; a second instance on the
	// same database would fight it. One lock per store path.
	lock, err := lockfile.Acquire(dbPath + ".lock")
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fmt.Fprintf(os.Stderr, "another agent-console instance is already using %s\n", dbPath)
		} else {
			fmt.Fprintf(os.Stderr, "failed to acquire instance lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer lock.Release()

	store, err := sessionstore.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	svc, err := service.New(service.Options{Logger: logger, Store: store})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init service: %v\n", err)
		os.Exit(1)
	}

	srv, err := service.NewServer(service.ServerOptions{
		Logger:  logger,
		Port:    cfg.EffectiveListenPort(),
		Service: svc,
		Sysmon:  sysmon.NewService(logger),
		Version: Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = srv.Close()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.EffectiveLogLevel() {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.EffectiveLogFormat() == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
