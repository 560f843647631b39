// Package main is the CLI entrypoint for homefed. It provides subcommands
// for running the federation server (serve), managing database migrations
// (migrate), generating a signing keypair (genkey), and printing version
// information (version). The serve command
// loads configuration, connects to PostgreSQL, NATS, and Redis, runs
// pending migrations, loads or generates the server's Ed25519 signing key,
// starts the federation HTTP API, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cirnoe/homefed/internal/api"
	"github.com/cirnoe/homefed/internal/config"
	"github.com/cirnoe/homefed/internal/database"
	"github.com/cirnoe/homefed/internal/eventbus"
	"github.com/cirnoe/homefed/internal/fedclient"
	"github.com/cirnoe/homefed/internal/federation"
	"github.com/cirnoe/homefed/internal/model"
	"github.com/cirnoe/homefed/internal/signing"
	"github.com/cirnoe/homefed/internal/store"
	"github.com/cirnoe/homefed/internal/typing"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "genkey":
		if err := runGenkey(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("homefed — Matrix-style federation core")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  homefed <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the federation HTTP server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  genkey    Generate a new Ed25519 signing keypair")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  homefed.toml (or set HOMEFED_CONFIG_PATH)")
	fmt.Println("  Env prefix:   HOMEFED_ (e.g. HOMEFED_DATABASE_URL)")
}

// runServe starts the full homefed server: loads config, connects to all
// services (PostgreSQL, NATS, Redis), runs migrations, loads or generates
// the server's signing keypair, wires the Transaction Ingestor and the
// federation HTTP API, and handles graceful shutdown on SIGINT/SIGTERM.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting homefed", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := store.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	roomsStore := store.New(db.Pool)

	bus, err := eventbus.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()
	if err := bus.EnsureStream(); err != nil {
		return fmt.Errorf("ensuring NATS stream: %w", err)
	}

	typingStore := typing.Connect(cfg.Redis.Addr)
	defer typingStore.Close()
	if err := typingStore.HealthCheck(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	var keyPair *signing.KeyPair
	if cfg.Federation.Enabled {
		keyPair, err = signing.LoadOrGenerate(cfg.Federation.SigningKey, model.ServerName(cfg.Server.Name))
		if err != nil {
			return fmt.Errorf("loading signing key: %w", err)
		}
		logger.Info("signing key ready", slog.String("key_id", keyPair.KeyID))
	}

	client := fedclient.New(cfg.Server.Name, keyPair, cfg.Federation.Enabled)

	resolver := federation.StateResolverFunc(federation.UnimplementedResolve)

	ingestor := federation.New(roomsStore, typingStore, client, resolver, bus, logger)

	srv := api.NewServer(api.Config{
		ListenAddr: cfg.Server.Listen,
		ServerName: model.ServerName(cfg.Server.Name),
		KeyPair:    keyPair,
		Enabled:    cfg.Federation.Enabled,
		Ingestor:   ingestor,
		Backfill:   roomsStore,
		Profile:    roomsStore,
		Rooms:      roomsStore,
		Version:    version,
		Logger:     logger,
	})

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("homefed stopped")
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return store.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return store.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := store.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runGenkey generates a fresh Ed25519 signing keypair for this server's
// configured name and writes it to the configured signing key path,
// refusing to overwrite an existing key.
func runGenkey() error {
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if _, err := os.Stat(cfg.Federation.SigningKey); err == nil {
		return fmt.Errorf("signing key already exists at %s, refusing to overwrite", cfg.Federation.SigningKey)
	}

	kp, err := signing.Generate(model.ServerName(cfg.Server.Name))
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	if err := kp.Save(cfg.Federation.SigningKey); err != nil {
		return fmt.Errorf("saving signing key: %w", err)
	}

	fmt.Printf("Generated signing key %s for %s at %s\n", kp.KeyID, cfg.Server.Name, cfg.Federation.SigningKey)
	return nil
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("homefed %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from HOMEFED_CONFIG_PATH env var
// or the default "homefed.toml".
func configPath() string {
	if p := os.Getenv("HOMEFED_CONFIG_PATH"); p != "" {
		return p
	}
	return "homefed.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
