package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	eventsnats "github.com/strogmv/sessionguard/internal/adapter/events/nats"
	"github.com/strogmv/sessionguard/internal/app"
	"github.com/strogmv/sessionguard/internal/bootstrap"
	"github.com/strogmv/sessionguard/internal/config"
	"github.com/strogmv/sessionguard/internal/pkg/logger"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "cleanup":
		runCleanup()
	case "alerts":
		runAlerts(os.Args[2:])
	case "version":
		fmt.Println("sessionguard", Version)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("SessionGuard session and credential security core %s\n", Version)
	fmt.Println("\nUsage:")
	fmt.Println("  sessionguard serve     Run the HTTP API and the cleanup sweeper")
	fmt.Println("  sessionguard migrate   Apply ledger and user directory schemas")
	fmt.Println("  sessionguard cleanup   Run one ledger cleanup pass")
	fmt.Println("  sessionguard alerts    Tail security alerts from NATS (-subject to filter)")
	fmt.Println("  sessionguard version   Print the version")
	fmt.Println("\nConfiguration is read from the environment.")
}

func loadConfig() (*config.Config, *slog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg, logger.New(cfg.LogLevel, os.Stdout).With(slog.String("app", cfg.AppName))
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.Any("error", err))
	os.Exit(1)
}

func runServe() {
	cfg, log := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.NewContainer(ctx, cfg, log)
	if err != nil {
		fatal(log, "startup failed", err)
	}
	defer c.Close()

	if err := c.Runtime.Migrate(ctx); err != nil {
		fatal(log, "migration failed", err)
	}
	if err := c.Run(ctx); err != nil {
		fatal(log, "server stopped", err)
	}
}

func runMigrate() {
	cfg, log := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rt, err := bootstrap.NewRuntimeContainer(ctx, cfg, log)
	if err != nil {
		fatal(log, "startup failed", err)
	}
	defer rt.Close()
	if err := rt.Migrate(ctx); err != nil {
		fatal(log, "migration failed", err)
	}
	log.Info("schemas applied", slog.String("ledger", cfg.LedgerDriver))
}

func runCleanup() {
	cfg, log := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	rt, err := bootstrap.NewRuntimeContainer(ctx, cfg, log)
	if err != nil {
		fatal(log, "startup failed", err)
	}
	defer rt.Close()
	n, _, err := rt.Sweeper.RunOnce(ctx)
	if err != nil {
		fatal(log, "cleanup failed", err)
	}
	fmt.Printf("removed %d refresh token rows\n", n)
}

func runAlerts(args []string) {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	event := fs.String("subject", "", "only print this event, e.g. token.reuse_detected")
	_ = fs.Parse(args)

	cfg, log := loadConfig()
	if cfg.NATSURL == "" {
		fmt.Fprintln(os.Stderr, "NATS_URL is not set")
		os.Exit(1)
	}
	client, err := eventsnats.NewClient(cfg.NATSURL, cfg.NATSSubjectPrefix)
	if err != nil {
		fatal(log, "connect nats", err)
	}
	defer client.Close()

	enc := json.NewEncoder(os.Stdout)
	sub, err := client.Subscribe(func(env eventsnats.Envelope) error {
		if *event != "" && env.Event != *event {
			return nil
		}
		return enc.Encode(env)
	})
	if err != nil {
		fatal(log, "subscribe", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
