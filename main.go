package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mepsopti/sprout-mcp/internal/config"
	"github.com/mepsopti/sprout-mcp/internal/db"
	"github.com/mepsopti/sprout-mcp/internal/mcp"
	"github.com/mepsopti/sprout-mcp/internal/router"
	"github.com/mepsopti/sprout-mcp/internal/scheduler"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "daemon":
		cmdDaemon(os.Args[2:])
	case "version":
		fmt.Printf("sprout %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`sprout — model-tiered content review with provenance tracking

Usage:
  sprout serve [--config config.toml]
  sprout daemon [--config config.toml]
  sprout version
  sprout help

Commands:
  serve     Start the MCP server on stdio with the background scheduler
  daemon    Run the background scheduler only
  version   Print version
  help      Show this help`)
}

// setup loads config and wires the store, routing table and scheduler loop.
func setup(configPath string, logger *slog.Logger) (*db.DB, *router.Table, *scheduler.Loop, error) {
	cfg := config.Load(configPath)

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening database: %w", err)
	}

	table := router.New()
	table.ApplyOverrides(cfg.Routes, cfg.Prices)

	interval := time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second
	loop := scheduler.New(database, interval, logger)
	scheduler.RegisterBuiltins(loop, database)

	logger.Info("sprout ready", "version", version, "database", cfg.Database.Path, "interval", interval)
	return database, table, loop, nil
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	// stdout carries the MCP transport; all logging goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	database, table, loop, err := setup(*configPath, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go loop.Run(ctx)

	srv := mcp.NewServer(database, table)
	stdio := mcpserver.NewStdioServer(srv)
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}

func cmdDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	database, _, loop, err := setup(*configPath, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop.Run(ctx)
}
