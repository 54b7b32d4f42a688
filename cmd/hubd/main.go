// Copyright 2026 The AugmentOS Community Authors
// SPDX-License-Identifier: Apache-2.0

// Hubd is the AugmentOS hub daemon: the cloud-side process that
// terminates device and TPA WebSocket connections, arbitrates the
// glasses display, routes sensor events to subscribed apps, and
// drives app lifecycle through registration webhooks.
//
// Configuration comes from a single YAML file named by --config or
// the HUB_CONFIG environment variable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/augmentos-community/hub/lib/clock"
	"github.com/augmentos-community/hub/lib/config"
	"github.com/augmentos-community/hub/lib/httpserver"
	"github.com/augmentos-community/hub/registry"
	"github.com/augmentos-community/hub/router"
	"github.com/augmentos-community/hub/server"
	"github.com/augmentos-community/hub/session"
	"github.com/augmentos-community/hub/storage"
	"github.com/augmentos-community/hub/subscription"
	"github.com/augmentos-community/hub/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string

	flagSet := pflag.NewFlagSet("hubd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to hub.yaml (overrides HUB_CONFIG)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	tokenSecret, err := os.ReadFile(cfg.Server.TokenSecretFile)
	if err != nil {
		return fmt.Errorf("reading token secret: %w", err)
	}
	secret := []byte(strings.TrimSpace(string(tokenSecret)))
	if len(secret) == 0 {
		return fmt.Errorf("token secret file %s is empty", cfg.Server.TokenSecretFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(storage.Config{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()
	logger.Info("storage ready", "path", cfg.Storage.Path)

	connections := registry.New(registry.Config{Logger: logger})
	subscriptions := subscription.NewRegistry()
	webhooks := webhook.NewClient(webhook.Config{Logger: logger})

	manager := session.NewManager(session.Config{
		Connections:      connections,
		Subscriptions:    subscriptions,
		Store:            store,
		Webhooks:         webhooks,
		WebSocketURL:     cfg.Server.PublicWebSocketURL,
		GraceWindow:      cfg.Session.GraceWindow.Std(),
		BootTimeout:      cfg.Session.BootTimeout.Std(),
		TranscriptWindow: cfg.Session.TranscriptWindow.Std(),
		Clock:            clock.Real(),
		Logger:           logger,
	})

	eventRouter := router.New(router.Config{
		Subscriptions: subscriptions,
		Connections:   connections,
		Logger:        logger,
	})

	hub := server.New(server.Config{
		Manager:     manager,
		Router:      eventRouter,
		Connections: connections,
		Store:       store,
		TokenSecret: secret,
		Logger:      logger,
	})

	httpServer := httpserver.New(httpserver.Config{
		Address: cfg.Server.ListenAddress,
		Handler: hub.Handler(),
		Logger:  logger,
	})

	logger.Info("hub starting",
		"environment", string(cfg.Environment),
		"listen", cfg.Server.ListenAddress,
		"websocket_url", cfg.Server.PublicWebSocketURL,
	)

	serveErr := httpServer.Serve(ctx)

	// Sessions outlive the HTTP listener; tear them down so active
	// TPAs hear stop webhooks and transcripts reach storage.
	manager.Shutdown("hub shutdown")

	return serveErr
}

// buildLogger constructs the process logger from config.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
