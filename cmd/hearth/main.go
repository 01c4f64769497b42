// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/hearth/clientapi"
	"github.com/bureau-foundation/hearth/lib/clock"
	"github.com/bureau-foundation/hearth/lib/httpserver"
	"github.com/bureau-foundation/hearth/lib/process"
	"github.com/bureau-foundation/hearth/lib/version"
	"github.com/bureau-foundation/hearth/storage"
	"github.com/bureau-foundation/hearth/syncapi"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("hearth", pflag.ContinueOnError)
	configPath := flagSet.String("config", "/etc/hearth/config.jsonc", "path to the JSONC config file")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if *showVersion {
		version.Print("hearth")
		return nil
	}

	config, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	systemClock := clock.Real()
	notifier := syncapi.NewNotifier()

	store, err := storage.OpenStore(storage.Config{
		Path:     config.DatabasePath,
		PoolSize: config.PoolSize,
		Clock:    systemClock,
		Logger:   logger,
		Waker:    notifier,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	engine := syncapi.NewEngine(syncapi.Config{
		Store:    store,
		Notifier: notifier,
		Clock:    systemClock,
		Logger:   logger,
	})

	handler := clientapi.NewHandler(clientapi.Config{
		Store:          store,
		Sync:           engine,
		Auth:           newTokenTable(config),
		Clock:          systemClock,
		MaxSyncTimeout: config.SyncTimeout(),
		Logger:         logger,
	})

	server := httpserver.New(httpserver.Config{
		Address:         config.ListenAddress,
		Handler:         handler.Routes(),
		LongPollTimeout: config.SyncTimeout(),
		Logger:          logger,
	})

	logger.Info("hearth running",
		"listen", config.ListenAddress,
		"database", config.DatabasePath,
		"server_name", config.ServerName,
		"version", version.Short(),
	)

	return server.Serve(ctx)
}
