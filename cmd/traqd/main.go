// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Command traqd is the activity-tracking daemon: it samples foreground
// activity into sessions, batches them into SQLite, and serves usage
// queries over a Unix socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/traq-project/traq/lib/batcher"
	"github.com/traq-project/traq/lib/clock"
	"github.com/traq-project/traq/lib/config"
	"github.com/traq-project/traq/lib/ipc"
	"github.com/traq-project/traq/lib/probe"
	"github.com/traq-project/traq/lib/process"
	"github.com/traq-project/traq/lib/store"
	"github.com/traq-project/traq/lib/tracker"
	"github.com/traq-project/traq/lib/usage"
	"github.com/traq-project/traq/lib/version"
)

func main() {
	configPath := pflag.String("config", "", "path to the configuration file (overrides TRAQ_CONFIG)")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		version.Print("traqd")
		return
	}

	if err := run(*configPath); err != nil {
		process.Fatal(err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	logger.Info("traqd starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"socket", cfg.SocketPath(),
		"database", cfg.Data.Database,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.Data.Database), 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(store.Config{
		Path:   cfg.Data.Database,
		Logger: logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.Real()

	sink := batcher.New(batcher.Config{
		Store:           st,
		Clock:           clk,
		FlushInterval:   cfg.FlushInterval(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Logger:          logger.With("component", "batcher"),
	})

	// Sessions left open by a crashed run are closed at the snapshot
	// time and fed through the normal persistence path.
	recovered, err := tracker.RecoverSnapshot(cfg.Data.Snapshot, clk.Now(), sink)
	if err != nil {
		logger.Warn("snapshot recovery failed", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered sessions from crash snapshot", "sessions", recovered)
	}

	focus, err := probe.NewFocus(cfg.Tracker.FocusProbe, clk)
	if err != nil {
		return fmt.Errorf("tracker.focus_probe must be configured: %w", err)
	}
	var browser tracker.BrowserProvider
	if len(cfg.Tracker.BrowserProbe) > 0 {
		b, err := probe.NewBrowser(cfg.Tracker.BrowserProbe)
		if err != nil {
			return err
		}
		browser = b
	} else {
		logger.Info("no browser probe configured, website tracking disabled")
	}

	trk := tracker.New(tracker.Config{
		Focus:           focus,
		Browser:         browser,
		Sink:            sink,
		Clock:           clk,
		IdleThreshold:   cfg.IdleThreshold(),
		SampleInterval:  cfg.SampleInterval(),
		LockIdentifiers: cfg.Tracker.LockIdentifiers,
		SnapshotPath:    cfg.Data.Snapshot,
		Logger:          logger.With("component", "tracker"),
	})

	server := ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.SocketPath(),
		Version:    version.Short(),
		Usage:      usage.New(st, logger.With("component", "usage")),
		Clock:      clk,
		Logger:     logger.With("component", "ipc"),
	})
	if err := server.Start(); err != nil {
		return err
	}

	trackerCtx, stopTracker := context.WithCancel(context.Background())
	batcherCtx, stopBatcher := context.WithCancel(context.Background())
	trackerDone := make(chan struct{})
	batcherDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		trk.Run(trackerCtx)
	}()
	go func() {
		defer close(batcherDone)
		sink.Run(batcherCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	// Shutdown order matters: stop taking queries, flush the
	// tracker's open sessions into the batcher, then let the batcher
	// run its final bounded flush before the store closes.
	if err := server.Stop(); err != nil {
		logger.Warn("ipc server stop failed", "error", err)
	}
	stopTracker()
	<-trackerDone
	stopBatcher()
	<-batcherDone

	logger.Info("traqd stopped")
	return nil
}

// logLevel reads TRAQ_LOG_LEVEL ("debug", "info", "warn", "error").
// Defaults to info.
func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("TRAQ_LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}
