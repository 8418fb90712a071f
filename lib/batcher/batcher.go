// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package batcher buffers closed sessions and pending favicon updates
// and flushes them to storage in periodic atomic batches.
//
// Delivery is at-least-once: when a flush transaction fails, every
// drained item is put back on its queue and retried on the next
// cycle. Items are never silently dropped.
package batcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/traq-project/traq/lib/clock"
	"github.com/traq-project/traq/lib/store"
	"github.com/traq-project/traq/lib/track"
)

// Default intervals, overridable through Config.
const (
	DefaultFlushInterval   = 30 * time.Second
	DefaultShutdownTimeout = 2 * time.Second
)

// Config holds the parameters for constructing a Batcher.
type Config struct {
	// Store receives flushed batches. Required.
	Store *store.Store

	// Clock drives the periodic flush timer. Defaults to the real
	// clock.
	Clock clock.Clock

	// FlushInterval is the period between automatic flushes. Defaults
	// to DefaultFlushInterval.
	FlushInterval time.Duration

	// ShutdownTimeout bounds the final flush when Run's context is
	// cancelled. Shutdown proceeds once it elapses even if the flush
	// has not completed; the unflushed window is an accepted loss.
	// Defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Batcher accumulates sessions and icons for batched persistence.
// Enqueue methods are safe to call from any goroutine.
type Batcher struct {
	store           *store.Store
	clock           clock.Clock
	flushInterval   time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	sessions []track.Session
	icons    map[string]track.IconRecord
}

// New constructs a Batcher. Run must be started separately; Enqueue
// and Flush work without it.
func New(cfg Config) *Batcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Batcher{
		store:           cfg.Store,
		clock:           cfg.Clock,
		flushInterval:   cfg.FlushInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
		icons:           make(map[string]track.IconRecord),
	}
}

// EnqueueSession queues one closed session for the next flush. Open
// sessions are a caller bug; they are dropped with a log line rather
// than poisoning the batch.
func (b *Batcher) EnqueueSession(session track.Session) {
	if session.Open() {
		b.logger.Warn("dropping open session from batch queue",
			"session", session.ID,
			"track", session.Track,
		)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = append(b.sessions, session)
}

// EnqueueIcon queues a favicon update. An identifier already queued
// this cycle is replaced, not duplicated, so each identifier reaches
// storage at most once per flush.
func (b *Batcher) EnqueueIcon(record track.IconRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.icons[record.Identifier] = record
}

// Pending returns the queued session and icon counts, for tests and
// shutdown logging.
func (b *Batcher) Pending() (sessions, icons int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions), len(b.icons)
}

// Flush drains both queues into a single storage transaction. With
// both queues empty it performs zero storage writes. On transaction
// failure every drained item is re-enqueued and the error returned.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	sessions := b.sessions
	icons := b.icons
	b.sessions = nil
	b.icons = make(map[string]track.IconRecord)
	b.mu.Unlock()

	if len(sessions) == 0 && len(icons) == 0 {
		return nil
	}

	// Icon freshness is checked outside the write transaction: an
	// identifier already fresh and non-empty in storage, or whose
	// blob hash is unchanged, is dropped without a write.
	writes := make([]track.IconRecord, 0, len(icons))
	now := b.clock.Now()
	for _, record := range icons {
		state, err := b.store.QueryIconState(ctx, record.Identifier, now)
		if err != nil {
			b.requeue(sessions, icons)
			return fmt.Errorf("batcher: %w", err)
		}
		if state.Fresh {
			continue
		}
		if state.Exists && state.ContentHash == store.HashIcon(record.Blob) {
			continue
		}
		writes = append(writes, record)
	}

	err := b.store.Atomic(ctx, func(tx *store.Tx) error {
		for _, session := range sessions {
			if err := tx.InsertSession(session); err != nil {
				return err
			}
		}
		for _, record := range writes {
			if err := tx.UpsertIcon(record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.requeue(sessions, icons)
		return fmt.Errorf("batcher: flush: %w", err)
	}

	b.logger.Debug("batch flushed",
		"sessions", len(sessions),
		"iconsQueued", len(icons),
		"iconsWritten", len(writes),
	)
	return nil
}

// requeue puts drained items back for the next cycle. Sessions go to
// the front to preserve insertion order; a drained icon yields to any
// newer record enqueued for the same identifier during the flush.
func (b *Batcher) requeue(sessions []track.Session, icons map[string]track.IconRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = append(sessions, b.sessions...)
	for identifier, record := range icons {
		if _, exists := b.icons[identifier]; !exists {
			b.icons[identifier] = record
		}
	}
}

// Run flushes on a periodic timer until ctx is cancelled, then
// performs one final flush bounded by the shutdown timeout. Flush
// errors are logged and retried on the next cycle, never fatal.
func (b *Batcher) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				b.logger.Error("periodic flush failed, batch re-enqueued", "error", err)
			}
		case <-ctx.Done():
			b.shutdownFlush()
			return
		}
	}
}

// shutdownFlush runs the final flush with a bounded deadline so a
// wedged storage layer cannot hang process exit.
func (b *Batcher) shutdownFlush() {
	flushCtx, cancel := context.WithTimeout(context.Background(), b.shutdownTimeout)
	defer cancel()

	if err := b.Flush(flushCtx); err != nil {
		sessions, icons := b.Pending()
		b.logger.Error("shutdown flush failed",
			"error", err,
			"sessionsLost", sessions,
			"iconsLost", icons,
		)
		return
	}
	b.logger.Info("shutdown flush complete")
}
