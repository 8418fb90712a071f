// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracker implements the session state machine that turns
// foreground-activity samples into closed session records.
//
// All session state is owned by the goroutine running [Tracker.Run].
// The periodic tick is the only driver of state transitions besides
// the explicit shutdown flush; website resolution runs as a concurrent
// sub-task per tick whose result is funneled back into the owner
// goroutine over a channel, so mutation is linearized without locks.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/traq-project/traq/lib/clock"
	"github.com/traq-project/traq/lib/track"
)

// Default tracker parameters, overridable through Config.
const (
	DefaultIdleThreshold  = 300 * time.Second
	DefaultSampleInterval = time.Second
)

// AppInfo identifies the foreground application.
type AppInfo struct {
	Identifier  string
	DisplayName string
}

// FocusProvider reports the foreground application and input
// recency. Implementations talk to the operating system and may fail
// transiently; the tracker degrades rather than aborting.
type FocusProvider interface {
	// ForegroundApp returns the current foreground application, or
	// nil when no application has focus.
	ForegroundApp() (*AppInfo, error)

	// SecondsSinceLastInput returns the time since the user last
	// touched an input device.
	SecondsSinceLastInput() (float64, error)
}

// WebsiteData is one browser observation: the frontmost tab's domain
// and, when the provider could fetch it, the site's favicon.
type WebsiteData struct {
	Domain  string
	Favicon []byte
}

// BrowserProvider resolves the current browser tab. Consulted at most
// once per tick, from its own goroutine, so a slow browser never
// stalls the tick loop.
type BrowserProvider interface {
	// CurrentWebsiteData returns the frontmost tab, or nil when no
	// supported browser is frontmost or the tab is filtered
	// (private browsing).
	CurrentWebsiteData(ctx context.Context) (*WebsiteData, error)
}

// Sink receives the tracker's output: closed sessions and
// opportunistic favicon updates. The persistence batcher implements
// this.
type Sink interface {
	EnqueueSession(session track.Session)
	EnqueueIcon(record track.IconRecord)
}

// Config holds the parameters for constructing a Tracker.
type Config struct {
	// Focus provides app and input samples. Required.
	Focus FocusProvider

	// Browser provides website samples. Optional; without it the
	// website track stays empty.
	Browser BrowserProvider

	// Sink receives closed sessions and icons. Required.
	Sink Sink

	// Clock drives the tick loop. Defaults to the real clock.
	Clock clock.Clock

	// IdleThreshold is the input silence that flips the tracker to
	// the idle track. Defaults to DefaultIdleThreshold.
	IdleThreshold time.Duration

	// SampleInterval is the tick period. Defaults to
	// DefaultSampleInterval.
	SampleInterval time.Duration

	// LockIdentifiers are app identifiers treated as an immediate
	// idle trigger (lock and login screens).
	LockIdentifiers []string

	// SnapshotPath, when non-empty, is where open sessions are
	// snapshotted after each state change for crash recovery.
	SnapshotPath string

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Tracker is the per-track session state machine. Construct with New,
// drive with Run. Not safe for use from multiple goroutines; Run owns
// all state.
type Tracker struct {
	focus           FocusProvider
	browser         BrowserProvider
	sink            Sink
	clock           clock.Clock
	idleThreshold   time.Duration
	sampleInterval  time.Duration
	lockIdentifiers map[string]bool
	snapshotPath    string
	logger          *slog.Logger

	// open holds at most one open session per track.
	open map[track.Track]*track.Session

	// lastActive is the time of the last tick that observed user
	// input within the idle threshold. Bounds idle backdating.
	lastActive time.Time

	// websiteResults carries browser sub-task results back into the
	// owner goroutine.
	websiteResults chan websiteResult

	// websiteInFlight guards against stacking browser probes when the
	// provider is slower than the tick.
	websiteInFlight bool
}

// websiteResult is one browser sub-task outcome. data is nil when no
// supported browser is frontmost or resolution failed.
type websiteResult struct {
	data     *WebsiteData
	err      error
	observed time.Time
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	lockIdentifiers := make(map[string]bool, len(cfg.LockIdentifiers))
	for _, identifier := range cfg.LockIdentifiers {
		lockIdentifiers[identifier] = true
	}
	return &Tracker{
		focus:           cfg.Focus,
		browser:         cfg.Browser,
		sink:            cfg.Sink,
		clock:           cfg.Clock,
		idleThreshold:   cfg.IdleThreshold,
		sampleInterval:  cfg.SampleInterval,
		lockIdentifiers: lockIdentifiers,
		snapshotPath:    cfg.SnapshotPath,
		logger:          cfg.Logger,
		open:            make(map[track.Track]*track.Session),
		lastActive:      cfg.Clock.Now(),
		websiteResults:  make(chan websiteResult, 1),
	}
}

// Run drives the tick loop until ctx is cancelled, then flushes every
// open session at the current time. Blocks; start in its own
// goroutine.
func (t *Tracker) Run(ctx context.Context) {
	ticker := t.clock.NewTicker(t.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.tick(ctx, now)
		case result := <-t.websiteResults:
			t.websiteInFlight = false
			t.applyWebsiteResult(result)
			t.writeSnapshot()
		case <-ctx.Done():
			t.Flush(t.clock.Now())
			return
		}
	}
}

// tick runs one sampling cycle: evaluate idleness, sample the app
// track, and kick off the website sub-task.
func (t *Tracker) tick(ctx context.Context, now time.Time) {
	idleSeconds, err := t.focus.SecondsSinceLastInput()
	if err != nil {
		// Degrade: without an input sample, neither an idle
		// transition nor an active one can be justified.
		t.logger.Warn("input sampling failed", "error", err)
		return
	}

	if time.Duration(idleSeconds*float64(time.Second)) >= t.idleThreshold {
		t.goIdle(now, idleSeconds)
		t.writeSnapshot()
		return
	}

	// Active. Close any idle session at now.
	if idle := t.open[track.Idle]; idle != nil {
		t.closeSession(track.Idle, now)
	}
	t.lastActive = now

	t.sampleApp(now)
	t.sampleWebsite(ctx, now)
	t.writeSnapshot()
}

// goIdle handles an idle-threshold crossing. Open App/Website
// sessions close at the instant the user actually went idle, and the
// Idle session is backdated to that same instant. The backdate is
// clamped to the last confirmed active tick so a wildly large idle
// measurement (machine sleep, clock step) cannot reach back past
// observed activity.
func (t *Tracker) goIdle(now time.Time, idleSeconds float64) {
	if t.open[track.Idle] != nil {
		return
	}

	idleStart := now.Add(-time.Duration(idleSeconds * float64(time.Second)))
	if idleStart.Before(t.lastActive) {
		idleStart = t.lastActive
	}

	t.closeSession(track.App, idleStart)
	t.closeSession(track.Website, idleStart)

	session := track.NewSession(track.Idle, "idle", "Idle", idleStart)
	t.open[track.Idle] = &session
	t.logger.Debug("idle session opened", "start", idleStart, "idleSeconds", idleSeconds)
}

// lockScreen handles the lock/login-screen sentinel: an immediate
// idle trigger regardless of measured input silence.
func (t *Tracker) lockScreen(now time.Time) {
	if t.open[track.Idle] != nil {
		return
	}
	t.closeSession(track.App, now)
	t.closeSession(track.Website, now)
	session := track.NewSession(track.Idle, "idle", "Idle", now)
	t.open[track.Idle] = &session
	t.logger.Debug("lock screen detected, idle session opened", "start", now)
}

// sampleApp applies one foreground-app observation to the App track.
func (t *Tracker) sampleApp(now time.Time) {
	info, err := t.focus.ForegroundApp()
	if err != nil {
		// Degrade: the open app session continues until a successful
		// sample says otherwise.
		t.logger.Warn("app sampling failed", "error", err)
		return
	}
	if info == nil {
		t.closeSession(track.App, now)
		return
	}
	if t.lockIdentifiers[info.Identifier] {
		t.lockScreen(now)
		return
	}
	t.applySample(track.App, info.Identifier, info.DisplayName, now)
}

// sampleWebsite kicks off the browser sub-task for this tick. At most
// one probe is in flight; when the browser is slower than the tick,
// intermediate ticks skip the website track rather than queueing
// probes.
func (t *Tracker) sampleWebsite(ctx context.Context, now time.Time) {
	if t.browser == nil || t.websiteInFlight {
		return
	}
	t.websiteInFlight = true
	go func() {
		data, err := t.browser.CurrentWebsiteData(ctx)
		select {
		case t.websiteResults <- websiteResult{data: data, err: err, observed: now}:
		case <-ctx.Done():
		}
	}()
}

// applyWebsiteResult applies a completed browser probe in the owner
// goroutine. A failure or absent browser ends only the website
// session; the app track is untouched. Results arriving after the
// tracker went idle are ignored so they cannot reopen a track the
// idle transition closed.
func (t *Tracker) applyWebsiteResult(result websiteResult) {
	if result.err != nil {
		t.logger.Warn("website sampling failed", "error", result.err)
		t.closeSession(track.Website, result.observed)
		return
	}
	if result.data == nil {
		t.closeSession(track.Website, result.observed)
		return
	}
	if t.open[track.Idle] != nil {
		return
	}
	t.applySample(track.Website, result.data.Domain, result.data.Domain, result.observed)
	if len(result.data.Favicon) > 0 {
		t.sink.EnqueueIcon(track.IconRecord{
			Identifier:  result.data.Domain,
			Blob:        result.data.Favicon,
			LastUpdated: result.observed,
		})
	}
}

// applySample is the per-track transition function for an active
// observation: same identifier continues the session, a different
// identifier closes at now and opens at now, no open session opens
// one.
func (t *Tracker) applySample(tr track.Track, identifier, displayName string, now time.Time) {
	if current := t.open[tr]; current != nil {
		if current.Identifier == identifier {
			return
		}
		t.closeSession(tr, now)
	}
	session := track.NewSession(tr, identifier, displayName, now)
	t.open[tr] = &session
	t.logger.Debug("session opened",
		"track", tr,
		"identifier", identifier,
		"start", now,
	)
}

// closeSession closes and delivers the open session on a track, if
// any.
func (t *Tracker) closeSession(tr track.Track, end time.Time) {
	session := t.open[tr]
	if session == nil {
		return
	}
	delete(t.open, tr)
	session.Close(end)
	t.sink.EnqueueSession(*session)
	t.logger.Debug("session closed",
		"track", tr,
		"identifier", session.Identifier,
		"duration", session.Duration(),
	)
}

// Flush closes every open session at the given time and delivers them
// to the sink. Used at shutdown; after a flush all tracks are closed
// and the snapshot is cleared.
func (t *Tracker) Flush(at time.Time) {
	for _, tr := range []track.Track{track.App, track.Website, track.Idle} {
		t.closeSession(tr, at)
	}
	if t.snapshotPath != "" {
		if err := ClearSnapshot(t.snapshotPath); err != nil {
			t.logger.Warn("clearing snapshot failed", "error", err)
		}
	}
}

// OpenSessions returns a copy of the currently open sessions, for
// tests and diagnostics.
func (t *Tracker) OpenSessions() []track.Session {
	sessions := make([]track.Session, 0, len(t.open))
	for _, tr := range []track.Track{track.App, track.Website, track.Idle} {
		if session := t.open[tr]; session != nil {
			sessions = append(sessions, *session)
		}
	}
	return sessions
}

// writeSnapshot persists the open sessions for crash recovery. A
// failed write is logged and retried on the next state change.
func (t *Tracker) writeSnapshot() {
	if t.snapshotPath == "" {
		return
	}
	err := WriteSnapshot(t.snapshotPath, Snapshot{
		SavedAt:  t.clock.Now(),
		Sessions: t.OpenSessions(),
	})
	if err != nil {
		t.logger.Warn("snapshot write failed", "error", err)
	}
}
