// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe implements the tracker's provider contracts on top of
// external probe commands.
//
// The daemon core is OS-agnostic; everything platform-specific lives
// in two configured commands. The focus probe prints one line,
// "identifier<TAB>display name<TAB>idle seconds", describing the
// foreground application and input recency. The browser probe prints
// "domain" or "domain<TAB>favicon path" for the frontmost browser
// tab, and signals "no supported browser frontmost" (including
// private browsing) with exit status 2.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/traq-project/traq/lib/clock"
	"github.com/traq-project/traq/lib/tracker"
)

// browserAbsent is the browser probe's exit status for "no browser or
// filtered tab". Distinct from failure.
const browserAbsent = 2

// focusCacheAge is how long one focus probe run answers both provider
// methods. The tracker calls SecondsSinceLastInput and ForegroundApp
// in the same tick; one exec serves both.
const focusCacheAge = 500 * time.Millisecond

// probeTimeout bounds a single probe execution.
const probeTimeout = 5 * time.Second

// Focus runs the focus probe command and implements
// tracker.FocusProvider. Safe for concurrent use.
type Focus struct {
	command []string
	clock   clock.Clock

	mu         sync.Mutex
	sampledAt  time.Time
	app        *tracker.AppInfo
	idle       float64
	sampleErr  error
	hasSampled bool
}

// NewFocus returns a focus provider running the given command.
func NewFocus(command []string, clk clock.Clock) (*Focus, error) {
	if len(command) == 0 {
		return nil, errors.New("probe: focus command is empty")
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Focus{command: command, clock: clk}, nil
}

// ForegroundApp returns the current foreground application, or nil
// when nothing has focus.
func (f *Focus) ForegroundApp() (*tracker.AppInfo, error) {
	app, _, err := f.sample()
	return app, err
}

// SecondsSinceLastInput returns the probe's reported input silence.
func (f *Focus) SecondsSinceLastInput() (float64, error) {
	_, idle, err := f.sample()
	return idle, err
}

// sample runs the probe, reusing a recent result so the two provider
// methods called in one tick share a single exec.
func (f *Focus) sample() (*tracker.AppInfo, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	if f.hasSampled && now.Sub(f.sampledAt) < focusCacheAge {
		return f.app, f.idle, f.sampleErr
	}

	f.hasSampled = true
	f.sampledAt = now
	f.app, f.idle, f.sampleErr = f.run()
	return f.app, f.idle, f.sampleErr
}

func (f *Focus) run() (*tracker.AppInfo, float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, f.command[0], f.command[1:]...).Output()
	if err != nil {
		return nil, 0, fmt.Errorf("probe: running focus command: %w", err)
	}

	// Only strip the line ending: a leading tab is an empty
	// identifier field, not junk.
	line := strings.TrimRight(string(bytes.SplitN(output, []byte("\n"), 2)[0]), "\r")
	fields := strings.Split(line, "\t")
	if len(fields) != 3 {
		return nil, 0, fmt.Errorf("probe: focus output %q: want identifier, name, idle seconds", line)
	}
	idle, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, 0, fmt.Errorf("probe: focus idle seconds %q: %w", fields[2], err)
	}

	// An empty identifier means no application has focus.
	if fields[0] == "" {
		return nil, idle, nil
	}
	displayName := fields[1]
	if displayName == "" {
		displayName = fields[0]
	}
	return &tracker.AppInfo{Identifier: fields[0], DisplayName: displayName}, idle, nil
}

// Browser runs the browser probe command and implements
// tracker.BrowserProvider.
type Browser struct {
	command []string
}

// NewBrowser returns a browser provider running the given command.
func NewBrowser(command []string) (*Browser, error) {
	if len(command) == 0 {
		return nil, errors.New("probe: browser command is empty")
	}
	return &Browser{command: command}, nil
}

// CurrentWebsiteData returns the frontmost tab's domain and favicon,
// or nil when no supported browser is frontmost.
func (b *Browser) CurrentWebsiteData(ctx context.Context) (*tracker.WebsiteData, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, b.command[0], b.command[1:]...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == browserAbsent {
			return nil, nil
		}
		return nil, fmt.Errorf("probe: running browser command: %w", err)
	}

	line := strings.TrimRight(string(bytes.SplitN(output, []byte("\n"), 2)[0]), "\r")
	if line == "" {
		return nil, nil
	}
	domain, faviconPath, _ := strings.Cut(line, "\t")

	data := &tracker.WebsiteData{Domain: domain}
	if faviconPath != "" {
		// The favicon is opportunistic; a missing or unreadable file
		// just means no icon this tick.
		if blob, err := os.ReadFile(faviconPath); err == nil && len(blob) > 0 {
			data.Favicon = blob
		}
	}
	return data, nil
}
