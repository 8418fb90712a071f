// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package usage aggregates persisted sessions into ranked activity
// summaries.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/traq-project/traq/lib/store"
	"github.com/traq-project/traq/lib/track"
)

// DefaultTopPercentage is the share of total time a summary covers
// when the caller does not specify one.
const DefaultTopPercentage = 0.8

// DateFormat is the wire format for summary dates.
const DateFormat = "2006-01-02"

// Aggregator answers usage queries against the session store.
type Aggregator struct {
	store  *store.Store
	logger *slog.Logger
}

// New returns an aggregator reading from the given store. A nil
// logger discards output.
func New(s *store.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{store: s, logger: logger}
}

// Activity summarizes one track's activity for one local day.
//
// Sessions are grouped by display name and ranked by total time,
// descending. The summary walks the ranking until the cumulative time
// reaches topPercentage of the day's total, always including at least
// the top entry, and renders each as "name:duration" joined by "|"
// with a trailing total:
//
//	Editor:2h10m|Browser:1h5m|Total:4h2m
//
// A day with no sessions yields the empty string.
func (a *Aggregator) Activity(ctx context.Context, date string, filter track.Track, topPercentage float64) (string, error) {
	if topPercentage <= 0 || topPercentage > 1 {
		return "", fmt.Errorf("usage: top percentage %v out of range (0, 1]", topPercentage)
	}
	dayStart, err := time.ParseInLocation(DateFormat, date, time.Local)
	if err != nil {
		return "", fmt.Errorf("usage: parsing date %q: %w", date, err)
	}
	dayEnd := dayStart.AddDate(0, 0, 1)

	sessions, err := a.store.QueryRange(ctx, &filter, dayStart, dayEnd)
	if err != nil {
		return "", fmt.Errorf("usage: %w", err)
	}

	// Sessions spanning midnight come back for both adjacent days;
	// clamp each to the queried day so the overlap is attributed once.
	for i := range sessions {
		sessions[i] = clampSession(sessions[i], dayStart, dayEnd)
	}

	summary := Summarize(sessions, topPercentage)
	a.logger.Debug("usage query served",
		"date", date,
		"track", filter,
		"sessions", len(sessions),
	)
	return summary, nil
}

// clampSession trims a session to the [start, end) window so its
// Duration reflects only the time spent inside it.
func clampSession(session track.Session, start, end time.Time) track.Session {
	if session.StartTime.Before(start) {
		session.StartTime = start
	}
	if session.EndTime.After(end) {
		session.EndTime = end
	}
	return session
}

// entry is one ranked line of a summary.
type entry struct {
	name  string
	total time.Duration
}

// Summarize ranks sessions by display name and renders the summary
// string. Exposed separately from Activity so the ranking logic can
// be exercised without a store.
func Summarize(sessions []track.Session, topPercentage float64) string {
	if len(sessions) == 0 {
		return ""
	}

	totals := make(map[string]time.Duration)
	order := make([]string, 0, len(sessions))
	for _, session := range sessions {
		if _, seen := totals[session.DisplayName]; !seen {
			order = append(order, session.DisplayName)
		}
		totals[session.DisplayName] += session.Duration()
	}

	entries := make([]entry, 0, len(order))
	var grandTotal time.Duration
	for _, name := range order {
		entries = append(entries, entry{name: name, total: totals[name]})
		grandTotal += totals[name]
	}

	// Stable so names with equal totals keep first-seen order, which
	// makes summaries deterministic across runs.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].total > entries[j].total
	})

	threshold := time.Duration(float64(grandTotal) * topPercentage)
	var parts []string
	var covered time.Duration
	for _, e := range entries {
		parts = append(parts, e.name+":"+FormatDuration(e.total))
		covered += e.total
		if covered >= threshold {
			break
		}
	}
	parts = append(parts, "Total:"+FormatDuration(grandTotal))
	return strings.Join(parts, "|")
}

// FormatDuration renders a duration as "XhYm", omitting the hour part
// when zero. Minutes are floored, so 59s renders as "0m".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	minutes := int(d%time.Hour) / int(time.Minute)
	if hours == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
