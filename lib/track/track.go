// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package track defines the core activity-tracking data model: the
// three parallel activity tracks, ephemeral samples, durable sessions,
// and favicon records.
//
// A Session is one continuous interval of activity on a single track.
// Sessions are append-only records: a session is created open, closed
// exactly once, and never mutated afterwards. At most one session per
// track is open at any instant; the tracker package enforces this.
package track

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Track is one of the three parallel activity categories.
type Track uint8

const (
	// App is foreground application activity.
	App Track = iota
	// Website is browser tab activity, keyed by domain.
	Website
	// Idle is absence of input beyond the configured threshold.
	Idle
)

// String returns the lowercase track name used in storage, config,
// and the IPC type filter.
func (t Track) String() string {
	switch t {
	case App:
		return "app"
	case Website:
		return "website"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseTrack parses a track name as it appears in the IPC type filter
// and config files.
func ParseTrack(name string) (Track, error) {
	switch name {
	case "app":
		return App, nil
	case "website":
		return Website, nil
	case "idle":
		return Idle, nil
	default:
		return 0, fmt.Errorf("unknown track %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler so Track fields
// serialize as their string names (CBOR snapshot, logs).
func (t Track) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Track) UnmarshalText(text []byte) error {
	parsed, err := ParseTrack(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Sample is one provider observation for one track at one instant.
// Samples are ephemeral: they drive tracker state transitions and are
// never persisted.
type Sample struct {
	Time        time.Time
	Track       Track
	Identifier  string
	DisplayName string
}

// Session is one continuous interval of activity on a single track.
// EndTime is the zero time while the session is open. Once Close has
// been called the session is immutable history.
type Session struct {
	ID          string    `cbor:"id"`
	Track       Track     `cbor:"track"`
	Identifier  string    `cbor:"identifier"`
	DisplayName string    `cbor:"display_name"`
	StartTime   time.Time `cbor:"start_time"`
	EndTime     time.Time `cbor:"end_time,omitempty"`
}

// NewSession opens a session starting at start. The ID is a generated
// UUID; sessions have no natural key because the same identifier
// recurs across many intervals.
func NewSession(t Track, identifier, displayName string, start time.Time) Session {
	return Session{
		ID:          uuid.NewString(),
		Track:       t,
		Identifier:  identifier,
		DisplayName: displayName,
		StartTime:   start,
	}
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool { return s.EndTime.IsZero() }

// Duration returns the session length, or zero while the session is
// still open.
func (s *Session) Duration() time.Duration {
	if s.Open() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Close sets the session end. End times are clamped to the session
// start so a backdated close can never produce a negative duration.
// Closing an already-closed session is a programming error and panics:
// sessions are append-only history once closed.
func (s *Session) Close(end time.Time) {
	if !s.Open() {
		panic(fmt.Sprintf("track: closing already-closed session %s", s.ID))
	}
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	s.EndTime = end
}

// IconStaleAfter is how long a stored favicon stays fresh. Past this
// age the icon is refreshed opportunistically on the next visit.
const IconStaleAfter = 7 * 24 * time.Hour

// IconRecord is a favicon blob for a website identifier (domain).
type IconRecord struct {
	Identifier  string
	Blob        []byte
	LastUpdated time.Time
}

// Stale reports whether the record should be refreshed: the blob is
// absent or the record is older than IconStaleAfter as of now.
func (r *IconRecord) Stale(now time.Time) bool {
	return len(r.Blob) == 0 || now.Sub(r.LastUpdated) > IconStaleAfter
}
