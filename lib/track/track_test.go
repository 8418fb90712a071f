// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

package track

import (
	"testing"
	"time"
)

var testStart = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

func TestParseTrackRoundtrip(t *testing.T) {
	for _, tr := range []Track{App, Website, Idle} {
		parsed, err := ParseTrack(tr.String())
		if err != nil {
			t.Fatalf("ParseTrack(%q): %v", tr.String(), err)
		}
		if parsed != tr {
			t.Errorf("ParseTrack(%q) = %v, want %v", tr.String(), parsed, tr)
		}
	}
}

func TestParseTrackRejectsUnknown(t *testing.T) {
	if _, err := ParseTrack("games"); err == nil {
		t.Error("ParseTrack should reject unknown track names")
	}
	if _, err := ParseTrack(""); err == nil {
		t.Error("ParseTrack should reject the empty string")
	}
}

func TestTrackTextMarshalRoundtrip(t *testing.T) {
	text, err := Website.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(text) != "website" {
		t.Errorf("MarshalText = %q, want %q", text, "website")
	}

	var parsed Track
	if err := parsed.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if parsed != Website {
		t.Errorf("UnmarshalText = %v, want %v", parsed, Website)
	}
}

func TestNewSessionIsOpen(t *testing.T) {
	session := NewSession(App, "com.example.editor", "Editor", testStart)

	if session.ID == "" {
		t.Error("NewSession should assign an ID")
	}
	if !session.Open() {
		t.Error("new session should be open")
	}
	if session.Duration() != 0 {
		t.Errorf("open session duration = %v, want 0", session.Duration())
	}
}

func TestSessionIDsUnique(t *testing.T) {
	first := NewSession(App, "a", "A", testStart)
	second := NewSession(App, "a", "A", testStart)
	if first.ID == second.ID {
		t.Errorf("two sessions share ID %s", first.ID)
	}
}

func TestCloseSetsDuration(t *testing.T) {
	session := NewSession(App, "com.example.editor", "Editor", testStart)
	session.Close(testStart.Add(30 * time.Minute))

	if session.Open() {
		t.Error("closed session reports open")
	}
	if session.Duration() != 30*time.Minute {
		t.Errorf("duration = %v, want 30m", session.Duration())
	}
}

func TestCloseClampsToStart(t *testing.T) {
	// A backdated close (idle detection) can produce an end before the
	// session start when the session itself opened inside the idle
	// window. The close clamps rather than going negative.
	session := NewSession(Website, "example.com", "example.com", testStart)
	session.Close(testStart.Add(-10 * time.Minute))

	if session.EndTime != session.StartTime {
		t.Errorf("end = %v, want clamped to start %v", session.EndTime, session.StartTime)
	}
	if session.Duration() != 0 {
		t.Errorf("duration = %v, want 0", session.Duration())
	}
}

func TestDoubleClosePanics(t *testing.T) {
	session := NewSession(App, "a", "A", testStart)
	session.Close(testStart.Add(time.Minute))

	defer func() {
		if recover() == nil {
			t.Error("closing an already-closed session should panic")
		}
	}()
	session.Close(testStart.Add(2 * time.Minute))
}

func TestIconStale(t *testing.T) {
	now := testStart

	tests := []struct {
		name   string
		record IconRecord
		want   bool
	}{
		{
			name:   "fresh with blob",
			record: IconRecord{Identifier: "example.com", Blob: []byte{1}, LastUpdated: now.Add(-time.Hour)},
			want:   false,
		},
		{
			name:   "empty blob is always stale",
			record: IconRecord{Identifier: "example.com", LastUpdated: now},
			want:   true,
		},
		{
			name:   "older than seven days",
			record: IconRecord{Identifier: "example.com", Blob: []byte{1}, LastUpdated: now.Add(-IconStaleAfter - time.Minute)},
			want:   true,
		},
		{
			name:   "exactly at the boundary still fresh",
			record: IconRecord{Identifier: "example.com", Blob: []byte{1}, LastUpdated: now.Add(-IconStaleAfter)},
			want:   false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.record.Stale(now); got != test.want {
				t.Errorf("Stale = %v, want %v", got, test.want)
			}
		})
	}
}
