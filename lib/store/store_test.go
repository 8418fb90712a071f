// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/traq-project/traq/lib/track"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "traq.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing store: %v", err)
		}
	})
	return s
}

func closedSession(tr track.Track, identifier, name string, start time.Time, duration time.Duration) track.Session {
	session := track.NewSession(tr, identifier, name, start)
	session.Close(start.Add(duration))
	return session
}

func TestInsertAndQueryRange(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	inserted := []track.Session{
		closedSession(track.App, "com.example.editor", "Editor", base, 10*time.Minute),
		closedSession(track.Website, "example.com", "example.com", base.Add(15*time.Minute), 5*time.Minute),
		closedSession(track.App, "com.example.terminal", "Terminal", base.Add(30*time.Minute), 20*time.Minute),
	}
	for _, session := range inserted {
		if err := s.InsertSession(ctx, session); err != nil {
			t.Fatalf("inserting session: %v", err)
		}
	}

	sessions, err := s.QueryRange(ctx, nil, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("querying range: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(sessions))
	}
	for i, session := range sessions {
		if session.ID != inserted[i].ID {
			t.Errorf("session %d: got ID %s, want %s", i, session.ID, inserted[i].ID)
		}
		if !session.StartTime.Equal(inserted[i].StartTime) {
			t.Errorf("session %d: got start %v, want %v", i, session.StartTime, inserted[i].StartTime)
		}
		if !session.EndTime.Equal(inserted[i].EndTime) {
			t.Errorf("session %d: got end %v, want %v", i, session.EndTime, inserted[i].EndTime)
		}
	}
}

func TestQueryRangeTrackFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if err := s.InsertSession(ctx, closedSession(track.App, "com.example.editor", "Editor", base, time.Minute)); err != nil {
		t.Fatalf("inserting session: %v", err)
	}
	if err := s.InsertSession(ctx, closedSession(track.Website, "example.com", "example.com", base.Add(2*time.Minute), time.Minute)); err != nil {
		t.Fatalf("inserting session: %v", err)
	}

	filter := track.Website
	sessions, err := s.QueryRange(ctx, &filter, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("querying range: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].Track != track.Website {
		t.Errorf("got track %s, want website", sessions[0].Track)
	}
}

func TestQueryRangeBoundaries(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	// One session exactly at the range start, one exactly at the end.
	atStart := closedSession(track.App, "a", "A", base, time.Minute)
	atEnd := closedSession(track.App, "b", "B", base.Add(time.Hour), time.Minute)
	for _, session := range []track.Session{atStart, atEnd} {
		if err := s.InsertSession(ctx, session); err != nil {
			t.Fatalf("inserting session: %v", err)
		}
	}

	sessions, err := s.QueryRange(ctx, nil, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("querying range: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1 (start inclusive, end exclusive)", len(sessions))
	}
	if sessions[0].ID != atStart.ID {
		t.Errorf("got session %s, want the one at range start", sessions[0].ID)
	}
}

func TestQueryRangeSpanningSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	midnight := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	// Starts before midnight, ends after: intersects both days.
	spanning := closedSession(track.App, "a", "A", midnight.Add(-10*time.Minute), 20*time.Minute)
	// Ends exactly at midnight: previous day only.
	endsAtBoundary := closedSession(track.App, "b", "B", midnight.Add(-5*time.Minute), 5*time.Minute)
	for _, session := range []track.Session{spanning, endsAtBoundary} {
		if err := s.InsertSession(ctx, session); err != nil {
			t.Fatalf("inserting session: %v", err)
		}
	}

	previousDay, err := s.QueryRange(ctx, nil, midnight.AddDate(0, 0, -1), midnight)
	if err != nil {
		t.Fatalf("querying previous day: %v", err)
	}
	if len(previousDay) != 2 {
		t.Fatalf("previous day: got %d sessions, want 2", len(previousDay))
	}

	nextDay, err := s.QueryRange(ctx, nil, midnight, midnight.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("querying next day: %v", err)
	}
	if len(nextDay) != 1 {
		t.Fatalf("next day: got %d sessions, want 1", len(nextDay))
	}
	if nextDay[0].ID != spanning.ID {
		t.Errorf("next day: got session %s, want the spanning one", nextDay[0].ID)
	}
}

func TestInsertOpenSessionRejected(t *testing.T) {
	s := openTestStore(t)
	open := track.NewSession(track.App, "com.example.editor", "Editor", time.Now())
	if err := s.InsertSession(t.Context(), open); err == nil {
		t.Fatal("expected error inserting open session")
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sentinel := errors.New("boom")
	err := s.Atomic(ctx, func(tx *Tx) error {
		if err := tx.InsertSession(closedSession(track.App, "a", "A", base, time.Minute)); err != nil {
			return err
		}
		if err := tx.UpsertIcon(track.IconRecord{
			Identifier:  "example.com",
			Blob:        []byte{1, 2, 3},
			LastUpdated: base,
		}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got error %v, want sentinel", err)
	}

	sessions, err := s.QueryRange(ctx, nil, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("querying range: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("got %d sessions after rollback, want 0", len(sessions))
	}
	state, err := s.QueryIconState(ctx, "example.com", base)
	if err != nil {
		t.Fatalf("querying icon state: %v", err)
	}
	if state.Exists {
		t.Error("icon row exists after rollback")
	}
}

func TestAtomicCommitsTogether(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	err := s.Atomic(ctx, func(tx *Tx) error {
		for i, identifier := range []string{"a", "b", "c"} {
			session := closedSession(track.App, identifier, identifier, base.Add(time.Duration(i)*time.Minute), time.Minute)
			if err := tx.InsertSession(session); err != nil {
				return err
			}
		}
		return tx.UpsertIcon(track.IconRecord{
			Identifier:  "example.com",
			Blob:        []byte{0x89, 'P', 'N', 'G'},
			LastUpdated: base,
		})
	})
	if err != nil {
		t.Fatalf("atomic batch: %v", err)
	}

	sessions, err := s.QueryRange(ctx, nil, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("querying range: %v", err)
	}
	if len(sessions) != 3 {
		t.Errorf("got %d sessions, want 3", len(sessions))
	}
}

func TestUpsertIconReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	first := []byte{1, 2, 3}
	second := []byte{4, 5, 6, 7}

	if err := s.UpsertIcon(ctx, track.IconRecord{Identifier: "example.com", Blob: first, LastUpdated: base}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertIcon(ctx, track.IconRecord{Identifier: "example.com", Blob: second, LastUpdated: base.Add(time.Hour)}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	record, found, err := s.QueryIcon(ctx, "example.com")
	if err != nil {
		t.Fatalf("querying icon: %v", err)
	}
	if !found {
		t.Fatal("icon not found after upsert")
	}
	if !bytes.Equal(record.Blob, second) {
		t.Errorf("got blob %v, want %v", record.Blob, second)
	}
	if !record.LastUpdated.Equal(base.Add(time.Hour)) {
		t.Errorf("got last updated %v, want %v", record.LastUpdated, base.Add(time.Hour))
	}
}

func TestQueryIconState(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	blob := []byte{0x89, 'P', 'N', 'G'}

	state, err := s.QueryIconState(ctx, "example.com", now)
	if err != nil {
		t.Fatalf("querying icon state: %v", err)
	}
	if state.Exists || state.Fresh {
		t.Errorf("got state %+v for absent icon, want absent and stale", state)
	}

	if err := s.UpsertIcon(ctx, track.IconRecord{Identifier: "example.com", Blob: blob, LastUpdated: now}); err != nil {
		t.Fatalf("upserting icon: %v", err)
	}

	state, err = s.QueryIconState(ctx, "example.com", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("querying icon state: %v", err)
	}
	if !state.Exists || !state.Fresh {
		t.Errorf("got state %+v one hour after write, want fresh", state)
	}
	if want := HashIcon(blob); state.ContentHash != want {
		t.Errorf("got content hash %x, want %x", state.ContentHash, want)
	}

	state, err = s.QueryIconState(ctx, "example.com", now.Add(track.IconStaleAfter+time.Hour))
	if err != nil {
		t.Fatalf("querying icon state: %v", err)
	}
	if !state.Exists || state.Fresh {
		t.Errorf("got state %+v past the staleness window, want stale", state)
	}
}

func TestDeleteRange(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	inside := closedSession(track.App, "a", "A", base.Add(time.Hour), time.Minute)
	outside := closedSession(track.App, "b", "B", base.Add(25*time.Hour), time.Minute)
	for _, session := range []track.Session{inside, outside} {
		if err := s.InsertSession(ctx, session); err != nil {
			t.Fatalf("inserting session: %v", err)
		}
	}

	if err := s.DeleteRange(ctx, base, base.Add(24*time.Hour)); err != nil {
		t.Fatalf("deleting range: %v", err)
	}

	sessions, err := s.QueryRange(ctx, nil, base, base.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("querying range: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions after delete, want 1", len(sessions))
	}
	if sessions[0].ID != outside.ID {
		t.Errorf("got session %s, want the one outside the deleted range", sessions[0].ID)
	}
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	session := closedSession(track.App, "a", "A", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), time.Minute)
	if err := s.InsertSession(ctx, session); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertSession(ctx, session); err == nil {
		t.Fatal("expected error inserting duplicate session ID")
	}
}
