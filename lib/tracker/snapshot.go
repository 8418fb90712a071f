// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/traq-project/traq/lib/codec"
	"github.com/traq-project/traq/lib/track"
)

// SnapshotMaxAge bounds how old a snapshot may be and still be
// recovered. Anything older is a leftover from an unrelated run and
// is discarded rather than recorded as a multi-day session.
const SnapshotMaxAge = 24 * time.Hour

// Snapshot is the tracker's crash-recovery record: the sessions that
// were open at SavedAt.
type Snapshot struct {
	SavedAt  time.Time
	Sessions []track.Session
}

// snapshotFile is the CBOR wire form. Open sessions have no end time
// by definition, so the field is not carried; this also avoids
// round-tripping the zero time.Time, which CBOR would decode as a
// concrete instant and break Session.Open.
type snapshotFile struct {
	SavedAt  time.Time         `cbor:"savedAt"`
	Sessions []snapshotSession `cbor:"sessions,omitempty"`
}

type snapshotSession struct {
	ID          string      `cbor:"id"`
	Track       track.Track `cbor:"track"`
	Identifier  string      `cbor:"identifier"`
	DisplayName string      `cbor:"display_name"`
	StartTime   time.Time   `cbor:"start_time"`
}

// WriteSnapshot atomically writes the open-session snapshot. The file
// is written to a temporary path in the same directory, fsynced,
// renamed into place, and the parent directory synced, so a crash at
// any point leaves either the old snapshot or the new one, never a
// partial write.
func WriteSnapshot(path string, snapshot Snapshot) error {
	file := snapshotFile{SavedAt: snapshot.SavedAt}
	for _, session := range snapshot.Sessions {
		if !session.Open() {
			continue
		}
		file.Sessions = append(file.Sessions, snapshotSession{
			ID:          session.ID,
			Track:       session.Track,
			Identifier:  session.Identifier,
			DisplayName: session.DisplayName,
			StartTime:   session.StartTime,
		})
	}

	data, err := codec.Marshal(file)
	if err != nil {
		return fmt.Errorf("tracker: encoding snapshot: %w", err)
	}

	temporaryPath := path + ".tmp"
	tmpFile, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("tracker: creating temporary snapshot: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("tracker: writing temporary snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("tracker: syncing temporary snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("tracker: closing temporary snapshot: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("tracker: renaming snapshot into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

// ReadSnapshot reads and decodes a snapshot file. When the file does
// not exist, the returned error wraps os.ErrNotExist.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var file snapshotFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return Snapshot{}, fmt.Errorf("tracker: parsing snapshot %s: %w", path, err)
	}

	snapshot := Snapshot{SavedAt: file.SavedAt}
	for _, session := range file.Sessions {
		snapshot.Sessions = append(snapshot.Sessions, track.Session{
			ID:          session.ID,
			Track:       session.Track,
			Identifier:  session.Identifier,
			DisplayName: session.DisplayName,
			StartTime:   session.StartTime,
		})
	}
	return snapshot, nil
}

// ClearSnapshot removes the snapshot file. Idempotent: returns nil
// when the file does not exist.
func ClearSnapshot(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tracker: removing snapshot: %w", err)
	}
	return nil
}

// RecoverSnapshot closes the sessions from a previous run's snapshot
// at the snapshot timestamp and delivers them to the sink, then
// clears the file. Sessions from a snapshot older than SnapshotMaxAge
// (or from the future, after a clock step) are discarded: the
// recovery bound exists to cap data loss, not to fabricate multi-day
// sessions. Returns the number of sessions recovered.
func RecoverSnapshot(path string, now time.Time, sink Sink) (int, error) {
	snapshot, err := ReadSnapshot(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	recovered := 0
	age := now.Sub(snapshot.SavedAt)
	if age >= 0 && age <= SnapshotMaxAge {
		for _, session := range snapshot.Sessions {
			if !session.Open() {
				continue
			}
			session.Close(snapshot.SavedAt)
			sink.EnqueueSession(session)
			recovered++
		}
	}

	if err := ClearSnapshot(path); err != nil {
		return recovered, err
	}
	return recovered, nil
}
