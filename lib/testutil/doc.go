// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Traq packages.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets, sidestepping the 108-byte sun_path limit that makes
// t.TempDir() unreliable for socket files under deeply nested
// temporary directories.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. These are
// the only place in the test suite where real wall-clock timeouts are
// used; production timing goes through lib/clock.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation. Use it instead of time.Now() when tests need unique
// session identifiers or message bodies.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no Traq-internal dependencies.
package testutil
