// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/traq-project/traq/lib/clock"
	"github.com/traq-project/traq/lib/testutil"
	"github.com/traq-project/traq/lib/track"
	"github.com/traq-project/traq/lib/wire"
)

// fakeUsage records queries and returns a canned summary.
type fakeUsage struct {
	mu      sync.Mutex
	summary string
	err     error
	queries []string
}

func (f *fakeUsage) Activity(_ context.Context, date string, filter track.Track, topPercentage float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, fmt.Sprintf("%s/%s/%.2f", date, filter, topPercentage))
	return f.summary, f.err
}

func (f *fakeUsage) lastQuery(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		t.Fatal("no usage queries recorded")
	}
	return f.queries[len(f.queries)-1]
}

func startServer(t *testing.T, usage *fakeUsage) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "traqd.sock")
	server := NewServer(ServerConfig{
		SocketPath: socketPath,
		Version:    "0.3.0",
		Usage:      usage,
	})
	if err := server.Start(); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("stopping server: %v", err)
		}
	})
	return server, socketPath
}

func TestGetVersion(t *testing.T) {
	_, socketPath := startServer(t, &fakeUsage{})
	client := NewClient(socketPath, 5*time.Second)

	version, err := client.Version(t.Context())
	if err != nil {
		t.Fatalf("version request: %v", err)
	}
	if version != "0.3.0" {
		t.Errorf("got version %q, want 0.3.0", version)
	}
}

func TestUsageActivityPassesQueryThrough(t *testing.T) {
	usage := &fakeUsage{summary: "Editor:2h0m|Total:2h0m"}
	_, socketPath := startServer(t, usage)
	client := NewClient(socketPath, 5*time.Second)

	summary, err := client.UsageActivity(t.Context(), wire.UsageQuery{
		TopPercentage: 0.5,
		Date:          "2026-03-14",
		Filter:        "website",
	})
	if err != nil {
		t.Fatalf("usage request: %v", err)
	}
	if summary != usage.summary {
		t.Errorf("got summary %q, want %q", summary, usage.summary)
	}
	if got := usage.lastQuery(t); got != "2026-03-14/website/0.50" {
		t.Errorf("server forwarded query %q, want 2026-03-14/website/0.50", got)
	}
}

func TestUsageActivityAppliesDefaults(t *testing.T) {
	usage := &fakeUsage{}
	server, socketPath := startServer(t, usage)
	client := NewClient(socketPath, 5*time.Second)

	if _, err := client.UsageActivity(t.Context(), wire.UsageQuery{}); err != nil {
		t.Fatalf("usage request: %v", err)
	}
	today := server.clock.Now().Format("2006-01-02")
	if got, want := usage.lastQuery(t), today+"/app/0.80"; got != want {
		t.Errorf("got query %q, want %q", got, want)
	}
}

func TestUsageActivityDefaultsNaNTopPercentage(t *testing.T) {
	usage := &fakeUsage{}
	_, socketPath := startServer(t, usage)
	client := NewClient(socketPath, 5*time.Second)

	_, err := client.UsageActivity(t.Context(), wire.UsageQuery{
		TopPercentage: math.NaN(),
		Date:          "2026-03-14",
		Filter:        "app",
	})
	if err != nil {
		t.Fatalf("usage request: %v", err)
	}
	if got, want := usage.lastQuery(t), "2026-03-14/app/0.80"; got != want {
		t.Errorf("got query %q, want %q", got, want)
	}
}

func TestSocketDeadlineIgnoresInjectedClock(t *testing.T) {
	// The injected clock only supplies the query-date default; socket
	// deadlines must track the kernel's wall clock, so a clock frozen
	// far in the past must not time connections out.
	usage := &fakeUsage{}
	socketPath := filepath.Join(testutil.SocketDir(t), "traqd.sock")
	server := NewServer(ServerConfig{
		SocketPath: socketPath,
		Version:    "0.3.0",
		Usage:      usage,
		Clock:      clock.Fake(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("stopping server: %v", err)
		}
	})

	client := NewClient(socketPath, 5*time.Second)
	if _, err := client.UsageActivity(t.Context(), wire.UsageQuery{}); err != nil {
		t.Fatalf("usage request: %v", err)
	}
	if got, want := usage.lastQuery(t), "2020-01-01/app/0.80"; got != want {
		t.Errorf("got query %q, want %q", got, want)
	}
}

func TestUsageActivityEmptyDayIsNotAnError(t *testing.T) {
	usage := &fakeUsage{summary: ""}
	_, socketPath := startServer(t, usage)
	client := NewClient(socketPath, 5*time.Second)

	summary, err := client.UsageActivity(t.Context(), wire.UsageQuery{
		TopPercentage: 0.5,
		Date:          "2024-01-01",
		Filter:        "website",
	})
	if err != nil {
		t.Fatalf("got error %v for an empty day, want empty summary", err)
	}
	if summary != "" {
		t.Errorf("got summary %q, want empty", summary)
	}
}

func TestHandlerErrorBecomesServiceError(t *testing.T) {
	usage := &fakeUsage{err: errors.New("database on fire")}
	_, socketPath := startServer(t, usage)
	client := NewClient(socketPath, 5*time.Second)

	_, err := client.UsageActivity(t.Context(), wire.UsageQuery{TopPercentage: 0.8, Date: "2026-03-14", Filter: "app"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("got %v, want a ServiceError", err)
	}
	if serviceErr.Message != "database on fire" {
		t.Errorf("got message %q, want the handler's error text", serviceErr.Message)
	}
}

func TestUnknownTrackFilterRejected(t *testing.T) {
	_, socketPath := startServer(t, &fakeUsage{})
	client := NewClient(socketPath, 5*time.Second)

	_, err := client.UsageActivity(t.Context(), wire.UsageQuery{Filter: "bogus"})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("got %v, want a ServiceError", err)
	}
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	_, socketPath := startServer(t, &fakeUsage{})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	if err := wire.WriteMessage(conn, 0x7F, nil); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	response, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if response.Type != wire.TypeError {
		t.Errorf("got type 0x%02x, want Error", response.Type)
	}
}

func TestVersionMismatchAnsweredWithError(t *testing.T) {
	_, socketPath := startServer(t, &fakeUsage{})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{99, wire.TypeGetVersion, 0, 0}); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
	response, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if response.Type != wire.TypeError {
		t.Errorf("got type 0x%02x, want Error", response.Type)
	}
	if len(response.Body) == 0 {
		t.Error("error frame carries no message")
	}
}

func TestConcurrentClients(t *testing.T) {
	_, socketPath := startServer(t, &fakeUsage{})

	const clients = 16
	results := make(chan string, clients)
	errs := make(chan error, clients)
	for range clients {
		go func() {
			client := NewClient(socketPath, 5*time.Second)
			version, err := client.Version(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- version
		}()
	}

	for range clients {
		select {
		case err := <-errs:
			t.Fatalf("concurrent request failed: %v", err)
		case version := <-results:
			if version != "0.3.0" {
				t.Errorf("got version %q, want 0.3.0", version)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for concurrent responses")
		}
	}
}

func TestStartStopIdempotent(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "traqd.sock")
	server := NewServer(ServerConfig{
		SocketPath: socketPath,
		Version:    "0.3.0",
		Usage:      &fakeUsage{},
	})

	if err := server.Start(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file still present after stop")
	}
}

func TestStartReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "traqd.sock")

	// A dead daemon's socket file is still on disk.
	stale, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("creating stale socket: %v", err)
	}
	stale.Close()

	server := NewServer(ServerConfig{
		SocketPath: socketPath,
		Version:    "0.3.0",
		Usage:      &fakeUsage{},
	})
	if err := server.Start(); err != nil {
		t.Fatalf("starting over stale socket: %v", err)
	}
	defer server.Stop()

	client := NewClient(socketPath, 5*time.Second)
	if _, err := client.Version(t.Context()); err != nil {
		t.Errorf("version request after stale socket replacement: %v", err)
	}
}

func TestClientNotRunning(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "absent.sock")
	client := NewClient(socketPath, time.Second)

	_, err := client.Version(t.Context())
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("got %v, want ErrNotRunning", err)
	}
}

func TestClientOrphanedSocket(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "orphan.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("creating socket: %v", err)
	}
	listener.Close()

	client := NewClient(socketPath, time.Second)
	_, err = client.Version(t.Context())
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("got %v, want ErrNotRunning for orphaned socket", err)
	}
}

func TestClientTimeoutOnSilentPeer(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "silent.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("creating socket: %v", err)
	}
	defer listener.Close()

	// Accept and hold the connection without ever responding.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		conn.Read(buf)
		time.Sleep(5 * time.Second)
	}()

	client := NewClient(socketPath, 200*time.Millisecond)
	_, err = client.Version(t.Context())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}
