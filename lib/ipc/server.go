// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/traq-project/traq/lib/clock"
	"github.com/traq-project/traq/lib/track"
	"github.com/traq-project/traq/lib/usage"
	"github.com/traq-project/traq/lib/wire"
)

// connectionTimeout bounds how long a connection may take to deliver
// its request and accept its response. A stalled peer cannot pin a
// handler goroutine forever.
const connectionTimeout = 10 * time.Second

// UsageReader answers usage queries. The usage.Aggregator implements
// this; tests substitute fakes.
type UsageReader interface {
	Activity(ctx context.Context, date string, filter track.Track, topPercentage float64) (string, error)
}

// ServerConfig holds the parameters for constructing a Server.
type ServerConfig struct {
	// SocketPath is the Unix socket path to listen on. Required.
	SocketPath string

	// Version is the daemon version string served to GetVersion.
	Version string

	// Usage answers GetUsageActivity requests. Required.
	Usage UsageReader

	// Clock supplies "today" for queries with no date. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives operational messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Server listens on a Unix socket and serves the query protocol, one
// request and one response per connection. Concurrent connections
// each get their own goroutine, so a slow storage query on one
// connection never stalls another.
type Server struct {
	socketPath string
	version    string
	usage      UsageReader
	clock      clock.Clock
	logger     *slog.Logger

	mu                sync.Mutex
	listener          net.Listener
	activeConnections sync.WaitGroup
}

// NewServer constructs a Server. Call Start to begin listening.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		socketPath: cfg.SocketPath,
		version:    cfg.Version,
		usage:      cfg.Usage,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// Start creates the socket and begins accepting connections. A stale
// socket file from a previous run is removed first. Idempotent:
// starting a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipc: removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listening on %s: %w", s.socketPath, err)
	}
	s.listener = listener

	go s.acceptLoop(listener)
	s.logger.Info("ipc server listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight connections, and
// unlinks the socket. Idempotent: stopping a stopped server is a
// no-op.
func (s *Server) Stop() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener == nil {
		return nil
	}

	err := listener.Close()
	s.activeConnections.Wait()
	if removeErr := os.Remove(s.socketPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) && err == nil {
		err = removeErr
	}
	if err != nil {
		return fmt.Errorf("ipc: stopping server: %w", err)
	}
	s.logger.Info("ipc server stopped", "socket", s.socketPath)
	return nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Listener closed during Stop.
			return
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer conn.Close()
			s.serveConnection(conn)
		}()
	}
}

// serveConnection handles exactly one request frame and writes
// exactly one response frame. Protocol-level problems (version skew,
// unknown types, handler errors) are answered with an Error frame;
// only a malformed or truncated frame aborts the connection without a
// response, since the stream can no longer be trusted.
func (s *Server) serveConnection(conn net.Conn) {
	// Socket deadlines are kernel wall-clock time; the injected clock
	// only serves the query-date default.
	conn.SetDeadline(time.Now().Add(connectionTimeout))

	request, err := wire.ReadMessage(conn)
	if err != nil {
		if errors.Is(err, wire.ErrVersionMismatch) {
			s.writeError(conn, err)
			return
		}
		if err != io.EOF {
			s.logger.Warn("dropping malformed connection", "error", err)
		}
		return
	}

	body, err := s.handle(request)
	if err != nil {
		s.writeError(conn, err)
		return
	}
	if err := wire.WriteMessage(conn, wire.TypeResponse, body); err != nil {
		s.logger.Warn("writing response failed", "error", err)
	}
}

// handle dispatches one request to its handler and returns the
// response body.
func (s *Server) handle(request wire.Message) ([]byte, error) {
	switch request.Type {
	case wire.TypeGetVersion:
		return []byte(s.version), nil

	case wire.TypeGetUsageActivity:
		query, err := wire.DecodeUsageQuery(request.Body)
		if err != nil {
			return nil, err
		}
		return s.handleUsageActivity(query)

	default:
		return nil, fmt.Errorf("unknown message type 0x%02x", request.Type)
	}
}

// handleUsageActivity applies query defaults and runs the
// aggregation. An empty summary is a valid response body (the client
// renders the no-data sentinel), never an error.
func (s *Server) handleUsageActivity(query wire.UsageQuery) ([]byte, error) {
	if query.TopPercentage <= 0 || math.IsNaN(query.TopPercentage) {
		query.TopPercentage = usage.DefaultTopPercentage
	}
	if query.Date == "" {
		query.Date = s.clock.Now().Format(usage.DateFormat)
	}
	if query.Filter == "" {
		query.Filter = "app"
	}
	filter, err := track.ParseTrack(query.Filter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	summary, err := s.usage.Activity(ctx, query.Date, filter, query.TopPercentage)
	if err != nil {
		return nil, err
	}
	return []byte(summary), nil
}

// writeError answers a failed request with an Error frame carrying
// the message text.
func (s *Server) writeError(conn net.Conn, handlerErr error) {
	if err := wire.WriteMessage(conn, wire.TypeError, []byte(handlerErr.Error())); err != nil {
		s.logger.Warn("writing error response failed", "error", err)
	}
	s.logger.Debug("request failed", "error", handlerErr)
}
