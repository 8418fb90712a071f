// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
	"time"

	"github.com/traq-project/traq/lib/wire"
)

// DefaultRequestTimeout bounds a full request round trip, including
// the read wait on a silent peer.
const DefaultRequestTimeout = 10 * time.Second

// ErrNotRunning reports that nothing is listening on the daemon
// socket. Surfaced with an actionable message instead of a raw
// connect error.
var ErrNotRunning = errors.New("cannot reach the daemon socket (is traqd running?)")

// ErrTimeout reports that the daemon accepted the connection but did
// not answer within the request timeout.
var ErrTimeout = errors.New("timed out waiting for the daemon to respond")

// ServiceError is a failure reported by the daemon itself, carried in
// an Error frame. The message is the frame body.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return "daemon error: " + e.Message
}

// Client issues requests against the daemon socket. Each request
// opens its own connection, writes one frame, and reads one frame;
// there is no connection reuse. Safe for concurrent use.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a client for the given socket path. A
// non-positive timeout falls back to DefaultRequestTimeout.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Version returns the daemon's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.request(ctx, wire.TypeGetVersion, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// UsageActivity returns the formatted activity summary for a query.
// Zero-valued query fields take the daemon's defaults (top 80%,
// today, the app track). An empty string means no data for the day.
func (c *Client) UsageActivity(ctx context.Context, query wire.UsageQuery) (string, error) {
	requestBody, err := wire.EncodeUsageQuery(query)
	if err != nil {
		return "", err
	}
	body, err := c.request(ctx, wire.TypeGetUsageActivity, requestBody)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// request performs one full round trip: dial, write the request
// frame, read the response frame, map Error frames to ServiceError.
func (c *Client) request(ctx context.Context, messageType uint8, body []byte) ([]byte, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if isNotRunning(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, c.socketPath)
		}
		return nil, fmt.Errorf("ipc: connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	if err := wire.WriteMessage(conn, messageType, body); err != nil {
		return nil, err
	}

	response, err := wire.ReadMessage(conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("ipc: reading response: %w", err)
	}

	switch response.Type {
	case wire.TypeResponse:
		return response.Body, nil
	case wire.TypeError:
		return nil, &ServiceError{Message: string(response.Body)}
	default:
		return nil, fmt.Errorf("ipc: unexpected response type 0x%02x", response.Type)
	}
}

// isNotRunning distinguishes "no daemon" connect failures (socket
// file missing, or present but orphaned) from other transport
// failures.
func isNotRunning(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
