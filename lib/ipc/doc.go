// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc provides the daemon's Unix socket server and the
// matching client.
//
// The protocol is the length-framed binary format defined in
// lib/wire, strictly one request and one response per connection.
// The server answers two message types: a version probe and the usage
// activity query. Everything that can go wrong inside a handler comes
// back to the peer as an Error frame; only an untrustworthy stream
// (truncated or malformed framing) aborts a connection without a
// response.
package ipc
