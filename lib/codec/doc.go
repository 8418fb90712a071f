// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes CBOR encoding configuration for Traq.
//
// All CBOR in Traq (the tracker state snapshot, primarily) goes
// through this package so encoding options are set exactly once.
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): the same
// logical data always produces identical bytes, which keeps snapshot
// files stable across rewrites.
//
// Consumers import only this package, never fxamacker/cbor directly.
package codec
