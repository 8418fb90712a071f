// Copyright 2026 The Traq Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the length-framed binary protocol spoken over
// the daemon's Unix socket.
//
// Every message is a 4-byte header followed by an opaque body:
//
//	offset 0: protocol version (uint8)
//	offset 1: message type (uint8)
//	offset 2: body length (uint16, big-endian)
//	offset 4: body (bodyLength bytes)
//
// The header is fixed-size so a reader always knows how many bytes to
// wait for before the body length is available. Bodies are capped at
// 65535 bytes by the uint16 length field; the query surface never
// approaches that.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrVersionMismatch reports a frame whose version byte differs from
// ProtocolVersion. Peers answer it with a readable error rather than
// misparsing the stream.
var ErrVersionMismatch = errors.New("wire: unsupported protocol version")

// ProtocolVersion is the version this package encodes, and the only
// version it accepts. A peer speaking a different version receives an
// error response rather than a silent misparse.
const ProtocolVersion = 1

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 4

// MaxBodySize is the largest body a frame can carry.
const MaxBodySize = math.MaxUint16

// Message types. Requests use the low range, responses the high bit.
const (
	TypeGetVersion       uint8 = 0x01
	TypeGetUsageActivity uint8 = 0x02
	TypeResponse         uint8 = 0x80
	TypeError            uint8 = 0x81
)

// Message is one decoded frame: a type and its body. The protocol
// version is validated during decode and not carried here.
type Message struct {
	Type uint8
	Body []byte
}

// AppendFrame appends the encoded frame for a message to dst and
// returns the extended slice. Returns an error if the body exceeds
// the uint16 length field.
func AppendFrame(dst []byte, messageType uint8, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("wire: body length %d exceeds maximum %d", len(body), MaxBodySize)
	}
	dst = append(dst, ProtocolVersion, messageType)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(body)))
	return append(dst, body...), nil
}

// WriteMessage encodes and writes one frame. The frame is assembled
// in a single buffer so the header and body reach the socket in one
// write.
func WriteMessage(w io.Writer, messageType uint8, body []byte) error {
	frame, err := AppendFrame(make([]byte, 0, HeaderSize+len(body)), messageType, body)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: writing %d-byte frame: %w", len(frame), err)
	}
	return nil
}

// ReadMessage reads exactly one frame from r, blocking until the full
// header and body have arrived. Returns an error for version
// mismatches and truncated frames.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("wire: reading header: %w", err)
	}
	message, bodyLength, err := parseHeader(header)
	if err != nil {
		return Message{}, err
	}
	if bodyLength > 0 {
		message.Body = make([]byte, bodyLength)
		if _, err := io.ReadFull(r, message.Body); err != nil {
			return Message{}, fmt.Errorf("wire: reading %d-byte body: %w", bodyLength, err)
		}
	}
	return message, nil
}

func parseHeader(header [HeaderSize]byte) (Message, int, error) {
	if header[0] != ProtocolVersion {
		return Message{}, 0, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, header[0], ProtocolVersion)
	}
	return Message{Type: header[1]}, int(binary.BigEndian.Uint16(header[2:4])), nil
}

// Decoder accumulates bytes fed in arbitrary chunks and yields
// complete frames as they become available. It tolerates partial
// reads: a header split across two feeds, a body arriving byte by
// byte, or several frames in one feed all decode identically.
//
// The zero value is ready to use. Not safe for concurrent use.
type Decoder struct {
	buffer []byte
}

// Feed appends raw bytes from the transport to the decoder's buffer.
func (d *Decoder) Feed(data []byte) {
	d.buffer = append(d.buffer, data...)
}

// Next returns the next complete frame, or ok=false when the buffer
// does not yet hold one. A version-mismatch error is returned as soon
// as the header is readable; the decoder is unusable afterwards since
// the stream framing can no longer be trusted.
func (d *Decoder) Next() (Message, bool, error) {
	if len(d.buffer) < HeaderSize {
		return Message{}, false, nil
	}
	message, bodyLength, err := parseHeader([HeaderSize]byte(d.buffer[:HeaderSize]))
	if err != nil {
		return Message{}, false, err
	}
	frameLength := HeaderSize + bodyLength
	if len(d.buffer) < frameLength {
		return Message{}, false, nil
	}
	if bodyLength > 0 {
		message.Body = make([]byte, bodyLength)
		copy(message.Body, d.buffer[HeaderSize:frameLength])
	}
	d.buffer = d.buffer[frameLength:]
	return message, true, nil
}

// UsageQuery is the body of a GetUsageActivity request.
type UsageQuery struct {
	// TopPercentage is the cumulative share of total time the summary
	// must cover, in (0, 1].
	TopPercentage float64

	// Date selects the day to summarize, formatted YYYY-MM-DD.
	Date string

	// Filter selects the track to summarize ("app", "website" or
	// "idle").
	Filter string
}

// EncodeUsageQuery encodes a usage query body:
//
//	offset 0: topPercentage (float64, big-endian IEEE 754)
//	offset 8: date length (uint8), then date bytes
//	then:     filter length (uint8), then filter bytes
func EncodeUsageQuery(query UsageQuery) ([]byte, error) {
	if len(query.Date) > math.MaxUint8 {
		return nil, fmt.Errorf("wire: date length %d exceeds maximum %d", len(query.Date), math.MaxUint8)
	}
	if len(query.Filter) > math.MaxUint8 {
		return nil, fmt.Errorf("wire: filter length %d exceeds maximum %d", len(query.Filter), math.MaxUint8)
	}
	body := make([]byte, 0, 8+1+len(query.Date)+1+len(query.Filter))
	body = binary.BigEndian.AppendUint64(body, math.Float64bits(query.TopPercentage))
	body = append(body, uint8(len(query.Date)))
	body = append(body, query.Date...)
	body = append(body, uint8(len(query.Filter)))
	body = append(body, query.Filter...)
	return body, nil
}

// DecodeUsageQuery decodes a usage query body. Truncated bodies and
// trailing garbage are both rejected.
func DecodeUsageQuery(body []byte) (UsageQuery, error) {
	if len(body) < 9 {
		return UsageQuery{}, fmt.Errorf("wire: usage query body too short: %d bytes", len(body))
	}
	query := UsageQuery{
		TopPercentage: math.Float64frombits(binary.BigEndian.Uint64(body[:8])),
	}
	rest := body[8:]

	dateLength := int(rest[0])
	rest = rest[1:]
	if len(rest) < dateLength+1 {
		return UsageQuery{}, fmt.Errorf("wire: usage query truncated in date field")
	}
	query.Date = string(rest[:dateLength])
	rest = rest[dateLength:]

	filterLength := int(rest[0])
	rest = rest[1:]
	if len(rest) != filterLength {
		return UsageQuery{}, fmt.Errorf("wire: usage query filter field: have %d bytes, want %d", len(rest), filterLength)
	}
	query.Filter = string(rest)
	return query, nil
}
