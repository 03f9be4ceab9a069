// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package framing implements the two text-envelope framing codecs the
// channel engine (C7) composes over a Transport when the configured
// application protocol is not the raw binary data plane: length-prefixed
// and newline-delimited. Both buffer partial input across Decode calls,
// mirroring the teacher's bufio.Reader field-by-field parsing
// (internal/protocol/reader.go) but adapted to decode from whatever-sized
// chunks a Transport's onData handler delivers, rather than blocking on
// an io.Reader.
package framing

import (
	"bytes"
	"encoding/binary"

	"github.com/nishisan-dev/ipcrun/internal/ipcerr"
)

// Codec turns payloads into frame bytes and back.
type Codec interface {
	// Encode wraps payload in this codec's frame boundary.
	Encode(payload []byte) []byte
	// Decode feeds one chunk of transport bytes and returns every
	// payload completed by it, in order. Partial input is retained
	// internally until a boundary is detected.
	Decode(chunk []byte) ([][]byte, error)
	// Reset discards any buffered partial input.
	Reset()
	// HasBufferedData reports whether a partial frame is currently held.
	HasBufferedData() bool
	// BufferSize reports the number of bytes currently buffered.
	BufferSize() int
}

// DefaultMaxFrameSize bounds a length-prefixed frame's declared payload
// size when the caller does not configure one explicitly (64 MiB).
const DefaultMaxFrameSize = 64 << 20

// LengthPrefixed frames a payload as a 4-byte big-endian length followed
// by that many payload bytes.
type LengthPrefixed struct {
	maxFrameSize uint32
	buf          []byte
}

// NewLengthPrefixed constructs a LengthPrefixed codec. maxFrameSize of 0
// uses DefaultMaxFrameSize.
func NewLengthPrefixed(maxFrameSize uint32) *LengthPrefixed {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &LengthPrefixed{maxFrameSize: maxFrameSize}
}

func (c *LengthPrefixed) Encode(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func (c *LengthPrefixed) Decode(chunk []byte) ([][]byte, error) {
	c.buf = append(c.buf, chunk...)

	var out [][]byte
	for {
		if len(c.buf) < 4 {
			return out, nil
		}
		n := binary.BigEndian.Uint32(c.buf[:4])
		if n > c.maxFrameSize {
			c.buf = nil
			return out, ipcerr.Newf(ipcerr.KindFraming, "framing.decode", "length-prefixed frame size %d exceeds cap %d", n, c.maxFrameSize)
		}
		need := 4 + int(n)
		if len(c.buf) < need {
			return out, nil
		}
		payload := make([]byte, n)
		copy(payload, c.buf[4:need])
		out = append(out, payload)
		c.buf = c.buf[need:]
	}
}

func (c *LengthPrefixed) Reset()                { c.buf = nil }
func (c *LengthPrefixed) HasBufferedData() bool { return len(c.buf) > 0 }
func (c *LengthPrefixed) BufferSize() int        { return len(c.buf) }

// NewlineDelimited frames a payload by appending a single delimiter byte
// (default '\n') after it, unless the payload already ends in that byte.
type NewlineDelimited struct {
	delim byte
	buf   []byte
}

// NewNewlineDelimited constructs a NewlineDelimited codec using delim as
// the boundary byte. A zero value uses '\n'.
func NewNewlineDelimited(delim byte) *NewlineDelimited {
	if delim == 0 {
		delim = '\n'
	}
	return &NewlineDelimited{delim: delim}
}

func (c *NewlineDelimited) Encode(payload []byte) []byte {
	if len(payload) > 0 && payload[len(payload)-1] == c.delim {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out
	}
	out := make([]byte, len(payload)+1)
	copy(out, payload)
	out[len(payload)] = c.delim
	return out
}

func (c *NewlineDelimited) Decode(chunk []byte) ([][]byte, error) {
	c.buf = append(c.buf, chunk...)

	var out [][]byte
	for {
		idx := bytes.IndexByte(c.buf, c.delim)
		if idx < 0 {
			return out, nil
		}
		payload := make([]byte, idx)
		copy(payload, c.buf[:idx])
		out = append(out, payload)
		c.buf = c.buf[idx+1:]
	}
}

func (c *NewlineDelimited) Reset()                { c.buf = nil }
func (c *NewlineDelimited) HasBufferedData() bool { return len(c.buf) > 0 }
func (c *NewlineDelimited) BufferSize() int        { return len(c.buf) }

var (
	_ Codec = (*LengthPrefixed)(nil)
	_ Codec = (*NewlineDelimited)(nil)
)
