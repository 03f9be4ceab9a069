// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package wire implements the fixed 11-byte binary frame header used by the
// data-channel wire protocol.
//
// Layout (big-endian, offsets in bytes):
//
//	0  2  methodId       0 reserved, 0xFFFF = abort directed at requestId
//	2  1  flags          bits 0-5 defined, bits 6-7 reserved (must be zero)
//	3  4  requestId       0 = fire-and-forget
//	7  4  payloadLength   bounded by Validate's maxPayload and AbsoluteMaxPayload
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed encoded size of a Header in bytes.
const HeaderSize = 11

// MethodAbort is the reserved methodId that directs an abort at RequestID.
const MethodAbort uint16 = 0xFFFF

// AbsoluteMaxPayload is the implementation cap on PayloadLength regardless
// of configuration: 2^31 - 1 bytes.
const AbsoluteMaxPayload uint32 = 1<<31 - 1

// DefaultMaxPayload is the default configurable payload ceiling (1 GiB).
const DefaultMaxPayload uint32 = 1 << 30

// Flag bits, least significant first.
const (
	FlagDirectionToParent byte = 1 << 0
	FlagIsResponse        byte = 1 << 1
	FlagIsError           byte = 1 << 2
	FlagIsStream          byte = 1 << 3
	FlagStreamEnd         byte = 1 << 4
	FlagIsAck             byte = 1 << 5

	reservedFlagMask byte = 0b1100_0000
)

// Header is the fixed frame header preceding every data-channel payload.
type Header struct {
	MethodID      uint16
	Flags         byte
	RequestID     uint32
	PayloadLength uint32
}

// IsAbort reports whether this header carries an abort directed at RequestID.
func (h Header) IsAbort() bool { return h.MethodID == MethodAbort }

// EncodeHeader writes the 11-byte big-endian encoding of h into a new slice.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	EncodeHeaderInto(buf, h)
	return buf
}

// EncodeHeaderInto writes the encoding of h into buf, which must be at
// least HeaderSize bytes long.
func EncodeHeaderInto(buf []byte, h Header) {
	_ = buf[HeaderSize-1] // bounds check hint
	binary.BigEndian.PutUint16(buf[0:2], h.MethodID)
	buf[2] = h.Flags
	binary.BigEndian.PutUint32(buf[3:7], h.RequestID)
	binary.BigEndian.PutUint32(buf[7:11], h.PayloadLength)
}

// DecodeHeader parses an 11-byte big-endian header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: need %d bytes, got %d", HeaderSize, len(buf))
	}
	return Header{
		MethodID:      binary.BigEndian.Uint16(buf[0:2]),
		Flags:         buf[2],
		RequestID:     binary.BigEndian.Uint32(buf[3:7]),
		PayloadLength: binary.BigEndian.Uint32(buf[7:11]),
	}, nil
}

// Validate checks a decoded header against the reserved-bit, reserved-method,
// and payload-size rules. maxPayload of 0 means "use DefaultMaxPayload".
func Validate(h Header, maxPayload uint32) error {
	if h.MethodID == 0 {
		return fmt.Errorf("wire: methodId 0 is reserved")
	}
	if h.Flags&reservedFlagMask != 0 {
		return fmt.Errorf("wire: reserved flag bits set: %#02x", h.Flags&reservedFlagMask)
	}
	effective := maxPayload
	if effective == 0 {
		effective = DefaultMaxPayload
	}
	if h.PayloadLength > AbsoluteMaxPayload {
		return fmt.Errorf("wire: payload length %d exceeds absolute cap %d", h.PayloadLength, AbsoluteMaxPayload)
	}
	if h.PayloadLength > effective {
		return fmt.Errorf("wire: payload length %d exceeds configured limit %d", h.PayloadLength, effective)
	}
	return nil
}
