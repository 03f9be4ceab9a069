// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ipcerr defines the error kinds surfaced across the channel
// stack: transport, framing, serialization, protocol, timeout, state, and
// shutdown errors. Every kind wraps an underlying cause and supports
// errors.Is/errors.As through Unwrap.
package ipcerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error raised anywhere in the channel stack.
type Kind int

const (
	// KindTransport indicates the byte stream failed to connect, write, or read.
	KindTransport Kind = iota
	// KindFraming indicates a length prefix exceeded the configured cap or a
	// decoded frame header was malformed.
	KindFraming
	// KindSerialization indicates bytes did not round-trip under the
	// configured codec.
	KindSerialization
	// KindProtocol indicates the envelope parsed but was semantically
	// invalid, or the peer returned an error response.
	KindProtocol
	// KindTimeout indicates a request, or a request queued while
	// reconnecting, passed its deadline.
	KindTimeout
	// KindState indicates an operation was attempted in a state that
	// forbids it.
	KindState
	// KindShutdown indicates a shutdown flow could not complete within its
	// budget and the process was terminated forcefully.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindFraming:
		return "framing"
	case KindSerialization:
		return "serialization"
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindState:
		return "state"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries in
// this module. Op names the failing operation (e.g. "channel.request",
// "transport.write") for log correlation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf constructs an *Error of the given kind from a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
