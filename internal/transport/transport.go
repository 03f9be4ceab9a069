// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport implements the three byte-stream transports the
// channel engine runs over: a child process's stdio pipes, a local-socket
// client, and a local-socket server accept loop. All three (plus each
// connection a server accepts) implement the Transport interface so the
// channel engine stays polymorphic over them.
package transport

import (
	"context"

	"github.com/nishisan-dev/ipcrun/internal/ipcutil"
)

// State is a Transport's lifecycle state. Transitions are linear:
// Disconnected -> Connecting -> Connected -> Closed; any failure path
// leads to Error and then Closed.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind distinguishes the non-data events a Transport can raise.
type EventKind int

const (
	// EventError carries a transport-level failure (connect, write, or
	// an unexpected read failure); the transport moves to StateError and
	// then StateClosed once this fires.
	EventError EventKind = iota
	// EventClose fires once the transport has released its OS resources,
	// whether via a clean Disconnect or after EventError.
	EventClose
	// EventStderr carries diagnostic text from a child-stdio transport's
	// error stream. It is never delivered to OnData; per spec the error
	// stream must not be surfaced as data.
	EventStderr
)

// Event is the payload delivered to an On(kind, ...) listener.
type Event struct {
	Kind EventKind
	Err  error
	Text string // populated for EventStderr
}

// Transport is the polymorphic byte-stream abstraction the channel engine
// is written against. Implementations: StdioTransport, SocketClient, and
// the per-connection transport a SocketServer hands to its connection
// callback.
type Transport interface {
	// Connect establishes the underlying stream. Calling it more than
	// once while already connected or connecting is a StateError.
	Connect(ctx context.Context) error
	// Disconnect flushes buffered writes best-effort and releases the
	// underlying OS resource. Idempotent.
	Disconnect() error
	// Write sends p on the stream. Fails with a StateError unless the
	// transport is currently StateConnected.
	Write(p []byte) error
	// OnData registers a handler for inbound byte chunks, in arrival
	// order. Returns an unsubscribe function.
	OnData(fn func([]byte)) ipcutil.Unsubscribe
	// On registers a handler for a non-data event.
	On(kind EventKind, fn func(Event)) ipcutil.Unsubscribe
	// State reports the current lifecycle state.
	State() State
}
