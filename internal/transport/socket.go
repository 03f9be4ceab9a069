// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nishisan-dev/ipcrun/internal/ipcerr"
	"github.com/nishisan-dev/ipcrun/internal/ipcutil"
)

// connTransport adapts a connected net.Conn to Transport. It backs both
// SocketClient and every connection a SocketServer accepts. Grounded on
// the teacher's ControlChannel: connMu-guarded conn field, writeMu
// serializing concurrent writes, and a background reader that a Close
// unblocks by closing the underlying fd.
type connTransport struct {
	state   *ipcutil.StateBox[State]
	dataEm  *ipcutil.Emitter[[]byte]
	eventEm *ipcutil.Emitter[Event]

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	readDone  chan struct{}
}

func newConnTransport() *connTransport {
	return &connTransport{
		state:    ipcutil.NewStateBox(StateDisconnected),
		dataEm:   ipcutil.NewEmitter[[]byte](),
		eventEm:  ipcutil.NewEmitter[Event](),
		readDone: make(chan struct{}),
	}
}

// adopt wires an already-connected net.Conn (as produced by a server
// accept loop) and starts its reader goroutine.
func (t *connTransport) adopt(conn net.Conn) {
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	t.state.Store(StateConnected)
	go t.readLoop(conn)
}

func (t *connTransport) readLoop(conn net.Conn) {
	defer close(t.readDone)
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.dataEm.Emit(chunk)
		}
		if err != nil {
			wasConnected := t.state.Load() == StateConnected
			if err != io.EOF && wasConnected {
				t.state.Store(StateError)
				t.eventEm.Emit(Event{Kind: EventError, Err: err})
			}
			t.closeOnce.Do(func() {
				t.state.Store(StateClosed)
				t.eventEm.Emit(Event{Kind: EventClose, Err: err})
			})
			return
		}
	}
}

func (t *connTransport) State() State { return t.state.Load() }

func (t *connTransport) OnData(fn func([]byte)) ipcutil.Unsubscribe {
	return t.dataEm.On(fn)
}

func (t *connTransport) On(kind EventKind, fn func(Event)) ipcutil.Unsubscribe {
	return t.eventEm.On(func(e Event) {
		if e.Kind == kind {
			fn(e)
		}
	})
}

func (t *connTransport) Write(p []byte) error {
	if t.State() != StateConnected {
		return ipcerr.Newf(ipcerr.KindState, "transport.write", "socket transport not connected (state=%s)", t.State())
	}
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ipcerr.Newf(ipcerr.KindState, "transport.write", "socket transport not connected")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := conn.Write(p); err != nil {
		return ipcerr.New(ipcerr.KindTransport, "transport.write", err)
	}
	return nil
}

func (t *connTransport) Disconnect() error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		t.state.Store(StateClosed)
		return nil
	}
	err := conn.Close()
	<-t.readDone
	t.state.Store(StateClosed)
	return err
}

// SocketClient connects to a pre-existing local-socket endpoint (see
// pipeaddr.Derive for how the path is produced).
type SocketClient struct {
	*connTransport
	path string
}

// NewSocketClient constructs a client for the given endpoint path.
func NewSocketClient(path string) *SocketClient {
	return &SocketClient{connTransport: newConnTransport(), path: path}
}

func (c *SocketClient) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(StateDisconnected, StateConnecting) {
		return ipcerr.Newf(ipcerr.KindState, "transport.connect", "socket client already %s", c.state.Load())
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.path)
	if err != nil {
		c.state.Store(StateError)
		c.eventEm.Emit(Event{Kind: EventError, Err: err})
		c.state.Store(StateClosed)
		return ipcerr.New(ipcerr.KindTransport, "transport.connect", err)
	}
	c.readDone = make(chan struct{})
	c.adopt(conn)
	return nil
}

func (c *SocketClient) String() string { return fmt.Sprintf("socket-client(%s)", c.path) }

var _ Transport = (*SocketClient)(nil)

// SocketServer binds a local-socket endpoint and accepts connections in a
// background loop, handing each one to onConnection as a ready-to-use
// Transport. Unlike StdioTransport/SocketClient, SocketServer itself is
// not a Transport: it is a listener that produces one Transport per
// accepted peer, matching "accept multiple connections, each surfaced as
// a new client-like transport" (spec.md §4.3).
type SocketServer struct {
	path string

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	onConnection func(Transport)
}

// NewSocketServer constructs a server bound to path once Listen is
// called. onConnection is invoked once per accepted connection, from the
// accept-loop goroutine; it must not block.
func NewSocketServer(path string, onConnection func(Transport)) *SocketServer {
	return &SocketServer{path: path, onConnection: onConnection}
}

// Listen binds the endpoint and starts the accept loop. It does not remove
// a stale socket file left at path by an earlier run; binding fails if one
// exists (pipeaddr.CleanupStale removes it).
func (s *SocketServer) Listen() error {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "unix", s.path)
	if err != nil {
		return ipcerr.New(ipcerr.KindTransport, "transport.listen", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	return nil
}

func (s *SocketServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		ct := newConnTransport()
		ct.readDone = make(chan struct{})
		ct.adopt(conn)
		if s.onConnection != nil {
			s.onConnection(ct)
		}
	}
}

// Close stops accepting new connections and releases the listening
// socket. Already-accepted connections are unaffected.
func (s *SocketServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
