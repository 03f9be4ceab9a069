// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/nishisan-dev/ipcrun/internal/ipcerr"
	"github.com/nishisan-dev/ipcrun/internal/ipcutil"
)

// StdioOptions configures a child process's command line and environment.
type StdioOptions struct {
	Command string
	Args    []string
	Env     []string // nil inherits the parent's environment
	Dir     string
}

// StdioTransport spawns a subprocess with three OS pipes: its stdout is
// the byte stream, its stdin receives writes, and its stderr is surfaced
// only as EventStderr text, never as data. Grounded on the teacher's
// ControlChannel: a mutex-guarded connection handle, a background reader
// that unblocks on Close, and a linear state machine stored in a
// StateBox in place of the teacher's atomic.Value.
type StdioTransport struct {
	opts StdioOptions

	state   *ipcutil.StateBox[State]
	dataEm  *ipcutil.Emitter[[]byte]
	eventEm *ipcutil.Emitter[Event]

	mu     sync.Mutex // guards cmd/stdin against concurrent Write/Disconnect
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	wg     sync.WaitGroup
	closed sync.Once
}

// NewStdioTransport constructs a transport for the given command. Connect
// must be called before Write or data delivery begins.
func NewStdioTransport(opts StdioOptions) *StdioTransport {
	return &StdioTransport{
		opts:    opts,
		state:   ipcutil.NewStateBox(StateDisconnected),
		dataEm:  ipcutil.NewEmitter[[]byte](),
		eventEm: ipcutil.NewEmitter[Event](),
	}
}

func (t *StdioTransport) State() State { return t.state.Load() }

func (t *StdioTransport) OnData(fn func([]byte)) ipcutil.Unsubscribe {
	return t.dataEm.On(fn)
}

func (t *StdioTransport) On(kind EventKind, fn func(Event)) ipcutil.Unsubscribe {
	return t.eventEm.On(func(e Event) {
		if e.Kind == kind {
			fn(e)
		}
	})
}

// Connect spawns the subprocess and starts the stdout/stderr reader
// goroutines. It is an error to call Connect while already connected or
// connecting.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(StateDisconnected, StateConnecting) {
		return ipcerr.Newf(ipcerr.KindState, "transport.connect", "stdio transport already %s", t.state.Load())
	}

	cmd := exec.CommandContext(ctx, t.opts.Command, t.opts.Args...)
	if t.opts.Env != nil {
		cmd.Env = t.opts.Env
	}
	cmd.Dir = t.opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.fail(err)
		return ipcerr.New(ipcerr.KindTransport, "transport.connect", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.fail(err)
		return ipcerr.New(ipcerr.KindTransport, "transport.connect", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.fail(err)
		return ipcerr.New(ipcerr.KindTransport, "transport.connect", err)
	}

	if err := cmd.Start(); err != nil {
		t.fail(err)
		return ipcerr.New(ipcerr.KindTransport, "transport.connect", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.mu.Unlock()

	t.state.Store(StateConnected)

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.stderrLoop(stderr)

	go t.waitLoop()

	return nil
}

func (t *StdioTransport) fail(err error) {
	t.state.Store(StateError)
	t.eventEm.Emit(Event{Kind: EventError, Err: err})
	t.state.Store(StateClosed)
	t.eventEm.Emit(Event{Kind: EventClose, Err: err})
}

func (t *StdioTransport) readLoop(r io.Reader) {
	defer t.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.dataEm.Emit(chunk)
		}
		if err != nil {
			if err != io.EOF && t.State() == StateConnected {
				t.state.Store(StateError)
				t.eventEm.Emit(Event{Kind: EventError, Err: err})
			}
			return
		}
	}
}

func (t *StdioTransport) stderrLoop(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		t.eventEm.Emit(Event{Kind: EventStderr, Text: scanner.Text()})
	}
}

// waitLoop reaps the child and emits the terminal EventClose once both
// pipe readers have also finished.
func (t *StdioTransport) waitLoop() {
	t.mu.Lock()
	cmd := t.cmd
	t.mu.Unlock()
	if cmd == nil {
		return
	}
	waitErr := cmd.Wait()
	t.wg.Wait()

	t.closed.Do(func() {
		t.state.Store(StateClosed)
		t.eventEm.Emit(Event{Kind: EventClose, Err: waitErr})
	})
}

// Write sends p to the child's stdin.
func (t *StdioTransport) Write(p []byte) error {
	if t.State() != StateConnected {
		return ipcerr.Newf(ipcerr.KindState, "transport.write", "stdio transport not connected (state=%s)", t.State())
	}
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return ipcerr.Newf(ipcerr.KindState, "transport.write", "stdio transport not connected")
	}
	if _, err := stdin.Write(p); err != nil {
		return ipcerr.New(ipcerr.KindTransport, "transport.write", err)
	}
	return nil
}

// Disconnect closes stdin (best-effort flush signal to the child) and
// terminates the process if it has not already exited. Idempotent.
func (t *StdioTransport) Disconnect() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	t.state.Store(StateClosed)
	return nil
}

var _ Transport = (*StdioTransport)(nil)

func (t *StdioTransport) String() string {
	return fmt.Sprintf("stdio(%s)", t.opts.Command)
}

// Pid returns the child process id and true once Connect has started it,
// or (0, false) before that or after it has exited.
func (t *StdioTransport) Pid() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0, false
	}
	if t.state.Load() == StateClosed {
		return 0, false
	}
	return t.cmd.Process.Pid, true
}
