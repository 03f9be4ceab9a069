// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command ipcrun-worker-demo is a minimal worker used by the integration
// tests and as a reference for embedders: it speaks the control-channel
// handshake, answers "echo" and "delay" requests, and, if the handshake
// offers a data channel, connects to it and answers the same requests
// there too. It exits on __shutdown__ after acknowledging and emitting
// __shutdown_complete__.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/ipcrun/internal/channel"
	"github.com/nishisan-dev/ipcrun/internal/framing"
	"github.com/nishisan-dev/ipcrun/internal/ipcutil"
	"github.com/nishisan-dev/ipcrun/internal/rpcproto"
	"github.com/nishisan-dev/ipcrun/internal/serialize"
	"github.com/nishisan-dev/ipcrun/internal/shutdown"
	"github.com/nishisan-dev/ipcrun/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	stdio := newStdioSelfTransport(os.Stdin, os.Stdout)
	control := channel.New(channel.Options{
		Transport:     stdio,
		Framing:       framing.NewLengthPrefixed(framing.DefaultMaxFrameSize),
		Serialization: serialize.JSONCodec{},
		Protocol:      rpcproto.JSONRPC2{},
		Logger:        logger,
	})

	exit := make(chan int, 1)
	var dataMu sync.Mutex
	var dataChannel *channel.Channel

	control.OnRequest(func(ctx context.Context, method string, params any) (any, error) {
		switch method {
		case "__handshake__":
			result := map[string]any{"version": 1, "capabilities": []string{"zstd"}}
			if m, ok := params.(map[string]any); ok {
				if dc, ok := m["data_channel"].(map[string]any); ok {
					if path, _ := dc["path"].(string); path != "" {
						serialization, _ := dc["serialization"].(string)
						go connectDataChannel(path, serialization, logger, &dataMu, &dataChannel, control)
					}
				}
			}
			return result, nil
		case shutdown.MethodShutdown:
			go func() {
				time.Sleep(20 * time.Millisecond) // simulate draining pending work
				control.Notify(shutdown.MethodShutdownComplete, map[string]any{"exit_code": 0})
				time.Sleep(20 * time.Millisecond)
				exit <- 0
			}()
			return map[string]any{"status": "shutting_down", "pending_requests": 0}, nil
		default:
			return handle(ctx, method, params)
		}
	})

	if err := control.Start(context.Background()); err != nil {
		logger.Error("control channel start failed", "error", err)
		os.Exit(1)
	}

	code := <-exit
	os.Exit(code)
}

// handle answers the echo/delay/add demo scenarios; reserved methods are
// handled inline in the OnRequest dispatch above.
func handle(ctx context.Context, method string, params any) (any, error) {
	switch method {
	case "echo":
		return params, nil
	case "add":
		m, _ := params.(map[string]any)
		a, _ := m["a"].(float64)
		b, _ := m["b"].(float64)
		return map[string]any{"sum": a + b}, nil
	case "delay":
		ms := 0.0
		if m, ok := params.(map[string]any); ok {
			if v, ok := m["ms"].(float64); ok {
				ms = v
			}
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return params, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "exit":
		code := 0
		if m, ok := params.(map[string]any); ok {
			if v, ok := m["code"].(float64); ok {
				code = int(v)
			}
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			os.Exit(code)
		}()
		return map[string]any{"exiting": true}, nil
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// negotiatedCodec picks the Codec the manager declared for the data
// channel in its handshake request's data_channel.serialization field.
// Falls back to plain JSON on an empty or unrecognized value, or if zstd
// setup itself fails, rather than refusing to connect the data channel.
func negotiatedCodec(serialization string, logger *slog.Logger) serialize.Codec {
	if serialization != "json+zstd" {
		return serialize.JSONCodec{}
	}
	codec, err := serialize.NewCompressedCodec(serialize.JSONCodec{})
	if err != nil {
		logger.Error("data channel zstd codec setup failed, falling back to json", "error", err)
		return serialize.JSONCodec{}
	}
	return codec
}

func connectDataChannel(path, serialization string, logger *slog.Logger, mu *sync.Mutex, slot **channel.Channel, control *channel.Channel) {
	client := transport.NewSocketClient(path)
	dataCh := channel.New(channel.Options{
		Transport:     client,
		Framing:       framing.NewLengthPrefixed(framing.DefaultMaxFrameSize),
		Serialization: negotiatedCodec(serialization, logger),
		Protocol:      rpcproto.JSONRPC2{},
		Logger:        logger,
	})
	dataCh.OnRequest(func(ctx context.Context, method string, params any) (any, error) {
		return handle(ctx, method, params)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dataCh.Start(ctx); err != nil {
		control.Notify("__data_channel_error__", map[string]any{"error": err.Error()})
		return
	}
	mu.Lock()
	*slot = dataCh
	mu.Unlock()
	control.Notify("__data_channel_ready__", map[string]any{"path": path})
}

// stdioSelfTransport adapts this process's own stdin/stdout to the
// transport.Transport interface the channel engine is written against —
// the mirror image of transport.StdioTransport, which drives a *child's*
// stdio pipes from the parent side.
type stdioSelfTransport struct {
	r io.Reader
	w io.Writer

	state   *ipcutil.StateBox[transport.State]
	dataEm  *ipcutil.Emitter[[]byte]
	eventEm *ipcutil.Emitter[transport.Event]

	mu sync.Mutex
}

func newStdioSelfTransport(r io.Reader, w io.Writer) *stdioSelfTransport {
	return &stdioSelfTransport{
		r:       r,
		w:       w,
		state:   ipcutil.NewStateBox(transport.StateDisconnected),
		dataEm:  ipcutil.NewEmitter[[]byte](),
		eventEm: ipcutil.NewEmitter[transport.Event](),
	}
}

func (t *stdioSelfTransport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSwap(transport.StateDisconnected, transport.StateConnected) {
		return fmt.Errorf("stdio self transport already connected")
	}
	go t.readLoop()
	return nil
}

func (t *stdioSelfTransport) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := t.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.dataEm.Emit(chunk)
		}
		if err != nil {
			t.state.Store(transport.StateClosed)
			t.eventEm.Emit(transport.Event{Kind: transport.EventClose, Err: err})
			return
		}
	}
}

func (t *stdioSelfTransport) Disconnect() error {
	t.state.Store(transport.StateClosed)
	return nil
}

func (t *stdioSelfTransport) Write(p []byte) error {
	if t.state.Load() != transport.StateConnected {
		return fmt.Errorf("stdio self transport not connected")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.w.Write(p)
	return err
}

func (t *stdioSelfTransport) OnData(fn func([]byte)) ipcutil.Unsubscribe {
	return t.dataEm.On(fn)
}

func (t *stdioSelfTransport) On(kind transport.EventKind, fn func(transport.Event)) ipcutil.Unsubscribe {
	return t.eventEm.On(func(e transport.Event) {
		if e.Kind == kind {
			fn(e)
		}
	})
}

func (t *stdioSelfTransport) State() transport.State { return t.state.Load() }

var _ transport.Transport = (*stdioSelfTransport)(nil)
