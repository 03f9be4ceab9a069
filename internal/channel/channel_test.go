// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/ipcrun/internal/framing"
	"github.com/nishisan-dev/ipcrun/internal/ipcerr"
	"github.com/nishisan-dev/ipcrun/internal/pipeaddr"
	"github.com/nishisan-dev/ipcrun/internal/rpcproto"
	"github.com/nishisan-dev/ipcrun/internal/serialize"
	"github.com/nishisan-dev/ipcrun/internal/transport"
)

// pairedChannels stands up a real unix-socket client/server pair and
// wraps each end in a Channel using length-prefixed framing, JSON
// serialization, and the JSON-RPC 2.0 application protocol.
func pairedChannels(t *testing.T) (client *Channel, server *Channel, closeFn func()) {
	t.Helper()

	path := pipeaddr.Derive("channel-test", t.Name())
	if err := pipeaddr.EnsureDir(path); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	pipeaddr.CleanupStale(path)

	var serverTr transport.Transport
	var mu sync.Mutex
	connected := make(chan struct{}, 1)

	srv := transport.NewSocketServer(path, func(tr transport.Transport) {
		mu.Lock()
		serverTr = tr
		mu.Unlock()
		connected <- struct{}{}
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientTr := transport.NewSocketClient(path)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clientTr.Connect(ctx); err != nil {
		t.Fatalf("client Connect: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed a connection")
	}

	mu.Lock()
	st := serverTr
	mu.Unlock()

	clientCh := New(Options{
		Transport:     clientTr,
		Framing:       framing.NewLengthPrefixed(0),
		Serialization: serialize.JSONCodec{},
		Protocol:      rpcproto.JSONRPC2{},
	})
	serverCh := New(Options{
		Transport:     st,
		Framing:       framing.NewLengthPrefixed(0),
		Serialization: serialize.JSONCodec{},
		Protocol:      rpcproto.JSONRPC2{},
	})

	if err := serverCh.Start(context.Background()); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	if err := clientCh.Start(context.Background()); err != nil {
		t.Fatalf("client Start: %v", err)
	}

	return clientCh, serverCh, func() {
		clientCh.Close()
		serverCh.Close()
		srv.Close()
		pipeaddr.CleanupStale(path)
	}
}

func TestChannel_RequestResponse_Echo(t *testing.T) {
	client, server, done := pairedChannels(t)
	defer done()

	server.OnRequest(func(ctx context.Context, method string, params any) (any, error) {
		if method != "echo" {
			return nil, errors.New("unexpected method")
		}
		return params, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.Request(ctx, "echo", map[string]any{"hello": "world"}, 0)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["hello"] != "world" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestChannel_ConcurrentRequests_ResolveIndependently(t *testing.T) {
	client, server, done := pairedChannels(t)
	defer done()

	server.OnRequest(func(ctx context.Context, method string, params any) (any, error) {
		m := params.(map[string]any)
		delayMs := m["delayMs"].(float64)
		time.Sleep(time.Duration(delayMs) * time.Millisecond)
		return m["label"], nil
	})

	type out struct {
		label string
		err   error
	}
	results := make(chan out, 3)
	delays := []float64{30, 10, 20}
	for _, d := range delays {
		d := d
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			label := "req"
			res, err := client.Request(ctx, "work", map[string]any{"delayMs": d, "label": label}, 0)
			if err != nil {
				results <- out{err: err}
				return
			}
			results <- out{label: res.(string)}
		}()
	}

	for i := 0; i < 3; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("request %d failed: %v", i, r.err)
		}
	}
}

func TestChannel_MethodNotFound(t *testing.T) {
	client, _, done := pairedChannels(t)
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Request(ctx, "nope", nil, 0)
	if err == nil {
		t.Fatal("expected method-not-found error")
	}
	if !ipcerr.Is(err, ipcerr.KindProtocol) {
		t.Errorf("expected KindProtocol, got %v", err)
	}
}

func TestChannel_HandlerError_BecomesProtocolError(t *testing.T) {
	client, server, done := pairedChannels(t)
	defer done()

	server.OnRequest(func(ctx context.Context, method string, params any) (any, error) {
		return nil, errors.New("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Request(ctx, "fail", nil, 0)
	if err == nil || !ipcerr.Is(err, ipcerr.KindProtocol) {
		t.Fatalf("expected KindProtocol error, got %v", err)
	}
}

func TestChannel_RequestTimeout(t *testing.T) {
	client, server, done := pairedChannels(t)
	defer done()

	block := make(chan struct{})
	defer close(block)
	server.OnRequest(func(ctx context.Context, method string, params any) (any, error) {
		<-block
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Request(ctx, "slow", nil, 20*time.Millisecond)
	if !ipcerr.Is(err, ipcerr.KindTimeout) {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
}

func TestChannel_Notify_DeliveredToHandler(t *testing.T) {
	client, server, done := pairedChannels(t)
	defer done()

	received := make(chan string, 1)
	server.OnNotification(func(method string, params any) {
		received <- method
	})

	if err := client.Notify("heartbeat", map[string]any{"seq": 1}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case method := <-received:
		if method != "heartbeat" {
			t.Errorf("got method %q", method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestChannel_Notify_EarlyBufferFlushedInOrder(t *testing.T) {
	client, server, done := pairedChannels(t)
	defer done()

	for i := 0; i < 3; i++ {
		if err := client.Notify("seq", map[string]any{"n": i}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond) // let the notifications arrive before a handler exists

	var got []float64
	flushed := make(chan struct{})
	var once sync.Once
	server.OnNotification(func(method string, params any) {
		m := params.(map[string]any)
		got = append(got, m["n"].(float64))
		if len(got) == 3 {
			once.Do(func() { close(flushed) })
		}
	})

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatalf("expected 3 buffered notifications, got %v", got)
	}
	for i, v := range got {
		if v != float64(i) {
			t.Errorf("buffered notification order mismatch at %d: got %v", i, v)
		}
	}
}

func TestChannel_Close_RejectsPendingRequests(t *testing.T) {
	client, server, _ := pairedChannels(t)

	block := make(chan struct{})
	server.OnRequest(func(ctx context.Context, method string, params any) (any, error) {
		<-block
		return nil, nil
	})

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := client.Request(ctx, "slow", nil, 0)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	client.Close()
	server.Close()
	close(block)

	select {
	case err := <-errCh:
		if !ipcerr.Is(err, ipcerr.KindState) {
			t.Fatalf("expected KindState, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never rejected on Close")
	}
}

func TestChannel_MaxInboundFrames_ClosesOnOverflow(t *testing.T) {
	path := pipeaddr.Derive("channel-test", "overflow")
	if err := pipeaddr.EnsureDir(path); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	pipeaddr.CleanupStale(path)
	defer pipeaddr.CleanupStale(path)

	var serverTr transport.Transport
	var mu sync.Mutex
	connected := make(chan struct{}, 1)
	srv := transport.NewSocketServer(path, func(tr transport.Transport) {
		mu.Lock()
		serverTr = tr
		mu.Unlock()
		connected <- struct{}{}
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	clientTr := transport.NewSocketClient(path)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clientTr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-connected
	mu.Lock()
	st := serverTr
	mu.Unlock()

	errs := make(chan error, 1)
	serverCh := New(Options{
		Transport:        st,
		Framing:          framing.NewLengthPrefixed(0),
		Serialization:    serialize.JSONCodec{},
		Protocol:         rpcproto.JSONRPC2{},
		MaxInboundFrames: 2,
	})
	serverCh.On(func(evt LifecycleEvent) {
		if evt.Kind == LifecycleError {
			select {
			case errs <- evt.Err:
			default:
			}
		}
	})
	if err := serverCh.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	codec := serialize.JSONCodec{}
	fr := framing.NewLengthPrefixed(0)
	var batch []byte
	for i := 0; i < 3; i++ {
		env, _ := rpcproto.JSONRPC2{}.CreateNotification("ping", nil)
		b, _ := codec.Serialize(env)
		batch = append(batch, fr.Encode(b)...)
	}
	if err := clientTr.Write(batch); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-errs:
		if !ipcerr.Is(err, ipcerr.KindState) {
			t.Fatalf("expected KindState overflow error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected inbound-frame-cap error")
	}
}
