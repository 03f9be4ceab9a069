// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"testing"

	"github.com/nishisan-dev/ipcrun/internal/ipcutil"
)

// fakeTransport is a minimal in-memory Transport that just records writes,
// for exercising RateLimitedTransport's delegation without real sockets.
type fakeTransport struct {
	written [][]byte
	state   transport_StateHolder
}

type transport_StateHolder struct{ s State }

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect() error                 { return nil }
func (f *fakeTransport) Write(p []byte) error {
	f.written = append(f.written, append([]byte(nil), p...))
	return nil
}
func (f *fakeTransport) OnData(fn func([]byte)) ipcutil.Unsubscribe            { return func() {} }
func (f *fakeTransport) On(kind EventKind, fn func(Event)) ipcutil.Unsubscribe { return func() {} }
func (f *fakeTransport) State() State                                          { return f.state.s }

func TestNewRateLimitedTransport_BypassOnNonPositiveRate(t *testing.T) {
	inner := newFakeTransport()
	tr := NewRateLimitedTransport(context.Background(), inner, 0)
	if tr != Transport(inner) {
		t.Error("expected bypass (original transport) for non-positive rate")
	}
}

func TestRateLimitedTransport_DelegatesWrite(t *testing.T) {
	inner := newFakeTransport()
	tr := NewRateLimitedTransport(context.Background(), inner, 1<<20)
	if err := tr.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(inner.written) != 1 || string(inner.written[0]) != "hello" {
		t.Errorf("expected inner transport to receive the write, got %v", inner.written)
	}
}

func TestRateLimitedTransport_DelegatesOtherMethods(t *testing.T) {
	inner := newFakeTransport()
	inner.state.s = StateConnected
	tr := NewRateLimitedTransport(context.Background(), inner, 1<<20)
	if tr.State() != StateConnected {
		t.Errorf("expected State() to delegate to inner transport, got %v", tr.State())
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Errorf("expected Connect() to delegate: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Errorf("expected Disconnect() to delegate: %v", err)
	}
}
