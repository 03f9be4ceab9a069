// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ipcutil

import (
	"errors"
	"testing"
)

func TestEmitter_EmitOrderAndUnsubscribe(t *testing.T) {
	e := NewEmitter[int]()
	var got []int
	unsub1 := e.On(func(v int) { got = append(got, v*10) })
	e.On(func(v int) { got = append(got, v) })

	e.Emit(1)
	unsub1()
	e.Emit(2)

	want := []int{10, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEmitter_UnsubscribeIdempotent(t *testing.T) {
	e := NewEmitter[int]()
	unsub := e.On(func(int) {})
	unsub()
	unsub()
	if e.Len() != 0 {
		t.Errorf("expected 0 listeners, got %d", e.Len())
	}
}

func TestEmitter_RemoveAll(t *testing.T) {
	e := NewEmitter[int]()
	e.On(func(int) {})
	e.On(func(int) {})
	e.RemoveAll()
	if e.Len() != 0 {
		t.Errorf("expected 0 listeners after RemoveAll, got %d", e.Len())
	}
}

func TestDisposable_RunsOnce(t *testing.T) {
	n := 0
	d := NewDisposable(func() { n++ })
	d.Dispose()
	d.Dispose()
	if n != 1 {
		t.Errorf("expected cleanup to run once, ran %d times", n)
	}
}

func TestDisposableGroup_ReverseOrder(t *testing.T) {
	var order []int
	var g DisposableGroup
	g.Add(func() { order = append(order, 1) })
	g.Add(func() { order = append(order, 2) })
	g.Add(func() { order = append(order, 3) })
	g.DisposeAll()

	want := []int{3, 2, 1}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestDisposableGroup_AddAfterFireRunsImmediately(t *testing.T) {
	var g DisposableGroup
	g.DisposeAll()
	ran := false
	g.Add(func() { ran = true })
	if !ran {
		t.Error("expected cleanup added after DisposeAll to run immediately")
	}
}

type trafficState int

const (
	stateA trafficState = iota
	stateB
	stateC
)

func TestStateBox_LoadStoreCAS(t *testing.T) {
	b := NewStateBox(stateA)
	if b.Load() != stateA {
		t.Fatal("expected initial state A")
	}
	if !b.CompareAndSwap(stateA, stateB) {
		t.Fatal("expected CAS A->B to succeed")
	}
	if b.CompareAndSwap(stateA, stateC) {
		t.Fatal("expected CAS A->C to fail now that state is B")
	}
	if b.Load() != stateB {
		t.Fatalf("expected state B, got %v", b.Load())
	}
}

func TestRequireState(t *testing.T) {
	b := NewStateBox(stateA)
	errFn := func(cur trafficState) error { return errors.New("bad state") }
	if err := RequireState(b, errFn, stateA, stateB); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := RequireState(b, errFn, stateC); err == nil {
		t.Error("expected error when current state not in allowed set")
	}
}
