// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ipcutil collects small generic building blocks shared by the
// transport, channel, reconnect, shutdown and process packages: a typed
// pub/sub emitter, idempotent disposables, and a state-transition guard.
package ipcutil

import (
	"sort"
	"sync"
)

// Unsubscribe removes a previously registered listener. Calling it more
// than once is a no-op.
type Unsubscribe func()

// Emitter is a typed pub/sub point. Listeners registered with On are
// invoked synchronously, in registration order, by Emit; this mirrors the
// teacher's single callback-setter fields (SetOnRotate, SetProgressProvider)
// generalized to many listeners per event.
type Emitter[E any] struct {
	mu        sync.Mutex
	listeners map[int]func(E)
	nextID    int
}

// NewEmitter constructs an empty Emitter.
func NewEmitter[E any]() *Emitter[E] {
	return &Emitter[E]{listeners: make(map[int]func(E))}
}

// On registers fn and returns an Unsubscribe that removes it. Safe to call
// from within a listener invoked by Emit (the removal takes effect for
// subsequent Emit calls only).
func (e *Emitter[E]) On(fn func(E)) Unsubscribe {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Emit invokes every currently registered listener with evt, in a
// snapshot taken under lock so a listener mutating subscriptions mid-emit
// cannot corrupt iteration.
func (e *Emitter[E]) Emit(evt E) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]func(E), 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(evt)
	}
}

// Len reports the number of currently registered listeners.
func (e *Emitter[E]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// RemoveAll drops every registered listener, as when a channel or
// transport closes and must stop delivering to handlers it no longer owns.
func (e *Emitter[E]) RemoveAll() {
	e.mu.Lock()
	e.listeners = make(map[int]func(E))
	e.mu.Unlock()
}
