// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package channel composes a Transport (C3), a framing Codec (C4), a
// serialization Codec (C5), and an application Protocol (C6) into a
// request/response/notification engine: request correlation, timeouts,
// middleware observation, inbound backpressure, and a sliding window for
// notifications that arrive before a handler is registered.
//
// The full-duplex split — one path reacting to inbound transport bytes,
// another issuing outbound requests under a write mutex — follows the
// teacher's control_channel.go pingLoop: a reader goroutine dispatches
// whatever the peer sends while writers serialize through writeMu, except
// here the "reader goroutine" is the Transport's own onData callback
// rather than a loop this package drives itself.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/ipcrun/internal/framing"
	"github.com/nishisan-dev/ipcrun/internal/ipcerr"
	"github.com/nishisan-dev/ipcrun/internal/ipcutil"
	"github.com/nishisan-dev/ipcrun/internal/metrics"
	"github.com/nishisan-dev/ipcrun/internal/rpcproto"
	"github.com/nishisan-dev/ipcrun/internal/serialize"
	"github.com/nishisan-dev/ipcrun/internal/transport"
)

// Default construction parameters, per SPEC_FULL.md §6.5.
const (
	DefaultTimeout                 = 30 * time.Second
	DefaultBufferEarlyNotifications = 10
	DefaultPendingRequestPoolSize   = 100
)

// RequestHandler answers an inbound request; a returned error becomes an
// error response with code rpcproto.CodeHandlerThrew.
type RequestHandler func(ctx context.Context, method string, params any) (result any, err error)

// NotificationHandler observes an inbound fire-and-forget notification.
type NotificationHandler func(method string, params any)

// LifecycleKind identifies a channel lifecycle event.
type LifecycleKind int

const (
	LifecycleStart LifecycleKind = iota
	LifecycleClose
	LifecycleError
)

// LifecycleEvent is delivered to handlers registered via On.
type LifecycleEvent struct {
	Kind LifecycleKind
	Err  error
}

// Middleware observes channel activity at four points; any method may be
// left nil. A panicking or erroring hook must never break the channel —
// hooks are invoked under recover and failures are routed to OnError.
type Middleware struct {
	OnOutgoingRequest  func(method string, params any, id any)
	OnIncomingResponse func(msg rpcproto.Message)
	OnIncomingRequest  func(method string, params any, id any)
	OnOutgoingResponse func(id any, result any, err error)
	OnError            func(err error)
}

// Options constructs a Channel. Transport, Framing, Serialization, and
// Protocol are required; everything else has a documented default.
type Options struct {
	Transport      transport.Transport
	Framing        framing.Codec
	Serialization  serialize.Codec
	Protocol       rpcproto.Protocol
	ResponseAccessor rpcproto.ResponseAccessor

	Middleware []Middleware
	Metrics    metrics.Sink
	Logger     *slog.Logger

	// MaxInboundFrames caps the number of complete payloads dispatched
	// per delivered transport chunk; 0 means unbounded.
	MaxInboundFrames int

	// BufferEarlyNotifications is the sliding-window size for
	// notifications received before a handler is registered.
	BufferEarlyNotifications int

	// DefaultTimeout is used when Request is called without an explicit
	// per-call timeout.
	DefaultTimeout time.Duration

	// PendingRequestPoolSize enables reuse of pendingEntry values through a
	// sync.Pool when nonzero; 0 disables pooling. The value does not bound
	// the pool's size. Go's zero value already matches "disabled", so unlike the
	// other Options fields this one is taken literally rather than
	// defaulted — pass DefaultPendingRequestPoolSize for the documented
	// default of 100.
	PendingRequestPoolSize int
}

type pendingEntry struct {
	resultCh chan pendingResult
	timer    *time.Timer
}

type pendingResult struct {
	value any
	err   error
}

// Channel is the engine described at the top of this file.
type Channel struct {
	tr       transport.Transport
	framing  framing.Codec
	codec    serialize.Codec
	protocol rpcproto.Protocol
	accessor rpcproto.ResponseAccessor

	middleware []Middleware
	sink       metrics.Sink
	logger     *slog.Logger

	maxInboundFrames int
	defaultTimeout   time.Duration

	connected *ipcutil.StateBox[bool]

	nextID    float64
	pendingMu sync.Mutex
	pending   map[any]*pendingEntry
	entryPool sync.Pool
	poolSize  int

	requestMu      sync.Mutex
	requestHandler RequestHandler

	notifyMu       sync.Mutex
	notifyHandler  NotificationHandler
	earlyBuffer    []bufferedNotification
	earlyBufferCap int

	lifecycle *ipcutil.Emitter[LifecycleEvent]

	dataUnsub  ipcutil.Unsubscribe
	errUnsub   ipcutil.Unsubscribe
	subsMu     sync.Mutex

	inboundCounter int
}

type bufferedNotification struct {
	method string
	params any
}

// New constructs a Channel from Options, applying documented defaults for
// zero-valued optional fields.
func New(opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.NopSink{}
	}
	accessor := opts.ResponseAccessor
	if accessor == nil {
		accessor = rpcproto.DefaultAccessorFor(opts.Protocol.Name())
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	bufCap := opts.BufferEarlyNotifications
	if bufCap == 0 {
		bufCap = DefaultBufferEarlyNotifications
	}
	poolSize := opts.PendingRequestPoolSize

	c := &Channel{
		tr:               opts.Transport,
		framing:          opts.Framing,
		codec:            opts.Serialization,
		protocol:         opts.Protocol,
		accessor:         accessor,
		middleware:       opts.Middleware,
		sink:             sink,
		logger:           logger.With("component", "channel"),
		maxInboundFrames: opts.MaxInboundFrames,
		defaultTimeout:   timeout,
		connected:        ipcutil.NewStateBox(false),
		pending:          make(map[any]*pendingEntry),
		poolSize:         poolSize,
		earlyBufferCap:   bufCap,
		lifecycle:        ipcutil.NewEmitter[LifecycleEvent](),
	}
	c.entryPool.New = func() any { return &pendingEntry{resultCh: make(chan pendingResult, 1)} }
	return c
}

// IsConnected reports whether Start has completed successfully and Close
// has not yet been called.
func (c *Channel) IsConnected() bool { return c.connected.Load() }

// On subscribes to a lifecycle event kind; the handler receives every
// LifecycleEvent emitted, filter by evt.Kind if only one kind matters.
func (c *Channel) On(fn func(LifecycleEvent)) ipcutil.Unsubscribe {
	return c.lifecycle.On(fn)
}

// OnRequest registers the sole consulted request handler (spec.md
// documents multiple registrations as single-owner: only the most recent
// one is consulted). The returned unsubscribe clears the slot
// unconditionally, matching that single-owner semantics.
func (c *Channel) OnRequest(fn RequestHandler) ipcutil.Unsubscribe {
	c.requestMu.Lock()
	c.requestHandler = fn
	c.requestMu.Unlock()
	return func() {
		c.requestMu.Lock()
		c.requestHandler = nil
		c.requestMu.Unlock()
	}
}

// OnNotification registers the notification handler and flushes any
// notifications buffered in the early sliding window, in order.
func (c *Channel) OnNotification(fn NotificationHandler) ipcutil.Unsubscribe {
	c.notifyMu.Lock()
	c.notifyHandler = fn
	buffered := c.earlyBuffer
	c.earlyBuffer = nil
	c.notifyMu.Unlock()

	for _, n := range buffered {
		fn(n.method, n.params)
	}

	return func() {
		c.notifyMu.Lock()
		c.notifyHandler = nil
		c.notifyMu.Unlock()
	}
}

// Start performs the exact subscribe-before-connect sequence spec.md
// requires: listeners are attached first so bytes from a fast-starting
// peer are never lost, then connect is attempted, then the channel is
// marked connected and the start event fires.
func (c *Channel) Start(ctx context.Context) error {
	c.inboundCounter = 0

	c.subsMu.Lock()
	c.dataUnsub = c.tr.OnData(c.handleChunk)
	c.errUnsub = c.tr.On(transport.EventError, c.handleTransportEvent)
	c.subsMu.Unlock()

	if c.tr.State() != transport.StateConnected {
		if err := c.tr.Connect(ctx); err != nil {
			c.subsMu.Lock()
			if c.dataUnsub != nil {
				c.dataUnsub()
			}
			if c.errUnsub != nil {
				c.errUnsub()
			}
			c.subsMu.Unlock()
			return ipcerr.New(ipcerr.KindTransport, "channel.Start", err)
		}
	}

	c.connected.Store(true)
	c.lifecycle.Emit(LifecycleEvent{Kind: LifecycleStart})
	return nil
}

// Close performs the exact shutdown sequence spec.md requires: flip
// isConnected, detach transport listeners, reject every pending request,
// reset framing state, disconnect, then emit close.
func (c *Channel) Close() error {
	c.connected.Store(false)

	c.subsMu.Lock()
	if c.dataUnsub != nil {
		c.dataUnsub()
		c.dataUnsub = nil
	}
	if c.errUnsub != nil {
		c.errUnsub()
		c.errUnsub = nil
	}
	c.subsMu.Unlock()

	c.pendingMu.Lock()
	closedErr := ipcerr.Newf(ipcerr.KindState, "channel.Close", "channel closed")
	for id, entry := range c.pending {
		entry.timer.Stop()
		select {
		case entry.resultCh <- pendingResult{err: closedErr}:
		default:
		}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.framing.Reset()
	c.inboundCounter = 0

	err := c.tr.Disconnect()
	c.lifecycle.Emit(LifecycleEvent{Kind: LifecycleClose})
	return err
}

// Request issues a correlated request and blocks until a response, a
// write failure, a timeout, or ctx cancellation resolves it. timeout<=0
// uses the channel's DefaultTimeout.
func (c *Channel) Request(ctx context.Context, method string, params any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	id := c.allocateID()
	for _, mw := range c.middleware {
		c.safeHook(func() {
			if mw.OnOutgoingRequest != nil {
				mw.OnOutgoingRequest(method, params, id)
			}
		}, mw.OnError)
	}

	envelope, err := c.protocol.CreateRequest(method, params, id)
	if err != nil {
		return nil, ipcerr.New(ipcerr.KindProtocol, "channel.Request", err)
	}

	entry := c.acquireEntry()
	entry.timer = time.AfterFunc(timeout, func() { c.resolveTimeout(id) })

	c.pendingMu.Lock()
	c.pending[id] = entry
	c.pendingMu.Unlock()

	if err := c.writeEnvelope(envelope); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		entry.timer.Stop()
		c.releaseEntry(entry)
		return nil, ipcerr.New(ipcerr.KindTransport, "channel.Request", err)
	}

	select {
	case res := <-entry.resultCh:
		c.releaseEntry(entry)
		return res.value, res.err
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		entry.timer.Stop()
		c.releaseEntry(entry)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification; no response is awaited.
func (c *Channel) Notify(method string, params any) error {
	envelope, err := c.protocol.CreateNotification(method, params)
	if err != nil {
		return ipcerr.New(ipcerr.KindProtocol, "channel.Notify", err)
	}
	return c.writeEnvelope(envelope)
}

func (c *Channel) writeEnvelope(envelope any) error {
	b, err := c.codec.Serialize(envelope)
	if err != nil {
		return ipcerr.New(ipcerr.KindSerialization, "channel.writeEnvelope", err)
	}
	return c.tr.Write(c.framing.Encode(b))
}

// allocateID hands out request ids as float64: every shipped Protocol
// round-trips the id through a serialize.Codec (JSONCodec decodes numbers
// into float64), so generating the id as float64 up front means the value
// the response accessor later reads back compares equal to the pending
// map key without a coercion step.
func (c *Channel) allocateID() float64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *Channel) acquireEntry() *pendingEntry {
	if c.poolSize == 0 {
		return &pendingEntry{resultCh: make(chan pendingResult, 1)}
	}
	e := c.entryPool.Get().(*pendingEntry)
	return e
}

func (c *Channel) releaseEntry(e *pendingEntry) {
	if c.poolSize == 0 {
		return
	}
	e.timer = nil
	select {
	case <-e.resultCh:
	default:
	}
	c.entryPool.Put(e)
}

func (c *Channel) resolveTimeout(id any) {
	c.pendingMu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case entry.resultCh <- pendingResult{err: ipcerr.Newf(ipcerr.KindTimeout, "channel.Request", "request %v timed out", id)}:
	default:
	}
}

func (c *Channel) handleTransportEvent(evt transport.Event) {
	if evt.Kind != transport.EventError {
		return
	}
	c.dispatchError(ipcerr.New(ipcerr.KindTransport, "channel.transport", evt.Err))
}

// handleChunk is the receive pipeline: framing → per-payload cap →
// deserialize → protocol classification → dispatch. It runs on whatever
// goroutine the Transport's reader uses to invoke OnData, so at most one
// dispatch decision for this channel advances at a time; a slow request
// handler body is spawned into its own goroutine (see dispatchRequest) so
// it never blocks the next frame's dispatch decision.
func (c *Channel) handleChunk(chunk []byte) {
	payloads, err := c.framing.Decode(chunk)
	if err != nil {
		c.dispatchError(ipcerr.New(ipcerr.KindFraming, "channel.handleChunk", err))
		return
	}

	c.inboundCounter = 0
	for _, payload := range payloads {
		c.inboundCounter++
		if c.maxInboundFrames > 0 && c.inboundCounter > c.maxInboundFrames {
			c.dispatchError(ipcerr.Newf(ipcerr.KindState, "channel.handleChunk", "inbound frame cap %d exceeded for this chunk", c.maxInboundFrames))
			c.Close()
			return
		}
		c.sink.ObserveInboundFrame()
		c.dispatchPayload(payload)
	}
}

func (c *Channel) dispatchPayload(payload []byte) {
	var value any
	if err := c.codec.Deserialize(payload, &value); err != nil {
		c.dispatchError(ipcerr.New(ipcerr.KindSerialization, "channel.dispatchPayload", err))
		return
	}

	msg, err := c.protocol.ParseMessage(value)
	if err != nil || rpcproto.IsInvalid(msg) {
		c.dispatchError(ipcerr.New(ipcerr.KindProtocol, "channel.dispatchPayload", err))
		return
	}

	switch {
	case rpcproto.IsResponse(msg):
		c.dispatchResponse(msg)
	case rpcproto.IsRequest(msg):
		c.dispatchRequest(msg)
	case rpcproto.IsNotification(msg):
		c.dispatchNotification(msg)
	}
}

func (c *Channel) dispatchResponse(msg rpcproto.Message) {
	for _, mw := range c.middleware {
		c.safeHook(func() {
			if mw.OnIncomingResponse != nil {
				mw.OnIncomingResponse(msg)
			}
		}, mw.OnError)
	}

	id := c.accessor.ID(msg)
	c.pendingMu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()

	var res pendingResult
	if c.accessor.IsError(msg) {
		code, message, data := c.accessor.ErrorInfo(msg)
		res.err = ipcerr.Newf(ipcerr.KindProtocol, "channel.Request", "%s (code %d, data %v)", message, code, data)
	} else {
		res.value = c.accessor.Result(msg)
	}
	select {
	case entry.resultCh <- res:
	default:
	}
}

// dispatchRequest replies inline with "method not found" when no handler
// is registered, otherwise spawns the handler body in its own goroutine
// so a slow handler never blocks the next frame's dispatch decision —
// grounded on the teacher's go func(idx uint8){...} spawn for
// ControlRotate handling in control_channel.go, which always sends its
// ACK even if the user callback panics.
func (c *Channel) dispatchRequest(msg rpcproto.Message) {
	for _, mw := range c.middleware {
		c.safeHook(func() {
			if mw.OnIncomingRequest != nil {
				mw.OnIncomingRequest(msg.Method, msg.Params, msg.ID)
			}
		}, mw.OnError)
	}

	c.requestMu.Lock()
	handler := c.requestHandler
	c.requestMu.Unlock()

	if handler == nil {
		c.replyError(msg.ID, rpcproto.CodeMethodNotFound, "method not found", nil)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.replyError(msg.ID, rpcproto.CodeHandlerThrew, fmt.Sprintf("handler panic: %v", r), nil)
			}
		}()
		result, err := handler(context.Background(), msg.Method, msg.Params)
		if err != nil {
			c.replyError(msg.ID, rpcproto.CodeHandlerThrew, err.Error(), nil)
			return
		}
		c.replySuccess(msg.ID, result)
	}()
}

func (c *Channel) replySuccess(id any, result any) {
	for _, mw := range c.middleware {
		c.safeHook(func() {
			if mw.OnOutgoingResponse != nil {
				mw.OnOutgoingResponse(id, result, nil)
			}
		}, mw.OnError)
	}
	envelope, err := c.protocol.CreateResponse(id, result)
	if err != nil {
		c.dispatchError(ipcerr.New(ipcerr.KindProtocol, "channel.replySuccess", err))
		return
	}
	if err := c.writeEnvelope(envelope); err != nil {
		c.dispatchError(ipcerr.New(ipcerr.KindTransport, "channel.replySuccess", err))
	}
}

func (c *Channel) replyError(id any, code int, message string, data any) {
	for _, mw := range c.middleware {
		c.safeHook(func() {
			if mw.OnOutgoingResponse != nil {
				mw.OnOutgoingResponse(id, nil, fmt.Errorf("%s", message))
			}
		}, mw.OnError)
	}
	envelope, err := c.protocol.CreateErrorResponse(id, code, message, data)
	if err != nil {
		c.dispatchError(ipcerr.New(ipcerr.KindProtocol, "channel.replyError", err))
		return
	}
	if err := c.writeEnvelope(envelope); err != nil {
		c.dispatchError(ipcerr.New(ipcerr.KindTransport, "channel.replyError", err))
	}
}

func (c *Channel) dispatchNotification(msg rpcproto.Message) {
	c.notifyMu.Lock()
	handler := c.notifyHandler
	if handler == nil {
		c.earlyBuffer = append(c.earlyBuffer, bufferedNotification{method: msg.Method, params: msg.Params})
		if len(c.earlyBuffer) > c.earlyBufferCap {
			c.earlyBuffer = c.earlyBuffer[len(c.earlyBuffer)-c.earlyBufferCap:]
		}
		c.notifyMu.Unlock()
		return
	}
	c.notifyMu.Unlock()
	handler(msg.Method, msg.Params)
}

func (c *Channel) dispatchError(err error) {
	c.sink.ObserveRequest("", 0, err)
	c.lifecycle.Emit(LifecycleEvent{Kind: LifecycleError, Err: err})
	for _, mw := range c.middleware {
		c.safeHook(func() {
			if mw.OnError != nil {
				mw.OnError(err)
			}
		}, nil)
	}
}

// safeHook invokes a middleware callback under recover; a panic is routed
// to onError (if set) rather than propagating, per spec.md's "a throwing
// hook must not break the channel" rule.
func (c *Channel) safeHook(fn func(), onError func(error)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("channel: middleware panic: %v", r)
			if onError != nil {
				onError(err)
			} else {
				c.logger.Warn("middleware hook panicked", "panic", r)
			}
		}
	}()
	fn()
}
