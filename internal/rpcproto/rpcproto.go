// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rpcproto defines the application-protocol envelope (request,
// response, notification) the channel engine (C7) speaks, as a narrow
// external interface, and ships two implementations: JSONRPC2
// ("jsonrpc":"2.0" envelopes) and Simple (a {type: request|response|
// notification} tagged envelope). A Protocol creates and parses generic
// envelope values; turning an envelope into wire bytes is the
// serialization codec's (C5) job, kept deliberately separate so a
// non-JSON codec can carry either envelope shape.
package rpcproto

import "github.com/nishisan-dev/ipcrun/internal/ipcerr"

// Kind classifies a parsed Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

// Message is the normalized result of ParseMessage: every shipped
// protocol decodes into this shape regardless of wire field names.
// Params, Result, and ErrorData carry whatever the serialization codec
// produced for a generic value (a map[string]any for JSONCodec).
type Message struct {
	Kind Kind

	// Request/response correlation id. nil for a notification.
	ID any

	// Request/notification fields.
	Method string
	Params any

	// Response fields.
	Result       any
	IsError      bool
	ErrorCode    int
	ErrorMessage string
	ErrorData    any
}

// Error codes the channel engine itself assigns to handler outcomes.
const (
	CodeMethodNotFound = -32601
	CodeHandlerThrew    = -32603
)

// Protocol creates and parses application-protocol envelopes as generic
// values; the channel engine passes the result to a serialize.Codec.
type Protocol interface {
	// Name identifies the protocol for default-accessor lookup (e.g. "jsonrpc2", "simple").
	Name() string
	CreateRequest(method string, params any, id any) (any, error)
	CreateResponse(id any, result any) (any, error)
	CreateErrorResponse(id any, code int, message string, data any) (any, error)
	CreateNotification(method string, params any) (any, error)
	// ParseMessage classifies a value already produced by a codec's
	// Deserialize (e.g. map[string]any for JSONCodec).
	ParseMessage(envelope any) (Message, error)
}

// IsRequest, IsResponse, IsNotification, IsInvalid are the type guards
// spec.md §4.6 asks for, implemented over the normalized Message rather
// than per-protocol envelope shapes.
func IsRequest(m Message) bool      { return m.Kind == KindRequest }
func IsResponse(m Message) bool     { return m.Kind == KindResponse }
func IsNotification(m Message) bool { return m.Kind == KindNotification }
func IsInvalid(m Message) bool      { return m.Kind == KindInvalid }

// ResponseAccessor pulls id, is-error, result, and error uniformly out of
// a response Message, so the channel engine need not special-case which
// Protocol produced it. Defaults exist for both shipped protocols (both
// are the same, since ParseMessage already normalizes into Message); a
// caller providing a custom Protocol may also supply a custom accessor.
type ResponseAccessor interface {
	ID(m Message) any
	IsError(m Message) bool
	Result(m Message) any
	ErrorInfo(m Message) (code int, message string, data any)
}

// DefaultResponseAccessor reads directly from the normalized Message
// fields; both shipped protocols use it.
type DefaultResponseAccessor struct{}

func (DefaultResponseAccessor) ID(m Message) any      { return m.ID }
func (DefaultResponseAccessor) IsError(m Message) bool { return m.IsError }
func (DefaultResponseAccessor) Result(m Message) any   { return m.Result }
func (DefaultResponseAccessor) ErrorInfo(m Message) (int, string, any) {
	return m.ErrorCode, m.ErrorMessage, m.ErrorData
}

// DefaultAccessorFor returns the default ResponseAccessor for a protocol
// identified by name, auto-detecting from Protocol.Name() when the
// channel's configuration does not supply a custom accessor.
func DefaultAccessorFor(protocolName string) ResponseAccessor {
	return DefaultResponseAccessor{}
}

// errInvalidEnvelope is returned by ParseMessage when envelope is not the
// map shape a shipped Protocol expects (e.g. the codec deserialized into
// something other than map[string]any).
var errInvalidEnvelope = ipcerr.Newf(ipcerr.KindProtocol, "rpcproto.parseMessage", "envelope is not a decoded object")

var (
	_ ResponseAccessor = DefaultResponseAccessor{}
)
