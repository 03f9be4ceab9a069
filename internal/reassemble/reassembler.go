// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package reassemble turns a stream of arbitrary byte chunks into a stream
// of complete wire.Header-prefixed frames, in order, without copying
// payload bytes when avoidable.
//
// Two mutually exclusive consumption modes, mirroring the teacher's
// agent/server chunk reassembly discipline (retain only the unread
// remainder; delivered chunks are handed off, never aliased):
//
//   - Batch mode (the default): Push buffers bytes until at least one
//     complete frame is present, then returns every complete frame and
//     retains the remainder.
//   - Streaming mode: install a Handler with SetHandler; Push then always
//     returns nil and payload bytes are surfaced to the handler as they
//     arrive without ever buffering a full payload.
//
// State machine (either mode): idleHeader -> readingHeader -> readingBody
// -> idleHeader. A frame with PayloadLength == 0 returns to idleHeader
// straight from readingHeader. idleBody is handled like readingBody, but
// Push never enters it.
package reassemble

import (
	"errors"
	"fmt"

	"github.com/nishisan-dev/ipcrun/internal/wire"
)

// Handler receives streaming-mode callbacks. OnPayloadChunk may be called
// zero or more times per frame; the final call for a frame has isLast
// true. OnError is invoked with the parsed header (if available) when a
// frame is rejected; the reassembler then discards the remaining declared
// body length and resumes header parsing.
type Handler struct {
	OnFrameStart   func(h wire.Header)
	OnPayloadChunk func(chunk []byte, offset int, isLast bool)
	OnFrameEnd     func(h wire.Header)
	OnError        func(err error, h *wire.Header)
}

type state int

const (
	stateIdleHeader state = iota
	stateReadingHeader
	stateIdleBody
	stateReadingBody
)

// ErrHandlerWithBufferedData is returned by SetHandler when a partial
// frame is already buffered in batch mode.
var ErrHandlerWithBufferedData = errors.New("reassemble: cannot install streaming handler while a partial frame is buffered")

// Reassembler is owned by exactly one channel/transport pairing and holds,
// at any moment, at most one in-flight header/payload worth of unread
// bytes.
type Reassembler struct {
	maxPayload uint32

	st        state
	headerBuf []byte // accumulates partial header bytes
	header    wire.Header
	remaining uint32 // bytes of payload still to consume for the current frame
	discard   bool   // current frame is oversize; discard remaining bytes without delivering

	// batch-mode accumulation for the current frame's payload
	pending []byte
	chunks  [][]byte

	handler *Handler
}

// New constructs a Reassembler. maxPayload of 0 uses wire.DefaultMaxPayload.
func New(maxPayload uint32) *Reassembler {
	if maxPayload == 0 {
		maxPayload = wire.DefaultMaxPayload
	}
	return &Reassembler{maxPayload: maxPayload, headerBuf: make([]byte, 0, wire.HeaderSize)}
}

// SetHandler installs a streaming-mode handler. Passing nil reverts to
// batch mode. Returns ErrHandlerWithBufferedData if a partial frame is
// currently buffered.
func (r *Reassembler) SetHandler(h *Handler) error {
	if h != nil && r.hasBufferedPartialFrame() {
		return ErrHandlerWithBufferedData
	}
	r.handler = h
	return nil
}

func (r *Reassembler) hasBufferedPartialFrame() bool {
	if r.st == stateReadingHeader {
		return true
	}
	if r.st == stateReadingBody || r.st == stateIdleBody {
		return r.remaining > 0 || len(r.pending) > 0 || len(r.chunks) > 0
	}
	return false
}

// Reset clears all state. Callers must invoke it between independent peer
// sessions (e.g. after a transport disconnect).
func (r *Reassembler) Reset() {
	r.st = stateIdleHeader
	r.headerBuf = r.headerBuf[:0]
	r.header = wire.Header{}
	r.remaining = 0
	r.discard = false
	r.pending = nil
	r.chunks = nil
}

// Push feeds one chunk of bytes arriving from the transport. In batch mode
// it returns every frame completed by this call, in order; the returned
// Frames own their payload chunks and the caller must not retain chunk
// references past delivery. In streaming mode it always returns nil.
func (r *Reassembler) Push(chunk []byte) ([]Frame, error) {
	var out []Frame
	var pendingErr error
	for len(chunk) > 0 {
		switch r.st {
		case stateIdleHeader:
			r.st = stateReadingHeader
			r.headerBuf = r.headerBuf[:0]
			fallthrough

		case stateReadingHeader:
			need := wire.HeaderSize - len(r.headerBuf)
			n := need
			if n > len(chunk) {
				n = len(chunk)
			}
			r.headerBuf = append(r.headerBuf, chunk[:n]...)
			chunk = chunk[n:]
			if len(r.headerBuf) < wire.HeaderSize {
				return out, pendingErr // header still incomplete, wait for more
			}

			h, err := wire.DecodeHeader(r.headerBuf)
			if err != nil {
				// Unreachable in practice (we only decode once exactly
				// HeaderSize bytes are buffered) but handled defensively.
				return out, err
			}
			r.header = h
			r.remaining = h.PayloadLength
			r.discard = false
			r.pending = nil
			r.chunks = nil

			if verr := wire.Validate(h, r.maxPayload); verr != nil {
				r.discard = true
				if h.PayloadLength == 0 {
					r.st = stateIdleHeader
					r.headerBuf = r.headerBuf[:0]
				} else {
					r.st = stateReadingBody
				}
				if r.handler != nil {
					hdr := h
					if r.handler.OnError != nil {
						r.handler.OnError(verr, &hdr)
					}
					continue
				}
				// Batch mode: the caller is expected to treat this as
				// fatal, but the chunk handed to this call may carry the
				// oversize header and some (or all) of its declared body
				// in one read. Record the first error and keep draining
				// the discard path so r.remaining lands back at zero
				// before this call returns — otherwise the next Push
				// would resume discarding a stale count against fresh
				// bytes and desync the stream permanently. Only report
				// the error once this chunk is exhausted.
				if pendingErr == nil {
					pendingErr = verr
				}
				continue
			}

			if r.handler != nil && r.handler.OnFrameStart != nil {
				r.handler.OnFrameStart(h)
			}

			if h.PayloadLength == 0 {
				r.finishFrame(&out)
				continue
			}
			r.st = stateReadingBody

		case stateReadingBody, stateIdleBody:
			if r.st == stateIdleBody {
				r.st = stateReadingBody
			}
			n := uint32(len(chunk))
			if n > r.remaining {
				n = r.remaining
			}
			piece := chunk[:n]
			chunk = chunk[n:]
			r.remaining -= n

			if !r.discard && len(piece) > 0 {
				isLast := r.remaining == 0
				if r.handler != nil {
					if r.handler.OnPayloadChunk != nil {
						off := int(r.header.PayloadLength - r.remaining - uint32(len(piece)))
						r.handler.OnPayloadChunk(piece, off, isLast)
					}
				} else {
					owned := append([]byte(nil), piece...)
					r.chunks = append(r.chunks, owned)
				}
			}

			if r.remaining == 0 {
				r.finishFrame(&out)
			}
		}
	}
	return out, pendingErr
}

// finishFrame completes the current frame: in streaming mode it invokes
// OnFrameEnd (unless the frame was discarded for being oversize); in batch
// mode it appends the assembled Frame to out. Either way it returns the
// state machine to idleHeader.
func (r *Reassembler) finishFrame(out *[]Frame) {
	if r.handler != nil {
		if !r.discard && r.handler.OnFrameEnd != nil {
			r.handler.OnFrameEnd(r.header)
		}
	} else if !r.discard {
		*out = append(*out, newFrame(r.header, r.chunks))
	}
	r.st = stateIdleHeader
	r.headerBuf = r.headerBuf[:0]
	r.chunks = nil
	r.discard = false
}

// String aids debugging/log output.
func (s state) String() string {
	switch s {
	case stateIdleHeader:
		return "idleHeader"
	case stateReadingHeader:
		return "readingHeader"
	case stateIdleBody:
		return "idleBody"
	case stateReadingBody:
		return "readingBody"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
