// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package reassemble

import "github.com/nishisan-dev/ipcrun/internal/wire"

// Frame is a complete decoded frame delivered by the reassembler in batch
// mode. The payload is retained as a sequence of chunks so large frames
// need not be copied into one contiguous buffer; Bytes lazily concatenates
// on first use and returns the sole chunk unchanged when there is exactly
// one.
type Frame struct {
	Header  wire.Header
	chunks  [][]byte
	flatted []byte
}

// newFrame takes ownership of chunks; callers must not retain or mutate
// them afterwards.
func newFrame(h wire.Header, chunks [][]byte) Frame {
	return Frame{Header: h, chunks: chunks}
}

// Chunks returns the zero-copy chunk view of the payload.
func (f Frame) Chunks() [][]byte { return f.chunks }

// Bytes returns the payload as a single contiguous buffer, concatenating
// chunks lazily on first call. Returns nil for a zero-length payload.
func (f *Frame) Bytes() []byte {
	if f.flatted != nil {
		return f.flatted
	}
	if len(f.chunks) == 0 {
		return nil
	}
	if len(f.chunks) == 1 {
		f.flatted = f.chunks[0]
		return f.flatted
	}
	total := 0
	for _, c := range f.chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range f.chunks {
		buf = append(buf, c...)
	}
	f.flatted = buf
	return f.flatted
}
