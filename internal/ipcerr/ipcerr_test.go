// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ipcerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	err := New(KindTimeout, "channel.request", errors.New("deadline exceeded"))
	if !Is(err, KindTimeout) {
		t.Error("expected Is to match KindTimeout")
	}
	if Is(err, KindState) {
		t.Error("did not expect Is to match KindState")
	}
}

func TestIs_Wrapped(t *testing.T) {
	inner := New(KindTransport, "transport.write", errors.New("broken pipe"))
	wrapped := fmt.Errorf("request failed: %w", inner)
	if !Is(wrapped, KindTransport) {
		t.Error("expected Is to see through fmt.Errorf wrapping")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("eof")
	err := New(KindFraming, "framing.decode", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestError_NilCause(t *testing.T) {
	err := New(KindState, "channel.start", nil)
	if err.Error() == "" {
		t.Error("expected non-empty message")
	}
}
