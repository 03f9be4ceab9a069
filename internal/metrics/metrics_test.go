// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package metrics

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func TestNopSink_DoesNotPanic(t *testing.T) {
	var s NopSink
	s.ObserveRequest("echo", time.Millisecond, nil)
	s.ObserveRequest("echo", time.Millisecond, errors.New("boom"))
	s.ObserveInboundFrame()
	s.ObserveRestart("worker-1")
}

func TestLogSink_DoesNotPanic(t *testing.T) {
	s := LogSink{Logger: slog.Default()}
	s.ObserveRequest("echo", time.Millisecond, nil)
	s.ObserveRequest("echo", time.Millisecond, errors.New("boom"))
	s.ObserveInboundFrame()
	s.ObserveRestart("worker-1")
}
