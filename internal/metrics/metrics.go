// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metrics defines the narrow observation sink the channel engine
// and process manager call into, generalized from the teacher's periodic
// stats-reporting shape (internal/agent/stats_reporter.go) into a
// caller-supplied interface rather than a hardwired reporter.
package metrics

import (
	"log/slog"
	"time"
)

// Sink receives point observations from the channel engine (C7) and
// process manager (C10). All methods must return promptly; a sink that
// blocks stalls the caller's hot path.
type Sink interface {
	// ObserveRequest records one request/response round trip. err is the
	// outcome: nil on success, a timeout/protocol/transport error otherwise.
	// The channel engine also reports errors not tied to a request through
	// it, with an empty method and a zero duration.
	ObserveRequest(method string, dur time.Duration, err error)
	// ObserveInboundFrame records one frame delivered on the receive path.
	ObserveInboundFrame()
	// ObserveRestart records one process restart for the given handle id.
	ObserveRestart(id string)
}

// NopSink discards every observation. The zero value is ready to use and
// is the default when no sink is configured.
type NopSink struct{}

func (NopSink) ObserveRequest(string, time.Duration, error) {}
func (NopSink) ObserveInboundFrame()                         {}
func (NopSink) ObserveRestart(string)                        {}

// LogSink emits each observation as a structured log line at debug level.
// Grounded on the teacher's logging discipline (internal/logging) rather
// than a metrics/counters library: no pack repo's go.mod (for this
// teacher) pulls in a metrics client, so a slog-backed sink is the
// faithful default; callers wanting Prometheus/OTel plug in their own
// Sink implementation.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) ObserveRequest(method string, dur time.Duration, err error) {
	if err != nil {
		s.Logger.Debug("request observed", "method", method, "duration", dur, "error", err)
		return
	}
	s.Logger.Debug("request observed", "method", method, "duration", dur)
}

func (s LogSink) ObserveInboundFrame() {
	s.Logger.Debug("inbound frame observed")
}

func (s LogSink) ObserveRestart(id string) {
	s.Logger.Debug("restart observed", "id", id)
}

var (
	_ Sink = NopSink{}
	_ Sink = LogSink{}
)
