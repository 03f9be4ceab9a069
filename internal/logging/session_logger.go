// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers at once. Used by NewProcessLogger to write simultaneously to
// the global logger and a worker's own dedicated log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check each handler's own Enabled() before dispatching, so a DEBUG
	// record isn't sent to a primary handler that only accepts INFO+.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write error on the per-process file must not take down global logging.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewProcessLogger builds a logger that writes to both baseLogger (the
// host's global logger) and a file dedicated to one spawned worker, at:
//
//	{logDir}/{moduleName}/{handleID}.log
//
// Returns the enriched logger, an io.Closer for the dedicated file, and
// the file's path (logDir joined with the two components above). The Closer MUST be called (e.g. from
// process.Manager's exit handling) once the worker's handle is torn down.
//
// If logDir is empty, NewProcessLogger is a no-op and returns baseLogger
// unmodified — a Manager not configured for per-process logs pays nothing
// for this feature.
func NewProcessLogger(baseLogger *slog.Logger, logDir, moduleName, handleID string) (*slog.Logger, io.Closer, string, error) {
	if logDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(logDir, moduleName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating process log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, handleID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening process log file %s: %w", logPath, err)
	}

	// The per-process file always uses JSON at DEBUG for maximum capture,
	// independent of the global logger's configured level/format.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveProcessLog deletes the log file of a handle that exited cleanly.
// No-op if logDir is empty or the file doesn't exist.
func RemoveProcessLog(logDir, moduleName, handleID string) {
	if logDir == "" {
		return
	}
	logPath := filepath.Join(logDir, moduleName, handleID+".log")
	os.Remove(logPath)
}
