// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads the YAML document describing a worker's process,
// channel, reconnect, shutdown, and logging knobs, following the teacher's
// agent.go shape: nested structs tagged yaml:"...", a Load entry point,
// and human-readable byte-size strings ("256mb") parsed into a raw int64
// field by the same suffix parser the teacher uses for its buffer sizes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nishisan-dev/ipcrun/internal/process"
	"github.com/nishisan-dev/ipcrun/internal/reconnect"
	"github.com/nishisan-dev/ipcrun/internal/serialize"
	"github.com/nishisan-dev/ipcrun/internal/shutdown"
)

// Config is the root of a worker's YAML configuration document.
type Config struct {
	Worker  WorkerConfig `yaml:"worker"`
	Logging LoggingInfo  `yaml:"logging"`
}

// WorkerConfig describes the child process to spawn and how the process
// manager supervises, talks to, and tears it down.
type WorkerConfig struct {
	Command []string `yaml:"command"`
	Args    []string `yaml:"args"`

	Restart     RestartInfo     `yaml:"restart"`
	Control     ControlInfo     `yaml:"control"`
	DataChannel DataChannelInfo `yaml:"data_channel"`
	Reconnect   ReconnectInfo   `yaml:"reconnect"`
	Shutdown    ShutdownInfo    `yaml:"shutdown"`
}

// RestartInfo mirrors process.RestartPolicy, per spec.md §4.10.
type RestartInfo struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRestarts int           `yaml:"max_restarts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// ControlInfo mirrors the channel-engine knobs of process.SpawnOptions.
type ControlInfo struct {
	Timeout                  time.Duration `yaml:"timeout"`
	BufferEarlyNotifications int           `yaml:"buffer_early_notifications"`
	MaxInboundFrames         int           `yaml:"max_inbound_frames"` // 0 = unbounded
	PendingRequestPoolSize   int           `yaml:"pending_request_pool_size"`
}

// DataChannelInfo mirrors process.DataChannelOptions. MaxPayload and
// MaxBytesPerSec are human byte-size strings (e.g. "1gb", "5mb"); spec.md's
// absolute wire cap is 2^31-1 regardless of what MaxPayload configures.
type DataChannelInfo struct {
	Enabled       bool   `yaml:"enabled"`
	Serialization string `yaml:"serialization"` // "json" (default) or "json+zstd"
	MaxPayload    string `yaml:"max_payload"`
	MaxPayloadRaw int64  `yaml:"-"`

	// MaxBytesPerSec throttles the data channel's write side via
	// transport.NewRateLimitedTransport. Empty or "0" disables throttling.
	MaxBytesPerSec    string `yaml:"max_bytes_per_sec"`
	MaxBytesPerSecRaw int64  `yaml:"-"`
}

// ReconnectInfo mirrors reconnect.Options.
type ReconnectInfo struct {
	Enabled      *bool         `yaml:"enabled"` // nil (omitted) -> default true
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterRatio  float64       `yaml:"jitter_ratio"`
	MaxAttempts  int           `yaml:"max_attempts"`
	MaxQueueSize int           `yaml:"max_queue_size"`
	QueueTimeout time.Duration `yaml:"queue_timeout"`
}

// ShutdownInfo mirrors shutdown.Options.
type ShutdownInfo struct {
	Timeout  time.Duration `yaml:"timeout"`
	ExitWait time.Duration `yaml:"exit_wait"`
}

// LoggingInfo contains the logging knobs shared by every worker and the
// host process that embeds this module.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads and validates the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("worker.command is required")
	}

	if c.Worker.Restart.MaxRestarts < 0 {
		return fmt.Errorf("worker.restart.max_restarts must be >= 0, got %d", c.Worker.Restart.MaxRestarts)
	}
	if c.Worker.Restart.Backoff < 0 {
		return fmt.Errorf("worker.restart.backoff must be >= 0")
	}

	if c.Worker.Control.Timeout < 0 {
		return fmt.Errorf("worker.control.timeout must be >= 0")
	}
	if c.Worker.Control.MaxInboundFrames < 0 {
		return fmt.Errorf("worker.control.max_inbound_frames must be >= 0 (0 = unbounded)")
	}

	if c.Worker.DataChannel.Enabled {
		switch c.Worker.DataChannel.Serialization {
		case "", "json", "json+zstd":
		default:
			return fmt.Errorf("worker.data_channel.serialization must be one of json, json+zstd, got %q", c.Worker.DataChannel.Serialization)
		}
		if c.Worker.DataChannel.MaxPayload != "" {
			parsed, err := ParseByteSize(c.Worker.DataChannel.MaxPayload)
			if err != nil {
				return fmt.Errorf("worker.data_channel.max_payload: %w", err)
			}
			if parsed <= 0 || parsed > (1<<31-1) {
				return fmt.Errorf("worker.data_channel.max_payload must be between 1 and 2147483647 bytes, got %d", parsed)
			}
			c.Worker.DataChannel.MaxPayloadRaw = parsed
		}
		if c.Worker.DataChannel.MaxBytesPerSec != "" {
			parsed, err := ParseByteSize(c.Worker.DataChannel.MaxBytesPerSec)
			if err != nil {
				return fmt.Errorf("worker.data_channel.max_bytes_per_sec: %w", err)
			}
			if parsed < 0 {
				return fmt.Errorf("worker.data_channel.max_bytes_per_sec must be >= 0, got %d", parsed)
			}
			c.Worker.DataChannel.MaxBytesPerSecRaw = parsed
		}
	}

	if c.Worker.Reconnect.InitialDelay < 0 {
		return fmt.Errorf("worker.reconnect.initial_delay must be >= 0")
	}
	if c.Worker.Reconnect.Multiplier != 0 && c.Worker.Reconnect.Multiplier < 1 {
		return fmt.Errorf("worker.reconnect.multiplier must be >= 1 when set, got %v", c.Worker.Reconnect.Multiplier)
	}
	if c.Worker.Reconnect.JitterRatio < 0 || c.Worker.Reconnect.JitterRatio > 1 {
		return fmt.Errorf("worker.reconnect.jitter_ratio must be between 0 and 1, got %v", c.Worker.Reconnect.JitterRatio)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// RestartPolicy converts the YAML section into process.RestartPolicy.
func (w WorkerConfig) RestartPolicy() process.RestartPolicy {
	return process.RestartPolicy{
		Enabled:     w.Restart.Enabled,
		MaxRestarts: w.Restart.MaxRestarts,
		Backoff:     w.Restart.Backoff,
		MaxBackoff:  w.Restart.MaxBackoff,
	}
}

// ReconnectOptions converts the YAML section into reconnect.Options,
// applying the documented default of Enabled: true when the YAML document
// omits the field entirely — a responsibility reconnect.Options itself
// explicitly defers to its caller (see reconnect.Options.Enabled's doc
// comment).
func (r ReconnectInfo) ReconnectOptions() reconnect.Options {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return reconnect.Options{
		Enabled:      enabled,
		InitialDelay: r.InitialDelay,
		Multiplier:   r.Multiplier,
		MaxDelay:     r.MaxDelay,
		JitterRatio:  r.JitterRatio,
		MaxAttempts:  r.MaxAttempts,
		QueueEnabled: true,
		MaxQueueSize: r.MaxQueueSize,
		QueueTimeout: r.QueueTimeout,
	}
}

// DataChannelOptions converts the YAML section into process.DataChannelOptions.
// "json+zstd" builds a serialize.CompressedCodec wrapping JSONCodec; any
// other value (including the empty default) leaves serialization nil so
// SpawnOptions.withDefaults applies serialize.JSONCodec{}. The manager
// passes the resulting codec's Name() to the child in the handshake's
// data_channel.serialization field so both ends agree on the wire format.
func (d DataChannelInfo) DataChannelOptions() (process.DataChannelOptions, error) {
	var codec serialize.Codec
	if d.Serialization == "json+zstd" {
		compressed, err := serialize.NewCompressedCodec(serialize.JSONCodec{})
		if err != nil {
			return process.DataChannelOptions{}, fmt.Errorf("worker.data_channel: %w", err)
		}
		codec = compressed
	}
	return process.DataChannelOptions{
		Enabled:        d.Enabled,
		Serialization:  codec,
		MaxBytesPerSec: d.MaxBytesPerSecRaw,
	}, nil
}

// ShutdownOptions converts the YAML section into shutdown.Options.
func (s ShutdownInfo) ShutdownOptions() shutdown.Options {
	return shutdown.Options{
		Timeout:  s.Timeout,
		ExitWait: s.ExitWait,
	}
}

// ParseByteSize converts human-readable strings like "256mb", "1gb" into
// bytes. Grounded on the teacher's agent.go ParseByteSize, unchanged.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
