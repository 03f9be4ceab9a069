// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

const fullExample = `
worker:
  command: ["./worker"]
  args: ["--flag"]
  restart:
    enabled: true
    max_restarts: 5
    backoff: 500ms
    max_backoff: 30s
  control:
    timeout: 30s
    buffer_early_notifications: 10
    max_inbound_frames: 0
    pending_request_pool_size: 100
  data_channel:
    enabled: true
    serialization: json+zstd
    max_payload: 1073741824
    max_bytes_per_sec: 5mb
  reconnect:
    initial_delay: 200ms
    multiplier: 2.0
    max_delay: 10s
    jitter_ratio: 0.2
    max_attempts: 20
    max_queue_size: 256
    queue_timeout: 5s
  shutdown:
    timeout: 5s
    exit_wait: 3s
logging:
  level: info
  format: json
  file: ""
`

func TestLoad_FullExample(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullExample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Worker.Command) != 1 || cfg.Worker.Command[0] != "./worker" {
		t.Errorf("expected worker.command [./worker], got %v", cfg.Worker.Command)
	}
	if cfg.Worker.Restart.MaxRestarts != 5 {
		t.Errorf("expected max_restarts 5, got %d", cfg.Worker.Restart.MaxRestarts)
	}
	if cfg.Worker.Restart.Backoff != 500*time.Millisecond {
		t.Errorf("expected backoff 500ms, got %v", cfg.Worker.Restart.Backoff)
	}
	if cfg.Worker.Control.Timeout != 30*time.Second {
		t.Errorf("expected control.timeout 30s, got %v", cfg.Worker.Control.Timeout)
	}
	if !cfg.Worker.DataChannel.Enabled {
		t.Error("expected data_channel.enabled true")
	}
	if cfg.Worker.DataChannel.MaxPayloadRaw != 1073741824 {
		t.Errorf("expected max_payload_raw 1073741824, got %d", cfg.Worker.DataChannel.MaxPayloadRaw)
	}
	if cfg.Worker.DataChannel.MaxBytesPerSecRaw != 5*1024*1024 {
		t.Errorf("expected max_bytes_per_sec_raw 5mb, got %d", cfg.Worker.DataChannel.MaxBytesPerSecRaw)
	}
	if cfg.Worker.Reconnect.Enabled != nil {
		t.Error("expected reconnect.enabled to stay nil when the fixture omits it (defaulting happens in ReconnectOptions, not Load)")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging.level info, got %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingWorkerCommandFails(t *testing.T) {
	_, err := Load(writeConfig(t, "worker:\n  args: []\n"))
	if err == nil {
		t.Fatal("expected an error for a missing worker.command")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a nonexistent config file")
	}
}

func TestLoad_DefaultsLoggingWhenOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, "worker:\n  command: [\"./worker\"]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging.level info, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected default logging.format json, got %q", cfg.Logging.Format)
	}
}

func TestLoad_InvalidMaxPayloadFails(t *testing.T) {
	body := `
worker:
  command: ["./worker"]
  data_channel:
    enabled: true
    max_payload: "not-a-size"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected an error for an invalid max_payload string")
	}
}

func TestReconnectInfo_ReconnectOptions_DefaultsEnabledTrueWhenOmitted(t *testing.T) {
	var r ReconnectInfo // Enabled left nil, as when the YAML document omits it
	opts := r.ReconnectOptions()
	if !opts.Enabled {
		t.Error("expected ReconnectOptions to default Enabled to true when the YAML field is omitted")
	}
}

func TestReconnectInfo_ReconnectOptions_RespectsExplicitFalse(t *testing.T) {
	disabled := false
	r := ReconnectInfo{Enabled: &disabled}
	opts := r.ReconnectOptions()
	if opts.Enabled {
		t.Error("expected ReconnectOptions to respect an explicit enabled: false")
	}
}

func TestDataChannelInfo_DataChannelOptions_PlainJSON(t *testing.T) {
	d := DataChannelInfo{Enabled: true, Serialization: "json", MaxBytesPerSecRaw: 1000}
	opts, err := d.DataChannelOptions()
	if err != nil {
		t.Fatalf("DataChannelOptions: %v", err)
	}
	if !opts.Enabled {
		t.Error("expected Enabled true")
	}
	if opts.Serialization != nil {
		t.Error("expected nil Serialization for plain json, so SpawnOptions.withDefaults applies JSONCodec{}")
	}
	if opts.MaxBytesPerSec != 1000 {
		t.Errorf("expected MaxBytesPerSec 1000, got %d", opts.MaxBytesPerSec)
	}
}

func TestDataChannelInfo_DataChannelOptions_Zstd(t *testing.T) {
	d := DataChannelInfo{Enabled: true, Serialization: "json+zstd"}
	opts, err := d.DataChannelOptions()
	if err != nil {
		t.Fatalf("DataChannelOptions: %v", err)
	}
	if opts.Serialization == nil {
		t.Fatal("expected a non-nil compressed Serialization codec")
	}
	if opts.Serialization.Name() != "json+zstd" {
		t.Errorf("expected codec name json+zstd, got %q", opts.Serialization.Name())
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"256mb": 256 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"4kb":   4 * 1024,
		"10":    10,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}
