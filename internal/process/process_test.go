// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/ipcrun/internal/ipcerr"
	"github.com/nishisan-dev/ipcrun/internal/shutdown"
)

func TestRestartDelay_GrowsAndClamps(t *testing.T) {
	policy := RestartPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	cases := []struct {
		restartCount int
		want         time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // clamped: 1.6s -> 1s
	}
	for _, c := range cases {
		got := restartDelay(policy, c.restartCount)
		if got != c.want {
			t.Errorf("restartDelay(restartCount=%d) = %v, want %v", c.restartCount, got, c.want)
		}
	}
}

func TestRestartDelay_DefaultsWhenBackoffUnset(t *testing.T) {
	got := restartDelay(RestartPolicy{}, 0)
	if got != time.Second {
		t.Errorf("expected 1s default, got %v", got)
	}
}

func TestExitCode_CleanAndNonZero(t *testing.T) {
	if err := exec.Command("sh", "-c", "exit 0").Run(); exitCode(err) != 0 {
		t.Errorf("expected exit code 0 for a clean exit, got %d", exitCode(err))
	}
	err := exec.Command("sh", "-c", "exit 7").Run()
	if err == nil {
		t.Fatal("expected a non-nil error for a non-zero exit")
	}
	if got := exitCode(err); got != 7 {
		t.Errorf("expected exit code 7, got %d", got)
	}
}

func TestExitCode_NilIsClean(t *testing.T) {
	if exitCode(nil) != 0 {
		t.Error("expected exitCode(nil) == 0")
	}
}

func TestManager_SpawnDuplicateIDFailsFast(t *testing.T) {
	m := NewManager("ipcrun-test", nil, nil)

	started := make(chan struct{})
	go func() {
		// A command that starts but never completes the handshake within
		// this short ReadyTimeout; Spawn will eventually fail and remove
		// the id, but not before the duplicate check below runs.
		opts := SpawnOptions{
			Command:      "sh",
			Args:         []string{"-c", "sleep 2"},
			ReadyTimeout: 200 * time.Millisecond,
		}
		close(started)
		m.Spawn(context.Background(), "dup", opts)
	}()

	<-started
	time.Sleep(20 * time.Millisecond)
	if _, ok := m.GetHandle("dup"); !ok {
		t.Skip("first spawn already failed before the duplicate check could run")
	}

	_, err := m.Spawn(context.Background(), "dup", SpawnOptions{Command: "sh", Args: []string{"-c", "sleep 2"}})
	if !ipcerr.Is(err, ipcerr.KindState) {
		t.Fatalf("expected KindState duplicate-id error, got %v", err)
	}
}

func TestManager_SpawnWithLogDirCreatesAndClosesFileOnFailure(t *testing.T) {
	m := NewManager("ipcrun-test", nil, nil)
	dir := t.TempDir()

	_, err := m.Spawn(context.Background(), "logdir", SpawnOptions{
		Command:      "sh",
		Args:         []string{"-c", "exit 0"},
		ReadyTimeout: 100 * time.Millisecond,
		LogDir:       dir,
	})
	if err == nil {
		t.Fatal("expected Spawn to fail: sh exits before ever completing the handshake")
	}

	logPath := filepath.Join(dir, "ipcrun-test", "logdir.log")
	if _, statErr := os.Stat(logPath); statErr != nil {
		t.Errorf("expected a per-process log file at %s: %v", logPath, statErr)
	}
}

func TestManager_GetHandleUnknownID(t *testing.T) {
	m := NewManager("ipcrun-test", nil, nil)
	if _, ok := m.GetHandle("nope"); ok {
		t.Error("expected no handle for an unregistered id")
	}
	if m.IsRunning("nope") {
		t.Error("expected IsRunning false for an unregistered id")
	}
}

func TestManager_ReloadRestartPolicyUnknownID(t *testing.T) {
	m := NewManager("ipcrun-test", nil, nil)
	err := m.ReloadRestartPolicy("nope", RestartPolicy{Enabled: true})
	if !ipcerr.Is(err, ipcerr.KindState) {
		t.Fatalf("expected KindState for an unknown id, got %v", err)
	}
}

func TestManager_TerminateUnknownID(t *testing.T) {
	m := NewManager("ipcrun-test", nil, nil)
	_, err := m.Terminate(context.Background(), "nope", shutdown.Options{})
	if !ipcerr.Is(err, ipcerr.KindState) {
		t.Fatalf("expected KindState for an unknown id, got %v", err)
	}
}
