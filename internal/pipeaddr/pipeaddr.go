// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pipeaddr derives stable, collision-resistant filesystem paths
// for the data channel's local-socket endpoint from a (moduleName,
// workerId) pair.
//
// Both ends dial/listen with the stdlib "unix" network. Go's net package
// has supported AF_UNIX sockets on Windows since Go 1.19, so one
// implementation serves both platforms; the traditional \\.\pipe\
// namespace is not used, which keeps SocketClient/SocketServer free of
// build-tagged transport code. Only the stale-socket cleanup check below
// is platform-specific, since Windows has no on-disk artifact to remove.
package pipeaddr

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const sanitizedAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"

// Derive returns the socket path for (moduleName, workerID), sanitizing
// both to an alphanumeric-plus-dash alphabet and joining them under the
// OS temp directory with a conventional extension.
func Derive(moduleName, workerID string) string {
	name := fmt.Sprintf("%s-%s.sock", sanitize(moduleName), sanitize(workerID))
	return filepath.Join(os.TempDir(), "ipcrun", name)
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(sanitizedAlphabet, r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	out := b.String()
	if out == "" {
		out = "default"
	}
	return out
}

// CleanupStale removes a leftover socket file from a previous, uncleanly
// terminated run so a fresh Listen can bind the same path. A no-op when
// the path does not exist, and always a no-op on Windows, where the
// AF_UNIX namespace leaves no filesystem artifact to remove once the
// owning process has exited.
func CleanupStale(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EnsureDir creates the parent directory of path if it does not already
// exist, so the first Listen on a fresh temp directory does not fail.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
