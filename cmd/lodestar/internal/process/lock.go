// Copyright (C) 2026 Lodestar Systems (hello@lodestar.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// ErrOperationInFlight is returned when another orchestration-mutating
// operation already holds the deployment lock.
var ErrOperationInFlight = errors.New("another operation is in flight for this deployment")

// OperationLocker serializes orchestration-mutating operations (start,
// stop, install, rollback) per deployment directory.
//
// # Description
//
// Without the lock, two terminals can interleave destructively:
//
//   - Terminal A: `lodestar stack start` (waiting for postgres)
//   - Terminal B: `lodestar update apply` (stops the stack A is starting)
//
// The lock is advisory and file-based, so it also guards against a second
// CLI process, not just a second goroutine.
//
// # Thread Safety
//
// A single OperationLock instance is NOT safe for concurrent use from
// multiple goroutines; acquire it from the operation entry point only.
type OperationLocker interface {
	// Acquire attempts to take the exclusive deployment lock, recording
	// the operation name for diagnostics. Returns ErrOperationInFlight
	// if another process or goroutine holds it.
	Acquire(operation string) error

	// Release releases the lock if held. Safe to call multiple times.
	Release() error

	// IsHeld reports whether this instance currently holds the lock.
	IsHeld() bool
}

// OperationLock implements OperationLocker with flock(2) on a lock file
// inside the deployment directory.
//
// # How It Works
//
//  1. Opens {dir}/.lodestar.lock (created if absent)
//  2. Attempts a non-blocking exclusive flock
//  3. On success writes "{pid} {operation}" into the file for debugging
//  4. Release truncates the file and drops the flock
//
// # Limitations
//
//   - Advisory only; processes that don't check are not excluded
//   - flock over NFS is unreliable; deployments are expected on local disk
//   - The OS releases the flock automatically if the process crashes
type OperationLock struct {
	dir  string
	file *os.File
	held bool
	mu   sync.Mutex
}

// NewOperationLock creates a lock bound to a deployment directory.
func NewOperationLock(deploymentDir string) *OperationLock {
	return &OperationLock{dir: deploymentDir}
}

// Acquire attempts to take the exclusive deployment lock.
func (l *OperationLock) Acquire(operation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return fmt.Errorf("%w: %s already holds it in this process", ErrOperationInFlight, l.dir)
	}

	lockPath := filepath.Join(l.dir, ".lodestar.lock")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fmt.Errorf("%w (lock file: %s)", ErrOperationInFlight, lockPath)
		}
		return fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}

	// Best effort debugging hint; the flock is the actual guard.
	_ = file.Truncate(0)
	_, _ = fmt.Fprintf(file, "%d %s\n", os.Getpid(), operation)

	l.file = file
	l.held = true
	return nil
}

// Release releases the lock if held.
func (l *OperationLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held || l.file == nil {
		return nil
	}

	_ = l.file.Truncate(0)
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	l.held = false

	if err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}
	return closeErr
}

// IsHeld reports whether this instance currently holds the lock.
func (l *OperationLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Compile-time interface check.
var _ OperationLocker = (*OperationLock)(nil)
