// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alexflint/go-filemutex"
	"github.com/siderolabs/go-retry/retry"
)

// DefaultLockPath is where the system lock lives unless configured otherwise.
const DefaultLockPath = "/run/lock/minios-kernel.lock"

// SystemLock serializes mutating operations across processes. It is an
// advisory flock(2) lock, released by the kernel if the holder dies.
type SystemLock struct {
	path string
	mu   *filemutex.FileMutex
}

// AcquireLock takes the system lock at path. If it is held, it retries until
// wait has elapsed and then returns BusyError. A zero wait fails at once.
func AcquireLock(ctx context.Context, path string, wait time.Duration) (*SystemLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("Could not create lock directory: %w", err)
	}
	mu, err := filemutex.New(path)
	if err != nil {
		return nil, fmt.Errorf("Could not open lock %s: %w", path, err)
	}

	if wait <= 0 {
		err = mu.TryLock()
	} else {
		var last error
		err = retry.Constant(wait, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx, func(ctx context.Context) error {
			last = mu.TryLock()
			if errors.Is(last, filemutex.AlreadyLocked) {
				return retry.ExpectedError(last)
			}
			return last
		})
		if err != nil && ctx.Err() != nil {
			mu.Close()
			return nil, ctx.Err()
		}
		if errors.Is(last, filemutex.AlreadyLocked) {
			err = last
		}
	}
	if err != nil {
		mu.Close()
		if errors.Is(err, filemutex.AlreadyLocked) {
			return nil, &BusyError{LockPath: path, Holder: lockHolder(path)}
		}
		return nil, fmt.Errorf("Could not take lock %s: %w", path, err)
	}

	// The pid is informational only, for BusyError.
	os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)

	return &SystemLock{path: path, mu: mu}, nil
}

func lockHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Release drops the lock.
func (l *SystemLock) Release() error {
	os.Truncate(l.path, 0)
	if err := l.mu.Unlock(); err != nil {
		l.mu.Close()
		return err
	}
	return l.mu.Close()
}
