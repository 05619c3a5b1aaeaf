// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DefaultMinTempSpace is the free space a scratch directory needs, enough to
// unpack a kernel package and build its module bundle.
const DefaultMinTempSpace = 1024 * humanize.MiByte

// unionTempDir returns the scratch directory on the union filesystem's
// writable layer, used when /tmp is too small on a live system.
func unionTempDir() string {
	if UnionFilesystem() == "aufs" {
		return "/run/initramfs/memory/changes/tmp"
	}
	return "/run/initramfs/memory/changes/changes/tmp"
}

// scratchDir creates a private scratch directory.
//
// A custom directory must exist, be writable and have required bytes free.
// Otherwise /tmp is tried and then the union filesystem's writable layer.
func scratchDir(log *zap.Logger, custom string, required uint64) (string, error) {
	if custom != "" {
		if err := checkScratch(custom, required, false); err != nil {
			return "", err
		}
		return afero.TempDir(appFs, custom, "minios-kernel-")
	}

	var tried []error
	for _, candidate := range []string{os.TempDir(), unionTempDir()} {
		if err := checkScratch(candidate, required, true); err != nil {
			log.Debug("scratch location rejected", zap.String("dir", candidate), zap.Error(err))
			tried = append(tried, err)
			continue
		}
		return afero.TempDir(appFs, candidate, "minios-kernel-")
	}
	return "", fmt.Errorf("no scratch location with %s free: %w", humanize.IBytes(required), errors.Join(tried...))
}

func checkScratch(dir string, required uint64, create bool) error {
	info, err := appFs.Stat(dir)
	switch {
	case err != nil && os.IsNotExist(err) && create:
		if err := appFs.MkdirAll(dir, 01777); err != nil {
			return fmt.Errorf("Could not create %s: %w", dir, err)
		}
	case err != nil:
		return fmt.Errorf("temporary directory %s: %w", dir, err)
	case !info.IsDir():
		return fmt.Errorf("temporary directory %s is not a directory", dir)
	}

	probe, err := afero.TempFile(appFs, dir, ".minios-kernel-probe-")
	if err != nil {
		return fmt.Errorf("temporary directory %s is not writable: %w", dir, err)
	}
	probe.Close()
	appFs.Remove(probe.Name())

	free, err := freeSpace(dir)
	if err != nil {
		return fmt.Errorf("Could not check free space in %s: %w", dir, err)
	}
	if free < required {
		return fmt.Errorf("%w in %s: %s available, %s required", ErrInsufficientSpace, dir,
			humanize.IBytes(free), humanize.IBytes(required))
	}
	return nil
}

// removeAll removes path, ignoring a path that is already gone.
func removeAll(path string) error {
	if path == "" || path == "/" || filepath.Clean(path) == "." {
		return fmt.Errorf("refusing to remove %q", path)
	}
	return appFs.RemoveAll(path)
}
