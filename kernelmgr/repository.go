// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Repository manages the per-version kernel directories on the medium.
//
// A version directory is only ever created or replaced by renaming a fully
// written staging directory over it, so a reader sees either the old or the
// new artifact set.
type Repository struct {
	layout Layout
	log    *zap.Logger
}

// NewRepository returns the repository of layout.
func NewRepository(layout Layout, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{layout: layout, log: logger.Named("repository")}
}

// Exists reports whether version has a directory in the repository.
func (r *Repository) Exists(version string) bool {
	info, err := appFs.Stat(r.layout.KernelDir(version))
	return err == nil && info.IsDir()
}

// Export copies the artifact set src of version into dir.
func Export(src Artifacts, version, dir string) error {
	if err := appFs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("Could not create %s: %w", dir, err)
	}
	dst := artifactsIn(dir, version)
	for i, p := range src.Paths() {
		if err := copyFile(dst.Paths()[i], p); err != nil {
			return fmt.Errorf("Could not export %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// Install places the artifact set src as version.
//
// An existing version directory is replaced only with force; it is moved
// aside first and moved back if the replacement fails.
func (r *Repository) Install(version string, src Artifacts, meta kernelMetadata, force bool) (err error) {
	target := r.layout.KernelDir(version)
	if r.Exists(version) && !force {
		return &KernelExistsError{Version: version}
	}
	if err := appFs.MkdirAll(r.layout.RepositoryDir(), 0755); err != nil {
		return err
	}

	staging := filepath.Join(r.layout.RepositoryDir(), stagingPrefix+uuid.NewString())
	defer func() {
		if err == nil {
			return
		}
		if rerr := removeAll(staging); rerr != nil && !os.IsNotExist(rerr) {
			err = multierror.Append(err, rerr)
		}
	}()

	if err := Export(src, version, staging); err != nil {
		return err
	}
	if meta.PackagedAt.IsZero() {
		meta.PackagedAt = time.Now().UTC()
	}
	if err := writeMetadata(filepath.Join(staging, metadataName), meta); err != nil {
		return fmt.Errorf("Could not write metadata: %w", err)
	}
	syncDir(staging)

	var retired string
	if r.Exists(version) {
		retired = filepath.Join(r.layout.RepositoryDir(), retiredPrefix+uuid.NewString())
		if err := appFs.Rename(target, retired); err != nil {
			return fmt.Errorf("Could not move existing kernel aside: %w", err)
		}
		r.log.Debug("moved existing kernel aside", zap.String("version", version), zap.String("path", retired))
	}
	if err := appFs.Rename(staging, target); err != nil {
		err = fmt.Errorf("Could not move kernel into place: %w", err)
		if retired != "" {
			if rerr := appFs.Rename(retired, target); rerr != nil {
				return multierror.Append(err, fmt.Errorf("Could not restore previous kernel from %s: %w", retired, rerr))
			}
		}
		return err
	}
	syncDir(r.layout.RepositoryDir())

	if retired != "" {
		if rerr := removeAll(retired); rerr != nil {
			r.log.Warn("could not remove replaced kernel", zap.String("path", retired), zap.Error(rerr))
		}
	}
	r.log.Info("kernel installed", zap.String("version", version), zap.String("path", target))
	return nil
}

// Delete removes version from the repository along with any live leftovers.
// The caller makes sure version is neither active nor running.
func (r *Repository) Delete(version string) error {
	var result *multierror.Error
	if r.Exists(version) {
		deleted := filepath.Join(r.layout.RepositoryDir(), deletedPrefix+uuid.NewString())
		if err := appFs.Rename(r.layout.KernelDir(version), deleted); err != nil {
			return fmt.Errorf("Could not remove kernel %s: %w", version, err)
		}
		syncDir(r.layout.RepositoryDir())
		if err := removeAll(deleted); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, p := range r.layout.LiveArtifacts(version).present() {
		if err := appFs.Remove(p); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.log.Info("kernel deleted", zap.String("version", version))
	return result.ErrorOrNil()
}

// Recover cleans up after an interrupted install or delete. Staging
// directories and directories of deleted kernels are discarded. A complete
// kernel moved aside by a forced install is moved back if its version is
// missing; anything else moved aside is discarded.
func (r *Repository) Recover() error {
	entries, err := readDirIfExists(r.layout.RepositoryDir())
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(r.layout.RepositoryDir(), name)
		switch {
		case !entry.IsDir():
			continue
		case strings.HasPrefix(name, stagingPrefix), strings.HasPrefix(name, deletedPrefix):
		case strings.HasPrefix(name, retiredPrefix):
			if v := versionInDir(path); v != "" && !r.Exists(v) && artifactsIn(path, v).complete() {
				r.log.Warn("restoring kernel moved aside by an interrupted operation", zap.String("version", v))
				if err := appFs.Rename(path, r.layout.KernelDir(v)); err != nil {
					result = multierror.Append(result, err)
				}
				continue
			}
		default:
			continue
		}
		r.log.Info("removing leftover directory", zap.String("path", path))
		if err := removeAll(path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// versionInDir returns the version of the kernel image in dir.
func versionInDir(dir string) string {
	if meta, err := readMetadata(filepath.Join(dir, metadataName)); err == nil && meta.Version != "" {
		return meta.Version
	}
	entries, _ := readDirIfExists(dir)
	for _, entry := range entries {
		if v := versionFromName(entry.Name(), imagePrefix, ""); v != "" && !entry.IsDir() {
			return v
		}
	}
	return ""
}
