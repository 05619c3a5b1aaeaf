// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"errors"
	"fmt"
)

var (
	// ErrPackageListsOutdated means the apt lists are missing or older than
	// the configured maximum age.
	ErrPackageListsOutdated = errors.New("package lists are outdated, run 'apt update' or use --force-update")
	// ErrInsufficientSpace means no scratch location has enough free space.
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// ScanError is returned when the kernel repository or the boot tree cannot be read.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("cannot scan %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// NotInstalledError is returned when activating a kernel that is not installed.
type NotInstalledError struct {
	Version string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("kernel %s is not installed", e.Version)
}

// PackageNotFoundError is returned when a repository package cannot be resolved.
type PackageNotFoundError struct {
	Package string
	Err     error
}

func (e *PackageNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("package %s not found: %v", e.Package, e.Err)
	}
	return fmt.Sprintf("package %s not found", e.Package)
}

func (e *PackageNotFoundError) Unwrap() error { return e.Err }

// IntegrityError is returned when a downloaded package does not match the
// size or hash published in the package index.
type IntegrityError struct {
	Package string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check of %s failed: %s", e.Package, e.Reason)
}

// MalformedPackageError is returned when a package file is not a usable
// kernel package.
type MalformedPackageError struct {
	Path   string
	Reason string
	Err    error
}

func (e *MalformedPackageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed package %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed package %s: %s", e.Path, e.Reason)
}

func (e *MalformedPackageError) Unwrap() error { return e.Err }

// DegradedActivationError is returned when the new kernel was recorded as
// active but regenerating the derived boot state failed. Running regeneration
// again completes the activation.
type DegradedActivationError struct {
	Version    string
	Generation uint64
	Err        error
}

func (e *DegradedActivationError) Error() string {
	return fmt.Sprintf("kernel %s is active (generation %d) but boot state regeneration failed: %v; run 'minios-kernel regenerate'",
		e.Version, e.Generation, e.Err)
}

func (e *DegradedActivationError) Unwrap() error { return e.Err }

// BusyError is returned when another operation holds the system lock.
type BusyError struct {
	LockPath string
	Holder   string // pid of the holder, if known
}

func (e *BusyError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("another kernel operation is in progress (lock %s held by pid %s)", e.LockPath, e.Holder)
	}
	return fmt.Sprintf("another kernel operation is in progress (lock %s)", e.LockPath)
}

// ActivationFailedError is returned when writing the boot configuration
// failed. The previously active kernel remains in effect.
type ActivationFailedError struct {
	Version string
	Err     error
}

func (e *ActivationFailedError) Error() string {
	return fmt.Sprintf("could not activate kernel %s: %v", e.Version, e.Err)
}

func (e *ActivationFailedError) Unwrap() error { return e.Err }

// NotAuthorizedError is returned when the caller may not perform a privileged action.
type NotAuthorizedError struct {
	Action Action
	Err    error
}

func (e *NotAuthorizedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not authorized to %s: %v", e.Action.verb(), e.Err)
	}
	return fmt.Sprintf("not authorized to %s", e.Action.verb())
}

func (e *NotAuthorizedError) Unwrap() error { return e.Err }

// InstallFailedError is returned when building or installing an artifact set
// failed. The repository is left as it was.
type InstallFailedError struct {
	Version string
	Err     error
}

func (e *InstallFailedError) Error() string {
	return fmt.Sprintf("could not install kernel %s: %v", e.Version, e.Err)
}

func (e *InstallFailedError) Unwrap() error { return e.Err }

// KernelExistsError is returned when packaging a version that is already
// installed and replacing it was not requested.
type KernelExistsError struct {
	Version string
}

func (e *KernelExistsError) Error() string {
	return fmt.Sprintf("kernel %s is already installed, use --force to replace it", e.Version)
}

// KernelInUseError is returned when deleting the active or the running kernel.
type KernelInUseError struct {
	Version string
	Reason  string
}

func (e *KernelInUseError) Error() string {
	return fmt.Sprintf("kernel %s is %s", e.Version, e.Reason)
}
