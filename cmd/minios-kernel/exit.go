// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minios-linux/minios-kernel-manager/kernelmgr"
)

// Exit codes. Each error kind gets its own, so scripts and the GUI can tell
// them apart without parsing messages.
const (
	exitOK               = 0
	exitUnexpected       = 1
	exitUsage            = 2
	exitScan             = 3
	exitNotInstalled     = 4
	exitPackageNotFound  = 5
	exitIntegrity        = 6
	exitMalformedPackage = 7
	exitDegraded         = 8
	exitBusy             = 9
	exitActivationFailed = 10
	exitNotAuthorized    = 11
	exitInstallFailed    = 12
	exitKernelExists     = 13
	exitKernelInUse      = 14
	exitConfig           = 15
	exitCancelled        = 130
)

// usageError is a command line the commands cannot make sense of.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

// configError is a configuration that cannot be loaded.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }

func (e *configError) Unwrap() error { return e.err }

// usageArgs makes argument validation failures usage errors.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

func exitCode(err error) int {
	var (
		usage      *usageError
		config     *configError
		scan       *kernelmgr.ScanError
		notInst    *kernelmgr.NotInstalledError
		notFound   *kernelmgr.PackageNotFoundError
		integrity  *kernelmgr.IntegrityError
		malformed  *kernelmgr.MalformedPackageError
		degraded   *kernelmgr.DegradedActivationError
		busy       *kernelmgr.BusyError
		activation *kernelmgr.ActivationFailedError
		notAuth    *kernelmgr.NotAuthorizedError
		install    *kernelmgr.InstallFailedError
		exists     *kernelmgr.KernelExistsError
		inUse      *kernelmgr.KernelInUseError
	)

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.As(err, &usage), strings.HasPrefix(err.Error(), "unknown command"):
		return exitUsage
	case errors.As(err, &config), errors.Is(err, kernelmgr.ErrMiniOSNotFound):
		return exitConfig
	case errors.As(err, &notAuth):
		return exitNotAuthorized
	case errors.As(err, &busy):
		return exitBusy
	case errors.As(err, &degraded):
		return exitDegraded
	case errors.As(err, &activation):
		return exitActivationFailed
	case errors.As(err, &install):
		return exitInstallFailed
	case errors.As(err, &exists):
		return exitKernelExists
	case errors.As(err, &inUse):
		return exitKernelInUse
	case errors.As(err, &notInst):
		return exitNotInstalled
	case errors.As(err, &integrity):
		return exitIntegrity
	case errors.As(err, &malformed):
		return exitMalformedPackage
	case errors.As(err, &notFound):
		return exitPackageNotFound
	case errors.As(err, &scan):
		return exitScan
	}
	return exitUnexpected
}
