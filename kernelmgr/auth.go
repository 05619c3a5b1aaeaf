// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Action is a privileged operation subject to authorization.
type Action string

const (
	ActionPackage  Action = "package"
	ActionActivate Action = "activate"
	ActionDelete   Action = "delete"
)

// polkitPrefix is the namespace of the polkit actions shipped with MiniOS.
const polkitPrefix = "dev.minios.kernel-manager."

// PolkitID returns the polkit action id of a.
func (a Action) PolkitID() string { return polkitPrefix + string(a) }

func (a Action) verb() string {
	switch a {
	case ActionPackage:
		return "package kernels"
	case ActionActivate:
		return "activate kernels"
	case ActionDelete:
		return "delete kernels"
	}
	return string(a)
}

// Authorizer decides whether the caller may perform a privileged action.
// A refusal is returned as NotAuthorizedError.
type Authorizer interface {
	Authorize(ctx context.Context, action Action) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, action Action) error

func (f AuthorizerFunc) Authorize(ctx context.Context, action Action) error { return f(ctx, action) }

// RootAuthorizer allows the superuser only.
type RootAuthorizer struct{}

func (RootAuthorizer) Authorize(_ context.Context, action Action) error {
	if unixGeteuid() != 0 {
		return &NotAuthorizedError{Action: action, Err: errors.New("root privileges are required")}
	}
	return nil
}

// PolkitAuthorizer asks polkit through pkcheck(1), possibly prompting for a
// password. The superuser is always allowed.
type PolkitAuthorizer struct {
	// Process is the pid of the subject; 0 means this process.
	Process int
}

func (a PolkitAuthorizer) Authorize(ctx context.Context, action Action) error {
	pid := a.Process
	if pid == 0 {
		if unixGeteuid() == 0 {
			return nil
		}
		pid = os.Getpid()
	}
	out, err := runCommand(ctx, "pkcheck",
		"--action-id", action.PolkitID(),
		"--process", strconv.Itoa(pid),
		"--allow-user-interaction")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &NotAuthorizedError{Action: action, Err: fmt.Errorf("polkit denied %s: %w", action.PolkitID(), joinOutput(err, out))}
	}
	return nil
}

// NewAuthorizer returns the authorizer named by mode: "root", "polkit" or
// "none".
func NewAuthorizer(mode string) (Authorizer, error) {
	switch mode {
	case "", "root":
		return RootAuthorizer{}, nil
	case "polkit":
		return PolkitAuthorizer{}, nil
	case "none":
		return AuthorizerFunc(func(context.Context, Action) error { return nil }), nil
	}
	return nil, fmt.Errorf("unknown authorization mode %q", mode)
}
