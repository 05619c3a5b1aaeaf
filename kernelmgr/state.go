// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"fmt"
)

// State is the progress of one orchestrated operation.
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateInstalling State = "installing"
	StateActivating State = "activating"
	StateCompleted  State = "completed"
	StateError      State = "error"
	// StateInterrupted marks a journal entry whose process died mid-way. It
	// is only ever written by recovery.
	StateInterrupted State = "interrupted"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateInterrupted
}

// transition validates from -> to.
func transition(from, to State) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateAcquiring || to == StateInstalling || to == StateActivating || to == StateError
	case StateAcquiring:
		return to == StateInstalling || to == StateError
	case StateInstalling:
		return to == StateActivating || to == StateCompleted || to == StateError
	case StateActivating:
		return to == StateCompleted || to == StateError
	default:
		return false
	}
}
