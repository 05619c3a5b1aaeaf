// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

// Command minios-kernel manages the kernels of a MiniOS medium: it lists
// them, packages new ones from Debian packages and switches the one booted.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
