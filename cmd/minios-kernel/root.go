// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/minios-linux/minios-kernel-manager/kernelmgr"
)

// manager is the part of kernelmgr.Orchestrator the commands use.
type manager interface {
	List() ([]kernelmgr.KernelRecord, error)
	Info(version string) (kernelmgr.KernelInfo, error)
	Status() (kernelmgr.Status, error)
	History(n int) ([]kernelmgr.Operation, error)
	Activate(ctx context.Context, version string) (*kernelmgr.Result, error)
	Package(ctx context.Context, req kernelmgr.PackageRequest) (*kernelmgr.Result, error)
	Delete(ctx context.Context, version string) (*kernelmgr.Result, error)
	Regenerate(ctx context.Context) (*kernelmgr.Result, error)
	Close() error
}

// newManager builds the manager for a loaded configuration.
var newManager = func(cfg kernelmgr.Config, log *zap.Logger) (manager, error) {
	return kernelmgr.NewFromConfig(cfg, log)
}

type globalFlags struct {
	json       bool
	configPath string
	miniosDir  string
	lockWait   time.Duration
	verbose    bool
}

// app carries what every command needs.
type app struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
	log    *zap.Logger
	cfg    kernelmgr.Config
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "minios-kernel",
		Short:         "Manage the kernels of a MiniOS system",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	pf := root.PersistentFlags()
	pf.BoolVar(&a.flags.json, "json", false, "print machine readable JSON")
	pf.StringVar(&a.flags.configPath, "config", kernelmgr.DefaultConfigPath, "configuration file")
	pf.StringVar(&a.flags.miniosDir, "minios-dir", "", "MiniOS directory (searched for if not given)")
	pf.DurationVar(&a.flags.lockWait, "lock-wait", 0, "how long to wait for another operation to finish")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "log debug messages")

	root.AddCommand(
		newListCmd(a),
		newActivateCmd(a),
		newPackageCmd(a),
		newInfoCmd(a),
		newStatusCmd(a),
		newDeleteCmd(a),
		newRegenerateCmd(a),
		newHistoryCmd(a),
	)
	return root
}

// setup loads the configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.log = newLogger(a.stderr, a.flags.json, a.flags.verbose)

	cfg, err := kernelmgr.LoadConfig(a.flags.configPath)
	if err != nil {
		return &configError{err}
	}
	if a.flags.miniosDir != "" {
		cfg.MiniOSDir = a.flags.miniosDir
	}
	if cmd.Flags().Changed("lock-wait") {
		cfg.LockWait = a.flags.lockWait
	}
	a.cfg = cfg
	return nil
}

// withManager runs fn with a manager for the configured system.
func (a *app) withManager(fn func(m manager) error) error {
	m, err := newManager(a.cfg, a.log)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

// newLogger logs to w: human readable by default, JSON lines when the
// output is meant for programs.
func newLogger(w io.Writer, json, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	var enc zapcore.Encoder
	if json {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		config := zap.NewDevelopmentEncoderConfig()
		config.ConsoleSeparator = " "
		config.EncodeTime = nil
		config.EncodeCaller = nil
		enc = zapcore.NewConsoleEncoder(config)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}

// run executes the command line args and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, log: zap.NewNop()}
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	code := exitCode(err)
	a.reportError(err, code)
	return code
}

func (a *app) reportError(err error, code int) {
	if a.flags.json {
		printJSON(a.stdout, struct {
			Error string `json:"error"`
			Code  int    `json:"code"`
		}{err.Error(), code})
		return
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
}
