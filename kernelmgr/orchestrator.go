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
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// PackageSource turns a PackageRequest into a staged kernel.
type PackageSource interface {
	Acquire(ctx context.Context, req PackageRequest, active string) (*StagedKernel, error)
}

// Options configures an Orchestrator. Zero values get working defaults
// except for Layout, Source and Builder, which Package needs.
type Options struct {
	Layout     Layout
	Logger     *zap.Logger
	LockPath   string
	LockWait   time.Duration
	Journal    Journal
	Authorizer Authorizer
	Source     PackageSource
	Builder    Builder
	// Compression is used when a request does not name one.
	Compression string
}

// Orchestrator runs the kernel operations on one MiniOS medium. Mutating
// operations hold the system lock for their whole duration, so at most one
// runs at a time across all processes.
type Orchestrator struct {
	layout      Layout
	log         *zap.Logger
	scanner     *Scanner
	writer      *BootConfigWriter
	repo        *Repository
	source      PackageSource
	builder     Builder
	authorizer  Authorizer
	journal     Journal
	lockPath    string
	lockWait    time.Duration
	compression string
}

// New returns an Orchestrator.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		layout:      opts.Layout,
		log:         log,
		scanner:     NewScanner(opts.Layout, log),
		writer:      NewBootConfigWriter(opts.Layout, log),
		repo:        NewRepository(opts.Layout, log),
		source:      opts.Source,
		builder:     opts.Builder,
		authorizer:  opts.Authorizer,
		journal:     opts.Journal,
		lockPath:    opts.LockPath,
		lockWait:    opts.LockWait,
		compression: opts.Compression,
	}
	if o.authorizer == nil {
		o.authorizer = RootAuthorizer{}
	}
	if o.journal == nil {
		o.journal = NopJournal()
	}
	if o.lockPath == "" {
		o.lockPath = DefaultLockPath
	}
	if o.compression == "" {
		o.compression = DefaultCompression
	}
	return o
}

// NewFromConfig wires an Orchestrator for the system described by cfg.
func NewFromConfig(cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := cfg.ResolveMiniOSDir()
	if err != nil {
		return nil, err
	}
	auth, err := NewAuthorizer(cfg.Authorization)
	if err != nil {
		return nil, err
	}

	journal := NopJournal()
	if cfg.JournalPath != "" {
		journal = LazyJournal(cfg.JournalPath)
	}

	return New(Options{
		Layout:      Layout{Root: root},
		Logger:      logger,
		LockPath:    cfg.LockPath,
		LockWait:    cfg.LockWait,
		Journal:     journal,
		Authorizer:  auth,
		Source:      NewAcquirer(logger, NewApt(cfg.AptCacheMaxAge), cfg.Architecture, cfg.TempDir, cfg.MinTempSpace()),
		Builder:     NewToolBuilder(logger, cfg.Mkinitrfs),
		Compression: cfg.Compression,
	}), nil
}

// Layout returns the medium the orchestrator works on.
func (o *Orchestrator) Layout() Layout { return o.layout }

// Close releases the journal.
func (o *Orchestrator) Close() error { return o.journal.Close() }

// Result is the outcome of a mutating operation.
type Result struct {
	Operation Operation         `json:"operation"`
	Kernel    *KernelRecord     `json:"kernel,omitempty"`
	Boot      BootConfiguration `json:"boot"`
	// OutputPath is where a copy of a packaged kernel was exported.
	OutputPath string `json:"outputPath,omitempty"`
}

// run tracks one journaled operation through its states.
type run struct {
	o         *Orchestrator
	op        *Operation
	log       *zap.Logger
	recovered bool
}

// begin takes the system lock and journals a new operation. The returned
// function releases the lock.
func (o *Orchestrator) begin(ctx context.Context, kind OperationKind, version string, action Action) (*run, func(), error) {
	lock, err := AcquireLock(ctx, o.lockPath, o.lockWait)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, nil, &NotAuthorizedError{Action: action, Err: err}
		}
		return nil, nil, err
	}
	release := func() {
		if err := lock.Release(); err != nil {
			o.log.Warn("could not release lock", zap.String("path", o.lockPath), zap.Error(err))
		}
	}

	op, err := o.journal.Begin(kind, version)
	if err != nil {
		o.log.Warn("journal unavailable", zap.Error(err))
		op, _ = NopJournal().Begin(kind, version)
	}
	log := o.log.With(zap.String("op", string(kind)), zap.String("id", op.ID))
	return &run{o: o, op: op, log: log}, release, nil
}

// authorize checks that the caller may perform action. The first successful
// check of an operation also cleans up after operations that died half-way,
// so nothing is touched on behalf of a caller who is then refused.
func (r *run) authorize(ctx context.Context, action Action) error {
	if err := r.o.authorizer.Authorize(ctx, action); err != nil {
		return err
	}
	if !r.recovered {
		r.recovered = true
		r.o.recover(r.op.ID)
	}
	return nil
}

// recover cleans up after operations that died half-way. current is the
// operation doing the recovery.
func (o *Orchestrator) recover(current string) {
	unfinished, err := o.journal.Unfinished()
	if err != nil {
		o.log.Warn("could not read journal", zap.Error(err))
	}
	for i := range unfinished {
		op := &unfinished[i]
		if op.ID == current {
			continue
		}
		o.log.Warn("operation was interrupted", zap.String("id", op.ID), zap.String("op", string(op.Kind)),
			zap.String("version", op.Version), zap.String("state", string(op.State)))
		op.State = StateInterrupted
		if err := o.journal.Update(op); err != nil {
			o.log.Warn("could not update journal", zap.Error(err))
		}
	}

	var result *multierror.Error
	if err := o.repo.Recover(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, dir := range []string{o.layout.Root, o.layout.BootDir(), filepath.Dir(o.layout.GrubConfig())} {
		if err := removeStaleTemps(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		o.log.Warn("recovery incomplete", zap.Error(err))
	}
}

func (r *run) to(state State) error {
	if err := transition(r.op.State, state); err != nil {
		return err
	}
	r.op.State = state
	r.log.Debug("state changed", zap.String("state", string(state)))
	if err := r.o.journal.Update(r.op); err != nil {
		r.log.Warn("could not update journal", zap.Error(err))
	}
	return nil
}

// fail moves the operation to Error and returns err.
func (r *run) fail(err error) error {
	if !r.op.State.Terminal() {
		r.op.State = StateError
		r.op.Error = err.Error()
		if jerr := r.o.journal.Update(r.op); jerr != nil {
			r.log.Warn("could not update journal", zap.Error(jerr))
		}
	}
	r.log.Error("operation failed", zap.String("version", r.op.Version), zap.Error(err))
	return err
}

func (r *run) result() *Result {
	return &Result{Operation: *r.op}
}

// abort fails the operation and returns res, or a new result, reflecting it.
func (r *run) abort(res *Result, err error) (*Result, error) {
	err = r.fail(err)
	if res == nil {
		return r.result(), err
	}
	res.Operation = *r.op
	return res, err
}

// List returns the kernels on the medium.
func (o *Orchestrator) List() ([]KernelRecord, error) {
	return o.scanner.Scan()
}

// Info describes version, or the active kernel if version is empty.
func (o *Orchestrator) Info(version string) (KernelInfo, error) {
	records, err := o.scanner.Scan()
	if err != nil {
		return KernelInfo{}, err
	}
	if version == "" {
		rec, ok := Active(records)
		if !ok {
			return KernelInfo{}, errors.New("no active kernel")
		}
		return kernelInfo(rec), nil
	}
	for _, rec := range records {
		if rec.Version == version {
			return kernelInfo(rec), nil
		}
	}
	return KernelInfo{}, &NotInstalledError{Version: version}
}

// Status describes the medium and its boot state.
func (o *Orchestrator) Status() (Status, error) {
	return systemStatus(o.layout, o.writer)
}

// History returns up to n of the most recent operations.
func (o *Orchestrator) History(n int) ([]Operation, error) {
	return o.journal.Recent(n)
}

// Activate makes the installed kernel version the one booted next.
func (o *Orchestrator) Activate(ctx context.Context, version string) (*Result, error) {
	r, release, err := o.begin(ctx, OpActivate, version, ActionActivate)
	if err != nil {
		return nil, err
	}
	defer release()

	target, found, err := o.scanner.Lookup(version)
	if err != nil {
		return r.abort(nil, err)
	}
	if !found || !target.Installed {
		return r.abort(nil, &NotInstalledError{Version: version})
	}
	if err := r.authorize(ctx, ActionActivate); err != nil {
		return r.abort(nil, err)
	}
	if err := ctx.Err(); err != nil {
		return r.abort(nil, err)
	}

	if err := r.to(StateActivating); err != nil {
		return r.abort(nil, err)
	}
	cfg, err := o.activate(r, target)
	res := r.result()
	res.Boot = cfg
	if err != nil {
		return res, err
	}
	if rec, found, err := o.scanner.Lookup(version); err == nil && found {
		res.Kernel = &rec
	}
	return res, nil
}

// activate runs the writer for an operation in state Activating and
// finishes the operation.
func (o *Orchestrator) activate(r *run, target KernelRecord) (BootConfiguration, error) {
	current, err := o.writer.Current()
	if err != nil {
		return current, r.fail(&ActivationFailedError{Version: target.Version, Err: err})
	}
	cfg, err := o.writer.Activate(current, target)
	r.op.Generation = cfg.Generation
	if err != nil {
		return cfg, r.fail(err)
	}
	if err := r.to(StateCompleted); err != nil {
		return cfg, r.fail(err)
	}
	r.log.Info("activation complete", zap.String("version", cfg.ActiveVersion), zap.Uint64("generation", cfg.Generation))
	return cfg, nil
}

// Package acquires, builds and installs the kernel package req names, and
// activates it if requested.
func (o *Orchestrator) Package(ctx context.Context, req PackageRequest) (*Result, error) {
	if o.source == nil || o.builder == nil {
		return nil, errors.New("packaging is not configured")
	}
	r, release, err := o.begin(ctx, OpPackage, "", ActionPackage)
	if err != nil {
		return nil, err
	}
	defer release()

	active, err := o.writer.CurrentActive()
	if err != nil {
		return r.abort(nil, err)
	}

	if err := r.to(StateAcquiring); err != nil {
		return r.abort(nil, err)
	}
	staged, err := o.source.Acquire(ctx, req, active)
	if err != nil {
		return r.abort(nil, err)
	}
	defer func() {
		if err := staged.Cleanup(); err != nil {
			r.log.Warn("could not remove scratch directory", zap.String("dir", staged.Dir), zap.Error(err))
		}
	}()
	version := staged.Version
	r.op.Version = version
	r.log = r.log.With(zap.String("version", version))

	if o.repo.Exists(version) && !req.Force {
		return r.abort(nil, &KernelExistsError{Version: version})
	}
	if err := r.authorize(ctx, ActionPackage); err != nil {
		return r.abort(nil, err)
	}
	if req.Activate {
		if err := r.authorize(ctx, ActionActivate); err != nil {
			return r.abort(nil, err)
		}
	}

	if err := r.to(StateInstalling); err != nil {
		return r.abort(nil, err)
	}
	compression := req.Compression
	if compression == "" {
		compression = o.compression
	}
	built := artifactsIn(filepath.Join(staged.Dir, "out"), version)
	if err := o.builder.Build(ctx, staged, built, compression); err != nil {
		if ctx.Err() != nil {
			return r.abort(nil, ctx.Err())
		}
		return r.abort(nil, &InstallFailedError{Version: version, Err: err})
	}

	res := r.result()
	if req.OutputPath != "" && filepath.Clean(req.OutputPath) != filepath.Clean(o.layout.KernelDir(version)) {
		if err := Export(built, version, req.OutputPath); err != nil {
			return r.abort(res, &InstallFailedError{Version: version, Err: err})
		}
		res.OutputPath = req.OutputPath
		r.log.Info("artifact set exported", zap.String("path", req.OutputPath))
	}

	// Past this point the operation runs to completion.
	if err := ctx.Err(); err != nil {
		return r.abort(res, err)
	}
	if err := o.repo.Install(version, built, staged.metadata(), req.Force); err != nil {
		var exists *KernelExistsError
		if !errors.As(err, &exists) {
			err = &InstallFailedError{Version: version, Err: err}
		}
		return r.abort(res, err)
	}

	rec, found, err := o.scanner.Lookup(version)
	if err != nil {
		return r.abort(res, err)
	}
	if !found || !rec.Installed {
		return r.abort(res, &InstallFailedError{Version: version, Err: errors.New("installed kernel is incomplete")})
	}

	if req.Activate {
		if err := r.to(StateActivating); err != nil {
			return r.abort(res, err)
		}
		cfg, err := o.activate(r, rec)
		res.Operation = *r.op
		res.Boot = cfg
		if err != nil {
			return res, err
		}
		if updated, ok, lerr := o.scanner.Lookup(version); lerr == nil && ok {
			rec = updated
		}
	} else {
		if err := r.to(StateCompleted); err != nil {
			return r.abort(res, err)
		}
		res.Operation = *r.op
		res.Boot, _ = o.writer.Current()
	}
	res.Kernel = &rec
	r.log.Info("kernel packaged")
	return res, nil
}

// Delete removes an installed kernel that is neither active nor running.
func (o *Orchestrator) Delete(ctx context.Context, version string) (*Result, error) {
	r, release, err := o.begin(ctx, OpDelete, version, ActionDelete)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, found, err := o.scanner.Lookup(version)
	if err != nil {
		return r.abort(nil, err)
	}
	switch {
	case !found:
		return r.abort(nil, &NotInstalledError{Version: version})
	case rec.Active:
		return r.abort(nil, &KernelInUseError{Version: version, Reason: "the active kernel"})
	case rec.Running:
		return r.abort(nil, &KernelInUseError{Version: version, Reason: "the running kernel"})
	}
	// A kernel still referenced by a bootloader, after a drifted activation,
	// must not lose its files either.
	for name, v := range o.writer.References() {
		if v == version {
			return r.abort(nil, &KernelInUseError{Version: version, Reason: "booted by the " + name + " configuration"})
		}
	}
	if err := r.authorize(ctx, ActionDelete); err != nil {
		return r.abort(nil, err)
	}
	if err := ctx.Err(); err != nil {
		return r.abort(nil, err)
	}

	if err := r.to(StateInstalling); err != nil {
		return r.abort(nil, err)
	}
	if err := o.repo.Delete(version); err != nil {
		return r.abort(nil, fmt.Errorf("Could not delete kernel %s: %w", version, err))
	}
	if err := r.to(StateCompleted); err != nil {
		return r.abort(nil, err)
	}
	res := r.result()
	res.Boot, _ = o.writer.Current()
	return res, nil
}

// Regenerate re-runs the regeneration step for the recorded kernel, which
// completes an activation that ended with DegradedActivationError.
func (o *Orchestrator) Regenerate(ctx context.Context) (*Result, error) {
	r, release, err := o.begin(ctx, OpRegenerate, "", ActionActivate)
	if err != nil {
		return nil, err
	}
	defer release()

	cfg, err := o.writer.Current()
	if err != nil {
		return r.abort(nil, err)
	}
	r.op.Version = cfg.ActiveVersion
	r.op.Generation = cfg.Generation
	if cfg.ActiveVersion == "" {
		return r.abort(nil, errors.New("no active kernel recorded"))
	}
	if err := r.authorize(ctx, ActionActivate); err != nil {
		return r.abort(nil, err)
	}

	if err := r.to(StateActivating); err != nil {
		return r.abort(nil, err)
	}
	if err := o.writer.Regenerate(cfg.ActiveVersion); err != nil {
		return r.abort(nil, &DegradedActivationError{Version: cfg.ActiveVersion, Generation: cfg.Generation, Err: err})
	}
	if err := r.to(StateCompleted); err != nil {
		return r.abort(nil, err)
	}
	res := r.result()
	res.Boot = cfg
	return res, nil
}
