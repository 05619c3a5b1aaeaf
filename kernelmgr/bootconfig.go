// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// BootConfiguration is the persisted record of which kernel boots next.
//
// Generation is incremented by every activation that changes anything, so
// two readers can tell whether they saw the same configuration.
type BootConfiguration struct {
	ActiveVersion string `json:"activeVersion"`
	Generation    uint64 `json:"generation"`
}

// ReadBootConfiguration returns the boot record of l.
//
// Media without a record fall back to the plain text marker, with generation
// 0. If the record is corrupt the fallback is returned along with an error.
func ReadBootConfiguration(l Layout) (BootConfiguration, error) {
	data, err := afero.ReadFile(appFs, l.RecordPath())
	switch {
	case err == nil:
		var cfg BootConfiguration
		perr := json.Unmarshal(data, &cfg)
		if perr == nil && cfg.ActiveVersion != "" {
			return cfg, nil
		}
		if perr == nil {
			perr = errors.New("no active version")
		}
		marker, _ := readMarker(l)
		return BootConfiguration{ActiveVersion: marker}, fmt.Errorf("Could not parse %s: %w", l.RecordPath(), perr)
	case !os.IsNotExist(err):
		return BootConfiguration{}, fmt.Errorf("Could not read %s: %w", l.RecordPath(), err)
	}

	marker, err := readMarker(l)
	if err != nil {
		return BootConfiguration{}, err
	}
	return BootConfiguration{ActiveVersion: marker}, nil
}

func readMarker(l Layout) (string, error) {
	data, err := afero.ReadFile(appFs, l.MarkerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("Could not read %s: %w", l.MarkerPath(), err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeBootConfiguration(l Layout, cfg BootConfiguration) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(l.RecordPath(), append(data, '\n'), 0644, func(tmpPath string) error {
		written, err := afero.ReadFile(appFs, tmpPath)
		if err != nil {
			return err
		}
		var check BootConfiguration
		if err := json.Unmarshal(written, &check); err != nil || check != cfg {
			return fmt.Errorf("boot record did not read back as written")
		}
		return nil
	})
}

// BootConfigWriter switches the kernel a MiniOS medium boots.
type BootConfigWriter struct {
	layout        Layout
	log           *zap.Logger
	loaders       []bootloaderConfig
	runningKernel func() string
}

// NewBootConfigWriter returns a writer for layout.
func NewBootConfigWriter(layout Layout, logger *zap.Logger) *BootConfigWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BootConfigWriter{
		layout:        layout,
		log:           logger.Named("bootconfig"),
		loaders:       bootloaders,
		runningKernel: RunningKernel,
	}
}

// Current returns the current boot record. An unparsable record is logged
// and replaced by what the marker says.
func (w *BootConfigWriter) Current() (BootConfiguration, error) {
	cfg, err := ReadBootConfiguration(w.layout)
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return cfg, err
	}
	if err != nil {
		w.log.Warn("ignoring corrupt boot record", zap.Error(err))
	}
	return cfg, nil
}

// CurrentActive returns the active kernel version, or "" if none is recorded.
func (w *BootConfigWriter) CurrentActive() (string, error) {
	cfg, err := w.Current()
	return cfg.ActiveVersion, err
}

// presentConfigs returns the bootloaders whose configuration exists.
func (w *BootConfigWriter) presentConfigs() []bootloaderConfig {
	var out []bootloaderConfig
	for _, bl := range w.loaders {
		if fileExists(bl.Path(w.layout)) {
			out = append(out, bl)
		}
	}
	return out
}

// References returns, per bootloader, the kernel version its configuration
// boots. Configurations that do not name exactly one kernel map to "".
func (w *BootConfigWriter) References() map[string]string {
	refs := make(map[string]string)
	for _, bl := range w.presentConfigs() {
		_, text, err := readConfig(bl.Path(w.layout))
		if err != nil {
			refs[bl.Name()] = ""
			continue
		}
		v, err := configVersion(bl, text)
		if err != nil {
			w.log.Debug("bootloader configuration does not name one kernel", zap.String("bootloader", bl.Name()), zap.Error(err))
		}
		refs[bl.Name()] = v
	}
	return refs
}

// InSync reports whether the medium boots version: the record names it,
// every bootloader configuration refers to it and its live artifacts exist.
func (w *BootConfigWriter) InSync(current BootConfiguration, version string) bool {
	if current.ActiveVersion != version || !w.layout.LiveArtifacts(version).complete() {
		return false
	}
	configs := w.presentConfigs()
	if len(configs) == 0 {
		return false
	}
	for _, bl := range configs {
		_, text, err := readConfig(bl.Path(w.layout))
		if err != nil {
			return false
		}
		if v, err := configVersion(bl, text); err != nil || v != version {
			return false
		}
	}
	return true
}

// Activate makes target the kernel booted next.
//
// The bootloader configurations are replaced one at a time, each through a
// verified temporary file, and the boot record is written last. Until the
// record is written a failure restores what was replaced and returns
// ActivationFailedError. After that, the activation stands and a failure to
// regenerate the derived state returns DegradedActivationError.
//
// Activating the kernel that is already active and in sync writes nothing and
// keeps the generation.
func (w *BootConfigWriter) Activate(current BootConfiguration, target KernelRecord) (BootConfiguration, error) {
	if !target.Installed {
		return current, &NotInstalledError{Version: target.Version}
	}

	log := w.log.With(zap.String("version", target.Version))

	if w.InSync(current, target.Version) {
		log.Info("kernel is already active", zap.Uint64("generation", current.Generation))
		if err := w.Regenerate(current.ActiveVersion); err != nil {
			return current, &DegradedActivationError{Version: current.ActiveVersion, Generation: current.Generation, Err: err}
		}
		return current, nil
	}

	next := BootConfiguration{ActiveVersion: target.Version, Generation: current.Generation + 1}
	if err := w.commit(log, next); err != nil {
		return current, &ActivationFailedError{Version: target.Version, Err: err}
	}
	log.Info("kernel activated", zap.Uint64("generation", next.Generation))

	if err := w.Regenerate(next.ActiveVersion); err != nil {
		return next, &DegradedActivationError{Version: next.ActiveVersion, Generation: next.Generation, Err: err}
	}
	return next, nil
}

func (w *BootConfigWriter) commit(log *zap.Logger, next BootConfiguration) (err error) {
	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		var result *multierror.Error
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				result = multierror.Append(result, uerr)
			}
		}
		if result != nil {
			log.Error("could not undo partial activation", zap.Error(result))
		}
	}()

	version := next.ActiveVersion
	live := w.layout.LiveArtifacts(version).Paths()
	repo := w.layout.RepositoryArtifacts(version).Paths()
	for i := range live {
		existed := fileExists(live[i])
		if existed && !fileExists(repo[i]) {
			continue
		}
		// The repository copy wins: it may have been replaced since the
		// kernel was last live.
		updated, err := MaybeUpdateFile(live[i], repo[i])
		if err != nil {
			return fmt.Errorf("Could not place %s: %w", filepath.Base(live[i]), err)
		}
		if !updated || existed {
			continue
		}
		placed := live[i]
		log.Debug("placed live artifact", zap.String("path", placed))
		undo = append(undo, func() error { return appFs.Remove(placed) })
	}

	configs := w.presentConfigs()
	if len(configs) == 0 {
		return fmt.Errorf("no bootloader configuration found in %s", w.layout.BootDir())
	}
	for _, bl := range configs {
		restore, err := w.rewriteConfig(bl, version)
		if err != nil {
			return fmt.Errorf("Could not update %s configuration: %w", bl.Name(), err)
		}
		if restore != nil {
			undo = append(undo, restore)
		}
	}

	if err := writeBootConfiguration(w.layout, next); err != nil {
		return fmt.Errorf("Could not write boot record: %w", err)
	}
	return nil
}

// rewriteConfig points one bootloader configuration at version. It returns a
// function restoring the previous content, or nil if nothing was written.
func (w *BootConfigWriter) rewriteConfig(bl bootloaderConfig, version string) (func() error, error) {
	path := bl.Path(w.layout)
	if err := removeStaleTemps(filepath.Dir(path)); err != nil {
		w.log.Warn("could not remove stale temporary files", zap.String("dir", filepath.Dir(path)), zap.Error(err))
	}

	raw, text, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	info, err := appFs.Stat(path)
	if err != nil {
		return nil, err
	}
	perm := info.Mode().Perm()

	updated := bl.Rewrite(text, version)
	if bytes.Equal(updated, raw) {
		v, err := configVersion(bl, updated)
		if err != nil {
			return nil, err
		}
		if v != version {
			return nil, fmt.Errorf("refers to %s after rewrite", v)
		}
		return nil, nil
	}

	verify := func(tmpPath string) error {
		written, err := afero.ReadFile(appFs, tmpPath)
		if err != nil {
			return err
		}
		v, err := configVersion(bl, written)
		if err != nil {
			return err
		}
		if v != version {
			return fmt.Errorf("refers to %s after rewrite", v)
		}
		return nil
	}
	if err := WriteFileAtomic(path, updated, perm, verify); err != nil {
		return nil, err
	}
	w.log.Debug("bootloader configuration updated", zap.String("bootloader", bl.Name()), zap.String("path", path))

	return func() error { return WriteFileAtomic(path, raw, perm, nil) }, nil
}

// Regenerate brings the state derived from the boot record in line with it:
// the plain text marker is rewritten, live artifacts of other kernels are
// moved back to the repository and the filesystem is synced.
//
// Artifacts of the running kernel are copied rather than moved, and artifacts
// still referenced by a bootloader configuration are left alone.
func (w *BootConfigWriter) Regenerate(active string) error {
	if active == "" {
		return errors.New("no active kernel recorded")
	}
	var result *multierror.Error

	if err := WriteFileAtomic(w.layout.MarkerPath(), []byte(active), 0644, nil); err != nil {
		result = multierror.Append(result, fmt.Errorf("Could not write %s: %w", w.layout.MarkerPath(), err))
	}

	referenced := make(map[string]bool)
	for name, v := range w.References() {
		if v != "" && v != active {
			w.log.Warn("bootloader configuration refers to another kernel", zap.String("bootloader", name), zap.String("version", v))
		}
		referenced[v] = true
	}

	versions, err := w.liveVersions()
	if err != nil {
		result = multierror.Append(result, err)
	}
	running := w.runningKernel()
	for _, v := range versions {
		if v == active || referenced[v] {
			continue
		}
		if err := w.retire(v, v == running); err != nil {
			result = multierror.Append(result, fmt.Errorf("Could not retire kernel %s: %w", v, err))
		}
	}

	unixSync()
	return result.ErrorOrNil()
}

// liveVersions lists the versions with at least one artifact in the live tree.
func (w *BootConfigWriter) liveVersions() ([]string, error) {
	seen := make(map[string]bool)
	var versions []string
	for _, dir := range []string{w.layout.BootDir(), w.layout.Root} {
		entries, err := readDirIfExists(dir)
		if err != nil {
			return versions, err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || isTempName(name) {
				continue
			}
			for _, kind := range [][2]string{
				{imagePrefix, ""},
				{initramfsPrefix, initramfsSuffix},
				{modulesPrefix, modulesSuffix},
			} {
				if v := versionFromName(name, kind[0], kind[1]); v != "" {
					if !seen[v] {
						seen[v] = true
						versions = append(versions, v)
					}
					break
				}
			}
		}
	}
	return versions, nil
}

// retire moves the live artifacts of version into the repository. With keep
// set they are copied instead, which is what the running kernel needs.
//
// Files the repository already holds are never overwritten: the repository
// copy may come from a newer install than the one still live.
func (w *BootConfigWriter) retire(version string, keep bool) error {
	if err := appFs.MkdirAll(w.layout.KernelDir(version), 0755); err != nil {
		return err
	}
	live := w.layout.LiveArtifacts(version).Paths()
	repo := w.layout.RepositoryArtifacts(version).Paths()
	for i := range live {
		if !fileExists(live[i]) {
			continue
		}
		if !fileExists(repo[i]) {
			if err := copyFile(repo[i], live[i]); err != nil {
				return err
			}
		}
		if keep {
			continue
		}
		if err := appFs.Remove(live[i]); err != nil {
			return err
		}
	}
	w.log.Info("kernel retired to repository", zap.String("version", version), zap.Bool("kept-live", keep))
	return nil
}
