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
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/minios-linux/minios-kernel-manager/debpkg"
)

// PackageKind says how a PackageRequest references its package.
type PackageKind string

const (
	KindRepository PackageKind = "repository"
	KindDebFile    PackageKind = "deb-file"
)

// PackageRequest asks for a kernel package to be turned into an installed
// kernel.
type PackageRequest struct {
	Kind PackageKind
	// Reference is a package name for KindRepository and a file path for
	// KindDebFile.
	Reference string
	// OutputPath, if set, receives a copy of the built artifact set.
	OutputPath string
	// Activate makes the new kernel active once installed.
	Activate bool
	// Force replaces an installed kernel of the same version.
	Force bool
	// ForceUpdate refreshes outdated package lists instead of failing.
	ForceUpdate bool
	// Compression is the squashfs compressor of the module bundle.
	Compression string
	// TempDir overrides the scratch location.
	TempDir string
}

const kernelPackagePrefix = "linux-image-"

var debFileVersionRe = regexp.MustCompile(`^linux-image-(.+?)_`)

// StagedKernel is a kernel package unpacked in a scratch directory, ready to
// be built into an artifact set.
type StagedKernel struct {
	// Version names the artifacts; ModulesVersion is the directory name
	// below lib/modules, which usually but not always matches.
	Version        string
	ModulesVersion string
	Source         Source
	Package        string
	PackageVersion string
	Architecture   string
	// DebPath is the package file the kernel was unpacked from.
	DebPath string
	// Dir is the scratch directory; Root is the unpacked package content.
	Dir  string
	Root string
}

// ImagePath is the kernel image inside the unpacked package.
func (s *StagedKernel) ImagePath() string {
	return filepath.Join(s.Root, "boot", imagePrefix+s.ModulesVersion)
}

// ConfigPath is the kernel build configuration inside the unpacked package,
// or "" if the package does not ship one.
func (s *StagedKernel) ConfigPath() string {
	p := filepath.Join(s.Root, "boot", "config-"+s.ModulesVersion)
	if fileExists(p) {
		return p
	}
	return ""
}

// ModulesDir is the module tree inside the unpacked package.
func (s *StagedKernel) ModulesDir() string {
	for _, base := range []string{"lib/modules", "usr/lib/modules"} {
		p := filepath.Join(s.Root, base, s.ModulesVersion)
		if info, err := appFs.Stat(p); err == nil && info.IsDir() {
			return p
		}
	}
	return filepath.Join(s.Root, "lib", "modules", s.ModulesVersion)
}

// metadata returns the repository metadata describing the staged kernel.
func (s *StagedKernel) metadata() kernelMetadata {
	return kernelMetadata{
		Version:        s.Version,
		ModulesVersion: s.ModulesVersion,
		Source:         s.Source,
		Package:        s.Package,
		PackageVersion: s.PackageVersion,
		Architecture:   s.Architecture,
	}
}

// Cleanup removes the scratch directory.
func (s *StagedKernel) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	return removeAll(s.Dir)
}

// Acquirer fetches and unpacks kernel packages. It never touches the MiniOS
// medium.
type Acquirer struct {
	log          *zap.Logger
	packages     PackageManager
	architecture string
	tempDir      string
	minSpace     uint64
}

// NewAcquirer returns an Acquirer accepting packages of architecture.
func NewAcquirer(logger *zap.Logger, packages PackageManager, architecture, tempDir string, minSpace uint64) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minSpace == 0 {
		minSpace = DefaultMinTempSpace
	}
	return &Acquirer{
		log:          logger.Named("acquirer"),
		packages:     packages,
		architecture: architecture,
		tempDir:      tempDir,
		minSpace:     minSpace,
	}
}

// Acquire fetches the package req names, validates it and unpacks it into a
// fresh scratch directory. The caller must Cleanup the result.
//
// A package providing the active version is refused, since its artifacts
// cannot be replaced while they are the ones booted.
func (a *Acquirer) Acquire(ctx context.Context, req PackageRequest, active string) (staged *StagedKernel, err error) {
	if req.Reference == "" {
		return nil, errors.New("no package given")
	}

	tempDir := req.TempDir
	if tempDir == "" {
		tempDir = a.tempDir
	}
	dir, err := scratchDir(a.log, tempDir, a.minSpace)
	if err != nil {
		return nil, err
	}
	staged = &StagedKernel{Dir: dir, Root: filepath.Join(dir, "root")}
	defer func() {
		if err != nil {
			if cerr := staged.Cleanup(); cerr != nil {
				a.log.Warn("could not remove scratch directory", zap.String("dir", dir), zap.Error(cerr))
			}
			staged = nil
		}
	}()

	switch req.Kind {
	case KindRepository:
		staged.Source = SourceRepository
		staged.DebPath, err = a.fetch(ctx, req, dir)
		if err != nil {
			return staged, err
		}
	case KindDebFile:
		staged.Source = SourceLocalDeb
		staged.DebPath = req.Reference
		if !fileExists(req.Reference) {
			return staged, &PackageNotFoundError{Package: req.Reference, Err: os.ErrNotExist}
		}
	default:
		return staged, fmt.Errorf("unknown package kind %q", req.Kind)
	}
	if err := ctx.Err(); err != nil {
		return staged, err
	}

	pkg, err := debpkg.Open(appFs, staged.DebPath)
	if err != nil {
		return staged, malformed(staged.DebPath, "invalid Debian package", err)
	}
	if err := a.checkControl(staged.DebPath, pkg.Control); err != nil {
		return staged, err
	}
	staged.Package = pkg.Control.Package
	staged.PackageVersion = pkg.Control.Version
	staged.Architecture = pkg.Control.Architecture

	a.log.Info("unpacking package", zap.String("package", staged.Package), zap.String("package-version", staged.PackageVersion))
	if err := appFs.MkdirAll(staged.Root, 0755); err != nil {
		return staged, err
	}
	if err := pkg.Extract(staged.Root); err != nil {
		return staged, malformed(staged.DebPath, "cannot unpack", err)
	}
	if err := ctx.Err(); err != nil {
		return staged, err
	}

	if err := detectVersions(staged); err != nil {
		return staged, err
	}
	if staged.Version == active {
		return staged, &MalformedPackageError{
			Path:   staged.DebPath,
			Reason: fmt.Sprintf("kernel %s is the active kernel and cannot be replaced", active),
		}
	}
	a.log.Info("package staged", zap.String("version", staged.Version), zap.String("modules-version", staged.ModulesVersion))
	return staged, nil
}

func (a *Acquirer) fetch(ctx context.Context, req PackageRequest, dir string) (string, error) {
	fresh, err := a.packages.Fresh()
	if err != nil {
		return "", fmt.Errorf("Could not check package lists: %w", err)
	}
	if !fresh {
		if !req.ForceUpdate {
			return "", &PackageNotFoundError{Package: req.Reference, Err: ErrPackageListsOutdated}
		}
		a.log.Info("updating package lists")
		if err := a.packages.Update(ctx); err != nil {
			return "", err
		}
	}

	uri, err := a.packages.Resolve(ctx, req.Reference)
	if err != nil {
		return "", err
	}
	name := filepath.Base(uri.Filename)
	if name == "." || name == "/" || name == "" {
		name = req.Reference + ".deb"
	}
	dst := filepath.Join(dir, name)
	a.log.Info("downloading package", zap.String("uri", uri.URI), zap.Int64("size", uri.Size))
	if err := fetchPackage(ctx, a.log, req.Reference, uri, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (a *Acquirer) checkControl(path string, ctrl debpkg.Control) error {
	if !strings.HasPrefix(ctrl.Package, kernelPackagePrefix) {
		return &MalformedPackageError{Path: path, Reason: fmt.Sprintf("%s is not a kernel image package", ctrl.Package)}
	}
	if a.architecture != "" && ctrl.Architecture != a.architecture {
		return &MalformedPackageError{Path: path, Reason: fmt.Sprintf("architecture %s does not match %s", ctrl.Architecture, a.architecture)}
	}
	return nil
}

func malformed(path, reason string, err error) error {
	var format *debpkg.FormatError
	if errors.As(err, &format) || errors.Is(err, debpkg.ErrPathTraversal) {
		return &MalformedPackageError{Path: path, Reason: reason, Err: err}
	}
	return err
}

// detectVersions fills in the artifact and module versions of staged.
func detectVersions(staged *StagedKernel) error {
	if m := debFileVersionRe.FindStringSubmatch(filepath.Base(staged.DebPath)); m != nil {
		staged.Version = m[1]
	} else {
		staged.Version = strings.TrimPrefix(staged.Package, kernelPackagePrefix)
	}

	images, err := afero.Glob(appFs, filepath.Join(staged.Root, "boot", imagePrefix+"*"))
	if err != nil {
		return err
	}
	sort.Strings(images)
	if len(images) > 0 {
		staged.ModulesVersion = strings.TrimPrefix(filepath.Base(images[0]), imagePrefix)
	}
	if staged.ModulesVersion == "" {
		for _, base := range []string{"lib/modules", "usr/lib/modules"} {
			entries, _ := readDirIfExists(filepath.Join(staged.Root, base))
			for _, entry := range entries {
				if entry.IsDir() {
					staged.ModulesVersion = entry.Name()
					break
				}
			}
			if staged.ModulesVersion != "" {
				break
			}
		}
	}

	switch {
	case staged.Version == "" || staged.ModulesVersion == "":
		return &MalformedPackageError{Path: staged.DebPath, Reason: "cannot determine the kernel version"}
	case strings.ContainsAny(staged.Version, "/ \t\n"):
		return &MalformedPackageError{Path: staged.DebPath, Reason: fmt.Sprintf("unusable kernel version %q", staged.Version)}
	case !fileExists(staged.ImagePath()):
		return &MalformedPackageError{Path: staged.DebPath, Reason: "package contains no kernel image"}
	}
	if info, err := appFs.Stat(staged.ModulesDir()); err != nil || !info.IsDir() {
		return &MalformedPackageError{Path: staged.DebPath, Reason: "package contains no kernel modules"}
	}
	return nil
}
