// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	imagePrefix     = "vmlinuz-"
	initramfsPrefix = "initrfs-"
	initramfsSuffix = ".img"
	modulesPrefix   = "01-kernel-"
	modulesSuffix   = ".sb"
	metadataName    = "kernel.json"
	recordName      = "active-kernel.json"
	markerName      = "active-kernel"
	stagingPrefix   = ".staging-"
	retiredPrefix   = ".retired-"
	deletedPrefix   = ".deleted-"
)

// ErrMiniOSNotFound is returned when no MiniOS directory could be located.
var ErrMiniOSNotFound = errors.New("MiniOS directory not found")

// DefaultSearchPaths are the places a MiniOS directory is looked for, in order.
var DefaultSearchPaths = []string{
	"/run/initramfs/memory/data/minios",
	"/run/initramfs/memory/toram/minios",
	"/media/*/minios",
	"/mnt/*/minios",
	"/minios",
}

// Layout describes the file locations on a MiniOS medium.
type Layout struct {
	Root string // the minios directory
}

// BootDir is the directory holding live kernels and bootloader configuration.
func (l Layout) BootDir() string { return filepath.Join(l.Root, "boot") }

// RepositoryDir holds one directory per installed kernel.
func (l Layout) RepositoryDir() string { return filepath.Join(l.Root, "kernels") }

// KernelDir is the repository directory of version.
func (l Layout) KernelDir(version string) string {
	return filepath.Join(l.RepositoryDir(), version)
}

// SyslinuxConfig is the path of the syslinux configuration.
func (l Layout) SyslinuxConfig() string { return filepath.Join(l.BootDir(), "syslinux.cfg") }

// GrubConfig is the path of the GRUB configuration.
func (l Layout) GrubConfig() string { return filepath.Join(l.BootDir(), "grub", "grub.cfg") }

// RecordPath is the path of the BootConfiguration record.
func (l Layout) RecordPath() string { return filepath.Join(l.BootDir(), recordName) }

// MarkerPath is the path of the plain text active kernel marker.
func (l Layout) MarkerPath() string { return filepath.Join(l.BootDir(), markerName) }

// Artifacts is the set of files making up one bootable kernel.
type Artifacts struct {
	Image     string
	Initramfs string
	Modules   string
}

// Paths returns the artifact paths in their canonical order.
func (a Artifacts) Paths() []string {
	return []string{a.Image, a.Initramfs, a.Modules}
}

// artifactNames returns the file names of the artifacts of version.
func artifactNames(version string) Artifacts {
	return Artifacts{
		Image:     imagePrefix + version,
		Initramfs: initramfsPrefix + version + initramfsSuffix,
		Modules:   modulesPrefix + version + modulesSuffix,
	}
}

// LiveArtifacts returns where the artifacts of version live when it is booted.
func (l Layout) LiveArtifacts(version string) Artifacts {
	names := artifactNames(version)
	return Artifacts{
		Image:     filepath.Join(l.BootDir(), names.Image),
		Initramfs: filepath.Join(l.BootDir(), names.Initramfs),
		Modules:   filepath.Join(l.Root, names.Modules),
	}
}

// RepositoryArtifacts returns where the artifacts of version are kept in the
// repository.
func (l Layout) RepositoryArtifacts(version string) Artifacts {
	return artifactsIn(l.KernelDir(version), version)
}

func artifactsIn(dir, version string) Artifacts {
	names := artifactNames(version)
	return Artifacts{
		Image:     filepath.Join(dir, names.Image),
		Initramfs: filepath.Join(dir, names.Initramfs),
		Modules:   filepath.Join(dir, names.Modules),
	}
}

// complete reports whether every artifact exists.
func (a Artifacts) complete() bool {
	for _, p := range a.Paths() {
		if !fileExists(p) {
			return false
		}
	}
	return true
}

// present returns the artifact paths that exist, in canonical order.
func (a Artifacts) present() []string {
	var out []string
	for _, p := range a.Paths() {
		if fileExists(p) {
			out = append(out, p)
		}
	}
	return out
}

// FindMiniOSDirectory returns the first valid MiniOS directory among
// candidates, which may contain glob patterns.
func FindMiniOSDirectory(candidates []string) (string, error) {
	for _, candidate := range candidates {
		matches := []string{candidate}
		if strings.ContainsAny(candidate, "*?[") {
			var err error
			if matches, err = afero.Glob(appFs, candidate); err != nil {
				continue
			}
		}
		for _, path := range matches {
			if IsMiniOSDirectory(path) {
				return path, nil
			}
		}
	}
	return "", ErrMiniOSNotFound
}

// IsMiniOSDirectory reports whether path looks like a MiniOS directory: it has
// a boot directory, a kernel module or a firmware module.
func IsMiniOSDirectory(path string) bool {
	entries, err := afero.ReadDir(appFs, path)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case name == "boot" && entry.IsDir():
			return true
		case strings.HasPrefix(name, "01-kernel"), strings.HasPrefix(name, "02-firmware"):
			return true
		}
	}
	return false
}

// versionFromName extracts the version from an artifact file name, or returns
// the empty string if name is not an artifact of the given kind.
func versionFromName(name, prefix, suffix string) string {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return ""
	}
	v := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	if v == "" || strings.ContainsRune(v, os.PathSeparator) {
		return ""
	}
	return v
}
