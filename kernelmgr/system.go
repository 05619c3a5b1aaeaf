// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"golang.org/x/sys/unix"
)

var (
	procGetMounts = procfs.GetMounts
	unixUname     = unix.Uname
	unixStatfs    = unix.Statfs
	unixSync      = unix.Sync
	unixGeteuid   = unix.Geteuid
	evalSymlinks  = filepath.EvalSymlinks

	// runCommand runs an external tool and returns its output.
	runCommand = cmd.RunContext
)

// outputError turns the tail of a failed command's output into an error, or
// returns nil if there was no output.
func outputError(out string) error {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return errors.New(strings.Join(lines, "; "))
}

// Filesystem magic numbers from statfs(2) of the filesystems MiniOS media
// and scratch directories are found on.
var fsMagicNames = map[uint32]string{
	0x4d44:     "vfat",
	0xef53:     "ext4",
	0x5346544e: "ntfs",
	0x7366746e: "ntfs3",
	0x65735546: "fuseblk",
	0x2011bab0: "exfat",
	0x73717368: "squashfs",
	0x9123683e: "btrfs",
	0x58465342: "xfs",
	0x01021994: "tmpfs",
	0x794c7630: "overlayfs",
	0x61756673: "aufs",
	0x9660:     "iso9660",
	0x15013346: "udf",
}

// RunningKernel returns the version of the running kernel.
//
// MiniOS mounts the module bundle of the kernel it booted, so the bundle name
// is preferred: it carries the name the kernel was packaged under, which may
// differ from the kernel release.
func RunningKernel() string {
	if mounts, err := procGetMounts(); err == nil {
		for _, m := range mounts {
			if m.FSType != "squashfs" {
				continue
			}
			for _, p := range []string{m.MountPoint, m.Source} {
				if v := versionFromName(filepath.Base(p), modulesPrefix, modulesSuffix); v != "" {
					return v
				}
			}
		}
	}

	var uts unix.Utsname
	if err := unixUname(&uts); err != nil {
		return ""
	}
	return unix.ByteSliceToString(uts.Release[:])
}

// UnionFilesystem returns the union filesystem the live root is built on,
// "aufs" or "overlayfs".
func UnionFilesystem() string {
	mounts, err := procGetMounts()
	if err != nil {
		return "overlayfs"
	}
	for _, m := range mounts {
		if m.MountPoint != "/" {
			continue
		}
		if m.FSType == "aufs" {
			return "aufs"
		}
	}
	return "overlayfs"
}

// FilesystemType returns the name of the filesystem path lives on.
func FilesystemType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unixStatfs(path, &st); err != nil {
		return "unknown", fmt.Errorf("Could not stat filesystem of %s: %w", path, err)
	}
	if name, ok := fsMagicNames[uint32(st.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint32(st.Type)), nil
}

// freeSpace returns the number of bytes available to unprivileged users on
// the filesystem holding path.
func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unixStatfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
