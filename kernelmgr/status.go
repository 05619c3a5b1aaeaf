// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// SystemType says how the running system was booted.
type SystemType string

const (
	SystemLiveRAM   SystemType = "live-ram"
	SystemLiveMedia SystemType = "live-media"
	SystemInstalled SystemType = "installed"
)

const liveMemoryDir = "/run/initramfs/memory"

// String returns a human readable description.
func (t SystemType) String() string {
	switch t {
	case SystemLiveRAM:
		return "Live system (running from RAM)"
	case SystemLiveMedia:
		return "Live system (running from media)"
	}
	return "Installed system"
}

// DetectSystemType inspects the initramfs memory directory.
func DetectSystemType() SystemType {
	if _, err := appFs.Stat(liveMemoryDir); err != nil {
		return SystemInstalled
	}
	if _, err := appFs.Stat(filepath.Join(liveMemoryDir, "toram")); err == nil {
		return SystemLiveRAM
	}
	return SystemLiveMedia
}

// Status describes the medium and the boot state.
type Status struct {
	MiniOSDir       string            `json:"miniosDir"`
	Filesystem      string            `json:"filesystem"`
	Writable        bool              `json:"writable"`
	SystemType      SystemType        `json:"systemType"`
	UnionFilesystem string            `json:"unionFilesystem"`
	RunningKernel   string            `json:"runningKernel"`
	Boot            BootConfiguration `json:"boot"`
	// Bootloaders maps each present bootloader to the kernel it boots.
	Bootloaders map[string]string `json:"bootloaders"`
	// Drift lists the bootloaders that disagree with the boot record.
	Drift []string `json:"drift,omitempty"`
}

// ArtifactInfo describes one artifact file.
type ArtifactInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// KernelInfo is a KernelRecord with file details.
type KernelInfo struct {
	KernelRecord
	Flavor    string         `json:"flavor"`
	Artifacts []ArtifactInfo `json:"artifacts"`
}

// isWritable probes dir with a temporary file. squashfs is read-only
// whatever the mount options claim.
func isWritable(dir, fstype string) bool {
	if fstype == "squashfs" || fstype == "iso9660" {
		return false
	}
	f, err := afero.TempFile(appFs, dir, ".minios-kernel-probe-")
	if err != nil {
		return false
	}
	f.Close()
	appFs.Remove(f.Name())
	return true
}

func systemStatus(layout Layout, writer *BootConfigWriter) (Status, error) {
	fstype, _ := FilesystemType(layout.Root)
	cfg, err := writer.Current()
	if err != nil {
		return Status{}, err
	}
	st := Status{
		MiniOSDir:       layout.Root,
		Filesystem:      fstype,
		Writable:        isWritable(layout.Root, fstype),
		SystemType:      DetectSystemType(),
		UnionFilesystem: UnionFilesystem(),
		RunningKernel:   writer.runningKernel(),
		Boot:            cfg,
		Bootloaders:     writer.References(),
	}
	for name, v := range st.Bootloaders {
		if v != cfg.ActiveVersion {
			st.Drift = append(st.Drift, name)
		}
	}
	sort.Strings(st.Drift)
	return st, nil
}

func kernelInfo(rec KernelRecord) KernelInfo {
	info := KernelInfo{KernelRecord: rec, Flavor: rec.Flavor()}
	for _, p := range rec.PackagePaths {
		fi, err := appFs.Stat(p)
		if err != nil {
			if !os.IsNotExist(err) {
				info.Artifacts = append(info.Artifacts, ArtifactInfo{Path: p})
			}
			continue
		}
		info.Artifacts = append(info.Artifacts, ArtifactInfo{Path: p, Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return info
}
