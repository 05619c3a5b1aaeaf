// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	version "github.com/knqyf263/go-deb-version"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Source says where a kernel came from.
type Source string

const (
	SourceRepository Source = "repository"
	SourceLocalDeb   Source = "local-deb"
	SourceUnknown    Source = "unknown"
)

// KernelRecord describes one kernel found on the MiniOS medium.
type KernelRecord struct {
	Version        string   `json:"version"`
	Source         Source   `json:"source"`
	Installed      bool     `json:"installed"`
	Active         bool     `json:"active"`
	Running        bool     `json:"running"`
	Live           bool     `json:"live"`     // complete set in the live boot tree
	Packaged       bool     `json:"packaged"` // complete set in the repository
	PackagePaths   []string `json:"packagePaths"`
	Package        string   `json:"package,omitempty"`
	PackageVersion string   `json:"packageVersion,omitempty"`
	Architecture   string   `json:"architecture,omitempty"`
	ModulesVersion string   `json:"modulesVersion,omitempty"`
	Size           int64    `json:"size"`
}

// Flavor classifies the kernel by the flavor tokens in its version.
func (r KernelRecord) Flavor() string {
	tokens := strings.FieldsFunc(strings.ToLower(r.Version), func(c rune) bool {
		return c == '-' || c == '+' || c == '~'
	})
	has := func(names ...string) bool {
		for _, tok := range tokens {
			for _, name := range names {
				if tok == name {
					return true
				}
			}
		}
		return false
	}
	switch {
	case has("rt"):
		return "Real-time"
	case has("cloud"):
		return "Cloud"
	case has("mos", "minios"):
		return "MiniOS"
	case has("generic"):
		return "Generic"
	case has("lowlatency"):
		return "Low-latency"
	}
	return "Standard"
}

// kernelMetadata is kept as kernel.json next to the artifacts of a kernel in
// the repository.
type kernelMetadata struct {
	Version        string    `json:"version"`
	ModulesVersion string    `json:"modulesVersion,omitempty"`
	Source         Source    `json:"source"`
	Package        string    `json:"package,omitempty"`
	PackageVersion string    `json:"packageVersion,omitempty"`
	Architecture   string    `json:"architecture,omitempty"`
	PackagedAt     time.Time `json:"packagedAt"`
}

func readMetadata(path string) (kernelMetadata, error) {
	var meta kernelMetadata
	data, err := afero.ReadFile(appFs, path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("Could not parse %s: %w", path, err)
	}
	return meta, nil
}

func writeMetadata(path string, meta kernelMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(data, '\n'), 0644, nil)
}

// Scanner discovers the kernels on a MiniOS medium. It never modifies anything.
type Scanner struct {
	layout        Layout
	log           *zap.Logger
	runningKernel func() string
}

// NewScanner returns a scanner for layout.
func NewScanner(layout Layout, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		layout:        layout,
		log:           logger.Named("scanner"),
		runningKernel: RunningKernel,
	}
}

// readDirIfExists lists dir, treating a missing directory as empty.
func readDirIfExists(dir string) ([]os.FileInfo, error) {
	entries, err := afero.ReadDir(appFs, dir)
	if err != nil && os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}

// Scan returns every kernel found in the repository and the live boot tree,
// ordered by version.
//
// Incomplete artifact sets are reported with Installed=false. Only an
// unreadable repository, boot directory or MiniOS directory is an error.
func (s *Scanner) Scan() ([]KernelRecord, error) {
	byVersion := make(map[string]*KernelRecord)
	get := func(v string) *KernelRecord {
		rec, ok := byVersion[v]
		if !ok {
			rec = &KernelRecord{Version: v, Source: SourceUnknown}
			byVersion[v] = rec
		}
		return rec
	}

	repoEntries, err := readDirIfExists(s.layout.RepositoryDir())
	if err != nil {
		return nil, &ScanError{Path: s.layout.RepositoryDir(), Err: err}
	}
	for _, entry := range repoEntries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rec := get(entry.Name())
		rec.Packaged = s.layout.RepositoryArtifacts(rec.Version).complete()
		s.applyMetadata(rec)
	}

	bootEntries, err := readDirIfExists(s.layout.BootDir())
	if err != nil {
		return nil, &ScanError{Path: s.layout.BootDir(), Err: err}
	}
	rootEntries, err := afero.ReadDir(appFs, s.layout.Root)
	if err != nil {
		return nil, &ScanError{Path: s.layout.Root, Err: err}
	}
	for _, entry := range append(bootEntries, rootEntries...) {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		for _, kind := range [][2]string{
			{imagePrefix, ""},
			{initramfsPrefix, initramfsSuffix},
			{modulesPrefix, modulesSuffix},
		} {
			if v := versionFromName(name, kind[0], kind[1]); v != "" && !isTempName(name) {
				get(v).Live = s.layout.LiveArtifacts(v).complete()
				break
			}
		}
	}

	running := s.runningKernel()
	records := make([]KernelRecord, 0, len(byVersion))
	for _, rec := range byVersion {
		rec.Installed = rec.Live || rec.Packaged
		rec.Running = rec.Version == running
		rec.PackagePaths = s.artifactPaths(rec)
		for _, p := range rec.PackagePaths {
			if info, err := appFs.Stat(p); err == nil {
				rec.Size += info.Size()
			}
		}
		records = append(records, *rec)
	}
	sortRecords(records)

	s.markActive(records)
	return records, nil
}

func (s *Scanner) applyMetadata(rec *KernelRecord) {
	meta, err := readMetadata(filepath.Join(s.layout.KernelDir(rec.Version), metadataName))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("ignoring kernel metadata", zap.String("version", rec.Version), zap.Error(err))
		}
		return
	}
	if meta.Source != "" {
		rec.Source = meta.Source
	}
	rec.Package = meta.Package
	rec.PackageVersion = meta.PackageVersion
	rec.Architecture = meta.Architecture
	rec.ModulesVersion = meta.ModulesVersion
}

// artifactPaths prefers the live copies of a kernel, which are the ones that boot.
func (s *Scanner) artifactPaths(rec *KernelRecord) []string {
	live := s.layout.LiveArtifacts(rec.Version)
	repo := s.layout.RepositoryArtifacts(rec.Version)
	switch {
	case rec.Live:
		return live.Paths()
	case rec.Packaged:
		return repo.Paths()
	}
	// Orphan: report whatever is there.
	paths := live.present()
	return append(paths, repo.present()...)
}

func (s *Scanner) markActive(records []KernelRecord) {
	cfg, err := ReadBootConfiguration(s.layout)
	if err != nil {
		s.log.Warn("ignoring unreadable boot record", zap.Error(err))
	}

	if cfg.ActiveVersion != "" {
		for i := range records {
			if records[i].Version != cfg.ActiveVersion {
				continue
			}
			if records[i].Installed {
				records[i].Active = true
			} else {
				s.log.Warn("boot record names a kernel that is not installed", zap.String("version", cfg.ActiveVersion))
			}
			return
		}
		s.log.Warn("boot record names an unknown kernel", zap.String("version", cfg.ActiveVersion))
		return
	}

	// Media prepared before the record existed: the live kernel is the active one.
	for i := range records {
		if records[i].Live {
			records[i].Active = true
			return
		}
	}
}

// Lookup returns the record of version, if there is one.
func (s *Scanner) Lookup(version string) (KernelRecord, bool, error) {
	records, err := s.Scan()
	if err != nil {
		return KernelRecord{}, false, err
	}
	for _, rec := range records {
		if rec.Version == version {
			return rec, true, nil
		}
	}
	return KernelRecord{}, false, nil
}

// Active returns the active record, if any.
func Active(records []KernelRecord) (KernelRecord, bool) {
	for _, rec := range records {
		if rec.Active {
			return rec, true
		}
	}
	return KernelRecord{}, false
}

func sortRecords(records []KernelRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return compareVersions(records[i].Version, records[j].Version) < 0
	})
}

// compareVersions orders kernel versions the way dpkg does, falling back to
// plain string order for versions dpkg would reject.
func compareVersions(a, b string) int {
	va, errA := version.NewVersion(a)
	vb, errB := version.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}
