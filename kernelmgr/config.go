// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the system configuration file.
const DefaultConfigPath = "/etc/minios-kernel/config.yaml"

// Config holds the settings of the kernel manager.
type Config struct {
	// MiniOSDir is the MiniOS directory; empty means search SearchPaths.
	MiniOSDir   string   `yaml:"minios_dir"`
	SearchPaths []string `yaml:"search_paths"`

	LockPath    string        `yaml:"lock_path"`
	LockWait    time.Duration `yaml:"lock_wait"`
	JournalPath string        `yaml:"journal_path"`

	TempDir        string `yaml:"temp_dir"`
	MinTempSpaceMB uint64 `yaml:"min_temp_space_mb"`

	Compression    string        `yaml:"squashfs_compression"`
	Architecture   string        `yaml:"architecture"`
	AptCacheMaxAge time.Duration `yaml:"apt_cache_max_age"`
	Mkinitrfs      string        `yaml:"mkinitrfs"`

	// Authorization is "root", "polkit" or "none".
	Authorization string `yaml:"authorization"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		SearchPaths:    append([]string(nil), DefaultSearchPaths...),
		LockPath:       DefaultLockPath,
		JournalPath:    DefaultJournalPath,
		MinTempSpaceMB: DefaultMinTempSpace >> 20,
		Compression:    DefaultCompression,
		Architecture:   debianArchitecture(runtime.GOARCH),
		AptCacheMaxAge: DefaultAptCacheMaxAge,
		Mkinitrfs:      DefaultMkinitrfs,
		Authorization:  "root",
	}
}

// LoadConfig returns the defaults overridden by the file at path, if it
// exists, and then by the environment. Unknown keys in the file are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := appFs.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := decodeConfigFile(f, &cfg); err != nil {
			return cfg, fmt.Errorf("Could not load %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("Could not open %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func decodeConfigFile(f afero.File, cfg *Config) error {
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.MiniOSDir = getEnv("MINIOS_KERNEL_DIR", c.MiniOSDir)
	c.LockPath = getEnv("MINIOS_KERNEL_LOCK", c.LockPath)
	c.JournalPath = getEnv("MINIOS_KERNEL_JOURNAL", c.JournalPath)
	c.TempDir = getEnv("MINIOS_KERNEL_TMPDIR", c.TempDir)
	c.Architecture = getEnv("MINIOS_KERNEL_ARCH", c.Architecture)
}

// getEnv returns the value of the environment variable key if it is set,
// otherwise fallback.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Validate checks the settings that cannot be fixed up with a default.
func (c Config) Validate() error {
	if c.Compression != "" && !ValidCompression(c.Compression) {
		return fmt.Errorf("unsupported squashfs_compression %q (supported: %v)", c.Compression, Compressions)
	}
	if c.LockWait < 0 {
		return fmt.Errorf("lock_wait must not be negative")
	}
	if _, err := NewAuthorizer(c.Authorization); err != nil {
		return err
	}
	return nil
}

// MinTempSpace is the scratch space requirement in bytes.
func (c Config) MinTempSpace() uint64 {
	if c.MinTempSpaceMB == 0 {
		return DefaultMinTempSpace
	}
	return c.MinTempSpaceMB << 20
}

// ResolveMiniOSDir returns the configured MiniOS directory or searches for
// one. It fails with ErrMiniOSNotFound.
func (c Config) ResolveMiniOSDir() (string, error) {
	if c.MiniOSDir != "" {
		if !IsMiniOSDirectory(c.MiniOSDir) {
			return "", fmt.Errorf("%w: %s is not a MiniOS directory", ErrMiniOSNotFound, c.MiniOSDir)
		}
		return c.MiniOSDir, nil
	}
	paths := c.SearchPaths
	if len(paths) == 0 {
		paths = DefaultSearchPaths
	}
	return FindMiniOSDirectory(paths)
}

// debianArchitecture maps a Go architecture to the Debian one.
func debianArchitecture(goarch string) string {
	switch goarch {
	case "386":
		return "i386"
	case "arm":
		return "armhf"
	case "ppc64le":
		return "ppc64el"
	}
	return goarch
}
