// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// DefaultAptCacheMaxAge is how old the package lists may be before a
// repository package is refused.
const DefaultAptCacheMaxAge = 24 * time.Hour

// PackageURI is where a repository package can be downloaded from and what
// the signed index says it must look like.
type PackageURI struct {
	URI      string
	Filename string
	Size     int64
	SHA256   string
}

// PackageManager resolves repository packages.
type PackageManager interface {
	// Fresh reports whether the package lists are recent enough to trust.
	Fresh() (bool, error)
	// Update refreshes the package lists.
	Update(ctx context.Context) error
	// Resolve returns the download location of a package.
	Resolve(ctx context.Context, name string) (PackageURI, error)
}

// Apt is the PackageManager of Debian based MiniOS systems.
type Apt struct {
	MaxAge    time.Duration
	CachePath string
	ListsDir  string
}

// NewApt returns an Apt with the standard paths.
func NewApt(maxAge time.Duration) *Apt {
	if maxAge <= 0 {
		maxAge = DefaultAptCacheMaxAge
	}
	return &Apt{
		MaxAge:    maxAge,
		CachePath: "/var/cache/apt/pkgcache.bin",
		ListsDir:  "/var/lib/apt/lists",
	}
}

func (a *Apt) Fresh() (bool, error) {
	info, err := appFs.Stat(a.CachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if time.Since(info.ModTime()) > a.MaxAge {
		return false, nil
	}

	entries, err := afero.ReadDir(appFs, a.ListsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	for _, entry := range entries {
		if !entry.IsDir() && entry.Name() != "lock" {
			return true, nil
		}
	}
	return false, nil
}

func (a *Apt) Update(ctx context.Context) error {
	if out, err := runCommand(ctx, "apt-get", "update"); err != nil {
		return fmt.Errorf("apt-get update failed: %w", joinOutput(err, out))
	}
	return nil
}

func (a *Apt) Resolve(ctx context.Context, name string) (PackageURI, error) {
	out, err := runCommand(ctx, "apt-get", "download", "--print-uris", name)
	if err != nil {
		if ctx.Err() != nil {
			return PackageURI{}, ctx.Err()
		}
		return PackageURI{}, &PackageNotFoundError{Package: name, Err: joinOutput(err, out)}
	}
	uris, err := parsePrintURIs(out)
	if err != nil {
		return PackageURI{}, &PackageNotFoundError{Package: name, Err: err}
	}
	if len(uris) == 0 {
		return PackageURI{}, &PackageNotFoundError{Package: name}
	}
	return uris[0], nil
}

// parsePrintURIs parses the output of apt-get --print-uris:
//
//	'http://deb.debian.org/debian/pool/.../linux-image-6.1.0-13-amd64_6.1.55-1_amd64.deb' linux-image-6.1.0-13-amd64_6.1.55-1_amd64.deb 68486312 SHA256:a1b2...
func parsePrintURIs(out string) ([]PackageURI, error) {
	var uris []PackageURI
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "'") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("unexpected apt output %q", line)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected size in apt output %q", line)
		}
		uri := PackageURI{
			URI:      strings.Trim(fields[0], "'"),
			Filename: fields[1],
			Size:     size,
		}
		for _, f := range fields[3:] {
			if strings.HasPrefix(strings.ToUpper(f), "SHA256:") {
				uri.SHA256 = strings.ToLower(f[len("SHA256:"):])
			}
		}
		uris = append(uris, uri)
	}
	return uris, sc.Err()
}

// joinOutput adds the tail of a command's output to its error.
func joinOutput(err error, out string) error {
	if outErr := outputError(out); outErr != nil {
		return fmt.Errorf("%w: %v", err, outErr)
	}
	return err
}
