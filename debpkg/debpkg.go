// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

// Package debpkg reads Debian binary packages: it validates the archive
// structure, parses the control file and unpacks the data member.
package debpkg

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	version "github.com/knqyf263/go-deb-version"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

const arMagic = "!<arch>\n"

// FormatError describes why a file is not a usable Debian package.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(err error, format string, args ...interface{}) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Package is an opened and validated .deb file.
type Package struct {
	Path    string
	Control Control
	// Format is the content of the debian-binary member.
	Format string

	fs         afero.Fs
	dataMember string
}

// Open reads the package at path and validates its structure: the ar
// signature, a debian-binary member of format 2.x, a control archive with a
// control file naming the package, version and architecture, and a data
// archive.
func Open(fs afero.Fs, path string) (*Package, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	magic := make([]byte, len(arMagic))
	if _, err := io.ReadFull(f, magic); err != nil || string(magic) != arMagic {
		return nil, formatErrorf(nil, "not an ar archive")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	pkg := &Package{Path: path, fs: fs}
	haveControl := false
	r := ar.NewReader(f)
	for i := 0; ; i++ {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, formatErrorf(err, "corrupt ar archive")
		}
		name := memberName(hdr)

		switch {
		case i == 0:
			if name != "debian-binary" {
				return nil, formatErrorf(nil, "first member is %q, not debian-binary", name)
			}
			data, err := io.ReadAll(io.LimitReader(r, 64))
			if err != nil {
				return nil, formatErrorf(err, "cannot read debian-binary")
			}
			pkg.Format = strings.TrimSpace(string(data))
			if !strings.HasPrefix(pkg.Format, "2.") {
				return nil, formatErrorf(nil, "unsupported package format %q", pkg.Format)
			}
		case strings.HasPrefix(name, "control.tar"):
			ctrl, err := readControlArchive(name, r)
			if err != nil {
				return nil, err
			}
			pkg.Control = ctrl
			haveControl = true
		case strings.HasPrefix(name, "data.tar"):
			if _, err := compressionOf(name); err != nil {
				return nil, err
			}
			pkg.dataMember = name
		}
	}

	switch {
	case pkg.Format == "":
		return nil, formatErrorf(nil, "empty archive")
	case !haveControl:
		return nil, formatErrorf(nil, "missing control archive")
	case pkg.dataMember == "":
		return nil, formatErrorf(nil, "missing data archive")
	}
	if err := pkg.Control.validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}

// memberName strips the padding and the GNU terminator from an ar member name.
func memberName(hdr *ar.Header) string {
	return strings.TrimSuffix(strings.TrimSpace(hdr.Name), "/")
}

type compression string

const (
	compressNone compression = ""
	compressGzip compression = "gz"
	compressXz   compression = "xz"
	compressZstd compression = "zst"
)

func compressionOf(member string) (compression, error) {
	ext := ""
	if i := strings.Index(member, ".tar"); i >= 0 {
		ext = strings.TrimPrefix(member[i+len(".tar"):], ".")
	}
	switch c := compression(ext); c {
	case compressNone, compressGzip, compressXz, compressZstd:
		return c, nil
	}
	return "", formatErrorf(nil, "unsupported compression of member %s", member)
}

// decompress wraps r according to the suffix of member.
func decompress(member string, r io.Reader) (io.ReadCloser, error) {
	c, err := compressionOf(member)
	if err != nil {
		return nil, err
	}
	switch c {
	case compressGzip:
		return gzip.NewReader(r)
	case compressXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case compressZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	}
	return io.NopCloser(r), nil
}

func readControlArchive(member string, r io.Reader) (Control, error) {
	dr, err := decompress(member, r)
	if err != nil {
		return Control{}, formatErrorf(err, "cannot decompress %s", member)
	}
	defer dr.Close()

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return Control{}, formatErrorf(nil, "%s has no control file", member)
		}
		if err != nil {
			return Control{}, formatErrorf(err, "corrupt %s", member)
		}
		if strings.TrimPrefix(hdr.Name, "./") != "control" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, 1<<20))
		if err != nil {
			return Control{}, formatErrorf(err, "cannot read control file")
		}
		return ParseControl(bytes.NewReader(data))
	}
}

// Control holds the fields of a binary package control file.
type Control struct {
	Package      string
	Version      string
	Architecture string
	// Fields has every field by its name as written.
	Fields map[string]string
}

// ParseControl parses a control file. Continuation lines are joined to the
// field they continue with a newline.
func ParseControl(r io.Reader) (Control, error) {
	ctrl := Control{Fields: make(map[string]string)}
	var last string
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		switch {
		case strings.TrimSpace(text) == "":
			if len(ctrl.Fields) > 0 {
				// Only the first paragraph describes the package.
				return ctrl.finish(), nil
			}
		case text[0] == ' ' || text[0] == '\t':
			if last == "" {
				return ctrl, formatErrorf(nil, "control line %d: continuation without field", line)
			}
			ctrl.Fields[last] += "\n" + strings.TrimSpace(text)
		case text[0] == '#':
		default:
			i := strings.IndexByte(text, ':')
			if i <= 0 {
				return ctrl, formatErrorf(nil, "control line %d: missing ':'", line)
			}
			last = text[:i]
			ctrl.Fields[last] = strings.TrimSpace(text[i+1:])
		}
	}
	if err := sc.Err(); err != nil {
		return ctrl, formatErrorf(err, "cannot read control file")
	}
	return ctrl.finish(), nil
}

func (c Control) finish() Control {
	c.Package = c.Fields["Package"]
	c.Version = c.Fields["Version"]
	c.Architecture = c.Fields["Architecture"]
	return c
}

func (c Control) validate() error {
	for _, f := range []struct{ name, value string }{
		{"Package", c.Package},
		{"Version", c.Version},
		{"Architecture", c.Architecture},
	} {
		if f.value == "" {
			return formatErrorf(nil, "control file has no %s field", f.name)
		}
	}
	if !version.Valid(c.Version) {
		return formatErrorf(nil, "invalid package version %q", c.Version)
	}
	return nil
}

// ErrPathTraversal is returned when an archive entry points outside the
// destination directory.
var ErrPathTraversal = errors.New("archive entry escapes destination")
