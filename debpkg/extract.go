// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package debpkg

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/spf13/afero"
)

// Extract unpacks the data archive of the package below dst, which must
// exist. Entries pointing outside dst are rejected with ErrPathTraversal.
// Symbolic links are created only if the filesystem supports them; device
// nodes and fifos are skipped.
func (p *Package) Extract(dst string) error {
	f, err := p.fs.Open(p.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := ar.NewReader(f)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return formatErrorf(nil, "missing data archive")
		}
		if err != nil {
			return formatErrorf(err, "corrupt ar archive")
		}
		if memberName(hdr) == p.dataMember {
			break
		}
	}

	dr, err := decompress(p.dataMember, r)
	if err != nil {
		return formatErrorf(err, "cannot decompress %s", p.dataMember)
	}
	defer dr.Close()

	x := &extractor{fs: p.fs, dst: dst, links: make(map[string]bool)}
	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return formatErrorf(err, "corrupt %s", p.dataMember)
		}
		if err := x.entry(hdr, tr); err != nil {
			return err
		}
	}
}

type extractor struct {
	fs    afero.Fs
	dst   string
	links map[string]bool // relative paths of the symlinks created so far
}

// target returns the destination path of an archive name and its clean
// relative form.
func (x *extractor) target(name string) (string, string, error) {
	if clean := path.Clean(name); clean == ".." || strings.HasPrefix(clean, "../") {
		return "", "", fmt.Errorf("%w: %s", ErrPathTraversal, name)
	}
	rel := path.Clean("/" + name)[1:]
	if rel == "" {
		return x.dst, "", nil
	}
	// Writing through a symlink created earlier could land anywhere.
	for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
		if x.links[dir] {
			return "", "", fmt.Errorf("%w: %s is below symlink %s", ErrPathTraversal, name, dir)
		}
	}
	return filepath.Join(x.dst, filepath.FromSlash(rel)), rel, nil
}

func (x *extractor) entry(hdr *tar.Header, r io.Reader) error {
	dst, rel, err := x.target(hdr.Name)
	if err != nil {
		return err
	}
	mode := os.FileMode(hdr.Mode).Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		return x.fs.MkdirAll(dst, mode|0700)
	case tar.TypeReg, tar.TypeRegA:
		if err := x.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := x.unlink(dst, rel); err != nil {
			return err
		}
		out, err := x.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("Could not extract %s: %w", hdr.Name, err)
		}
		return out.Close()
	case tar.TypeLink:
		src, srcRel, err := x.target(hdr.Linkname)
		if err != nil {
			return err
		}
		if x.links[srcRel] {
			return fmt.Errorf("%w: hard link %s to symlink %s", ErrPathTraversal, hdr.Name, srcRel)
		}
		if err := x.unlink(dst, rel); err != nil {
			return err
		}
		return x.copy(dst, src, mode)
	case tar.TypeSymlink:
		linker, ok := x.fs.(afero.Linker)
		if !ok {
			return nil
		}
		if err := x.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		x.fs.Remove(dst)
		if err := linker.SymlinkIfPossible(hdr.Linkname, dst); err != nil {
			return fmt.Errorf("Could not create symlink %s: %w", hdr.Name, err)
		}
		x.links[rel] = true
		return nil
	}
	return nil
}

// unlink removes a symlink left at dst by an earlier entry so that the file
// replacing it is written in place instead of through the link.
func (x *extractor) unlink(dst, rel string) error {
	isLink := x.links[rel]
	if lstater, ok := x.fs.(afero.Lstater); ok {
		if fi, _, err := lstater.LstatIfPossible(dst); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			isLink = true
		}
	}
	if !isLink {
		return nil
	}
	delete(x.links, rel)
	if err := x.fs.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("Could not replace symlink %s: %w", rel, err)
	}
	return nil
}

func (x *extractor) copy(dst, src string, mode os.FileMode) error {
	in, err := x.fs.Open(src)
	if err != nil {
		return fmt.Errorf("Could not resolve hard link to %s: %w", src, err)
	}
	defer in.Close()
	out, err := x.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
