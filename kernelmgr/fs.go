// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// tempInfix is part of the name of every temporary file we create next to a
// live file. Readers skip such names, writers clean them up.
const tempInfix = ".minios-tmp-"

// appFs is the filesystem all MiniOS media access goes through.
var appFs afero.Fs = afero.NewOsFs()

// isTempName reports whether name is one of our temporary files.
func isTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tempInfix)
}

// MaybeUpdateFile copies src to dst if they are different.
//
// It returns true if the destination file was replaced. The new content is
// written to a temporary file next to dst and renamed over it, so dst either
// keeps its old content or has the complete new content.
func MaybeUpdateFile(dst string, src string) (bool, error) {
	srcFile, err := appFs.Open(src)
	if err != nil {
		return false, fmt.Errorf("Could not open source file: %w", err)
	}
	defer srcFile.Close()

	if needUpdate, err := needUpdateFile(dst, src, srcFile); !needUpdate {
		return false, err
	}

	info, err := srcFile.Stat()
	if err != nil {
		return false, fmt.Errorf("Could not stat source file %s: %w", src, err)
	}

	err = writeAtomic(dst, info.Mode().Perm(), func(w io.Writer) error {
		_, err := io.Copy(w, srcFile)
		return err
	}, nil)
	if err != nil {
		return false, fmt.Errorf("Could not copy %s to %s: %w", src, dst, err)
	}
	return true, nil
}

func needUpdateFile(dst string, src string, srcFile io.ReadSeeker) (bool, error) {
	// To keep things simple, but not have the files in memory, just hash them
	dstHash := sha256.New()
	srcHash := sha256.New()

	dstFile, err := appFs.Open(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("Could not open destination file: %w", err)
	}

	defer dstFile.Close()

	if _, err := io.Copy(dstHash, dstFile); err != nil {
		return false, fmt.Errorf("Could not hash destination file %s: %w", dst, err)
	}
	if _, err := io.Copy(srcHash, srcFile); err != nil {
		return false, fmt.Errorf("Could not hash source file %s: %w", src, err)
	}
	if bytes.Equal(dstHash.Sum(nil), srcHash.Sum(nil)) {
		return false, nil
	}

	if _, err := srcFile.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("Could not seek in source file %s: %w", src, err)
	}

	return true, nil
}

// WriteFileAtomic replaces path with data.
//
// If verify is not nil, it is called with the path of the completely written
// temporary file before it is renamed into place. An error from verify aborts
// the replace and path is left untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode, verify func(tmpPath string) error) error {
	return writeAtomic(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}, verify)
}

func writeAtomic(path string, perm os.FileMode, fill func(io.Writer) error, verify func(string) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(appFs, dir, "."+filepath.Base(path)+tempInfix+"*")
	if err != nil {
		return fmt.Errorf("Could not create temporary file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			appFs.Remove(tmpPath)
		}
	}()

	if err = fill(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("Could not write %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("Could not flush %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("Could not close %s: %w", tmpPath, err)
	}
	if err = appFs.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("Could not set permissions on %s: %w", tmpPath, err)
	}

	if verify != nil {
		if err = verify(tmpPath); err != nil {
			return err
		}
	}

	if err = appFs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("Could not replace %s: %w", path, err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes a directory so a rename inside it survives a power cut.
// Filesystems that cannot sync directories (FAT) are fine with the rename alone.
func syncDir(dir string) {
	d, err := appFs.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// removeStaleTemps deletes temporary files left in dir by an interrupted write.
func removeStaleTemps(dir string) error {
	entries, err := afero.ReadDir(appFs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isTempName(entry.Name()) {
			continue
		}
		if err := appFs.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// copyFile copies src to dst, replacing dst atomically.
func copyFile(dst, src string) error {
	_, err := MaybeUpdateFile(dst, src)
	return err
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := appFs.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
