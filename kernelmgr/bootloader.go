// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// bootloaderConfig knows how to point one bootloader configuration format
// at a kernel version and how to read back which version it points at.
type bootloaderConfig interface {
	// Name is a short name for logs and errors.
	Name() string
	// Path is the location of the configuration on the medium.
	Path(l Layout) string
	// Rewrite returns content with every kernel and initramfs reference
	// replaced by the ones of version.
	Rewrite(content []byte, version string) []byte
	// References returns the kernel versions content refers to, in order of
	// appearance. An unversioned reference is returned as "". It fails if the
	// content is not a well-formed configuration.
	References(content []byte) ([]string, error)
}

var bootloaders = []bootloaderConfig{syslinuxConfig{}, grubConfig{}}

// configVersion returns the single kernel version a configuration boots.
func configVersion(bl bootloaderConfig, content []byte) (string, error) {
	refs, err := bl.References(content)
	if err != nil {
		return "", err
	}
	if len(refs) == 0 {
		return "", fmt.Errorf("%s configuration has no kernel entry", bl.Name())
	}
	for _, ref := range refs[1:] {
		if ref != refs[0] {
			return "", fmt.Errorf("%s configuration refers to several kernels (%s and %s)", bl.Name(), displayRef(refs[0]), displayRef(ref))
		}
	}
	if refs[0] == "" {
		return "", fmt.Errorf("%s configuration refers to an unversioned kernel", bl.Name())
	}
	return refs[0], nil
}

func displayRef(ref string) string {
	if ref == "" {
		return "unversioned"
	}
	return ref
}

// readConfig reads a bootloader configuration, returning its raw bytes and
// the text to work on.
func readConfig(path string) (raw []byte, text []byte, err error) {
	raw, err = afero.ReadFile(appFs, path)
	if err != nil {
		return nil, nil, err
	}
	text, err = decodeConfig(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("Could not decode %s: %w", path, err)
	}
	return raw, text, nil
}

// decodeConfig turns a configuration saved with a byte order mark (which
// Windows editors like to add on FAT media) into plain UTF-8. Content without
// a BOM is returned as is.
func decodeConfig(raw []byte) ([]byte, error) {
	if !hasBOM(raw) {
		return raw, nil
	}
	r := transform.NewReader(bytes.NewReader(raw), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	return io.ReadAll(r)
}

func hasBOM(raw []byte) bool {
	return bytes.HasPrefix(raw, []byte{0xef, 0xbb, 0xbf}) ||
		bytes.HasPrefix(raw, []byte{0xff, 0xfe}) ||
		bytes.HasPrefix(raw, []byte{0xfe, 0xff})
}

// replaceRef replaces the first group of every match of re with prefix and
// appends replacement, dropping the rest of the match.
func replaceRef(re *regexp.Regexp, content []byte, replacement string) []byte {
	return re.ReplaceAllFunc(content, func(match []byte) []byte {
		sub := re.FindSubmatch(match)
		out := append([]byte(nil), sub[1]...)
		return append(out, replacement...)
	})
}

// refsOf collects group 2 of every match of re; a missing group is "".
func refsOf(re *regexp.Regexp, content []byte) []string {
	var refs []string
	for _, sub := range re.FindAllSubmatch(content, -1) {
		refs = append(refs, strings.TrimPrefix(string(sub[2]), "-"))
	}
	return refs
}

// checkText rejects content that cannot be a text configuration.
func checkText(name string, content []byte) error {
	if len(bytes.TrimSpace(content)) == 0 {
		return fmt.Errorf("%s configuration is empty", name)
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return fmt.Errorf("%s configuration contains NUL bytes", name)
	}
	return nil
}
