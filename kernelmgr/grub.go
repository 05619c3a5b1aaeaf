// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"fmt"
	"regexp"
)

var (
	grubLinuxVarRe  = regexp.MustCompile(`(?m)^(\s*set\s+linux_image=")[^"]*(")`)
	grubInitrdVarRe = regexp.MustCompile(`(?m)^(\s*set\s+initrd_img=")[^"]*(")`)
	grubImageRe     = regexp.MustCompile(`(/minios/boot/)vmlinuz(-[^\s"';]+)?`)
	grubInitrdRe    = regexp.MustCompile(`(/minios/boot/)initrfs(-[^\s"';]+?)?\.img`)
)

// grubConfig handles boot/grub/grub.cfg, used for UEFI boot.
//
// MiniOS menus set the linux_image and initrd_img variables once and refer to
// them from every menu entry; search commands and entries written by hand
// use the paths directly. Both forms are rewritten.
type grubConfig struct{}

func (grubConfig) Name() string { return "grub" }

func (grubConfig) Path(l Layout) string { return l.GrubConfig() }

func (grubConfig) Rewrite(content []byte, version string) []byte {
	names := artifactNames(version)
	content = setGrubVar(grubLinuxVarRe, content, "/minios/boot/"+names.Image)
	content = setGrubVar(grubInitrdVarRe, content, "/minios/boot/"+names.Initramfs)
	content = replaceRef(grubImageRe, content, names.Image)
	return replaceRef(grubInitrdRe, content, names.Initramfs)
}

func setGrubVar(re *regexp.Regexp, content []byte, value string) []byte {
	return re.ReplaceAllFunc(content, func(match []byte) []byte {
		sub := re.FindSubmatch(match)
		out := append([]byte(nil), sub[1]...)
		out = append(out, value...)
		return append(out, sub[2]...)
	})
}

func (c grubConfig) References(content []byte) ([]string, error) {
	if err := checkText(c.Name(), content); err != nil {
		return nil, err
	}
	if err := checkGrubSyntax(content); err != nil {
		return nil, err
	}
	refs := refsOf(grubImageRe, content)
	return append(refs, refsOf(grubInitrdRe, content)...), nil
}

// checkGrubSyntax makes sure quotes are closed and braces balanced, which is
// enough to catch a truncated file.
func checkGrubSyntax(content []byte) error {
	depth, line := 0, 1
	var quote byte
	comment := false
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == '\n' {
			line++
			comment = false
			if quote == 0 {
				continue
			}
		}
		switch {
		case comment:
		case quote != 0:
			if c == '\\' && quote == '"' && i+1 < len(content) {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\\' && i+1 < len(content):
			i++
		case c == '#' && (i == 0 || isGrubSpace(content[i-1])):
			comment = true
		case c == '"' || c == '\'':
			quote = c
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("grub configuration has an unexpected '}' on line %d", line)
			}
		}
	}
	if quote != 0 {
		return fmt.Errorf("grub configuration has an unterminated %c quote", quote)
	}
	if depth != 0 {
		return fmt.Errorf("grub configuration has %d unclosed block(s)", depth)
	}
	return nil
}

func isGrubSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == ';'
}
