// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"regexp"
)

var (
	syslinuxKernelRe = regexp.MustCompile(`(?im)^(\s*(?:KERNEL|LINUX)\s+/minios/boot/)vmlinuz(-\S+)?`)
	syslinuxInitrdRe = regexp.MustCompile(`(?i)(initrd=/minios/boot/)initrfs(-\S+?)?\.img`)
)

// syslinuxConfig handles boot/syslinux.cfg, used for BIOS boot.
type syslinuxConfig struct{}

func (syslinuxConfig) Name() string { return "syslinux" }

func (syslinuxConfig) Path(l Layout) string { return l.SyslinuxConfig() }

func (syslinuxConfig) Rewrite(content []byte, version string) []byte {
	names := artifactNames(version)
	content = replaceRef(syslinuxKernelRe, content, names.Image)
	return replaceRef(syslinuxInitrdRe, content, names.Initramfs)
}

func (c syslinuxConfig) References(content []byte) ([]string, error) {
	if err := checkText(c.Name(), content); err != nil {
		return nil, err
	}
	refs := refsOf(syslinuxKernelRe, content)
	return append(refs, refsOf(syslinuxInitrdRe, content)...), nil
}
