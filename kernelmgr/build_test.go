// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/check.v1"
)

type buildSuite struct {
	mapFsMixin
	staged *StagedKernel
	dst    Artifacts
	calls  [][]string

	mksquashfsVersion string
	failing           string
}

var _ = check.Suite(&buildSuite{})

const buildModver = "6.12.3-mos-amd64"

func (s *buildSuite) SetUpTest(c *check.C) {
	s.mapFsMixin.SetUpTest(c)
	s.calls = nil
	s.failing = ""
	s.mksquashfsVersion = "mksquashfs version 4.6.1 (2023/03/25)\ncopyright (C) 2023 Phillip Lougher"

	s.staged = &StagedKernel{
		Version:        buildModver,
		ModulesVersion: buildModver,
		Dir:            "/tmp/minios-kernel-1",
		Root:           "/tmp/minios-kernel-1/root",
	}
	s.writeFile(c, s.staged.Root+"/boot/vmlinuz-"+buildModver, "bzImage")
	s.writeFile(c, s.staged.Root+"/boot/config-"+buildModver, "CONFIG_SQUASHFS=y\n")
	s.writeFile(c, s.staged.Root+"/lib/modules/"+buildModver+"/kernel/fs/squashfs/squashfs.ko", "module")
	// The system module directory already has this version, so nothing is
	// linked into it.
	c.Assert(s.fs.MkdirAll("/lib/modules/"+buildModver, 0755), check.IsNil)
	s.writeFile(c, DefaultMkinitrfs, "#!/bin/bash\n")
	s.dst = artifactsIn("/tmp/minios-kernel-1/out", buildModver)

	s.onTearDown(mockEvalSymlinks(func(path string) (string, error) {
		if path == "/lib/modules" {
			return "/usr/lib/modules", nil
		}
		return path, nil
	}))
	s.onTearDown(mockRunCommand(s.run))
}

func (s *buildSuite) run(ctx context.Context, name string, args ...string) (string, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	if name == s.failing {
		return "W: Possible missing firmware /lib/firmware/i915/tgl_dmc.bin\nE: no space left on device\n", errors.New("exit status 1")
	}
	switch name {
	case DefaultMkinitrfs:
		if err := afero.WriteFile(s.fs, "/tmp/initrfs-123.img", []byte("initramfs"), 0644); err != nil {
			return "", err
		}
		return "Generating initramfs\n/tmp/initrfs-123.img\n", nil
	case "mksquashfs":
		if len(args) == 1 && args[0] == "-version" {
			return s.mksquashfsVersion, nil
		}
		// The module tree is in place while the bundle is built.
		tree := filepath.Join(s.staged.Dir, "squashfs", "usr/lib/modules", buildModver)
		if !s.exists(filepath.Join(tree, "kernel/fs/squashfs/squashfs.ko")) {
			return "", errors.New("modules missing from bundle tree")
		}
		return "", afero.WriteFile(s.fs, args[1], []byte("squashfs"), 0644)
	}
	return "", nil
}

func (s *buildSuite) build(compression string) error {
	return NewToolBuilder(nil, "").Build(context.Background(), s.staged, s.dst, compression)
}

func (s *buildSuite) TestBuild(c *check.C) {
	c.Assert(s.build(""), check.IsNil)

	tree := "/tmp/minios-kernel-1/squashfs"
	c.Check(s.calls, check.DeepEquals, [][]string{
		{"depmod", buildModver},
		{DefaultMkinitrfs, "-k", buildModver, "-n", "-c", "-dm", "--config-file", s.staged.Root + "/boot/config-" + buildModver},
		{"depmod", "-b", tree, buildModver},
		{"mksquashfs", "-version"},
		{"mksquashfs", tree, s.dst.Modules, "-comp", "zstd", "-Xcompression-level", "19", "-b", "1024K", "-always-use-fragments", "-noappend", "-no-strip"},
	})
	c.Check(s.readFile(c, s.dst.Image), check.Equals, "bzImage")
	c.Check(s.readFile(c, s.dst.Initramfs), check.Equals, "initramfs")
	c.Check(s.readFile(c, s.dst.Modules), check.Equals, "squashfs")
	c.Check(s.exists("/tmp/initrfs-123.img"), check.Equals, false)
	c.Check(s.exists(tree), check.Equals, false)
	// Linked directories in the system module tree stay.
	c.Check(s.exists("/lib/modules/"+buildModver), check.Equals, true)
}

func (s *buildSuite) TestBuildOldMksquashfs(c *check.C) {
	s.mksquashfsVersion = "mksquashfs version 4.4 (2019/08/29)"
	c.Assert(s.build("xz"), check.IsNil)

	last := s.calls[len(s.calls)-1]
	c.Check(strings.Join(last[3:], " "), check.Equals, "-comp xz -Xbcj x86 -b 1024K -always-use-fragments -noappend")
}

func (s *buildSuite) TestBuildFailureReportsOutput(c *check.C) {
	s.failing = DefaultMkinitrfs
	err := s.build("zstd")
	c.Check(err, check.ErrorMatches, "Could not generate initramfs: mkinitrfs failed: exit status 1: W: Possible missing firmware .*; E: no space left on device")
	c.Check(s.exists(s.dst.Modules), check.Equals, false)
}

func (s *buildSuite) TestBuildMissingMkinitrfs(c *check.C) {
	c.Assert(s.fs.Remove(DefaultMkinitrfs), check.IsNil)
	c.Check(s.build("zstd"), check.ErrorMatches, "Could not generate initramfs: /run/initramfs/mkinitrfs not found")
}

func (s *buildSuite) TestBuildUnsupportedCompression(c *check.C) {
	c.Check(s.build("brotli"), check.ErrorMatches, `unsupported squashfs compression "brotli"`)
	c.Check(s.calls, check.HasLen, 0)
}

func (*buildSuite) TestInitramfsFromOutput(c *check.C) {
	for _, tc := range []struct{ out, img string }{
		{"/tmp/initrfs-1.img\n", "/tmp/initrfs-1.img"},
		{"Copying modules\n  /tmp/x.img  \ndone\n", "/tmp/x.img"},
		{"Generating initramfs\nnothing generated\n", ""},
		{"", ""},
	} {
		c.Check(initramfsFromOutput(tc.out), check.Equals, tc.img, check.Commentf("%q", tc.out))
	}
}

func (*buildSuite) TestValidCompression(c *check.C) {
	for _, name := range Compressions {
		c.Check(ValidCompression(name), check.Equals, true, check.Commentf(name))
	}
	c.Check(ValidCompression("brotli"), check.Equals, false)
}
