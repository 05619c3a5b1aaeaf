// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"path/filepath"

	"gopkg.in/check.v1"
)

type bootConfigSuite struct {
	mapFsMixin
}

var _ = check.Suite(&bootConfigSuite{})

const (
	oldKernel = "6.1.0-mos-amd64"
	newKernel = "6.12.3-mos-amd64"
)

func (s *bootConfigSuite) lookup(c *check.C, version string) KernelRecord {
	rec, found, err := NewScanner(s.layout(), nil).Lookup(version)
	c.Assert(err, check.IsNil)
	c.Assert(found, check.Equals, true)
	return rec
}

func (s *bootConfigSuite) current(c *check.C) BootConfiguration {
	cfg, err := ReadBootConfiguration(s.layout())
	c.Assert(err, check.IsNil)
	return cfg
}

func (s *bootConfigSuite) checkBoots(c *check.C, version string) {
	l := s.layout()
	c.Check(s.readFile(c, l.SyslinuxConfig()), check.Equals, syslinuxFor(version))
	c.Check(s.readFile(c, l.GrubConfig()), check.Equals, grubFor(version))
	for _, p := range l.LiveArtifacts(version).Paths() {
		c.Check(s.exists(p), check.Equals, true, check.Commentf("%s missing", p))
	}
}

func (s *bootConfigSuite) checkNoTemps(c *check.C) {
	l := s.layout()
	for _, dir := range []string{l.Root, l.BootDir(), filepath.Dir(l.GrubConfig())} {
		c.Check(s.tempFiles(c, dir), check.HasLen, 0, check.Commentf("in %s", dir))
	}
}

func (s *bootConfigSuite) TestActivateSwitchesKernel(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 3)
	s.installPackaged(c, newKernel)

	w := NewBootConfigWriter(l, nil)
	cfg, err := w.Activate(s.current(c), s.lookup(c, newKernel))
	c.Assert(err, check.IsNil)
	c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: newKernel, Generation: 4})
	c.Check(s.current(c), check.Equals, cfg)

	s.checkBoots(c, newKernel)
	c.Check(s.readFile(c, l.LiveArtifacts(newKernel).Image), check.Equals, "kernel "+newKernel)
	c.Check(s.readFile(c, l.MarkerPath()), check.Equals, newKernel)

	// The previous kernel went back to the repository.
	for _, p := range l.LiveArtifacts(oldKernel).Paths() {
		c.Check(s.exists(p), check.Equals, false, check.Commentf("%s still live", p))
	}
	c.Check(l.RepositoryArtifacts(oldKernel).complete(), check.Equals, true)
	s.checkNoTemps(c)
}

func (s *bootConfigSuite) TestActivateActiveKernelChangesNothing(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 5)
	before := s.readFile(c, l.RecordPath())

	w := NewBootConfigWriter(l, nil)
	for i := 0; i < 2; i++ {
		cfg, err := w.Activate(s.current(c), s.lookup(c, oldKernel))
		c.Assert(err, check.IsNil)
		c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: oldKernel, Generation: 5})
	}
	c.Check(s.readFile(c, l.RecordPath()), check.Equals, before)
	s.checkBoots(c, oldKernel)
}

func (s *bootConfigSuite) TestActivateRepairsDrift(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 2)
	s.installPackaged(c, newKernel)
	s.writeFile(c, l.GrubConfig(), grubFor(newKernel))

	w := NewBootConfigWriter(l, nil)
	c.Check(w.References(), check.DeepEquals, map[string]string{"syslinux": oldKernel, "grub": newKernel})

	cfg, err := w.Activate(s.current(c), s.lookup(c, oldKernel))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Generation, check.Equals, uint64(3))
	s.checkBoots(c, oldKernel)
}

func (s *bootConfigSuite) TestActivateNotInstalled(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 1)
	s.writeFile(c, l.RepositoryArtifacts(newKernel).Image, "only the image")

	rec := s.lookup(c, newKernel)
	c.Assert(rec.Installed, check.Equals, false)

	w := NewBootConfigWriter(l, nil)
	cfg, err := w.Activate(s.current(c), rec)
	c.Assert(err, check.FitsTypeOf, &NotInstalledError{})
	c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: oldKernel, Generation: 1})
	c.Check(s.current(c), check.Equals, cfg)
	s.checkBoots(c, oldKernel)
}

func (s *bootConfigSuite) TestActivateFailureRestoresConfigs(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 3)
	s.installPackaged(c, newKernel)
	target := s.lookup(c, newKernel)

	appFs = failingFs{Fs: s.fs, fail: func(_, newname string) bool { return newname == l.RecordPath() }}
	w := NewBootConfigWriter(l, nil)
	cfg, err := w.Activate(BootConfiguration{ActiveVersion: oldKernel, Generation: 3}, target)
	appFs = s.fs

	c.Assert(err, check.FitsTypeOf, &ActivationFailedError{})
	c.Check(err, check.ErrorMatches, `could not activate kernel 6\.12\.3-mos-amd64: Could not write boot record: .*`)
	c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: oldKernel, Generation: 3})
	c.Check(s.current(c), check.Equals, cfg)
	s.checkBoots(c, oldKernel)
	for _, p := range l.LiveArtifacts(newKernel).Paths() {
		c.Check(s.exists(p), check.Equals, false, check.Commentf("%s left live", p))
	}
	s.checkNoTemps(c)
}

func (s *bootConfigSuite) TestActivateGrubFailureRestoresSyslinux(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 3)
	s.installPackaged(c, newKernel)
	target := s.lookup(c, newKernel)

	// syslinux.cfg is replaced first, so it has to be put back.
	appFs = failingFs{Fs: s.fs, fail: func(_, newname string) bool { return newname == l.GrubConfig() }}
	cfg, err := NewBootConfigWriter(l, nil).Activate(BootConfiguration{ActiveVersion: oldKernel, Generation: 3}, target)
	appFs = s.fs

	c.Assert(err, check.FitsTypeOf, &ActivationFailedError{})
	c.Check(err, check.ErrorMatches, `could not activate kernel 6\.12\.3-mos-amd64: Could not update grub configuration: Could not replace .*grub\.cfg: .*`)
	c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: oldKernel, Generation: 3})
	c.Check(s.current(c), check.Equals, cfg)
	s.checkBoots(c, oldKernel)
	for _, p := range l.LiveArtifacts(newKernel).Paths() {
		c.Check(s.exists(p), check.Equals, false, check.Commentf("%s left live", p))
	}
	s.checkNoTemps(c)
}

func (s *bootConfigSuite) TestActivateSyslinuxFailure(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 3)
	s.installPackaged(c, newKernel)
	target := s.lookup(c, newKernel)

	appFs = failingFs{Fs: s.fs, fail: func(_, newname string) bool { return newname == l.SyslinuxConfig() }}
	_, err := NewBootConfigWriter(l, nil).Activate(BootConfiguration{ActiveVersion: oldKernel, Generation: 3}, target)
	appFs = s.fs

	c.Assert(err, check.FitsTypeOf, &ActivationFailedError{})
	c.Check(err, check.ErrorMatches, `.*Could not update syslinux configuration: .*`)
	c.Check(s.current(c), check.Equals, BootConfiguration{ActiveVersion: oldKernel, Generation: 3})
	s.checkBoots(c, oldKernel)
	s.checkNoTemps(c)
}

// checkParses asserts that both bootloader configurations parse and boot
// the given versions.
func (s *bootConfigSuite) checkParses(c *check.C, syslinux, grub string) {
	l := s.layout()
	v, err := configVersion(syslinuxConfig{}, []byte(s.readFile(c, l.SyslinuxConfig())))
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, syslinux)
	v, err = configVersion(grubConfig{}, []byte(s.readFile(c, l.GrubConfig())))
	c.Check(err, check.IsNil)
	c.Check(v, check.Equals, grub)
}

func (s *bootConfigSuite) TestActivateCrashBeforeConfigReplace(c *check.C) {
	l := s.layout()
	for _, tc := range []struct {
		path     string
		syslinux string
	}{
		// Nothing replaced yet.
		{l.SyslinuxConfig(), oldKernel},
		// syslinux.cfg already points at the new kernel, grub.cfg does not.
		{l.GrubConfig(), newKernel},
	} {
		s.TearDownTest(c)
		s.SetUpTest(c)
		s.activeMedium(c, oldKernel, 7)
		s.installPackaged(c, newKernel)
		target := s.lookup(c, newKernel)

		appFs = crashingFs{Fs: s.fs, crash: func(newname string) bool { return newname == tc.path }}
		func() {
			defer func() {
				c.Check(recover(), check.Equals, crash{tc.path})
			}()
			NewBootConfigWriter(l, nil).Activate(s.current(c), target)
		}()
		appFs = s.fs

		// The configuration being replaced is intact and the record is unchanged.
		s.checkParses(c, tc.syslinux, oldKernel)
		c.Check(s.current(c), check.Equals, BootConfiguration{ActiveVersion: oldKernel, Generation: 7})
		c.Check(s.tempFiles(c, filepath.Dir(tc.path)), check.HasLen, 1)

		cfg, err := NewBootConfigWriter(l, nil).Activate(s.current(c), target)
		c.Assert(err, check.IsNil)
		c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: newKernel, Generation: 8})
		s.checkBoots(c, newKernel)
		s.checkNoTemps(c)
	}
}

func (s *bootConfigSuite) TestActivateWithoutBootloaderConfig(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 1)
	s.installPackaged(c, newKernel)
	c.Assert(s.fs.Remove(l.SyslinuxConfig()), check.IsNil)
	c.Assert(s.fs.Remove(l.GrubConfig()), check.IsNil)

	w := NewBootConfigWriter(l, nil)
	_, err := w.Activate(s.current(c), s.lookup(c, newKernel))
	c.Assert(err, check.FitsTypeOf, &ActivationFailedError{})
	c.Check(err, check.ErrorMatches, `.*no bootloader configuration found.*`)
	c.Check(s.current(c).ActiveVersion, check.Equals, oldKernel)
	c.Check(s.exists(l.LiveArtifacts(newKernel).Image), check.Equals, false)
}

func (s *bootConfigSuite) TestActivateCompletesAfterCrash(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 7)
	s.installPackaged(c, newKernel)
	target := s.lookup(c, newKernel)

	// Die right when the record is about to be replaced: the bootloader
	// configurations are already rewritten.
	appFs = crashingFs{Fs: s.fs, crash: func(newname string) bool { return newname == l.RecordPath() }}
	func() {
		defer func() {
			c.Check(recover(), check.Equals, crash{l.RecordPath()})
		}()
		NewBootConfigWriter(l, nil).Activate(s.current(c), target)
	}()
	appFs = s.fs

	// The record still names the old kernel, so that is what is active.
	c.Check(s.current(c), check.Equals, BootConfiguration{ActiveVersion: oldKernel, Generation: 7})
	c.Check(s.readFile(c, l.RecordPath()), check.Matches, `(?s).*"activeVersion": "6\.1\.0-mos-amd64".*`)

	// Running the activation again finishes the job.
	cfg, err := NewBootConfigWriter(l, nil).Activate(s.current(c), target)
	c.Assert(err, check.IsNil)
	c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: newKernel, Generation: 8})
	s.checkBoots(c, newKernel)
}

func (s *bootConfigSuite) TestActivateKeepsRunningKernelLive(c *check.C) {
	l := s.layout()
	s.onTearDown(mockRunning(oldKernel))
	s.activeMedium(c, oldKernel, 1)
	s.installPackaged(c, newKernel)

	_, err := NewBootConfigWriter(l, nil).Activate(s.current(c), s.lookup(c, newKernel))
	c.Assert(err, check.IsNil)
	c.Check(l.LiveArtifacts(oldKernel).complete(), check.Equals, true)
	c.Check(l.RepositoryArtifacts(oldKernel).complete(), check.Equals, true)
}

func (s *bootConfigSuite) TestActivateReplacesStaleLiveArtifacts(c *check.C) {
	l := s.layout()
	s.activeMedium(c, oldKernel, 1)
	s.installPackaged(c, newKernel)
	s.writeFile(c, l.LiveArtifacts(newKernel).Initramfs, "stale initramfs")

	_, err := NewBootConfigWriter(l, nil).Activate(s.current(c), s.lookup(c, newKernel))
	c.Assert(err, check.IsNil)
	c.Check(s.readFile(c, l.LiveArtifacts(newKernel).Initramfs), check.Equals, "initramfs "+newKernel)
}

func (s *bootConfigSuite) TestRegenerateLeavesReferencedKernels(c *check.C) {
	l := s.layout()
	const third = "5.10.0-mos-amd64"
	s.activeMedium(c, newKernel, 2)
	s.installLive(c, oldKernel)
	s.installLive(c, third)
	s.writeFile(c, l.GrubConfig(), grubFor(oldKernel))

	err := NewBootConfigWriter(l, nil).Regenerate(newKernel)
	c.Assert(err, check.IsNil)
	c.Check(l.LiveArtifacts(oldKernel).complete(), check.Equals, true)
	c.Check(s.exists(l.LiveArtifacts(third).Image), check.Equals, false)
	c.Check(l.RepositoryArtifacts(third).complete(), check.Equals, true)
	c.Check(s.readFile(c, l.MarkerPath()), check.Equals, newKernel)
}

func (s *bootConfigSuite) TestRegenerateKeepsRepositoryCopy(c *check.C) {
	l := s.layout()
	const third = "5.10.0-mos-amd64"
	s.onTearDown(mockRunning(oldKernel))
	s.activeMedium(c, newKernel, 2)
	// Both kernels were reinstalled while their old builds stayed live.
	for _, v := range []string{oldKernel, third} {
		s.installLive(c, v)
		s.writeFile(c, l.RepositoryArtifacts(v).Image, "rebuilt kernel "+v)
		s.writeFile(c, l.RepositoryArtifacts(v).Initramfs, "rebuilt initramfs "+v)
	}

	err := NewBootConfigWriter(l, nil).Regenerate(newKernel)
	c.Assert(err, check.IsNil)
	for _, v := range []string{oldKernel, third} {
		c.Check(s.readFile(c, l.RepositoryArtifacts(v).Image), check.Equals, "rebuilt kernel "+v)
		c.Check(s.readFile(c, l.RepositoryArtifacts(v).Initramfs), check.Equals, "rebuilt initramfs "+v)
		// Missing repository files are still filled from the live copy.
		c.Check(s.readFile(c, l.RepositoryArtifacts(v).Modules), check.Equals, "modules "+v)
	}
	c.Check(l.LiveArtifacts(oldKernel).complete(), check.Equals, true)
	c.Check(s.exists(l.LiveArtifacts(third).Image), check.Equals, false)
}

func (s *bootConfigSuite) TestRegenerateWithoutActiveKernel(c *check.C) {
	err := NewBootConfigWriter(s.layout(), nil).Regenerate("")
	c.Check(err, check.ErrorMatches, "no active kernel recorded")
}

func (s *bootConfigSuite) TestReadBootConfiguration(c *check.C) {
	l := s.layout()

	cfg, err := ReadBootConfiguration(l)
	c.Assert(err, check.IsNil)
	c.Check(cfg, check.Equals, BootConfiguration{})

	s.writeFile(c, l.MarkerPath(), oldKernel+"\n")
	cfg, err = ReadBootConfiguration(l)
	c.Assert(err, check.IsNil)
	c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: oldKernel})

	s.writeFile(c, l.RecordPath(), `{"activeVersion": "`+newKernel+`", "generation": 12}`)
	cfg, err = ReadBootConfiguration(l)
	c.Assert(err, check.IsNil)
	c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: newKernel, Generation: 12})

	s.writeFile(c, l.RecordPath(), `{"activeVers`)
	cfg, err = ReadBootConfiguration(l)
	c.Check(err, check.ErrorMatches, `Could not parse .*active-kernel.json: .*`)
	c.Check(cfg, check.Equals, BootConfiguration{ActiveVersion: oldKernel})

	// The writer carries on with the marker.
	cfg, err = NewBootConfigWriter(l, nil).Current()
	c.Assert(err, check.IsNil)
	c.Check(cfg.ActiveVersion, check.Equals, oldKernel)
}

type bootloaderSuite struct{}

var _ = check.Suite(&bootloaderSuite{})

func (*bootloaderSuite) TestRewrite(c *check.C) {
	for _, tc := range []struct {
		bl      bootloaderConfig
		content string
		want    string
	}{
		{syslinuxConfig{}, syslinuxFor(oldKernel), syslinuxFor(newKernel)},
		{grubConfig{}, grubFor(oldKernel), grubFor(newKernel)},
		{
			syslinuxConfig{},
			"LABEL x\n  linux /minios/boot/vmlinuz\n  append initrd=/minios/boot/initrfs.img quiet\n",
			"LABEL x\n  linux /minios/boot/vmlinuz-" + newKernel + "\n  append initrd=/minios/boot/initrfs-" + newKernel + ".img quiet\n",
		},
		{
			grubConfig{},
			"menuentry 'MiniOS' {\n\tlinux /minios/boot/vmlinuz-5.10 quiet\n\tinitrd /minios/boot/initrfs-5.10.img\n}\n",
			"menuentry 'MiniOS' {\n\tlinux /minios/boot/vmlinuz-" + newKernel + " quiet\n\tinitrd /minios/boot/initrfs-" + newKernel + ".img\n}\n",
		},
	} {
		got := tc.bl.Rewrite([]byte(tc.content), newKernel)
		c.Check(string(got), check.Equals, tc.want, check.Commentf("%s: %q", tc.bl.Name(), tc.content))
		v, err := configVersion(tc.bl, got)
		c.Check(err, check.IsNil)
		c.Check(v, check.Equals, newKernel)
	}
}

func (*bootloaderSuite) TestConfigVersion(c *check.C) {
	for _, tc := range []struct {
		bl      bootloaderConfig
		content string
		version string
		err     string
	}{
		{syslinuxConfig{}, syslinuxFor(oldKernel), oldKernel, ""},
		{grubConfig{}, grubFor(oldKernel), oldKernel, ""},
		{syslinuxConfig{}, "", "", "syslinux configuration is empty"},
		{syslinuxConfig{}, "UI menu.c32\n", "", "syslinux configuration has no kernel entry"},
		{syslinuxConfig{}, "KERNEL /minios/boot/vmlinuz\n", "", "syslinux configuration refers to an unversioned kernel"},
		{
			syslinuxConfig{},
			"KERNEL /minios/boot/vmlinuz-1\nAPPEND initrd=/minios/boot/initrfs-2.img\n",
			"", "syslinux configuration refers to several kernels \\(1 and 2\\)",
		},
		{grubConfig{}, grubFor(oldKernel)[:len(grubFor(oldKernel))-3], "", "grub configuration has 1 unclosed block\\(s\\)"},
		{grubConfig{}, "set linux_image=\"/minios/boot/vmlinuz-1\n", "", "grub configuration has an unterminated \" quote"},
		{grubConfig{}, "}\n", "", "grub configuration has an unexpected '}' on line 1"},
		{grubConfig{}, "# don't {\nlinux /minios/boot/vmlinuz-1\n", "1", ""},
		{grubConfig{}, "linux /minios/boot/vmlinuz-1\x00\n", "", "grub configuration contains NUL bytes"},
	} {
		v, err := configVersion(tc.bl, []byte(tc.content))
		comment := check.Commentf("%s: %q", tc.bl.Name(), tc.content)
		if tc.err != "" {
			c.Check(err, check.ErrorMatches, tc.err, comment)
			continue
		}
		c.Check(err, check.IsNil, comment)
		c.Check(v, check.Equals, tc.version, comment)
	}
}

func (*bootloaderSuite) TestDecodeConfig(c *check.C) {
	plain := []byte(syslinuxFor(oldKernel))

	got, err := decodeConfig(plain)
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, plain)

	got, err = decodeConfig(append([]byte{0xef, 0xbb, 0xbf}, plain...))
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, string(plain))

	utf16 := []byte{0xff, 0xfe}
	for _, b := range []byte("KERNEL /minios/boot/vmlinuz-1\n") {
		utf16 = append(utf16, b, 0)
	}
	got, err = decodeConfig(utf16)
	c.Assert(err, check.IsNil)
	c.Check(string(got), check.Equals, "KERNEL /minios/boot/vmlinuz-1\n")
}
