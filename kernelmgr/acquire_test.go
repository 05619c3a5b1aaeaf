// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"gopkg.in/check.v1"

	"github.com/minios-linux/minios-kernel-manager/debpkg"
)

// debEntry is one file of a test package. Names ending in "/" are
// directories, entries with a link are symbolic links.
type debEntry struct {
	name string
	body string
	link string
}

func tarGz(c *check.C, entries []debEntry) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644, Size: int64(len(e.body)), Typeflag: tar.TypeReg, ModTime: time.Unix(1700000000, 0)}
		switch {
		case e.link != "":
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeSymlink, e.link, 0
		case strings.HasSuffix(e.name, "/"):
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0755, 0
		}
		c.Assert(tw.WriteHeader(hdr), check.IsNil)
		if hdr.Size > 0 {
			_, err := tw.Write([]byte(e.body))
			c.Assert(err, check.IsNil)
		}
	}
	c.Assert(tw.Close(), check.IsNil)
	c.Assert(gz.Close(), check.IsNil)
	return buf.Bytes()
}

// buildDeb assembles a binary package with the given control file and content.
func buildDeb(c *check.C, control string, data []debEntry) []byte {
	var buf bytes.Buffer
	w := ar.NewWriter(&buf)
	c.Assert(w.WriteGlobalHeader(), check.IsNil)
	for _, m := range []struct {
		name string
		body []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar.gz", tarGz(c, []debEntry{{name: "./"}, {name: "./control", body: control}})},
		{"data.tar.gz", tarGz(c, data)},
	} {
		c.Assert(w.WriteHeader(&ar.Header{Name: m.name, Mode: 0644, Size: int64(len(m.body)), ModTime: time.Unix(1700000000, 0)}), check.IsNil)
		_, err := w.Write(m.body)
		c.Assert(err, check.IsNil)
	}
	return buf.Bytes()
}

func kernelControl(pkg, arch string) string {
	return fmt.Sprintf(`Package: %s
Source: linux-signed-amd64
Version: 6.12.3-1
Architecture: %s
Maintainer: MiniOS Developers <team@minios.dev>
Installed-Size: 412345
Depends: kmod, linux-base (>= 4.3~), initramfs-tools (>= 0.120+deb8u2)
Section: kernel
Priority: optional
Description: Linux 6.12 for 64-bit PCs (MiniOS)
 The Linux kernel 6.12 and modules for use on PCs with AMD64, Intel 64 or
 VIA Nano processors.
`, pkg, arch)
}

func kernelData(modver string) []debEntry {
	return []debEntry{
		{name: "./"},
		{name: "./boot/"},
		{name: "./boot/vmlinuz-" + modver, body: "bzImage " + modver},
		{name: "./boot/config-" + modver, body: "CONFIG_SQUASHFS=y\n"},
		{name: "./lib/modules/" + modver + "/kernel/drivers/net/ethernet/intel/e1000/"},
		{name: "./lib/modules/" + modver + "/kernel/drivers/net/ethernet/intel/e1000/e1000.ko", body: "module"},
		{name: "./lib/modules/" + modver + "/modules.order", body: "kernel/drivers/net/ethernet/intel/e1000/e1000.ko\n"},
		{name: "./lib/modules/" + modver + "/build", link: "/usr/src/linux-headers-" + modver},
	}
}

const (
	testDebName = "linux-image-6.12.3-mos-amd64_6.12.3-1_amd64.deb"
	testDebPath = "/home/live/" + testDebName
)

type fakePackages struct {
	fresh   bool
	updated int
	uri     PackageURI
	err     error
}

func (f *fakePackages) Fresh() (bool, error) { return f.fresh, nil }

func (f *fakePackages) Update(context.Context) error {
	f.updated++
	f.fresh = true
	return nil
}

func (f *fakePackages) Resolve(_ context.Context, name string) (PackageURI, error) {
	return f.uri, f.err
}

type acquireSuite struct {
	mapFsMixin
	packages *fakePackages
	acquirer *Acquirer
}

var _ = check.Suite(&acquireSuite{})

func (s *acquireSuite) SetUpTest(c *check.C) {
	s.mapFsMixin.SetUpTest(c)
	c.Assert(s.fs.MkdirAll("/var/tmp", 01777), check.IsNil)
	s.packages = &fakePackages{fresh: true}
	s.acquirer = NewAcquirer(nil, s.packages, "amd64", "/var/tmp", 0)
}

func (s *acquireSuite) writeDeb(c *check.C, path string, data []byte) {
	c.Assert(s.fs.MkdirAll(filepath.Dir(path), 0755), check.IsNil)
	c.Assert(afero.WriteFile(s.fs, path, data, 0644), check.IsNil)
}

func (s *acquireSuite) checkScratchRemoved(c *check.C) {
	entries, err := afero.ReadDir(s.fs, "/var/tmp")
	c.Assert(err, check.IsNil)
	c.Check(entries, check.HasLen, 0)
}

func debFileRequest(path string) PackageRequest {
	return PackageRequest{Kind: KindDebFile, Reference: path}
}

func (s *acquireSuite) TestAcquireDebFile(c *check.C) {
	s.writeDeb(c, testDebPath, buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "amd64"), kernelData(newKernel)))

	staged, err := s.acquirer.Acquire(context.Background(), debFileRequest(testDebPath), oldKernel)
	c.Assert(err, check.IsNil)

	c.Check(staged.Version, check.Equals, newKernel)
	c.Check(staged.ModulesVersion, check.Equals, newKernel)
	c.Check(staged.Source, check.Equals, SourceLocalDeb)
	c.Check(staged.Package, check.Equals, "linux-image-6.12.3-mos-amd64")
	c.Check(staged.PackageVersion, check.Equals, "6.12.3-1")
	c.Check(staged.Architecture, check.Equals, "amd64")
	c.Check(staged.DebPath, check.Equals, testDebPath)
	c.Check(strings.HasPrefix(staged.Dir, "/var/tmp/minios-kernel-"), check.Equals, true)
	c.Check(s.readFile(c, staged.ImagePath()), check.Equals, "bzImage "+newKernel)
	c.Check(staged.ConfigPath(), check.Equals, filepath.Join(staged.Root, "boot", "config-"+newKernel))
	c.Check(staged.ModulesDir(), check.Equals, filepath.Join(staged.Root, "lib", "modules", newKernel))
	c.Check(s.exists(filepath.Join(staged.ModulesDir(), "modules.order")), check.Equals, true)

	meta := staged.metadata()
	c.Check(meta.Source, check.Equals, SourceLocalDeb)
	c.Check(meta.ModulesVersion, check.Equals, newKernel)

	c.Assert(staged.Cleanup(), check.IsNil)
	s.checkScratchRemoved(c)
}

func (s *acquireSuite) TestAcquireRejects(c *check.C) {
	for _, tc := range []struct {
		comment string
		data    []byte
		active  string
		reason  string
	}{{
		comment: "wrong architecture",
		data:    buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "arm64"), kernelData(newKernel)),
		reason:  "architecture arm64 does not match amd64",
	}, {
		comment: "not a kernel",
		data:    buildDeb(c, kernelControl("linux-headers-6.12.3-mos-amd64", "amd64"), kernelData(newKernel)),
		reason:  "linux-headers-6.12.3-mos-amd64 is not a kernel image package",
	}, {
		comment: "active kernel",
		data:    buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "amd64"), kernelData(newKernel)),
		active:  newKernel,
		reason:  "kernel 6.12.3-mos-amd64 is the active kernel and cannot be replaced",
	}, {
		comment: "no modules",
		data:    buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "amd64"), kernelData(newKernel)[:4]),
		reason:  "package contains no kernel modules",
	}, {
		comment: "no image",
		data:    buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "amd64"), []debEntry{{name: "./usr/share/doc/"}}),
		reason:  "cannot determine the kernel version",
	}, {
		comment: "path traversal",
		data:    buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "amd64"), append(kernelData(newKernel), debEntry{name: "../../etc/cron.d/evil", body: "x"})),
		reason:  "cannot unpack",
	}, {
		comment: "not a package",
		data:    []byte("<html>404 Not Found</html>"),
		reason:  "invalid Debian package",
	}} {
		s.writeDeb(c, testDebPath, tc.data)
		staged, err := s.acquirer.Acquire(context.Background(), debFileRequest(testDebPath), tc.active)
		comment := check.Commentf(tc.comment)
		c.Check(staged, check.IsNil, comment)
		var malformed *MalformedPackageError
		if c.Check(errors.As(err, &malformed), check.Equals, true, comment) {
			c.Check(malformed.Reason, check.Equals, tc.reason, comment)
			c.Check(malformed.Path, check.Equals, testDebPath, comment)
		}
		s.checkScratchRemoved(c)
	}
}

func (s *acquireSuite) TestAcquireTraversalNamed(c *check.C) {
	s.writeDeb(c, testDebPath, buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "amd64"),
		append(kernelData(newKernel), debEntry{name: "./boot/../../../etc/passwd", body: "x"})))
	_, err := s.acquirer.Acquire(context.Background(), debFileRequest(testDebPath), "")
	c.Check(errors.Is(err, debpkg.ErrPathTraversal), check.Equals, true)
	c.Check(s.exists("/etc/passwd"), check.Equals, false)
}

func (s *acquireSuite) TestAcquireMissingFile(c *check.C) {
	_, err := s.acquirer.Acquire(context.Background(), debFileRequest("/home/live/missing.deb"), "")
	c.Assert(err, check.FitsTypeOf, &PackageNotFoundError{})
	c.Check(errors.Is(err, os.ErrNotExist), check.Equals, true)
	s.checkScratchRemoved(c)
}

func (s *acquireSuite) TestAcquireInsufficientSpace(c *check.C) {
	s.onTearDown(mockFreeSpace(100<<20, 0x01021994))
	s.writeDeb(c, testDebPath, buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "amd64"), kernelData(newKernel)))

	_, err := s.acquirer.Acquire(context.Background(), debFileRequest(testDebPath), "")
	c.Check(errors.Is(err, ErrInsufficientSpace), check.Equals, true)
	c.Check(err, check.ErrorMatches, `insufficient disk space in /var/tmp: 100 MiB available, 1\.0 GiB required`)
}

func (s *acquireSuite) repositoryPackage(c *check.C) {
	data := buildDeb(c, kernelControl("linux-image-6.12.3-mos-amd64", "amd64"), kernelData(newKernel))
	s.writeDeb(c, "/srv/pool/"+testDebName, data)
	sum := sha256.Sum256(data)
	s.packages.uri = PackageURI{
		URI:      "file:///srv/pool/" + testDebName,
		Filename: testDebName,
		Size:     int64(len(data)),
		SHA256:   hex.EncodeToString(sum[:]),
	}
}

func (s *acquireSuite) TestAcquireRepository(c *check.C) {
	s.repositoryPackage(c)

	staged, err := s.acquirer.Acquire(context.Background(), PackageRequest{Kind: KindRepository, Reference: "linux-image-6.12.3-mos-amd64"}, "")
	c.Assert(err, check.IsNil)
	defer staged.Cleanup()
	c.Check(staged.Source, check.Equals, SourceRepository)
	c.Check(staged.Version, check.Equals, newKernel)
	c.Check(staged.DebPath, check.Equals, filepath.Join(staged.Dir, testDebName))
	c.Check(s.packages.updated, check.Equals, 0)
}

func (s *acquireSuite) TestAcquireRepositoryOutdatedLists(c *check.C) {
	s.repositoryPackage(c)
	s.packages.fresh = false
	req := PackageRequest{Kind: KindRepository, Reference: "linux-image-6.12.3-mos-amd64"}

	_, err := s.acquirer.Acquire(context.Background(), req, "")
	c.Assert(err, check.FitsTypeOf, &PackageNotFoundError{})
	c.Check(errors.Is(err, ErrPackageListsOutdated), check.Equals, true)
	c.Check(s.packages.updated, check.Equals, 0)

	req.ForceUpdate = true
	staged, err := s.acquirer.Acquire(context.Background(), req, "")
	c.Assert(err, check.IsNil)
	defer staged.Cleanup()
	c.Check(s.packages.updated, check.Equals, 1)
}

func (s *acquireSuite) TestAcquireRepositoryChecksumMismatch(c *check.C) {
	s.repositoryPackage(c)
	s.packages.uri.SHA256 = strings.Repeat("0", 64)

	_, err := s.acquirer.Acquire(context.Background(), PackageRequest{Kind: KindRepository, Reference: "linux-image-6.12.3-mos-amd64"}, "")
	c.Assert(err, check.FitsTypeOf, &IntegrityError{})
	c.Check(err, check.ErrorMatches, "integrity check of linux-image-6.12.3-mos-amd64 failed: SHA256 is [0-9a-f]{64}, expected 0{64}")
	s.checkScratchRemoved(c)
}

func (s *acquireSuite) TestAcquireRepositoryUnknownPackage(c *check.C) {
	s.packages.err = &PackageNotFoundError{Package: "linux-image-9.9"}
	_, err := s.acquirer.Acquire(context.Background(), PackageRequest{Kind: KindRepository, Reference: "linux-image-9.9"}, "")
	c.Check(err, check.Equals, s.packages.err)
	s.checkScratchRemoved(c)
}

func (*acquireSuite) TestDetectVersionsFromPackageName(c *check.C) {
	m := debFileVersionRe.FindStringSubmatch("linux-image-6.1.0-13-amd64_6.1.55-1_amd64.deb")
	c.Assert(m, check.NotNil)
	c.Check(m[1], check.Equals, "6.1.0-13-amd64")
	c.Check(debFileVersionRe.MatchString("kernel.deb"), check.Equals, false)
}
