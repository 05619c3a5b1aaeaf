// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package kernelmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DefaultCompression is the squashfs compressor used unless configured otherwise.
const DefaultCompression = "zstd"

// DefaultMkinitrfs is the MiniOS initramfs generator.
const DefaultMkinitrfs = "/run/initramfs/mkinitrfs"

// compressionParams are the mksquashfs options of each compressor, chosen to
// favour a small bundle over build time.
var compressionParams = map[string][]string{
	"lz4":   {"-Xhc"},
	"lzo":   nil,
	"gzip":  {"-Xcompression-level", "9"},
	"zstd":  {"-Xcompression-level", "19"},
	"lzma":  {"-Xdict-size", "1M"},
	"xz":    {"-Xbcj", "x86"},
	"bzip2": {"-Xblock-size", "256K"},
}

// Compressions lists the supported squashfs compressors, fastest to
// decompress first.
var Compressions = []string{"lz4", "lzo", "gzip", "zstd", "lzma", "xz", "bzip2"}

// ValidCompression reports whether name is a supported squashfs compressor.
func ValidCompression(name string) bool {
	_, ok := compressionParams[name]
	return ok
}

// Builder turns a staged kernel package into an artifact set.
type Builder interface {
	Build(ctx context.Context, staged *StagedKernel, dst Artifacts, compression string) error
}

// ToolBuilder builds artifact sets with the system tools: depmod,
// mksquashfs and the MiniOS mkinitrfs.
type ToolBuilder struct {
	log         *zap.Logger
	mkinitrfs   string
	modulesRoot string
}

// NewToolBuilder returns a ToolBuilder running mkinitrfs from the given path.
func NewToolBuilder(logger *zap.Logger, mkinitrfs string) *ToolBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mkinitrfs == "" {
		mkinitrfs = DefaultMkinitrfs
	}
	return &ToolBuilder{
		log:         logger.Named("builder"),
		mkinitrfs:   mkinitrfs,
		modulesRoot: "/lib/modules",
	}
}

// Build writes the image, initramfs and module bundle of staged to dst.
// Intermediate files stay in the scratch directory of staged.
func (b *ToolBuilder) Build(ctx context.Context, staged *StagedKernel, dst Artifacts, compression string) error {
	if compression == "" {
		compression = DefaultCompression
	}
	if !ValidCompression(compression) {
		return fmt.Errorf("unsupported squashfs compression %q", compression)
	}
	for _, dir := range []string{filepath.Dir(dst.Image), filepath.Dir(dst.Initramfs), filepath.Dir(dst.Modules)} {
		if err := appFs.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	log := b.log.With(zap.String("version", staged.Version))

	log.Info("copying kernel image")
	if err := copyFile(dst.Image, staged.ImagePath()); err != nil {
		return fmt.Errorf("Could not copy kernel image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	log.Info("generating initramfs")
	if err := b.buildInitramfs(ctx, staged, dst.Initramfs); err != nil {
		return fmt.Errorf("Could not generate initramfs: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	log.Info("building module bundle", zap.String("compression", compression))
	if err := b.buildModules(ctx, staged, dst.Modules, compression); err != nil {
		return fmt.Errorf("Could not build module bundle: %w", err)
	}
	return nil
}

// buildInitramfs runs mkinitrfs against the modules of staged. mkinitrfs
// looks for modules in the system module directory, so the staged tree is
// linked there for the duration of the build.
func (b *ToolBuilder) buildInitramfs(ctx context.Context, staged *StagedKernel, dst string) (err error) {
	if !fileExists(b.mkinitrfs) {
		return fmt.Errorf("%s not found", b.mkinitrfs)
	}

	link := filepath.Join(b.modulesRoot, staged.ModulesVersion)
	if _, lerr := lstat(link); os.IsNotExist(lerr) {
		linker, ok := appFs.(afero.Linker)
		if !ok {
			return errors.New("filesystem does not support symbolic links")
		}
		if err := linker.SymlinkIfPossible(staged.ModulesDir(), link); err != nil {
			return fmt.Errorf("Could not link modules into %s: %w", b.modulesRoot, err)
		}
		defer func() {
			if rerr := appFs.Remove(link); rerr != nil {
				err = multierror.Append(err, fmt.Errorf("Could not remove %s: %w", link, rerr)).ErrorOrNil()
			}
		}()
	} else {
		b.log.Debug("modules already present, not linking", zap.String("path", link))
	}

	if out, err := runCommand(ctx, "depmod", staged.ModulesVersion); err != nil {
		return fmt.Errorf("depmod failed: %w", joinOutput(err, out))
	}

	args := []string{"-k", staged.ModulesVersion, "-n", "-c", "-dm"}
	if cfg := staged.ConfigPath(); cfg != "" {
		args = append(args, "--config-file", cfg)
	}
	out, err := runCommand(ctx, b.mkinitrfs, args...)
	if err != nil {
		return fmt.Errorf("mkinitrfs failed: %w", joinOutput(err, out))
	}

	generated := initramfsFromOutput(out)
	if generated == "" {
		return fmt.Errorf("mkinitrfs did not report the generated image")
	}
	defer appFs.Remove(generated)
	return copyFile(dst, generated)
}

// initramfsFromOutput picks the image path mkinitrfs prints as its last line.
func initramfsFromOutput(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasSuffix(line, ".img") {
			return line
		}
	}
	return ""
}

// buildModules packs the module tree of staged into a squashfs bundle laid
// out the way the live system mounts it.
func (b *ToolBuilder) buildModules(ctx context.Context, staged *StagedKernel, dst, compression string) error {
	tree := filepath.Join(staged.Dir, "squashfs")
	base := strings.TrimPrefix(b.modulesBase(), "/")
	target := filepath.Join(tree, base, staged.ModulesVersion)
	if err := appFs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if err := appFs.Rename(staged.ModulesDir(), target); err != nil {
		return fmt.Errorf("Could not move modules into bundle tree: %w", err)
	}
	defer removeAll(tree)

	if out, err := runCommand(ctx, "depmod", "-b", tree, staged.ModulesVersion); err != nil {
		return fmt.Errorf("depmod failed: %w", joinOutput(err, out))
	}

	args := []string{tree, dst, "-comp", compression}
	args = append(args, compressionParams[compression]...)
	args = append(args, "-b", "1024K", "-always-use-fragments", "-noappend")
	if b.mksquashfsSupportsNoStrip(ctx) {
		args = append(args, "-no-strip")
	}
	appFs.Remove(dst)
	if out, err := runCommand(ctx, "mksquashfs", args...); err != nil {
		return fmt.Errorf("mksquashfs failed: %w", joinOutput(err, out))
	}
	return nil
}

// modulesBase is where modules live on this system. On merged-/usr systems
// /lib/modules resolves to /usr/lib/modules, and the bundle must use the
// real path to overlay correctly.
func (b *ToolBuilder) modulesBase() string {
	if real, err := evalSymlinks(b.modulesRoot); err == nil {
		return real
	}
	return b.modulesRoot
}

var mksquashfsVersionRe = regexp.MustCompile(`version (\d+)\.(\d+)`)

// mksquashfsSupportsNoStrip reports whether mksquashfs is 4.5 or newer.
func (b *ToolBuilder) mksquashfsSupportsNoStrip(ctx context.Context) bool {
	out, _ := runCommand(ctx, "mksquashfs", "-version")
	m := mksquashfsVersionRe.FindStringSubmatch(out)
	if m == nil {
		return false
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return major > 4 || (major == 4 && minor >= 5)
}

func lstat(path string) (os.FileInfo, error) {
	if l, ok := appFs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(path)
		return fi, err
	}
	return appFs.Stat(path)
}
