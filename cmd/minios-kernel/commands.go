// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minios-linux/minios-kernel-manager/kernelmgr"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the kernels on the MiniOS medium",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m manager) error {
				records, err := m.List()
				if err != nil {
					return err
				}
				if a.flags.json {
					if records == nil {
						records = []kernelmgr.KernelRecord{}
					}
					return printJSON(a.stdout, records)
				}
				printKernels(a.stdout, records)
				return nil
			})
		},
	}
}

func newActivateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <version>",
		Short: "Make an installed kernel the one booted next",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m manager) error {
				res, err := m.Activate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printResult(res, fmt.Sprintf("Kernel %s is active (generation %d).", res.Boot.ActiveVersion, res.Boot.Generation))
			})
		},
	}
}

type packageFlags struct {
	repo        string
	deb         string
	output      string
	activate    bool
	force       bool
	compression string
	tempDir     string
	forceUpdate bool
}

func newPackageCmd(a *app) *cobra.Command {
	var flags packageFlags
	cmd := &cobra.Command{
		Use:   "package (--repo <package> | --deb <file>)",
		Short: "Build and install a kernel from a Debian kernel package",
		Long: `Build the kernel image, initramfs and module bundle of a linux-image
package and install them on the MiniOS medium. The package is taken from the
configured apt repositories (--repo) or from a local .deb file (--deb).

The new kernel is not activated unless --activate is given.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			return a.withManager(func(m manager) error {
				res, err := m.Package(cmd.Context(), req)
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("Kernel %s installed.", res.Kernel.Version)
				if res.OutputPath != "" {
					msg += fmt.Sprintf(" Artifacts written to %s.", res.OutputPath)
				}
				if req.Activate {
					msg += fmt.Sprintf(" It is now active (generation %d).", res.Boot.Generation)
				}
				return a.printResult(res, msg)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.repo, "repo", "", "name of a linux-image package in the apt repositories")
	f.StringVar(&flags.deb, "deb", "", "path of a linux-image .deb file")
	f.StringVarP(&flags.output, "output", "o", "", "also write the artifact set to this directory")
	f.BoolVar(&flags.activate, "activate", false, "activate the kernel once installed")
	f.BoolVar(&flags.force, "force", false, "replace an installed kernel of the same version")
	f.StringVar(&flags.compression, "sqfs-comp", "", "squashfs compression of the module bundle ("+strings.Join(kernelmgr.Compressions, ", ")+")")
	f.StringVar(&flags.tempDir, "temp-dir", "", "scratch directory for unpacking and building")
	f.BoolVar(&flags.forceUpdate, "force-update", false, "update outdated package lists instead of failing")
	return cmd
}

func (f packageFlags) request() (kernelmgr.PackageRequest, error) {
	req := kernelmgr.PackageRequest{
		OutputPath:  f.output,
		Activate:    f.activate,
		Force:       f.force,
		ForceUpdate: f.forceUpdate,
		Compression: f.compression,
		TempDir:     f.tempDir,
	}
	switch {
	case f.repo != "" && f.deb != "":
		return req, &usageError{errors.New("--repo and --deb cannot be used together")}
	case f.repo != "":
		req.Kind, req.Reference = kernelmgr.KindRepository, f.repo
	case f.deb != "":
		req.Kind, req.Reference = kernelmgr.KindDebFile, f.deb
	default:
		return req, &usageError{errors.New("one of --repo or --deb is required")}
	}
	if f.compression != "" && !kernelmgr.ValidCompression(f.compression) {
		return req, &usageError{fmt.Errorf("unsupported compression %q (supported: %s)", f.compression, strings.Join(kernelmgr.Compressions, ", "))}
	}
	return req, nil
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info [version]",
		Short: "Show details of a kernel, by default the active one",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			version := ""
			if len(args) > 0 {
				version = args[0]
			}
			return a.withManager(func(m manager) error {
				info, err := m.Info(version)
				if err != nil {
					return err
				}
				if a.flags.json {
					return printJSON(a.stdout, info)
				}
				printInfo(a.stdout, info)
				return nil
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the MiniOS medium and its boot configuration",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m manager) error {
				st, err := m.Status()
				if err != nil {
					return err
				}
				if a.flags.json {
					return printJSON(a.stdout, st)
				}
				printStatus(a.stdout, st)
				return nil
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <version>",
		Short: "Remove an installed kernel that is neither active nor running",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m manager) error {
				res, err := m.Delete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printResult(res, fmt.Sprintf("Kernel %s deleted.", args[0]))
			})
		},
	}
}

func newRegenerateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate",
		Short: "Finish an activation that could not tidy up the boot directory",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m manager) error {
				res, err := m.Regenerate(cmd.Context())
				if err != nil {
					return err
				}
				return a.printResult(res, fmt.Sprintf("Boot state of kernel %s regenerated.", res.Boot.ActiveVersion))
			})
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent kernel operations",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withManager(func(m manager) error {
				ops, err := m.History(n)
				if err != nil {
					return err
				}
				if a.flags.json {
					if ops == nil {
						ops = []kernelmgr.Operation{}
					}
					return printJSON(a.stdout, ops)
				}
				printHistory(a.stdout, ops)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of operations to show")
	return cmd
}

func (a *app) printResult(res *kernelmgr.Result, msg string) error {
	if a.flags.json {
		return printJSON(a.stdout, res)
	}
	fmt.Fprintln(a.stdout, msg)
	return nil
}
