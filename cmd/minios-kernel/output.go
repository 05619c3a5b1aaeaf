// This file is part of minios-kernel-manager
// Copyright 2025 MiniOS Linux
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ryanuber/columnize"

	"github.com/minios-linux/minios-kernel-manager/kernelmgr"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printTable(w io.Writer, rows []string) {
	fmt.Fprintln(w, columnize.SimpleFormat(rows))
}

func printKernels(w io.Writer, records []kernelmgr.KernelRecord) {
	rows := []string{"VERSION | SOURCE | INSTALLED | ACTIVE | RUNNING | SIZE"}
	for _, rec := range records {
		rows = append(rows, fmt.Sprintf("%s | %s | %s | %s | %s | %s",
			rec.Version, rec.Source, yesNo(rec.Installed), yesNo(rec.Active), yesNo(rec.Running),
			humanize.IBytes(uint64(rec.Size))))
	}
	printTable(w, rows)
}

func printInfo(w io.Writer, info kernelmgr.KernelInfo) {
	rows := []string{
		"Version: | " + info.Version,
		"Flavor: | " + info.Flavor,
		"Source: | " + string(info.Source),
		"Installed: | " + yesNo(info.Installed),
		"Active: | " + yesNo(info.Active),
		"Running: | " + yesNo(info.Running),
	}
	if info.Package != "" {
		rows = append(rows, "Package: | "+info.Package+" "+info.PackageVersion)
	}
	if info.Architecture != "" {
		rows = append(rows, "Architecture: | "+info.Architecture)
	}
	if info.ModulesVersion != "" && info.ModulesVersion != info.Version {
		rows = append(rows, "Modules version: | "+info.ModulesVersion)
	}
	rows = append(rows, "Size: | "+humanize.IBytes(uint64(info.Size)))
	for _, a := range info.Artifacts {
		rows = append(rows, fmt.Sprintf("  %s | %s, %s", a.Path, humanize.IBytes(uint64(a.Size)), humanize.Time(a.ModTime)))
	}
	printTable(w, rows)
}

func printStatus(w io.Writer, st kernelmgr.Status) {
	writable := yesNo(st.Writable)
	if !st.Writable {
		writable += " (kernels cannot be changed)"
	}
	rows := []string{
		"MiniOS directory: | " + st.MiniOSDir,
		"Filesystem: | " + st.Filesystem,
		"Writable: | " + writable,
		"System: | " + st.SystemType.String(),
		"Union filesystem: | " + st.UnionFilesystem,
		"Running kernel: | " + st.RunningKernel,
		fmt.Sprintf("Active kernel: | %s (generation %d)", orNone(st.Boot.ActiveVersion), st.Boot.Generation),
	}
	for _, name := range sortedKeys(st.Bootloaders) {
		rows = append(rows, fmt.Sprintf("%s boots: | %s", name, orNone(st.Bootloaders[name])))
	}
	if len(st.Drift) > 0 {
		rows = append(rows, "Drift: | "+strings.Join(st.Drift, ", ")+" disagree with the boot record; run 'minios-kernel activate "+st.Boot.ActiveVersion+"'")
	}
	printTable(w, rows)
}

func printHistory(w io.Writer, ops []kernelmgr.Operation) {
	rows := []string{"STARTED | OPERATION | VERSION | STATE | GENERATION | ERROR"}
	for _, op := range ops {
		gen := ""
		if op.Generation > 0 {
			gen = fmt.Sprint(op.Generation)
		}
		rows = append(rows, fmt.Sprintf("%s | %s | %s | %s | %s | %s",
			op.StartedAt.Local().Format(time.DateTime), op.Kind, orNone(op.Version), op.State, gen,
			strings.ReplaceAll(op.Error, "|", "/")))
	}
	printTable(w, rows)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
