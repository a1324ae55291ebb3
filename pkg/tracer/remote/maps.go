/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package remote

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AreaKind classifies a /proc/pid/maps entry the way the trampoline
// needs to (SPEC_FULL.md §4.4): the three kernel-owned special mappings
// get their own kind so task_end and the unmap-for-exec walk can skip
// them specifically.
type AreaKind int

const (
	AreaOther AreaKind = iota
	AreaVDSO
	AreaVVar
	AreaVSyscall
	AreaPathBacked
)

// Area is one parsed /proc/pid/maps line.
type Area struct {
	Start, End uint64
	Perms      string
	Path       string
	Kind       AreaKind
}

// Overlaps reports whether a overlaps the half-open range [start, end).
func (a Area) Overlaps(start, end uint64) bool {
	return a.Start < end && start < a.End
}

// ReadMaps parses /proc/<pid>/maps into a classified Area list, in file
// order (which is address order).
func ReadMaps(pid int) ([]Area, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, errors.Wrap(err, "remote: open maps")
	}
	defer f.Close()

	var areas []Area
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		area, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, err
		}
		areas = append(areas, area)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "remote: read maps")
	}
	return areas, nil
}

func parseMapsLine(line string) (Area, error) {
	// address perms offset dev inode pathname
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Area{}, errors.Errorf("remote: malformed maps line %q", line)
	}
	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return Area{}, errors.Errorf("remote: malformed maps range %q", fields[0])
	}
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Area{}, errors.Wrap(err, "remote: parse maps start")
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return Area{}, errors.Wrap(err, "remote: parse maps end")
	}

	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	return Area{Start: start, End: end, Perms: fields[1], Path: path, Kind: classify(path)}, nil
}

func classify(path string) AreaKind {
	switch path {
	case "[vdso]":
		return AreaVDSO
	case "[vvar]":
		return AreaVVar
	case "[vsyscall]":
		return AreaVSyscall
	default:
		if strings.HasPrefix(path, "/") {
			return AreaPathBacked
		}
		return AreaOther
	}
}

// TaskEnd computes the userspace boundary: the lowest start address
// among the vdso/vvar/vsyscall areas, the point past which only
// kernel-owned special mappings exist.
func TaskEnd(areas []Area) uint64 {
	end := uint64(1) << 47 // canonical userspace ceiling on x86-64
	for _, a := range areas {
		switch a.Kind {
		case AreaVDSO, AreaVVar, AreaVSyscall:
			if a.Start < end {
				end = a.Start
			}
		}
	}
	return end
}

// VDSOArea returns the [vdso] entry, if present.
func VDSOArea(areas []Area) (Area, bool) {
	for _, a := range areas {
		if a.Kind == AreaVDSO {
			return a, true
		}
	}
	return Area{}, false
}

// UnmappableAreas returns every area that an exec-time unmap pass must
// tear down: everything except vdso/vvar/vsyscall, matched by overlap
// (not by exact kind) because vvar can resize under timer namespaces
// between the maps read and the unmap call.
func UnmappableAreas(areas []Area) []Area {
	special := make([]Area, 0, 3)
	for _, a := range areas {
		if a.Kind == AreaVDSO || a.Kind == AreaVVar || a.Kind == AreaVSyscall {
			special = append(special, a)
		}
	}
	out := make([]Area, 0, len(areas))
	for _, a := range areas {
		skip := false
		for _, s := range special {
			if a.Overlaps(s.Start, s.End) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, a)
		}
	}
	return out
}
