/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package remote

import (
	"testing"

	"gotest.tools/v3/assert"
)

const sampleMaps = `00400000-00452000 r-xp 00000000 08:02 173521     /bin/cat
00651000-00652000 r--p 00051000 08:02 173521     /bin/cat
00652000-00653000 rw-p 00052000 08:02 173521     /bin/cat
022c5000-022e6000 rw-p 00000000 00:00 0          [heap]
7f2b3a4b0000-7f2b3a6b0000 r--p 00000000 08:02 524293     /usr/lib/locale.so
7fff4f1ed000-7fff4f20e000 rw-p 00000000 00:00 0          [stack]
7fff4f2bd000-7fff4f2c0000 r--p 00000000 00:00 0          [vvar]
7fff4f2c0000-7fff4f2c2000 r-xp 00000000 00:00 0          [vdso]
ffffffffff600000-ffffffffff601000 r-xp 00000000 00:00 0  [vsyscall]
`

func parseSample(t *testing.T) []Area {
	t.Helper()
	var areas []Area
	for _, line := range splitLines(sampleMaps) {
		if line == "" {
			continue
		}
		a, err := parseMapsLine(line)
		assert.NilError(t, err)
		areas = append(areas, a)
	}
	return areas
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func TestParseMapsLineClassifiesSpecialAreas(t *testing.T) {
	areas := parseSample(t)

	var vdso, vvar, vsys, pathBacked, anon int
	for _, a := range areas {
		switch a.Kind {
		case AreaVDSO:
			vdso++
		case AreaVVar:
			vvar++
		case AreaVSyscall:
			vsys++
		case AreaPathBacked:
			pathBacked++
		case AreaOther:
			anon++
		}
	}
	assert.Equal(t, vdso, 1)
	assert.Equal(t, vvar, 1)
	assert.Equal(t, vsys, 1)
	assert.Equal(t, pathBacked, 4)
	assert.Equal(t, anon, 2)
}

func TestTaskEndIsLowestSpecialStart(t *testing.T) {
	areas := parseSample(t)
	end := TaskEnd(areas)
	assert.Equal(t, end, uint64(0x7fff4f2bd000))
}

func TestVDSOAreaFound(t *testing.T) {
	areas := parseSample(t)
	vdso, ok := VDSOArea(areas)
	assert.Assert(t, ok)
	assert.Equal(t, vdso.Start, uint64(0x7fff4f2c0000))
	assert.Equal(t, vdso.End, uint64(0x7fff4f2c2000))
}

func TestUnmappableAreasExcludesSpecialMappingsOnly(t *testing.T) {
	areas := parseSample(t)
	unmappable := UnmappableAreas(areas)
	// every area except [vvar]/[vdso]/[vsyscall]
	assert.Equal(t, len(unmappable), len(areas)-3)
	for _, a := range unmappable {
		assert.Assert(t, a.Kind != AreaVDSO)
		assert.Assert(t, a.Kind != AreaVVar)
		assert.Assert(t, a.Kind != AreaVSyscall)
	}
}

func TestAreaOverlaps(t *testing.T) {
	a := Area{Start: 0x1000, End: 0x2000}
	assert.Assert(t, a.Overlaps(0x1800, 0x2800))
	assert.Assert(t, a.Overlaps(0x0800, 0x1800))
	assert.Assert(t, !a.Overlaps(0x2000, 0x3000))
	assert.Assert(t, !a.Overlaps(0x0000, 0x1000))
}

func TestParseMapsLineRejectsMalformedInput(t *testing.T) {
	_, err := parseMapsLine("not a maps line")
	assert.ErrorContains(t, err, "malformed maps line")
}
