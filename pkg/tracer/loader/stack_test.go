/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package loader

import (
	"encoding/binary"
	"testing"

	"gotest.tools/v3/assert"
)

func TestStackLayoutHeaderAccountsForAllPointers(t *testing.T) {
	l := newStackLayout([]string{"a", "bb"}, []string{"X=1"}, "/bin/a")
	// argc + 2 argv + NULL + 1 envp + NULL = 6 words, plus auxvEntryCount pairs.
	assert.Equal(t, l.headerBytes, uint64(6*8+auxvEntryCount*16))
}

func TestStackLayoutRenderPlacesArgcAndPointers(t *testing.T) {
	l := newStackLayout([]string{"prog", "x"}, []string{"HOME=/root"}, "/bin/prog")
	main := &image{entry: 0x400000, phdrAddr: 0x400040, phEntSize: 56, phNum: 3, base: 0}
	base := uint64(0x7ffff000)

	buf := l.render(base, 2, main, [16]byte{1, 2, 3})
	le := binary.LittleEndian

	assert.Equal(t, le.Uint64(buf[0:8]), uint64(2)) // argc
	argv0 := le.Uint64(buf[8:16])
	argv1 := le.Uint64(buf[16:24])
	assert.Assert(t, argv0 >= base+l.headerBytes)
	assert.Assert(t, argv1 > argv0)
	assert.Equal(t, le.Uint64(buf[24:32]), uint64(0)) // argv NULL terminator
	envp0 := le.Uint64(buf[32:40])
	assert.Assert(t, envp0 != 0) // envp[0] pointer
	assert.Equal(t, le.Uint64(buf[40:48]), uint64(0)) // envp NULL terminator

	// Last 16 bytes of the auxv block (just before the string table) must be AT_NULL.
	auxvEnd := l.headerBytes
	assert.Equal(t, le.Uint64(buf[auxvEnd-16:auxvEnd-8]), uint64(atNull))
	assert.Equal(t, le.Uint64(buf[auxvEnd-8:auxvEnd]), uint64(0))
}

func TestStackLayoutTotalSizeIncludesStringTable(t *testing.T) {
	l := newStackLayout([]string{"a"}, nil, "/bin/a")
	assert.Equal(t, l.totalSize(), l.headerBytes+uint64(len(l.strTab)))
}
