/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package remote

import (
	"os"
	"testing"

	"gotest.tools/v3/assert"
)

func backingFile(t *testing.T, content []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "mem")
	assert.NilError(t, err)
	_, err = f.Write(content)
	assert.NilError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFindPatternWithinSingleChunk(t *testing.T) {
	buf := make([]byte, 4096)
	copy(buf[100:], []byte{0x0f, 0x05})
	mem := New(backingFile(t, buf), 0)

	addr, err := mem.FindPattern(0, uint64(len(buf)), []byte{0x0f, 0x05})
	assert.NilError(t, err)
	assert.Equal(t, addr, uint64(100))
}

func TestFindPatternAcrossChunkBoundary(t *testing.T) {
	buf := make([]byte, 8192)
	// straddle the 4096 chunk boundary
	copy(buf[4095:], []byte{0x0f, 0x05})
	mem := New(backingFile(t, buf), 0)

	addr, err := mem.FindPattern(0, uint64(len(buf)), []byte{0x0f, 0x05})
	assert.NilError(t, err)
	assert.Equal(t, addr, uint64(4095))
}

func TestFindPatternNotFound(t *testing.T) {
	buf := make([]byte, 4096)
	mem := New(backingFile(t, buf), 0)

	_, err := mem.FindPattern(0, uint64(len(buf)), []byte{0x0f, 0x05})
	assert.ErrorContains(t, err, "pattern not found")
}

func TestReadAtDetectsShortRead(t *testing.T) {
	mem := New(backingFile(t, []byte{1, 2, 3}), 0)
	buf := make([]byte, 8)
	err := mem.ReadAt(0, buf)
	assert.ErrorContains(t, err, "short read")
}

func TestWriteWordAlignedRejectsUnalignedLength(t *testing.T) {
	mem := New(backingFile(t, make([]byte, 16)), 0)
	err := mem.WriteWordAligned(0, []byte{1, 2, 3})
	assert.ErrorContains(t, err, "word-multiple")
}
