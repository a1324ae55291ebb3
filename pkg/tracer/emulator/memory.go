/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package emulator

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// maxBrkJitter bounds the randomized gap between the anonymous anchor
// mapping brk is built on and the address the guest actually sees as
// its initial program break.
const maxBrkJitter = 64 * pageSize

func roundUpPage(addr uint64) uint64 {
	return (addr + pageSize - 1) &^ (pageSize - 1)
}

func randomBrkJitter() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return (binary.LittleEndian.Uint64(b[:]) % (maxBrkJitter / pageSize)) * pageSize
}

// brkSyscall emulates brk(2) on top of anonymous mmap: the first call
// reserves an anchor page and puts brk_start a random page-aligned
// offset (randomBrkJitter) above it, every
// later call grows the mapping forward via a fixed-address mmap or
// shrinks its tail via munmap (SPEC_FULL.md §4.6). A failed grow/shrink
// leaves brk unchanged and reports the prior value, matching brk(2)'s
// own "return old value on failure" contract.
func (e *Emulator) brkSyscall(requested uint64) int64 {
	if e.brkStart == 0 {
		anchor, err := e.Tramp.MmapAnonymous(0, pageSize)
		if err != nil {
			return -int64(unix.ENOMEM)
		}
		e.brkStart = anchor + randomBrkJitter()
		e.brk = e.brkStart
	}

	if requested == 0 || requested == e.brk {
		return int64(e.brk)
	}

	oldEnd := roundUpPage(e.brk)
	newEnd := roundUpPage(requested)

	switch {
	case newEnd > oldEnd:
		if _, err := e.Tramp.MmapFixedAnonymous(oldEnd, newEnd-oldEnd); err != nil {
			return int64(e.brk)
		}
	case newEnd < oldEnd:
		if err := e.Tramp.Munmap(newEnd, oldEnd-newEnd); err != nil {
			return int64(e.brk)
		}
	}

	e.brk = requested
	return int64(e.brk)
}
