/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package loader

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/tracer/emulator"
)

const (
	stackSize    = 8 << 20 // 8MiB, matches the default RLIMIT_STACK
	stackTopBase = 0x7ffffffde000
	maxTopJitter = 256 // pages

	atNull     = 0
	atPhdr     = 3
	atPhent    = 4
	atPhnum    = 5
	atPagesz   = 6
	atBase     = 7
	atEntry    = 9
	atUID      = 11
	atEUID     = 12
	atGID      = 13
	atEGID     = 14
	atPlatform = 15
	atSecure   = 23
	atRandom   = 25
	atExecFn   = 31

	auxvEntryCount = 15
)

// stackLayout lays out argv/envp/platform/execfn/AT_RANDOM strings into
// one contiguous table and records each one's offset within it, so the
// final buffer can be rendered once a base address is chosen.
type stackLayout struct {
	argvOff, envpOff       []uint64
	platformOff, execfnOff uint64
	randomOff              uint64
	strTab                 []byte
	headerBytes            uint64
}

func newStackLayout(argv, envp []string, execPath string) *stackLayout {
	l := &stackLayout{}
	add := func(s string) uint64 {
		off := uint64(len(l.strTab))
		l.strTab = append(l.strTab, s...)
		l.strTab = append(l.strTab, 0)
		return off
	}

	l.argvOff = make([]uint64, len(argv))
	for i, s := range argv {
		l.argvOff[i] = add(s)
	}
	l.envpOff = make([]uint64, len(envp))
	for i, s := range envp {
		l.envpOff[i] = add(s)
	}
	l.platformOff = add("x86_64")
	l.execfnOff = add(execPath)
	l.randomOff = uint64(len(l.strTab))
	l.strTab = append(l.strTab, make([]byte, 16)...)

	headerWords := uint64(1 + len(argv) + 1 + len(envp) + 1)
	l.headerBytes = headerWords*8 + auxvEntryCount*16
	return l
}

func (l *stackLayout) totalSize() uint64 {
	return l.headerBytes + uint64(len(l.strTab))
}

// render produces the final stack image for placement at base: argc,
// then the argv/envp pointer tables (NULL-terminated), then the auxv
// vector, then the string table itself (SPEC_FULL.md §4.8, the System
// V AMD64 ABI initial-stack-state layout).
func (l *stackLayout) render(base uint64, argc int, main *image, randomBytes [16]byte) []byte {
	buf := make([]byte, l.totalSize())
	le := binary.LittleEndian
	w := 0
	putWord := func(v uint64) { le.PutUint64(buf[w:w+8], v); w += 8 }
	strAddr := func(off uint64) uint64 { return base + l.headerBytes + off }

	putWord(uint64(argc))
	for _, off := range l.argvOff {
		putWord(strAddr(off))
	}
	putWord(0)
	for _, off := range l.envpOff {
		putWord(strAddr(off))
	}
	putWord(0)

	auxv := [][2]uint64{
		{atPhdr, main.phdrAddr},
		{atPhent, uint64(main.phEntSize)},
		{atPhnum, uint64(main.phNum)},
		{atBase, main.base},
		{atEntry, main.entry},
		{atPagesz, pageSize},
		{atUID, 0}, {atEUID, 0}, {atGID, 0}, {atEGID, 0},
		{atSecure, 0},
		{atRandom, strAddr(l.randomOff)},
		{atPlatform, strAddr(l.platformOff)},
		{atExecFn, strAddr(l.execfnOff)},
		{atNull, 0},
	}
	for _, pair := range auxv {
		putWord(pair[0])
		putWord(pair[1])
	}

	copy(buf[l.headerBytes:], l.strTab)
	copy(buf[l.headerBytes+l.randomOff:], randomBytes[:])
	return buf
}

// finishExec builds the argv/envp/auxv stack for the freshly mapped
// image and lands the task at its entry point.
func finishExec(e *emulator.Emulator, execPath string, argv, envp []string, main *image, entry uint64) error {
	top, err := randomStackTop()
	if err != nil {
		return err
	}
	if _, err := e.Tramp.MmapFixedAnonymousGrowsdown(top-stackSize, stackSize); err != nil {
		return errors.Wrap(err, "loader: map stack")
	}

	var randomBytes [16]byte
	if _, err := rand.Read(randomBytes[:]); err != nil {
		return errors.Wrap(err, "loader: generate AT_RANDOM bytes")
	}

	layout := newStackLayout(argv, envp, execPath)
	base := (top - layout.totalSize()) &^ uint64(15)

	buf := layout.render(base, len(argv), main, randomBytes)
	if err := e.Mem.WriteArbitrary(base, buf); err != nil {
		return errors.Wrap(err, "loader: write stack")
	}

	return landAt(e, entry, base)
}

func randomStackTop() (uint64, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "loader: generate stack placement jitter")
	}
	jitter := uint64(b[0]) % maxTopJitter * pageSize
	return (stackTopBase - jitter) &^ uint64(pageSize-1), nil
}

// landAt sets the task's registers to begin executing the freshly
// loaded image: rip at its entry point, rsp at the built stack's argc
// slot, every other general-purpose register zeroed to match a fresh
// exec's ABI contract; segment registers and eflags keep their current
// values. A best-effort PR_SET_MM_START_STACK prctl
// mirrors the real kernel's fs/exec.c bookkeeping; nothing in this
// core reads mm_struct fields back out, so its failure is not fatal.
func landAt(e *emulator.Emulator, entry, sp uint64) error {
	pid := int(e.SysPid)
	var cur unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &cur); err != nil {
		return errors.Wrap(err, "loader: PTRACE_GETREGS before landing")
	}
	regs := unix.PtraceRegs{Cs: cur.Cs, Ss: cur.Ss, Ds: cur.Ds, Es: cur.Es, Fs: cur.Fs, Gs: cur.Gs, Eflags: cur.Eflags}
	regs.Rip = entry
	regs.Rsp = sp
	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return errors.Wrap(err, "loader: PTRACE_SETREGS to land at entry")
	}

	const prSetMM = 35
	const prSetMMStartStack = 5
	_, _ = e.Tramp.Syscall(unix.SYS_PRCTL, [6]uint64{prSetMM, prSetMMStartStack, sp, 0, 0, 0})
	return nil
}
