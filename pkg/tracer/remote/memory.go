/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package remote implements the tracer's view into a guest's address
// space: bulk reads/writes over its /proc/pid/mem fd, a ptrace-backed
// word-write fallback, /proc/pid/maps classification, and the
// pattern-search used to locate the VDSO's syscall instruction
// (SPEC_FULL.md §4.4).
package remote

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// hostEndian is little-endian on the x86-64 target this core supports.
var hostEndian = binary.LittleEndian

// Memory is a guest task's /proc/pid/mem file, opened once by the
// supervisor's OpenProcess reply and reused for the task's lifetime.
type Memory struct {
	mem *os.File
	pid int
}

// New wraps an already-open mem fd for pid.
func New(mem *os.File, pid int) *Memory { return &Memory{mem: mem, pid: pid} }

// ReadAt bulk-reads len(p) bytes at addr via pread64 on the mem fd.
func (m *Memory) ReadAt(addr uint64, p []byte) error {
	n, err := m.mem.ReadAt(p, int64(addr))
	// os.File.ReadAt reports a short read as io.EOF alongside n.
	if n != len(p) && (err == nil || err == io.EOF) {
		return errors.Errorf("remote: short read at 0x%x: got %d of %d bytes", addr, n, len(p))
	}
	if err != nil {
		return errors.Wrapf(err, "remote: read %d bytes at 0x%x", len(p), addr)
	}
	return nil
}

// WriteWordAligned writes the usize-aligned prefix of p directly via
// PTRACE_POKEDATA, one machine word at a time; len(p) must be a
// multiple of 8 (the x86-64 word size this core targets).
func (m *Memory) WriteWordAligned(addr uint64, p []byte) error {
	if len(p)%8 != 0 {
		return errors.New("remote: WriteWordAligned requires a word-multiple length")
	}
	for off := 0; off < len(p); off += 8 {
		word := hostEndian.Uint64(p[off : off+8])
		if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_POKEDATA,
			uintptr(m.pid), uintptr(addr)+uintptr(off), uintptr(word), 0, 0); errno != 0 {
			return errors.Wrapf(errno, "remote: POKEDATA at 0x%x", addr+uint64(off))
		}
	}
	return nil
}

// WriteArbitrary writes p to addr regardless of alignment or length, by
// staging it through a host-side memfd (PWRITE into the memfd, then
// PREAD the bytes back out of the memfd at the destination's page
// offset via the guest's own mem fd): this sidesteps POKEDATA's
// word-alignment requirement entirely (SPEC_FULL.md §4.4).
func (m *Memory) WriteArbitrary(addr uint64, p []byte) error {
	fd, err := unix.MemfdCreate("sandrun-stage", unix.MFD_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "remote: create staging memfd")
	}
	staging := os.NewFile(uintptr(fd), "sandrun-stage")
	defer staging.Close()

	if _, err := staging.WriteAt(p, 0); err != nil {
		return errors.Wrap(err, "remote: stage bytes")
	}
	n, err := unix.Pwrite(int(m.mem.Fd()), mustRead(staging, len(p)), int64(addr))
	if err != nil {
		return errors.Wrapf(err, "remote: pwrite %d bytes at 0x%x", len(p), addr)
	}
	if n != len(p) {
		return errors.Errorf("remote: short write at 0x%x: wrote %d of %d bytes", addr, n, len(p))
	}
	return nil
}

func mustRead(f *os.File, n int) []byte {
	buf := make([]byte, n)
	_, _ = f.ReadAt(buf, 0)
	return buf
}

// ReadCString reads a NUL-terminated string at addr, growing its read
// window in fixed chunks until the terminator is found.
func (m *Memory) ReadCString(addr uint64) (string, error) {
	const chunk = 256
	var out []byte
	for offset := uint64(0); ; offset += chunk {
		buf := make([]byte, chunk)
		if err := m.ReadAt(addr+offset, buf); err != nil {
			return "", err
		}
		if idx := bytes.IndexByte(buf, 0); idx >= 0 {
			out = append(out, buf[:idx]...)
			return string(out), nil
		}
		out = append(out, buf...)
		if offset > 1<<20 {
			return "", errors.New("remote: ReadCString exceeded 1MiB without a NUL terminator")
		}
	}
}

// ReadPointerArray reads a NULL-terminated array of 8-byte pointers at
// addr, as execve's argv/envp are laid out.
func (m *Memory) ReadPointerArray(addr uint64) ([]uint64, error) {
	var out []uint64
	for i := uint64(0); ; i++ {
		var buf [8]byte
		if err := m.ReadAt(addr+i*8, buf[:]); err != nil {
			return nil, err
		}
		ptr := hostEndian.Uint64(buf[:])
		if ptr == 0 {
			return out, nil
		}
		out = append(out, ptr)
	}
}

// FindPattern searches guest memory in [start, end) for pattern, reading
// in overlapping chunks (overlap = len(pattern)-1) so a match spanning
// a chunk boundary is never missed.
func (m *Memory) FindPattern(start, end uint64, pattern []byte) (uint64, error) {
	const chunkSize = 4096
	if len(pattern) == 0 || len(pattern) > chunkSize {
		return 0, errors.New("remote: pattern size out of range")
	}
	overlap := uint64(len(pattern) - 1)
	buf := make([]byte, chunkSize)

	for addr := start; addr < end; {
		want := chunkSize
		if remaining := end - addr; remaining < uint64(want) {
			want = int(remaining)
		}
		if want < len(pattern) {
			break
		}
		if err := m.ReadAt(addr, buf[:want]); err != nil {
			return 0, err
		}
		if idx := bytes.Index(buf[:want], pattern); idx >= 0 {
			return addr + uint64(idx), nil
		}
		advance := uint64(want) - overlap
		if advance == 0 {
			advance = uint64(want)
		}
		addr += advance
	}
	return 0, errors.New("remote: pattern not found")
}
