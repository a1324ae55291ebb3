/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package remote

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// TraceSysgood is the signal value PTRACE_O_TRACESYSGOOD reports for a
// syscall-entry/exit stop: SIGTRAP with the high bit set.
const TraceSysgood = unix.SIGTRAP | 0x80

// sentinelSyscall/sentinelArg are the fixed, recognizable nr/arg pair
// the trampoline uses to confirm it re-entered seccomp-trap-on-entry
// mode at exactly the instruction it expected (SPEC_FULL.md §4.4 step
// 5): an `open` of an address no real guest program would ever pass.
const (
	sentinelSyscall = unix.SYS_OPEN
	sentinelArg     = 0x5a4e44 // "ZND", arbitrary and simply unmistakable
)

// Event is one ptrace wait outcome routed to this task's coroutine by
// the scheduler (SPEC_FULL.md §4.5); the trampoline only consumes
// Signal events while driving a remote syscall.
type Event struct {
	Signal unix.Signal
	Status unix.WaitStatus
}

// Waiter yields the next ptrace event belonging to this task. It is
// implemented by the per-task scheduler so that the trampoline never
// has to reach into the global waitid loop itself.
type Waiter interface {
	Next() (Event, error)
}

// Trampoline drives remote syscalls in one guest task via its own
// register save/restore dance (SPEC_FULL.md §4.4).
type Trampoline struct {
	pid    int
	mem    *Memory
	waiter Waiter
	vdso   uint64 // address of a `syscall` instruction inside the guest's VDSO
}

// NewTrampoline builds a Trampoline for pid, given its mem fd, event
// waiter, and the address of a syscall instruction already located
// inside its VDSO (see LocateVDSOSyscall).
func NewTrampoline(pid int, mem *Memory, waiter Waiter, vdsoSyscallAddr uint64) *Trampoline {
	return &Trampoline{pid: pid, mem: mem, waiter: waiter, vdso: vdsoSyscallAddr}
}

func getRegs(pid int) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return regs, errors.Wrap(err, "remote: PTRACE_GETREGS")
	}
	return regs, nil
}

func setRegs(pid int, regs *unix.PtraceRegs) error {
	if err := unix.PtraceSetRegs(pid, regs); err != nil {
		return errors.Wrap(err, "remote: PTRACE_SETREGS")
	}
	return nil
}

// LocateVDSOSyscall finds a `syscall` instruction (opcode 0x0f 0x05)
// inside the guest's [vdso] mapping.
func LocateVDSOSyscall(mem *Memory, pid int) (uint64, error) {
	areas, err := ReadMaps(pid)
	if err != nil {
		return 0, err
	}
	vdso, ok := VDSOArea(areas)
	if !ok {
		return 0, errors.New("remote: no [vdso] mapping")
	}
	return mem.FindPattern(vdso.Start, vdso.End, []byte{0x0f, 0x05})
}

// Syscall performs one remote syscall in the guest: it rewrites the
// stopped task's registers to the requested nr/args, resumes it exactly
// one syscall-stop transition, reads the return value, then re-enters
// seccomp-trap-on-entry mode at the VDSO so the tracer's normal
// dispatch loop resumes control at a known point, and finally restores
// the registers the task had before this call (SPEC_FULL.md §4.4).
func (t *Trampoline) Syscall(nr int64, args [6]uint64) (int64, error) {
	saved, err := getRegs(t.pid)
	if err != nil {
		return 0, err
	}

	work := saved
	work.Orig_rax = uint64(nr)
	work.Rdi, work.Rsi, work.Rdx, work.R10, work.R8, work.R9 =
		args[0], args[1], args[2], args[3], args[4], args[5]
	if err := setRegs(t.pid, &work); err != nil {
		return 0, err
	}

	if err := unix.PtraceSyscall(t.pid, 0); err != nil {
		return 0, errors.Wrap(err, "remote: PTRACE_SYSCALL")
	}
	ev, err := t.waiter.Next()
	if err != nil {
		return 0, err
	}
	if ev.Signal != TraceSysgood {
		return 0, t.protocolViolation("expected TRACESYSGOOD, got", ev.Signal)
	}

	after, err := getRegs(t.pid)
	if err != nil {
		return 0, err
	}
	ret := int64(after.Rax)

	if err := t.reenterSeccompTrap(); err != nil {
		return 0, err
	}

	if err := setRegs(t.pid, &saved); err != nil {
		return 0, errors.Wrap(err, "remote: restore registers")
	}
	return ret, nil
}

func (t *Trampoline) reenterSeccompTrap() error {
	regs, err := getRegs(t.pid)
	if err != nil {
		return err
	}
	regs.Rip = t.vdso
	regs.Orig_rax = uint64(sentinelSyscall)
	regs.Rdi = uint64(sentinelArg)
	if err := setRegs(t.pid, &regs); err != nil {
		return err
	}

	if err := unix.PtraceSingleStep(t.pid); err != nil {
		return errors.Wrap(err, "remote: PTRACE_SINGLESTEP")
	}
	ev, err := t.waiter.Next()
	if err != nil {
		return err
	}
	if ev.Signal != unix.SIGTRAP {
		return t.protocolViolation("expected SECCOMP trap, got", ev.Signal)
	}

	check, err := getRegs(t.pid)
	if err != nil {
		return err
	}
	if check.Orig_rax != uint64(sentinelSyscall) || check.Rdi != uint64(sentinelArg) {
		return t.protocolViolation("sentinel syscall mismatch on re-entry", ev.Signal)
	}
	return nil
}

func (t *Trampoline) protocolViolation(msg string, sig unix.Signal) error {
	return errors.Errorf("remote: protocol violation in pid %d: %s %v", t.pid, msg, sig)
}

// MmapAnonymous issues a remote mmap(addr, length, PROT_READ|PROT_WRITE,
// MAP_ANONYMOUS|MAP_PRIVATE, -1, 0).
func (t *Trampoline) MmapAnonymous(addr, length uint64) (uint64, error) {
	ret, err := t.Syscall(unix.SYS_MMAP, [6]uint64{
		addr, length, unix.PROT_READ | unix.PROT_WRITE,
		unix.MAP_ANONYMOUS | unix.MAP_PRIVATE, ^uint64(0), 0,
	})
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, errors.Errorf("remote: mmap failed: errno %d", -ret)
	}
	return uint64(ret), nil
}

// MmapFixedAnonymous issues a remote mmap at an exact address using
// MAP_FIXED_NOREPLACE, for callers (brk emulation) that need guaranteed
// contiguity instead of a kernel-chosen address.
func (t *Trampoline) MmapFixedAnonymous(addr, length uint64) (uint64, error) {
	ret, err := t.Syscall(unix.SYS_MMAP, [6]uint64{
		addr, length, unix.PROT_READ | unix.PROT_WRITE,
		unix.MAP_ANONYMOUS | unix.MAP_PRIVATE | unix.MAP_FIXED_NOREPLACE, ^uint64(0), 0,
	})
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, errors.Errorf("remote: fixed mmap at 0x%x failed: errno %d", addr, -ret)
	}
	return uint64(ret), nil
}

// MmapFixedAnonymousGrowsdown is MmapFixedAnonymous with MAP_GROWSDOWN
// set, for the loader's stack mapping (SPEC_FULL.md §4.8).
func (t *Trampoline) MmapFixedAnonymousGrowsdown(addr, length uint64) (uint64, error) {
	ret, err := t.Syscall(unix.SYS_MMAP, [6]uint64{
		addr, length, unix.PROT_READ | unix.PROT_WRITE,
		unix.MAP_ANONYMOUS | unix.MAP_PRIVATE | unix.MAP_FIXED_NOREPLACE | unix.MAP_GROWSDOWN, ^uint64(0), 0,
	})
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, errors.Errorf("remote: growsdown mmap at 0x%x failed: errno %d", addr, -ret)
	}
	return uint64(ret), nil
}

// Munmap issues a remote munmap(addr, length).
func (t *Trampoline) Munmap(addr, length uint64) error {
	ret, err := t.Syscall(unix.SYS_MUNMAP, [6]uint64{addr, length})
	if err != nil {
		return err
	}
	if ret < 0 {
		return errors.Errorf("remote: munmap failed: errno %d", -ret)
	}
	return nil
}

// UnmapAllUserspace tears down every non-special mapping ahead of an
// execve, so the loader starts from a clean address space
// (SPEC_FULL.md §4.4).
func (t *Trampoline) UnmapAllUserspace(pid int) error {
	areas, err := ReadMaps(pid)
	if err != nil {
		return err
	}
	for _, a := range UnmappableAreas(areas) {
		if err := t.Munmap(a.Start, a.End-a.Start); err != nil {
			return err
		}
	}
	return nil
}
