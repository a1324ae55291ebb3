/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package seccomp builds and installs the two-stage BPF syscall filter
// the tracer bootstrap needs (SPEC_FULL.md §4.3): a permissive stage1
// policy that lets the tracer fork and ptrace its guest, and a strict
// stage2 policy that traps every emulatable syscall back to the tracer
// and raises SIGSYS in the guest for anything else.
package seccomp

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BPF instruction classes/codes (classic BPF, not eBPF), the same
// constants a raw seccomp filter is built from regardless of which
// high-level library assembles them.
const (
	bpfLD  = 0x00
	bpfJMP = 0x05
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfJEQ = 0x10
	bpfK   = 0x00
)

// seccomp_data field offsets.
const (
	offsetNR   = 0
	offsetArch = 4
)

const auditArchX8664 = 0xc000003e

// Seccomp filter return actions (SPEC_FULL.md §4.3).
const (
	RetKillThread uint32 = 0x00000000
	RetTrap       uint32 = 0x00030000
	RetTrace      uint32 = 0x7ff00000
	RetAllow      uint32 = 0x7fff0000
)

type sockFilter struct {
	Code uint16
	Jt   uint8
	Jf   uint8
	K    uint32
}

type sockFprog struct {
	Len    uint16
	pad    [6]byte
	Filter *sockFilter
}

func stmt(code uint16, k uint32) sockFilter { return sockFilter{Code: code, K: k} }
func jump(code uint16, k uint32, jt, jf uint8) sockFilter {
	return sockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// alwaysAllowed is the fixed list SPEC_FULL.md §4.3 names for both
// stages: pure memory/IO-on-existing-fd, timers, signals, affinity,
// prctl family, fcntl, getrandom, memfd_create, exit, socketpair.
var alwaysAllowed = []int{
	unix.SYS_READ, unix.SYS_WRITE, unix.SYS_READV, unix.SYS_WRITEV,
	unix.SYS_PREAD64, unix.SYS_PWRITE64, unix.SYS_LSEEK,
	unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_MPROTECT, unix.SYS_MREMAP, unix.SYS_MADVISE,
	unix.SYS_BRK,
	unix.SYS_NANOSLEEP, unix.SYS_CLOCK_GETTIME, unix.SYS_CLOCK_NANOSLEEP, unix.SYS_GETTIMEOFDAY,
	unix.SYS_TIMER_CREATE, unix.SYS_TIMER_SETTIME, unix.SYS_TIMER_DELETE,
	unix.SYS_RT_SIGACTION, unix.SYS_RT_SIGPROCMASK, unix.SYS_RT_SIGRETURN, unix.SYS_SIGALTSTACK,
	unix.SYS_SCHED_GETAFFINITY, unix.SYS_SCHED_SETAFFINITY, unix.SYS_SCHED_YIELD,
	unix.SYS_PRCTL, unix.SYS_ARCH_PRCTL,
	unix.SYS_FCNTL,
	unix.SYS_GETRANDOM,
	unix.SYS_MEMFD_CREATE,
	unix.SYS_EXIT, unix.SYS_EXIT_GROUP,
	unix.SYS_SOCKETPAIR,
}

// stage1Extra is what SPEC_FULL.md §4.3 adds for stage 1: socket I/O,
// ptrace, waitid, kill, fork, execve, getpid, close.
var stage1Extra = []int{
	unix.SYS_SOCKET, unix.SYS_CONNECT, unix.SYS_SENDMSG, unix.SYS_RECVMSG,
	unix.SYS_SENDTO, unix.SYS_RECVFROM,
	unix.SYS_PTRACE, unix.SYS_WAITID, unix.SYS_WAIT4,
	unix.SYS_KILL, unix.SYS_TGKILL,
	unix.SYS_FORK, unix.SYS_VFORK, unix.SYS_CLONE,
	unix.SYS_EXECVE,
	unix.SYS_GETPID, unix.SYS_GETTID,
	unix.SYS_CLOSE,
}

// stage2Trace is the emulatable set SPEC_FULL.md §4.3 and §4.6 name,
// traced to the tracer. brk has an emulator dispatch entry but is not
// listed (it is always allowed); ioctl and kill are listed but have no
// dispatch entry, so the emulator answers them with ENOSYS.
var stage2Trace = []int{
	unix.SYS_OPEN, unix.SYS_OPENAT,
	unix.SYS_STAT, unix.SYS_LSTAT, unix.SYS_FSTAT, unix.SYS_NEWFSTATAT,
	unix.SYS_STATFS, unix.SYS_FSTATFS,
	unix.SYS_ACCESS, unix.SYS_FACCESSAT,
	unix.SYS_GETCWD, unix.SYS_CHDIR, unix.SYS_FCHDIR,
	unix.SYS_GETDENTS64,
	unix.SYS_READLINK, unix.SYS_READLINKAT,
	unix.SYS_CLOSE, unix.SYS_DUP, unix.SYS_DUP2, unix.SYS_DUP3,
	unix.SYS_UNAME,
	unix.SYS_GETPID, unix.SYS_GETTID, unix.SYS_GETPPID,
	unix.SYS_GETUID, unix.SYS_GETGID, unix.SYS_GETEUID, unix.SYS_GETEGID,
	unix.SYS_SETPGID, unix.SYS_GETPGID, unix.SYS_GETPGRP,
	unix.SYS_SYSINFO, unix.SYS_SET_TID_ADDRESS,
	unix.SYS_IOCTL,
	unix.SYS_EXECVE,
	unix.SYS_FORK, unix.SYS_VFORK, unix.SYS_CLONE,
	unix.SYS_WAIT4, unix.SYS_WAITID,
	unix.SYS_KILL,
}

// Program returns the BPF instruction stream evaluated against
// seccomp_data: a fixed architecture check, then one RET_TRACE branch
// per syscall in traceList, one RET_ALLOW branch per syscall in
// allowList, falling through to defaultAction.
func program(allowList, traceList []int, defaultAction uint32) []sockFilter {
	var f []sockFilter
	f = append(f, stmt(bpfLD|bpfW|bpfABS, offsetArch))
	// Two instructions remain after this jump (the kill and the nr load);
	// jt=1 skips the kill when the arch matches.
	f = append(f, jump(bpfJMP|bpfJEQ|bpfK, auditArchX8664, 1, 0))
	f = append(f, stmt(bpfRET|bpfK, RetKillThread))

	f = append(f, stmt(bpfLD|bpfW|bpfABS, offsetNR))
	for _, nr := range traceList {
		f = append(f, jump(bpfJMP|bpfJEQ|bpfK, uint32(nr), 0, 1))
		f = append(f, stmt(bpfRET|bpfK, RetTrace))
	}
	for _, nr := range allowList {
		f = append(f, jump(bpfJMP|bpfJEQ|bpfK, uint32(nr), 0, 1))
		f = append(f, stmt(bpfRET|bpfK, RetAllow))
	}
	f = append(f, stmt(bpfRET|bpfK, defaultAction))
	return f
}

// Stage1Program builds the bootstrap policy: the fixed always-allowed
// list plus stage1Extra allowed outright, everything else
// SECCOMP_RET_TRACE.
func Stage1Program() []sockFilter {
	return program(append(append([]int{}, alwaysAllowed...), stage1Extra...), nil, RetTrace)
}

// Stage2Program builds the guest policy: the fixed always-allowed list
// allowed outright, the emulatable set trapped to the tracer, everything
// else raises SIGSYS in the guest.
func Stage2Program() []sockFilter {
	return program(alwaysAllowed, stage2Trace, RetTrap)
}

// Install installs prog as the calling thread's seccomp filter via
// prctl(PR_SET_SECCOMP). It must be called with NO_NEW_PRIVS already
// set, or as root, or the kernel rejects it with EACCES.
func Install(prog []sockFilter) error {
	if len(prog) == 0 || len(prog) > 0xffff {
		return errors.New("seccomp: program size out of range")
	}
	fprog := sockFprog{Len: uint16(len(prog)), Filter: &prog[0]}
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, 2, /* SECCOMP_MODE_FILTER */
		uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return errors.Wrap(errno, "seccomp: prctl(PR_SET_SECCOMP)")
	}
	return nil
}

// SetNoNewPrivs is required before an unprivileged process may install
// a seccomp filter.
func SetNoNewPrivs() error {
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0)
	if errno != 0 {
		return errors.Wrap(errno, "seccomp: prctl(PR_SET_NO_NEW_PRIVS)")
	}
	return nil
}
