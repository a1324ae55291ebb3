/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package emulator implements the per-syscall dispatch table a guest
// task's scheduler coroutine invokes on every trapped syscall
// (SPEC_FULL.md §4.6): identity getters answered locally, filesystem
// calls proxied to the supervisor over IPC, memory calls driven
// through the remote-syscall trampoline, and execve handed to the
// loader.
package emulator

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/tracer/remote"
)

// ENOSYS is returned for any syscall number this dispatch table does
// not recognize.
const ENOSYS = -int64(unix.ENOSYS)

// Channel is how an Emulator talks to the supervisor on behalf of its
// task: send a request tagged with the task's own VPid, then block for
// the matching reply. The scheduler's Task type implements this over
// the shared IPC connection.
type Channel interface {
	Send(op protocol.FromTaskOp) error
	Await() (protocol.ToTaskOp, error)
}

// Loader execs a new program image into the task in place of its
// current one (SPEC_FULL.md §4.8).
type Loader interface {
	Exec(e *Emulator, path string, argv, envp []string) error
}

// Emulator holds one task's syscall-emulation state: its remote memory
// and trampoline (for guest-address-space and register-level ops), its
// task-local descriptor table, and its brk bookkeeping.
type Emulator struct {
	VPid protocol.VPid
	SysPid protocol.SysPid

	Mem   *remote.Memory
	Tramp *remote.Trampoline
	Chan  Channel
	Tracer int // tracer's own pid, for /proc/<tracer>/fd/<n> fd installs
	Loader Loader

	fds map[protocol.RemoteFd]protocol.VFile

	brk      uint64
	brkStart uint64

	// initArgs is non-nil only for the very first task, and only until
	// its first execve: the bootstrap's own execve(0,0,0) (SPEC_FULL.md
	// §4.3) has no guest argv/envp/path to read, so it is answered from
	// this instead of guest memory. Consumed and cleared on first use.
	initArgs *protocol.InitArgs
}

// cwd is tracked entirely by the supervisor's task table (updated via
// OpChangeWorkingDir, read via OpGetWorkingDir); passing a nil Dir in a
// filesystem request means "resolve relative to that state", mirroring
// how AT_FDCWD works for the *at syscall family.

// New builds an Emulator for one freshly attached task. initArgs is
// non-nil only for the bootstrap's initial task, where it stands in for
// the guest argv/envp/path that execve(0,0,0) cannot read out of guest
// memory; every other task passes nil.
func New(vpid protocol.VPid, sysPid protocol.SysPid, mem *remote.Memory, tramp *remote.Trampoline, ch Channel, tracerPid int, loader Loader, initArgs *protocol.InitArgs) *Emulator {
	return &Emulator{
		VPid: vpid, SysPid: sysPid,
		Mem: mem, Tramp: tramp, Chan: ch, Tracer: tracerPid, Loader: loader,
		fds:      make(map[protocol.RemoteFd]protocol.VFile),
		initArgs: initArgs,
	}
}

// Dispatch runs one trapped syscall to completion and returns the
// value to write into the guest's ax register. Every emulation
// completes before this returns — there is no async handoff across
// calls (SPEC_FULL.md §4.6).
func (e *Emulator) Dispatch(nr int64, args [6]uint64) int64 {
	switch nr {
	case unix.SYS_GETPID, unix.SYS_GETTID:
		return int64(e.VPid)
	case unix.SYS_GETPPID:
		return 1
	case unix.SYS_GETUID, unix.SYS_GETEUID, unix.SYS_GETGID, unix.SYS_GETEGID:
		return 0
	case unix.SYS_SETPGID, unix.SYS_GETPGID, unix.SYS_GETPGRP:
		return 0
	case unix.SYS_SYSINFO, unix.SYS_SET_TID_ADDRESS:
		return 0

	case unix.SYS_BRK:
		return e.brkSyscall(args[0])

	case unix.SYS_STAT, unix.SYS_LSTAT:
		return e.statByPath(args[0], args[1], nr == unix.SYS_LSTAT)
	case unix.SYS_FSTAT:
		return e.fstat(protocol.RemoteFd(int32(args[0])), args[1])
	case unix.SYS_NEWFSTATAT:
		return e.newfstatat(args[0], args[1], args[2], int32(args[3]))
	case unix.SYS_STATFS, unix.SYS_FSTATFS:
		return e.statfsZeroed(args[1])
	case unix.SYS_ACCESS:
		return e.access(args[0], int32(args[1]))
	case unix.SYS_FACCESSAT:
		return e.faccessat(int32(args[0]), args[1], int32(args[2]))
	case unix.SYS_CHDIR:
		return e.chdir(args[0])
	case unix.SYS_FCHDIR:
		return e.fchdir(protocol.RemoteFd(int32(args[0])))
	case unix.SYS_GETCWD:
		return e.getcwd(args[0], args[1])
	case unix.SYS_READLINK:
		return e.readlink(args[0], args[1], args[2])
	case unix.SYS_READLINKAT:
		return e.readlinkat(int32(args[0]), args[1], args[2], args[3])
	case unix.SYS_OPEN:
		return e.open(args[0], int32(args[1]), int32(args[2]))
	case unix.SYS_OPENAT:
		return e.openat(int32(args[0]), args[1], int32(args[2]), int32(args[3]))
	case unix.SYS_CLOSE:
		return e.closeFd(protocol.RemoteFd(int32(args[0])))
	case unix.SYS_DUP:
		return e.dup(protocol.RemoteFd(int32(args[0])))
	case unix.SYS_DUP2, unix.SYS_DUP3:
		return e.dup2(protocol.RemoteFd(int32(args[0])), protocol.RemoteFd(int32(args[1])))
	case unix.SYS_GETDENTS64:
		return e.getdents64(protocol.RemoteFd(int32(args[0])), args[1], args[2])

	case unix.SYS_WAIT4, unix.SYS_WAITID:
		return -int64(unix.ECHILD)
	case unix.SYS_FORK, unix.SYS_VFORK, unix.SYS_CLONE:
		// The scheduler intercepts these at the seccomp trap, before
		// Dispatch is ever called: a fork/clone/vfork is let through to
		// really execute (so the kernel's own TRACEFORK/TRACECLONE/
		// TRACEVFORK machinery creates the child), rather than being
		// answered with a synthesized return value like every other
		// trapped syscall (see scheduler.Task.handleForkFamily).
		panic("emulator: fork/clone reached Dispatch; scheduler should have intercepted it")

	case unix.SYS_UNAME:
		return e.uname(args[0])

	case unix.SYS_EXECVE:
		return e.execve(args[0], args[1], args[2])

	default:
		return ENOSYS
	}
}

func errnoResult(err protocol.Errno) int64 { return int64(err) }

// installFd stores a newly opened remote descriptor's VFile mapping in
// the task-local table. Replies that deliver a SysFd must call this
// before the task resumes so subsequent fstat/close calls resolve
// (SPEC_FULL.md §4.6).
func (e *Emulator) installFd(fd protocol.RemoteFd, file protocol.VFile) {
	e.fds[fd] = file
}

func (e *Emulator) lookupFd(fd protocol.RemoteFd) (protocol.VFile, bool) {
	f, ok := e.fds[fd]
	return f, ok
}

func (e *Emulator) dropFd(fd protocol.RemoteFd) {
	delete(e.fds, fd)
}

// mustDupEntry is used by dup/dup2 to copy the task-local VFile
// mapping; the callers issue the remote syscall for the host fd.
func (e *Emulator) mustDupEntry(from, to protocol.RemoteFd) error {
	file, ok := e.lookupFd(from)
	if !ok {
		return errors.Errorf("emulator: dup of unknown fd %d", from)
	}
	e.installFd(to, file)
	return nil
}
