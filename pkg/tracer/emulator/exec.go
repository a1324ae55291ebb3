/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package emulator

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/tracer/remote"
)

// execve reads the guest's path/argv/envp out of its own address space
// and hands them to the configured Loader (SPEC_FULL.md §4.8), unless
// this is the bootstrap's literal execve(0,0,0) (SPEC_FULL.md §4.3),
// which is answered from initArgs instead since there is no guest
// memory yet to read. A successful exec never returns to the caller in
// the real kernel; here failures return ENOEXEC/EFAULT/ENOSYS, and
// success returns 0, which the scheduler writes into rax of the freshly
// landed image while keeping the loader's rip/rsp.
func (e *Emulator) execve(pathPtr, argvPtr, envpPtr uint64) int64 {
	if pathPtr == 0 && argvPtr == 0 && envpPtr == 0 {
		return e.execInitial()
	}

	path, err := e.Mem.ReadCString(pathPtr)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	argv, err := e.readStringArray(argvPtr)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	envp, err := e.readStringArray(envpPtr)
	if err != nil {
		return -int64(unix.EFAULT)
	}

	if e.Loader == nil {
		return -int64(unix.ENOSYS)
	}
	if err := e.Loader.Exec(e, path, argv, envp); err != nil {
		return -int64(unix.ENOEXEC)
	}
	return 0
}

// execInitial runs the bootstrap's one-time exec of the guest's real
// entry point out of e.initArgs. It is cleared on entry so a second
// execve(0,0,0) (which the guest has no legitimate reason to ever
// issue) finds initArgs nil and fails here with EFAULT instead of
// silently replaying the first program.
func (e *Emulator) execInitial() int64 {
	args := e.initArgs
	e.initArgs = nil
	if args == nil {
		return -int64(unix.EFAULT)
	}
	if e.Loader == nil {
		return -int64(unix.ENOSYS)
	}

	if args.Dir != "" {
		if err := e.chdirToString(args.Dir); err != nil {
			return -int64(unix.ENOENT)
		}
	}

	if err := e.Loader.Exec(e, args.Filename, args.Argv, args.Envp); err != nil {
		return -int64(unix.ENOEXEC)
	}
	return 0
}

// chdirToString stages path into a guest scratch page so it can be
// handed to the ordinary OpChangeWorkingDir request, which (like every
// other filesystem op) expects a guest pointer rather than a
// tracer-local string.
func (e *Emulator) chdirToString(path string) error {
	pad, err := remote.NewScratchpad(e.Tramp)
	if err != nil {
		return errors.Wrap(err, "emulator: scratchpad for initial chdir")
	}
	defer pad.Close()

	b := append([]byte(path), 0)
	if err := pad.Write(e.Mem, b); err != nil {
		return errors.Wrap(err, "emulator: write initial chdir path")
	}

	reply, err := e.request(protocol.OpChangeWorkingDir{Path: protocol.VString{Ptr: pad.Addr()}})
	if err != nil {
		return err
	}
	if ret := unitResult(reply); ret != 0 {
		return errors.Errorf("emulator: initial chdir failed: %d", ret)
	}
	return nil
}

func (e *Emulator) readStringArray(addr uint64) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}
	ptrs, err := e.Mem.ReadPointerArray(addr)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ptrs))
	for i, p := range ptrs {
		s, err := e.Mem.ReadCString(p)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
