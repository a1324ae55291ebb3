/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package emulator

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/protocol"
)

// OpenFileForLoader opens path through the supervisor for the loader's
// own use (reading ELF headers and segment bytes): unlike open/openat,
// the returned descriptor is never installed into the task's fd table
// and never becomes visible to the guest as an open file.
func (e *Emulator) OpenFileForLoader(path string) (*os.File, protocol.VFile, error) {
	pad, err := e.stageScratchString(path + "\x00")
	if err != nil {
		return nil, protocol.VFile{}, err
	}
	defer pad.Close()

	reply, err := e.request(protocol.OpFileOpen{Path: protocol.VString{Ptr: pad.Addr()}})
	if err != nil {
		return nil, protocol.VFile{}, err
	}
	r, ok := reply.(protocol.ReplyFile)
	if !ok {
		return nil, protocol.VFile{}, errors.Errorf("emulator: unexpected reply type %T opening %s", reply, path)
	}
	if !r.Ok {
		return nil, protocol.VFile{}, errnoError(r.Err)
	}
	return os.NewFile(uintptr(r.Fd), path), r.File, nil
}

func errnoError(errno protocol.Errno) error {
	return unix.Errno(-errno)
}

// ResetBrk clears brk bookkeeping after execve replaces the address
// space: the next brk(2) call re-anchors from a fresh mmap.
func (e *Emulator) ResetBrk() {
	e.brk = 0
	e.brkStart = 0
}
