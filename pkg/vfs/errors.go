/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package vfs implements the in-memory virtual filesystem tracer
// processes are shown instead of the host root (SPEC_FULL.md §4.7): a
// closed set of inode kinds, path resolution with symlink/segment
// limits, and a writer used only while assembling an image before any
// task starts running.
package vfs

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/protocol"
)

var (
	ErrNotFound          = errors.New("vfs: not found")
	ErrDirectoryExpected = errors.New("vfs: directory expected")
	ErrFileExpected      = errors.New("vfs: file expected")
	ErrLinkExpected      = errors.New("vfs: symlink expected")
	ErrUnallocNode       = errors.New("vfs: unallocated inode")
	ErrNameTooLong       = errors.New("vfs: name too long")
	ErrPathSegmentLimit  = errors.New("vfs: path segment limit exceeded")
	ErrSymlinkLimit      = errors.New("vfs: symbolic link limit exceeded")
	ErrINodeRefCount     = errors.New("vfs: inode refcount overflow/underflow")
	ErrStorageError      = errors.New("vfs: backing storage error")
)

// ToErrno maps a vfs error to the Errno value the syscall emulator
// reports back to the guest (SPEC_FULL.md §4.6/§7). Unrecognized errors
// become EIO: the emulator never leaks an internal error message to the
// guest, only a POSIX errno.
func ToErrno(err error) protocol.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return protocol.Errno(-int32(unix.ENOENT))
	case errors.Is(err, ErrDirectoryExpected):
		return protocol.Errno(-int32(unix.ENOTDIR))
	case errors.Is(err, ErrFileExpected):
		return protocol.Errno(-int32(unix.EISDIR))
	case errors.Is(err, ErrLinkExpected):
		return protocol.Errno(-int32(unix.EINVAL))
	case errors.Is(err, ErrNameTooLong):
		return protocol.Errno(-int32(unix.ENAMETOOLONG))
	case errors.Is(err, ErrPathSegmentLimit):
		return protocol.Errno(-int32(unix.ENAMETOOLONG))
	case errors.Is(err, ErrSymlinkLimit):
		return protocol.Errno(-int32(unix.ELOOP))
	case errors.Is(err, ErrINodeRefCount):
		return protocol.Errno(-int32(unix.EMLINK))
	default:
		return protocol.Errno(-int32(unix.EIO))
	}
}
