/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package vfs

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// linux_dirent64 header size (d_ino u64, d_off i64, d_reclen u16,
// d_type u8), before the NUL-terminated d_name that follows.
const direntHeaderLen = 8 + 8 + 2 + 1

// direntAlign is getdents64's required record alignment.
const direntAlign = 8

func openDevNull() (FdLike, error) {
	f, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(ErrStorageError, err.Error())
	}
	return f, nil
}

// buildDirectoryListing synthesizes a getdents64-compatible byte image
// of dir's entries into a sealed memfd, then hands back a read-only fd
// over it (SPEC_FULL.md §4.6, the getdents64 emulation strategy): no
// real directory ever exists on disk, so there is nothing for the
// kernel to list except this generated buffer.
func (fs *Filesystem) buildDirectoryListing(dir Dir) (FdLike, error) {
	names := make([]string, 0, len(dir.Entries))
	for name := range dir.Entries {
		names = append(names, name)
	}
	sort.Strings(names)

	b := newDirentBuilder()
	for _, name := range names {
		dtype, err := fs.dirEntryType(dir.Entries[name])
		if err != nil {
			return nil, err
		}
		if err := b.append(name, uint64(dir.Entries[name]), dtype); err != nil {
			return nil, err
		}
	}
	return b.seal()
}

type direntBuilder struct {
	buf    []byte
	offset int64
}

func newDirentBuilder() *direntBuilder { return &direntBuilder{} }

func (b *direntBuilder) append(name string, ino uint64, dtype uint8) error {
	recordLen := direntHeaderLen + len(name) + 1
	padded := recordLen
	if rem := padded % direntAlign; rem != 0 {
		padded += direntAlign - rem
	}
	if padded > 1<<16 {
		return ErrNameTooLong
	}
	reclen := uint16(padded)
	off := b.offset + int64(reclen)

	rec := make([]byte, padded)
	binary.LittleEndian.PutUint64(rec[0:8], ino)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(off))
	binary.LittleEndian.PutUint16(rec[16:18], reclen)
	rec[18] = dtype
	copy(rec[19:], name)
	// rec[19+len(name):] is already zero (NUL terminator + alignment pad).

	b.buf = append(b.buf, rec...)
	b.offset = off
	return nil
}

// seal writes the accumulated image into a write-sealed memfd and
// returns it positioned at offset 0, ready for the guest's getdents64
// to read.
func (b *direntBuilder) seal() (FdLike, error) {
	fd, err := unix.MemfdCreate("sandrun-dir", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, errors.Wrap(ErrStorageError, err.Error())
	}
	f := os.NewFile(uintptr(fd), "sandrun-dir")

	if _, err := f.Write(b.buf); err != nil {
		f.Close()
		return nil, errors.Wrap(ErrStorageError, err.Error())
	}
	if _, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_ADD_SEALS,
		uintptr(unix.F_SEAL_WRITE|unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL)); errno != 0 {
		f.Close()
		return nil, errors.Wrap(ErrStorageError, errno.Error())
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, errors.Wrap(ErrStorageError, err.Error())
	}
	return f, nil
}
