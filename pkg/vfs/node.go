/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package vfs

import "github.com/sandpit/sandrun/pkg/protocol"

// INodeNum indexes Filesystem.inodes; zero is always the root directory.
type INodeNum uint64

// Node is the closed set of inode kinds SPEC_FULL.md §4.7 names. A type
// switch over Node stands in for the tagged union the spec describes.
type Node interface {
	node()
}

// Dir is a directory's name -> child-inode map, always containing at
// least a "." entry pointing at itself.
type Dir struct {
	Entries map[string]INodeNum
}

func (Dir) node() {}

// FileBlob is a regular file backed by a content-addressed blob in
// storage, opened lazily on first access.
type FileBlob struct {
	Key protocol.StorageKey
}

func (FileBlob) node() {}

// EmptyFile is a regular file with no content, equivalent to opening
// /dev/null.
type EmptyFile struct{}

func (EmptyFile) node() {}

// Symlink stores its target as an opaque byte string; the kernel only
// ever needs it to hand back to readlink or to feed into resolution.
type Symlink struct {
	Target string
}

func (Symlink) node() {}

// SharedStream is a node backed by a live host fd shared by every task
// that opens it, e.g. a pty or a pipe set up by the supervisor before
// the guest starts.
type SharedStream struct {
	Open func() (FdLike, error)
}

func (SharedStream) node() {}

// Char is a character device node; major/minor are reported via stat
// but the device itself is never actually opened by this core.
type Char struct{ Major, Minor uint32 }

func (Char) node() {}

// Block is a block device node, same caveats as Char.
type Block struct{ Major, Minor uint32 }

func (Block) node() {}

// Fifo is a named pipe node; like Char/Block it exists for stat/mode
// purposes and is never actually opened by this core.
type Fifo struct{}

func (Fifo) node() {}

type inode struct {
	stat protocol.FileStat
	data Node
}

// FdLike is the minimal surface OpenNode needs from whatever file an
// open storage/shared-stream callback returns; *os.File satisfies it.
type FdLike interface {
	Fd() uintptr
	Close() error
}
