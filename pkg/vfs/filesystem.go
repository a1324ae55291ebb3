/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package vfs

import (
	"github.com/pkg/errors"

	"github.com/sandpit/sandrun/internal/log"
	"github.com/sandpit/sandrun/pkg/protocol"
)

// Filesystem is the whole of a container's filesystem image, resolved
// entirely in memory: nothing here touches the host filesystem except
// through the BlobStore a caller supplies to OpenNode.
type Filesystem struct {
	inodes []*inode
}

// Root is the well-known VFile naming the filesystem root, inode 0.
func Root() protocol.VFile { return protocol.VFile{Inode: 0} }

// New returns a Filesystem containing only the root directory.
func New() *Filesystem {
	fs := &Filesystem{inodes: []*inode{nil}}
	fs.Writer(Root()).putDirectory(0)
	return fs
}

type dirEntryRef struct {
	parent, child INodeNum
}

func rootEntry() dirEntryRef {
	return dirEntryRef{parent: INodeNum(Root().Inode), child: INodeNum(Root().Inode)}
}

func (fs *Filesystem) getInode(num INodeNum) (*inode, error) {
	if int(num) >= len(fs.inodes) || fs.inodes[num] == nil {
		return nil, ErrUnallocNode
	}
	return fs.inodes[num], nil
}

func (fs *Filesystem) resolveSymlinks(lim *limits, entry dirEntryRef) (dirEntryRef, error) {
	for {
		n, err := fs.getInode(entry.child)
		if err != nil {
			return entry, err
		}
		sym, ok := n.data.(Symlink)
		if !ok {
			return entry, nil
		}
		if err := lim.takeSymlink(); err != nil {
			return entry, err
		}
		next, err := fs.resolvePath(lim, entry.parent, sym.Target)
		if err != nil {
			return entry, err
		}
		entry = next
	}
}

func (fs *Filesystem) resolvePathSegment(lim *limits, parent INodeNum, part string) (dirEntryRef, error) {
	if part == "/" {
		return rootEntry(), nil
	}
	if err := lim.takePathSegment(); err != nil {
		return dirEntryRef{}, err
	}
	n, err := fs.getInode(parent)
	if err != nil {
		return dirEntryRef{}, err
	}
	dir, ok := n.data.(Dir)
	if !ok {
		return dirEntryRef{}, ErrDirectoryExpected
	}
	child, ok := dir.Entries[part]
	if !ok {
		return dirEntryRef{}, ErrNotFound
	}
	return dirEntryRef{parent: parent, child: child}, nil
}

// resolvePath resolves symlinks between steps but not before the first
// step (parent must already be a directory, not a link) or after the
// last (the result itself may be a link — callers decide whether to
// follow it).
func (fs *Filesystem) resolvePath(lim *limits, parent INodeNum, path string) (dirEntryRef, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return dirEntryRef{parent: parent, child: parent}, nil
	}
	entry, err := fs.resolvePathSegment(lim, parent, parts[0])
	if err != nil {
		return dirEntryRef{}, err
	}
	for _, part := range parts[1:] {
		entry, err = fs.resolveSymlinks(lim, entry)
		if err != nil {
			return dirEntryRef{}, err
		}
		entry, err = fs.resolvePathSegment(lim, entry.child, part)
		if err != nil {
			return dirEntryRef{}, err
		}
	}
	return entry, nil
}

// Lookup resolves path relative to dir, following a terminal symlink
// only when follow is Follow.
func (fs *Filesystem) Lookup(dir protocol.VFile, path string, follow protocol.FollowLinks) (protocol.VFile, error) {
	lim := freshLimits()
	entry, err := fs.resolvePath(lim, INodeNum(dir.Inode), path)
	if err != nil {
		return protocol.VFile{}, err
	}
	if follow == protocol.Follow {
		entry, err = fs.resolveSymlinks(lim, entry)
		if err != nil {
			return protocol.VFile{}, err
		}
	}
	log.L.Debugf("lookup(%v, %q, follow=%v) -> inode %d", dir, path, follow, entry.child)
	return protocol.VFile{Inode: uint64(entry.child)}, nil
}

// Stat returns the stored FileStat for f.
func (fs *Filesystem) Stat(f protocol.VFile) (protocol.FileStat, error) {
	n, err := fs.getInode(INodeNum(f.Inode))
	if err != nil {
		return protocol.FileStat{}, err
	}
	return n.stat, nil
}

// Readlink returns a symlink's target.
func (fs *Filesystem) Readlink(f protocol.VFile) (string, error) {
	n, err := fs.getInode(INodeNum(f.Inode))
	if err != nil {
		return "", err
	}
	sym, ok := n.data.(Symlink)
	if !ok {
		return "", ErrLinkExpected
	}
	return sym.Target, nil
}

// IsDirectory reports whether f names a directory.
func (fs *Filesystem) IsDirectory(f protocol.VFile) (bool, error) {
	n, err := fs.getInode(INodeNum(f.Inode))
	if err != nil {
		return false, err
	}
	_, ok := n.data.(Dir)
	return ok, nil
}

// dirEntryType maps a node's stat mode to the d_type value
// getdents64 synthesis embeds in each directory entry.
func (fs *Filesystem) dirEntryType(num INodeNum) (uint8, error) {
	n, err := fs.getInode(num)
	if err != nil {
		return 0, err
	}
	const sIFMT = 0o170000
	switch n.stat.Mode & sIFMT {
	case 0o140000: // S_IFSOCK
		return 12, nil // DT_SOCK
	case 0o120000: // S_IFLNK
		return 10, nil // DT_LNK
	case 0o100000: // S_IFREG
		return 8, nil // DT_REG
	case 0o060000: // S_IFBLK
		return 6, nil // DT_BLK
	case 0o040000: // S_IFDIR
		return 4, nil // DT_DIR
	case 0o020000: // S_IFCHR
		return 2, nil // DT_CHR
	case 0o010000: // S_IFIFO
		return 1, nil // DT_FIFO
	default:
		return 0, nil // DT_UNKNOWN
	}
}

// BlobStore resolves a content-addressed StorageKey to an open file,
// the dependency VFS takes on the storage package without importing it
// directly (storage in turn never imports vfs).
type BlobStore interface {
	OpenPart(key protocol.StorageKey) (FdLike, error)
}

// OpenNode opens the file a VFile names the way the syscall emulator's
// openat/read path needs: a host fd it can read from or splice. Char,
// Block, Fifo and Symlink nodes are not files and return ErrFileExpected,
// matching their real-kernel semantics (open on those needs the driver
// or the link target, neither of which this VFS provides directly).
func (fs *Filesystem) OpenNode(store BlobStore, f protocol.VFile) (FdLike, error) {
	n, err := fs.getInode(INodeNum(f.Inode))
	if err != nil {
		return nil, err
	}
	switch data := n.data.(type) {
	case EmptyFile:
		return openDevNull()
	case Dir:
		return fs.buildDirectoryListing(data)
	case SharedStream:
		return data.Open()
	case FileBlob:
		fd, err := store.OpenPart(data.Key)
		if err != nil {
			return nil, errors.Wrap(ErrStorageError, err.Error())
		}
		return fd, nil
	default:
		return nil, ErrFileExpected
	}
}
