/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package vfs

import "github.com/sandpit/sandrun/pkg/protocol"

// Writer mutates a Filesystem while an image is being assembled, before
// any task starts running against it. There is exactly one Writer per
// Filesystem at a time; nothing here is safe for concurrent use.
type Writer struct {
	workdir INodeNum
	fs      *Filesystem
}

// Writer returns a Writer whose relative paths resolve against workdir.
func (fs *Filesystem) Writer(workdir protocol.VFile) *Writer {
	return &Writer{workdir: INodeNum(workdir.Inode), fs: fs}
}

func (w *Writer) allocInodeNumber() INodeNum {
	num := INodeNum(len(w.fs.inodes))
	w.fs.inodes = append(w.fs.inodes, nil)
	return num
}

func (w *Writer) getInodeMut(num INodeNum) (*inode, error) {
	return w.fs.getInode(num)
}

func (w *Writer) putInode(num INodeNum, n *inode) {
	if w.fs.inodes[num] != nil {
		panic("vfs: inode already allocated")
	}
	w.fs.inodes[num] = n
}

func (w *Writer) putDirectory(num INodeNum) {
	w.putInode(num, &inode{
		stat: protocol.FileStat{Mode: 0o755 | 0o040000, Nlink: 1},
		data: Dir{Entries: map[string]INodeNum{".": num}},
	})
}

func (w *Writer) increfInode(num INodeNum) error {
	n, err := w.getInodeMut(num)
	if err != nil {
		return err
	}
	if n.stat.Nlink == ^uint32(0) {
		return ErrINodeRefCount
	}
	n.stat.Nlink++
	return nil
}

func (w *Writer) decrefInode(num INodeNum) error {
	n, err := w.getInodeMut(num)
	if err != nil {
		return err
	}
	if n.stat.Nlink == 0 {
		return ErrINodeRefCount
	}
	n.stat.Nlink--
	return nil
}

func (w *Writer) addChildToDirectory(parent INodeNum, name string, child INodeNum) error {
	if err := w.increfInode(child); err != nil {
		return err
	}
	n, err := w.getInodeMut(parent)
	if err != nil {
		return err
	}
	dir, ok := n.data.(Dir)
	if !ok {
		return ErrDirectoryExpected
	}
	previous, had := dir.Entries[name]
	dir.Entries[name] = child
	if !had {
		return nil
	}
	return w.decrefInode(previous)
}

func (w *Writer) allocChildDirectory(parent INodeNum, name string) (INodeNum, error) {
	num := w.allocInodeNumber()
	w.putDirectory(num)
	if err := w.addChildToDirectory(parent, name, num); err != nil {
		return 0, err
	}
	if err := w.addChildToDirectory(num, "..", parent); err != nil {
		return 0, err
	}
	return num, nil
}

func (w *Writer) resolveOrCreatePathSegment(lim *limits, parent INodeNum, part string) (dirEntryRef, error) {
	entry, err := w.fs.resolvePathSegment(lim, parent, part)
	if err == nil {
		return entry, nil
	}
	if err != ErrNotFound {
		return dirEntryRef{}, err
	}
	child, err := w.allocChildDirectory(parent, part)
	if err != nil {
		return dirEntryRef{}, err
	}
	return dirEntryRef{parent: parent, child: child}, nil
}

func (w *Writer) resolveOrCreatePath(lim *limits, parent INodeNum, path string) (dirEntryRef, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return dirEntryRef{parent: parent, child: parent}, nil
	}
	entry, err := w.resolveOrCreatePathSegment(lim, parent, parts[0])
	if err != nil {
		return dirEntryRef{}, err
	}
	for _, part := range parts[1:] {
		entry, err = w.fs.resolveSymlinks(lim, entry)
		if err != nil {
			return dirEntryRef{}, err
		}
		entry, err = w.resolveOrCreatePathSegment(lim, entry.child, part)
		if err != nil {
			return dirEntryRef{}, err
		}
	}
	return entry, nil
}

func (w *Writer) resolveOrCreateParent(lim *limits, path string) (INodeNum, string, error) {
	parentParts, name, ok := splitParent(path)
	if !ok {
		return 0, "", ErrNotFound
	}
	dir := w.workdir
	if len(parentParts) > 0 {
		entry, err := w.resolveOrCreatePath(lim, w.workdir, joinParts(parentParts))
		if err != nil {
			return 0, "", err
		}
		entry, err = w.fs.resolveSymlinks(lim, entry)
		if err != nil {
			return 0, "", err
		}
		dir = entry.child
	}
	return dir, name, nil
}

func joinParts(parts []string) string {
	if len(parts) > 0 && parts[0] == "/" {
		out := "/"
		for _, p := range parts[1:] {
			out += p + "/"
		}
		return out
	}
	out := ""
	for _, p := range parts {
		out += p + "/"
	}
	return out
}

// WriteDirectoryMetadata sets stat on an existing (or freshly created)
// directory at path.
func (w *Writer) WriteDirectoryMetadata(path string, stat protocol.FileStat) error {
	lim := freshLimits()
	entry, err := w.resolveOrCreatePath(lim, w.workdir, path)
	if err != nil {
		return err
	}
	entry, err = w.fs.resolveSymlinks(lim, entry)
	if err != nil {
		return err
	}
	n, err := w.getInodeMut(entry.child)
	if err != nil {
		return err
	}
	if _, ok := n.data.(Dir); !ok {
		return ErrDirectoryExpected
	}
	n.stat = stat
	return nil
}

func (w *Writer) writeNodeFile(path string, stat protocol.FileStat, data Node) error {
	lim := freshLimits()
	dir, name, err := w.resolveOrCreateParent(lim, path)
	if err != nil {
		return err
	}
	num := w.allocInodeNumber()
	// The directory entry added below counts the inode's first link.
	stat.Nlink = 0
	w.putInode(num, &inode{stat: stat, data: data})
	return w.addChildToDirectory(dir, name, num)
}

// WriteFile writes a regular file backed by key. A nil key writes an
// EmptyFile instead, matching Option<StorageKey> in the wire model.
func (w *Writer) WriteFile(path string, stat protocol.FileStat, key protocol.StorageKey) error {
	if key == nil {
		return w.writeNodeFile(path, stat, EmptyFile{})
	}
	return w.writeNodeFile(path, stat, FileBlob{Key: key})
}

// WriteSharedStream writes a regular file backed by a live host stream.
func (w *Writer) WriteSharedStream(path string, stat protocol.FileStat, open func() (FdLike, error)) error {
	return w.writeNodeFile(path, stat, SharedStream{Open: open})
}

// WriteSymlink writes a symlink at path pointing at target.
func (w *Writer) WriteSymlink(path string, stat protocol.FileStat, target string) error {
	return w.writeNodeFile(path, stat, Symlink{Target: target})
}

// WriteHardlink makes path an additional name for the inode target
// already names, incrementing its link count.
func (w *Writer) WriteHardlink(path, target string) error {
	lim := freshLimits()
	targetEntry, err := w.fs.resolvePath(lim, w.workdir, target)
	if err != nil {
		return err
	}
	dir, name, err := w.resolveOrCreateParent(lim, path)
	if err != nil {
		return err
	}
	return w.addChildToDirectory(dir, name, targetEntry.child)
}

// WriteFifo writes a FIFO node at path.
func (w *Writer) WriteFifo(path string, stat protocol.FileStat) error {
	return w.writeNodeFile(path, stat, Fifo{})
}

// WriteCharDevice writes a character-device node at path.
func (w *Writer) WriteCharDevice(path string, stat protocol.FileStat, major, minor uint32) error {
	return w.writeNodeFile(path, stat, Char{Major: major, Minor: minor})
}

// WriteBlockDevice writes a block-device node at path.
func (w *Writer) WriteBlockDevice(path string, stat protocol.FileStat, major, minor uint32) error {
	return w.writeNodeFile(path, stat, Block{Major: major, Minor: minor})
}
