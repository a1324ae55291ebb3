/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package vfs

import (
	"fmt"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/sandpit/sandrun/pkg/protocol"
)

func regularFileStat() protocol.FileStat {
	return protocol.FileStat{Mode: 0o100644, Nlink: 1}
}

func TestLookupPlainPath(t *testing.T) {
	fs := New()
	w := fs.Writer(Root())
	assert.NilError(t, w.WriteFile("/a/b/c.txt", regularFileStat(), nil))

	f, err := fs.Lookup(Root(), "/a/b/c.txt", protocol.Follow)
	assert.NilError(t, err)

	stat, err := fs.Stat(f)
	assert.NilError(t, err)
	assert.Equal(t, stat.Mode, uint32(0o100644))
}

func TestHardlinkSharesInodeAndBumpsNlink(t *testing.T) {
	fs := New()
	w := fs.Writer(Root())
	assert.NilError(t, w.WriteFile("/orig.txt", regularFileStat(), nil))
	assert.NilError(t, w.WriteHardlink("/link.txt", "/orig.txt"))

	a, err := fs.Lookup(Root(), "/orig.txt", protocol.Follow)
	assert.NilError(t, err)
	b, err := fs.Lookup(Root(), "/link.txt", protocol.Follow)
	assert.NilError(t, err)
	assert.Equal(t, a.Inode, b.Inode)

	stat, err := fs.Stat(a)
	assert.NilError(t, err)
	assert.Equal(t, stat.Nlink, uint32(2))
}

func TestSymlinkLoopLimit(t *testing.T) {
	fs := New()
	w := fs.Writer(Root())
	// A chain of 51 symlinks, link0 -> link1 -> ... -> link50 -> target,
	// so resolving link0 with Follow takes exactly 51 hops.
	assert.NilError(t, w.WriteFile("/target.txt", regularFileStat(), nil))
	for i := 50; i >= 0; i-- {
		var to string
		if i == 50 {
			to = "/target.txt"
		} else {
			to = fmt.Sprintf("/link%d", i+1)
		}
		assert.NilError(t, w.WriteSymlink(fmt.Sprintf("/link%d", i), protocol.FileStat{Mode: 0o120777, Nlink: 1}, to))
	}

	// 50 hops succeeds (link1 through link50 then target: 50 symlinks).
	_, err := fs.Lookup(Root(), "/link1", protocol.Follow)
	assert.NilError(t, err)

	// 51 hops (starting one link earlier) exceeds the limit.
	_, err = fs.Lookup(Root(), "/link0", protocol.Follow)
	assert.Assert(t, is.ErrorIs(err, ErrSymlinkLimit))
}

func TestPathSegmentLimit(t *testing.T) {
	fs := New()
	w := fs.Writer(Root())

	path := ""
	for i := 0; i < 1000; i++ {
		path += "/d"
	}
	assert.NilError(t, w.WriteDirectoryMetadata(path, protocol.FileStat{Mode: 0o040755, Nlink: 1}))
	_, err := fs.Lookup(Root(), path, protocol.Follow)
	assert.NilError(t, err)

	_, err = fs.Lookup(Root(), path+"/d", protocol.Follow)
	assert.Assert(t, is.ErrorIs(err, ErrPathSegmentLimit))
}

func TestLookupIsIdempotent(t *testing.T) {
	fs := New()
	w := fs.Writer(Root())
	assert.NilError(t, w.WriteFile("/a/b.txt", regularFileStat(), nil))

	f1, err := fs.Lookup(Root(), "/a/b.txt", protocol.Follow)
	assert.NilError(t, err)
	f2, err := fs.Lookup(Root(), "/a/b.txt", protocol.Follow)
	assert.NilError(t, err)
	assert.Equal(t, f1, f2)
}

func TestNoFollowStopsAtSymlink(t *testing.T) {
	fs := New()
	w := fs.Writer(Root())
	assert.NilError(t, w.WriteFile("/target.txt", regularFileStat(), nil))
	assert.NilError(t, w.WriteSymlink("/link.txt", protocol.FileStat{Mode: 0o120777, Nlink: 1}, "/target.txt"))

	link, err := fs.Lookup(Root(), "/link.txt", protocol.NoFollow)
	assert.NilError(t, err)
	target, err := fs.Readlink(link)
	assert.NilError(t, err)
	assert.Equal(t, target, "/target.txt")

	resolved, err := fs.Lookup(Root(), "/link.txt", protocol.Follow)
	assert.NilError(t, err)
	assert.Assert(t, resolved.Inode != link.Inode)
}
