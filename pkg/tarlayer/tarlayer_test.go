/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package tarlayer

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/storage"
	"github.com/sandpit/sandrun/pkg/vfs"
)

func buildLayer(t *testing.T, entries func(tw *tar.Writer)) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	entries(tw)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeEntry(t *testing.T, tw *tar.Writer, hdr *tar.Header, content string) {
	t.Helper()
	hdr.ModTime = time.Unix(0, 0)
	require.NoError(t, tw.WriteHeader(hdr))
	if content != "" {
		_, err := io.WriteString(tw, content)
		require.NoError(t, err)
	}
}

func TestExtractRegularFileAndDirectory(t *testing.T) {
	layer := buildLayer(t, func(tw *tar.Writer) {
		writeEntry(t, tw, &tar.Header{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0o755}, "")
		writeEntry(t, tw, &tar.Header{
			Name: "etc/hostname", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len("sandbox\n")),
		}, "sandbox\n")
	})

	fs := vfs.New()
	store := storage.New(t.TempDir())
	m := New(fs, store)
	require.NoError(t, m.Extract(bytes.NewReader(layer)))

	f, err := fs.Lookup(vfs.Root(), "/etc/hostname", protocol.Follow)
	require.NoError(t, err)
	stat, err := fs.Stat(f)
	require.NoError(t, err)
	require.Equal(t, uint64(len("sandbox\n")), stat.Size)
	require.Equal(t, uint32(0o100644), stat.Mode)

	dirFile, err := fs.Lookup(vfs.Root(), "/etc", protocol.Follow)
	require.NoError(t, err)
	isDir, err := fs.IsDirectory(dirFile)
	require.NoError(t, err)
	require.True(t, isDir)
}

func TestExtractSymlinkAndHardlink(t *testing.T) {
	layer := buildLayer(t, func(tw *tar.Writer) {
		writeEntry(t, tw, &tar.Header{
			Name: "bin/busybox", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len("x")),
		}, "x")
		writeEntry(t, tw, &tar.Header{
			Name: "bin/sh", Typeflag: tar.TypeSymlink, Linkname: "busybox", Mode: 0o777,
		}, "")
		writeEntry(t, tw, &tar.Header{
			Name: "bin/true", Typeflag: tar.TypeLink, Linkname: "bin/busybox", Mode: 0o755,
		}, "")
	})

	fs := vfs.New()
	store := storage.New(t.TempDir())
	m := New(fs, store)
	require.NoError(t, m.Extract(bytes.NewReader(layer)))

	link, err := fs.Lookup(vfs.Root(), "/bin/sh", protocol.NoFollow)
	require.NoError(t, err)
	target, err := fs.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, "busybox", target)

	busybox, err := fs.Lookup(vfs.Root(), "/bin/busybox", protocol.Follow)
	require.NoError(t, err)
	hardlink, err := fs.Lookup(vfs.Root(), "/bin/true", protocol.Follow)
	require.NoError(t, err)
	require.Equal(t, busybox, hardlink)

	stat, err := fs.Stat(busybox)
	require.NoError(t, err)
	require.Equal(t, uint32(2), stat.Nlink)
}

func TestExtractWhiteoutIsIgnoredNotDeleted(t *testing.T) {
	layer := buildLayer(t, func(tw *tar.Writer) {
		writeEntry(t, tw, &tar.Header{Name: "var/", Typeflag: tar.TypeDir, Mode: 0o755}, "")
		writeEntry(t, tw, &tar.Header{Name: "var/.wh.cache", Typeflag: tar.TypeReg, Mode: 0o644}, "")
	})

	fs := vfs.New()
	store := storage.New(t.TempDir())
	m := New(fs, store)
	require.NoError(t, m.Extract(bytes.NewReader(layer)))

	_, err := fs.Lookup(vfs.Root(), "/var/.wh.cache", protocol.Follow)
	require.Error(t, err, "whiteout marker itself must not be materialized as a file")

	_, err = fs.Lookup(vfs.Root(), "/var", protocol.Follow)
	require.NoError(t, err)
}

func TestExtractDuplicateContentKeepsDistinctInodes(t *testing.T) {
	layer := buildLayer(t, func(tw *tar.Writer) {
		writeEntry(t, tw, &tar.Header{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5}, "hello")
		writeEntry(t, tw, &tar.Header{Name: "b.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 5}, "hello")
	})

	fs := vfs.New()
	store := storage.New(t.TempDir())
	m := New(fs, store)
	require.NoError(t, m.Extract(bytes.NewReader(layer)))

	a, err := fs.Lookup(vfs.Root(), "/a.txt", protocol.Follow)
	require.NoError(t, err)
	b, err := fs.Lookup(vfs.Root(), "/b.txt", protocol.Follow)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "distinct tar entries must still be distinct inodes even when content matches")
}

func TestExtractLayersAppliesInCallerOrderDespiteConcurrentParse(t *testing.T) {
	base := buildLayer(t, func(tw *tar.Writer) {
		writeEntry(t, tw, &tar.Header{Name: "etc/motd", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4}, "base")
	})
	overlay := buildLayer(t, func(tw *tar.Writer) {
		writeEntry(t, tw, &tar.Header{Name: "etc/motd", Typeflag: tar.TypeReg, Mode: 0o644, Size: 7}, "overlay")
	})

	fs := vfs.New()
	store := storage.New(t.TempDir())
	m := New(fs, store)

	opens := []func() (io.ReadCloser, error){
		func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(base)), nil },
		func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(overlay)), nil },
	}
	require.NoError(t, m.ExtractLayers(context.Background(), 2, opens))

	f, err := fs.Lookup(vfs.Root(), "/etc/motd", protocol.Follow)
	require.NoError(t, err)
	stat, err := fs.Stat(f)
	require.NoError(t, err)
	require.Equal(t, uint64(len("overlay")), stat.Size, "later layer must win for the same path")
}
