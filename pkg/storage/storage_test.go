/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package storage

import (
	"bytes"
	"io"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"

	"github.com/sandpit/sandrun/pkg/protocol"
)

func TestInsertAndOpen(t *testing.T) {
	store := New(t.TempDir())
	key := protocol.KeyBlob{Digest: digest.FromBytes([]byte("hello"))}
	assert.NilError(t, store.Insert(key, bytes.NewReader([]byte("hello"))))
	assert.Assert(t, store.Has(key))

	f, err := store.OpenPart(key)
	assert.NilError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f.(io.Reader))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "hello")
}

func TestInsertBlobVerifiesDigest(t *testing.T) {
	store := New(t.TempDir())
	dgst := digest.FromBytes([]byte("hello"))
	assert.NilError(t, store.InsertBlob(dgst, bytes.NewReader([]byte("hello"))))
	assert.Assert(t, store.Has(protocol.KeyBlob{Digest: dgst}))

	wrongDigest := digest.FromBytes([]byte("something else"))
	err := store.InsertBlob(wrongDigest, bytes.NewReader([]byte("hello")))
	assert.ErrorContains(t, err, "digest mismatch")
	assert.Assert(t, !store.Has(protocol.KeyBlob{Digest: wrongDigest}))
}

func TestOpenPartMaterializesFromParentBlob(t *testing.T) {
	store := New(t.TempDir())
	dgst := digest.FromBytes([]byte("0123456789"))
	assert.NilError(t, store.Insert(protocol.KeyBlob{Digest: dgst}, bytes.NewReader([]byte("0123456789"))))

	part := protocol.KeyBlobPart{Digest: dgst, Start: 2, End: 5}
	assert.Assert(t, !store.Has(part))

	f, err := store.OpenPart(part)
	assert.NilError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f.(io.Reader))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "234")
	assert.Assert(t, store.Has(part))
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	store := New(t.TempDir())
	err := store.Remove(protocol.KeyBlob{Digest: digest.FromBytes([]byte("nope"))})
	assert.NilError(t, err)
}
