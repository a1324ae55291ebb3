/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package storage is the content-addressed blob store backing
// pkg/vfs.FileBlob nodes (SPEC_FULL.md §4.7, §6): every object lives at
// the cache-relative path its protocol.StorageKey computes, written
// once via a temp-file-then-rename so a reader can never observe a
// partially written blob.
package storage

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/sandpit/sandrun/internal/log"
	"github.com/sandpit/sandrun/pkg/protocol"
	"github.com/sandpit/sandrun/pkg/vfs"
)

// tempNonce derives a temp-file nonce from a freshly generated xid: xid
// already mixes machine id, pid and a counter, so collisions between
// concurrent Insert calls (even across processes sharing this store's
// directory) are as unlikely as two xids colliding.
func tempNonce() uint64 {
	b := xid.New().Bytes()
	return binary.BigEndian.Uint64(b[:8])
}

// Store is a directory-backed cache keyed by protocol.StorageKey.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir is created lazily by Insert,
// not here: an empty, not-yet-materialized cache is a valid state.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(key protocol.StorageKey) string {
	return filepath.Join(s.dir, filepath.FromSlash(key.Path()))
}

// open opens key's file directly, returning os.Open's error unwrapped
// (so os.IsNotExist works on it) if it has never been inserted.
func (s *Store) open(key protocol.StorageKey) (*os.File, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Open opens key's content directly, for callers that just want an
// io.Reader (a cached manifest, say) rather than vfs.BlobStore's
// lazy-part-slicing behavior.
func (s *Store) Open(key protocol.StorageKey) (*os.File, error) {
	f, err := s.open(key)
	if err != nil {
		return nil, errors.Wrap(err, "open storage object")
	}
	return f, nil
}

// OpenPart implements vfs.BlobStore: it opens key's materialized file,
// and for a KeyBlobPart whose slice was never cut before, it first reads
// the parent KeyBlob and slices out [Start:End) into place, mirroring
// how a FileBlob opened for the first time does not require every byte
// range to be pre-split at image-build time.
func (s *Store) OpenPart(key protocol.StorageKey) (vfs.FdLike, error) {
	f, err := s.open(key)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "open storage part")
	}
	part, ok := key.(protocol.KeyBlobPart)
	if !ok {
		return nil, errors.Wrap(os.ErrNotExist, "storage: no such object")
	}
	if err := s.materializePart(part); err != nil {
		return nil, err
	}
	return s.open(key)
}

func (s *Store) materializePart(part protocol.KeyBlobPart) error {
	parent, err := s.open(protocol.KeyBlob{Digest: part.Digest})
	if err != nil {
		return errors.Wrap(err, "open parent blob for part materialization")
	}
	defer parent.Close()

	if _, err := parent.Seek(part.Start, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek parent blob")
	}
	if err := s.Insert(protocol.KeyBlobPart{Digest: part.Digest, Start: part.Start, End: part.End},
		io.LimitReader(parent, part.End-part.Start)); err != nil {
		return errors.Wrap(err, "insert blob part")
	}
	return nil
}

// Insert writes r's content to key's path via a sibling temp file plus
// rename, so a concurrent reader either sees the whole file or none of
// it. Re-inserting an existing key is not an error: the rename is
// idempotent, matching how a re-pulled layer should not fail just
// because it is already cached.
func (s *Store) Insert(key protocol.StorageKey, r io.Reader) error {
	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "create storage directory")
	}

	tempKey := protocol.KeyTemp{Pid: 0, Nonce: tempNonce()}
	tempPath := s.path(tempKey)
	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return errors.Wrap(err, "create temp directory")
	}

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o440)
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tempPath)

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrap(err, "write storage object")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "flush storage object")
	}
	if err := os.Rename(tempPath, dest); err != nil {
		return errors.Wrap(err, "rename storage object into place")
	}
	log.L.Debugf("storage: inserted %s (%s)", key.Path(), dest)
	return nil
}

// InsertBlob writes a whole blob through Insert, then verifies its
// digest against the content now in place: on a mismatch the object is
// removed again and an error is returned.
func (s *Store) InsertBlob(dgst digest.Digest, r io.Reader) error {
	verifier := dgst.Verifier()
	if err := s.Insert(protocol.KeyBlob{Digest: dgst}, io.TeeReader(r, verifier)); err != nil {
		return err
	}
	if !verifier.Verified() {
		_ = s.Remove(protocol.KeyBlob{Digest: dgst})
		return errors.Errorf("storage: digest mismatch for %s", dgst)
	}
	return nil
}

// Remove deletes key's file, if present.
func (s *Store) Remove(key protocol.StorageKey) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove storage object")
	}
	return nil
}

// Has reports whether key is already materialized.
func (s *Store) Has(key protocol.StorageKey) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}
