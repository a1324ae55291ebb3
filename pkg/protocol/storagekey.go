/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import (
	"fmt"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// StorageKey names a file in the content-addressed cache (SPEC_FULL.md
// §3, §6). It is a closed set of four variants, matched the way the
// spec's other closed enums are: a discriminant byte on the wire, a type
// switch in Go.
type StorageKey interface {
	storageKey()
	// Path returns the cache-relative path for this key, encoded per
	// SPEC_FULL.md §6: only lowercase alphanumeric characters and
	// dashes appear on disk.
	Path() string
	Encode(e *Encoder) error
}

const (
	storageKeyBlob uint8 = iota
	storageKeyBlobPart
	storageKeyManifest
	storageKeyTemp
)

// KeyBlob names a whole content-addressed blob by digest.
type KeyBlob struct {
	Digest digest.Digest
}

func (KeyBlob) storageKey() {}
func (k KeyBlob) Path() string {
	return fmt.Sprintf("blobs/%s.blob", encodePathComponent(k.Digest.String()))
}
func (k KeyBlob) Encode(e *Encoder) error {
	if err := e.Discriminant(storageKeyBlob); err != nil {
		return err
	}
	if err := e.Usize(uint64(len(k.Digest))); err != nil {
		return err
	}
	return e.Bytes([]byte(k.Digest.String()))
}

// KeyBlobPart names a byte range of a blob, materialized on first use
// by slicing the parent blob (SPEC_FULL.md §4.7, "opening a FileBlob").
type KeyBlobPart struct {
	Digest     digest.Digest
	Start, End int64
}

func (KeyBlobPart) storageKey() {}
func (k KeyBlobPart) Path() string {
	return fmt.Sprintf("parts/%s/%d-%d.part", encodePathComponent(k.Digest.String()), k.Start, k.End)
}
func (k KeyBlobPart) Encode(e *Encoder) error {
	if err := e.Discriminant(storageKeyBlobPart); err != nil {
		return err
	}
	if err := e.Usize(uint64(len(k.Digest))); err != nil {
		return err
	}
	if err := e.Bytes([]byte(k.Digest.String())); err != nil {
		return err
	}
	if err := e.I64(k.Start); err != nil {
		return err
	}
	return e.I64(k.End)
}

// KeyManifest names a cached registry manifest.
type KeyManifest struct {
	Registry, Repo, Version string
}

func (KeyManifest) storageKey() {}
func (k KeyManifest) Path() string {
	return fmt.Sprintf("manifest/%s/%s/%s.json",
		encodePathComponent(k.Registry), encodePathComponent(k.Repo), encodePathComponent(k.Version))
}
func (k KeyManifest) Encode(e *Encoder) error {
	if err := e.Discriminant(storageKeyManifest); err != nil {
		return err
	}
	for _, s := range []string{k.Registry, k.Repo, k.Version} {
		if err := e.Usize(uint64(len(s))); err != nil {
			return err
		}
		if err := e.Bytes([]byte(s)); err != nil {
			return err
		}
	}
	return nil
}

// KeyTemp names a scratch file owned by one tracer-spawned process,
// disambiguated by a per-process nonce so concurrent containers never
// collide.
type KeyTemp struct {
	Pid   VPid
	Nonce uint64
}

func (KeyTemp) storageKey() {}
func (k KeyTemp) Path() string {
	return fmt.Sprintf("tmp/%d-%d.tmp", uint32(k.Pid), k.Nonce)
}
func (k KeyTemp) Encode(e *Encoder) error {
	if err := e.Discriminant(storageKeyTemp); err != nil {
		return err
	}
	if err := e.U32(uint32(k.Pid)); err != nil {
		return err
	}
	return e.U64(k.Nonce)
}

// DecodeStorageKey reads whichever StorageKey variant the discriminant
// selects.
func DecodeStorageKey(d *Decoder) (StorageKey, error) {
	tag, err := d.Discriminant()
	if err != nil {
		return nil, err
	}
	switch tag {
	case storageKeyBlob:
		n, err := d.Usize()
		if err != nil {
			return nil, err
		}
		p, err := d.Bytes(int(n))
		if err != nil {
			return nil, err
		}
		return KeyBlob{Digest: digest.Digest(p)}, nil
	case storageKeyBlobPart:
		n, err := d.Usize()
		if err != nil {
			return nil, err
		}
		p, err := d.Bytes(int(n))
		if err != nil {
			return nil, err
		}
		start, err := d.I64()
		if err != nil {
			return nil, err
		}
		end, err := d.I64()
		if err != nil {
			return nil, err
		}
		return KeyBlobPart{Digest: digest.Digest(p), Start: start, End: end}, nil
	case storageKeyManifest:
		var fields [3]string
		for i := range fields {
			n, err := d.Usize()
			if err != nil {
				return nil, err
			}
			p, err := d.Bytes(int(n))
			if err != nil {
				return nil, err
			}
			fields[i] = string(p)
		}
		return KeyManifest{Registry: fields[0], Repo: fields[1], Version: fields[2]}, nil
	case storageKeyTemp:
		pid, err := d.U32()
		if err != nil {
			return nil, err
		}
		nonce, err := d.U64()
		if err != nil {
			return nil, err
		}
		return KeyTemp{Pid: VPid(pid), Nonce: nonce}, nil
	default:
		return nil, ErrInvalidValue
	}
}

const hexDigits = "0123456789abcdef"

// encodePathComponent injectively maps an arbitrary string onto the
// alphabet [a-z0-9-]: every byte that is already a lowercase letter,
// digit stays as-is; every other byte (including '-' itself, to keep the
// escape prefix unambiguous) becomes "-" followed by its two lowercase
// hex digits. Because every non-conforming byte is escaped, two distinct
// inputs can never collide on the same output.
func encodePathComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('-')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}
