/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import "encoding/binary"

// Encoder appends values to a Buffer using the fixed-width little-endian
// encodings from SPEC_FULL.md §4.1. All Encoder methods either succeed or
// leave the buffer exactly as it was (ErrBufferFull aborts before any
// partial write), so encode failures never corrupt the stream.
type Encoder struct {
	buf *Buffer
}

// NewEncoder returns an Encoder appending to buf.
func NewEncoder(buf *Buffer) *Encoder { return &Encoder{buf: buf} }

func (e *Encoder) Bool(v bool) error {
	if v {
		return e.buf.AppendBytes([]byte{0x01})
	}
	return e.buf.AppendBytes([]byte{0x00})
}

func (e *Encoder) U8(v uint8) error  { return e.buf.AppendBytes([]byte{v}) }
func (e *Encoder) I8(v int8) error   { return e.U8(uint8(v)) }

func (e *Encoder) U16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return e.buf.AppendBytes(b[:])
}
func (e *Encoder) I16(v int16) error { return e.U16(uint16(v)) }

func (e *Encoder) U32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return e.buf.AppendBytes(b[:])
}
func (e *Encoder) I32(v int32) error { return e.U32(uint32(v)) }

func (e *Encoder) U64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return e.buf.AppendBytes(b[:])
}
func (e *Encoder) I64(v int64) error { return e.U64(uint64(v)) }

// Usize encodes a host-word-sized unsigned value. The wire format always
// uses 64 bits regardless of host pointer width, the same choice the
// InitArgsHeader makes explicit in SPEC_FULL.md §4.2 ("usize x6,
// host-endian" is little-endian on the x86-64 target this core supports).
func (e *Encoder) Usize(v uint64) error { return e.U64(v) }

// Fd encodes the descriptor type: zero bytes in the byte stream, one
// ancillary fd appended to the fd queue.
func (e *Encoder) Fd(fd int) error { return e.buf.AppendFd(fd) }

// Discriminant encodes an enum's one-byte variant tag. Discriminants
// above 255 are forbidden by the spec; callers pass a uint8 so that is
// enforced at the type level.
func (e *Encoder) Discriminant(d uint8) error { return e.U8(d) }

// OptionNone/OptionSome encode the Option<T> tag byte; the caller encodes
// T itself after OptionSome.
func (e *Encoder) OptionNone() error { return e.U8(0x00) }
func (e *Encoder) OptionSome() error { return e.U8(0x01) }

// Bytes appends a fixed-size byte array verbatim (used for struct/array
// fields whose element type is itself bytes, e.g. a digest).
func (e *Encoder) Bytes(p []byte) error { return e.buf.AppendBytes(p) }

// Unsupported is the encoder's answer for the string, float, map, seq
// and char wire types (SPEC_FULL.md §4.1): it returns ErrUnimplemented
// without touching the buffer.
func (e *Encoder) Unsupported() error { return ErrUnimplemented }

// Decoder reads values from a read-only view of a Buffer's bytes and fds.
// It never mutates the underlying Buffer; callers call Buffer.Advance
// with the Decoder's final Consumed()/ConsumedFds() only after a full
// message decodes successfully. A Decoder that returns ErrUnexpectedEnd
// or ErrInvalidValue can simply be discarded, which is the "rewind" the
// spec requires: since the buffer was never touched, the next attempt
// starts from the same bytes.
type Decoder struct {
	data []byte
	fds  []int
	pos  int
	fpos int
}

// NewDecoder returns a Decoder over buf's current contents.
func NewDecoder(buf *Buffer) *Decoder {
	return &Decoder{data: buf.Bytes(), fds: buf.Fds()}
}

// Consumed and ConsumedFds report how many bytes/fds this Decoder has
// read so far, the arguments to pass to Buffer.Advance on success.
func (d *Decoder) Consumed() int    { return d.pos }
func (d *Decoder) ConsumedFds() int { return d.fpos }

func (d *Decoder) take(n int) ([]byte, error) {
	if d.pos+n > len(d.data) {
		return nil, ErrUnexpectedEnd
	}
	p := d.data[d.pos : d.pos+n]
	d.pos += n
	return p, nil
}

func (d *Decoder) Bool() (bool, error) {
	p, err := d.take(1)
	if err != nil {
		return false, err
	}
	switch p[0] {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, ErrInvalidValue
	}
}

func (d *Decoder) U8() (uint8, error) {
	p, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}
func (d *Decoder) I8() (int8, error) {
	v, err := d.U8()
	return int8(v), err
}

func (d *Decoder) U16() (uint16, error) {
	p, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}
func (d *Decoder) I16() (int16, error) {
	v, err := d.U16()
	return int16(v), err
}

func (d *Decoder) U32() (uint32, error) {
	p, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}
func (d *Decoder) I32() (int32, error) {
	v, err := d.U32()
	return int32(v), err
}

func (d *Decoder) U64() (uint64, error) {
	p, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}
func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

func (d *Decoder) Usize() (uint64, error) { return d.U64() }

func (d *Decoder) Bytes(n int) ([]byte, error) { return d.take(n) }

// Fd consumes one fd from the fd queue.
func (d *Decoder) Fd() (int, error) {
	if d.fpos >= len(d.fds) {
		return -1, ErrUnexpectedEnd
	}
	fd := d.fds[d.fpos]
	d.fpos++
	return fd, nil
}

// Discriminant reads an enum's one-byte variant tag.
func (d *Decoder) Discriminant() (uint8, error) { return d.U8() }

// OptionTag reads the Option<T> tag byte and reports whether T follows.
func (d *Decoder) OptionTag() (bool, error) {
	p, err := d.take(1)
	if err != nil {
		return false, err
	}
	switch p[0] {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, ErrInvalidValue
	}
}
