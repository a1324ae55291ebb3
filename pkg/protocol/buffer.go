/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package protocol implements the supervisor<->tracer wire protocol:
// SPEC_FULL.md §4.1 (the framed byte+fd buffer and its fixed-width
// encodings) and §4.2 (the ToSand/FromSand message families).
package protocol

import "github.com/pkg/errors"

// Default capacities from SPEC_FULL.md §3 (IPCBuffer) and §5 (backpressure).
const (
	DefaultByteCapacity = 4096
	DefaultFdCapacity   = 128
)

var (
	// ErrBufferFull is returned when an append would exceed the buffer's
	// static byte or fd capacity.
	ErrBufferFull = errors.New("protocol: buffer full")
	// ErrUnexpectedEnd is returned when a decode needs more bytes or fds
	// than the buffer currently holds. It is recoverable: the caller
	// should wait for more data and retry the same decode.
	ErrUnexpectedEnd = errors.New("protocol: unexpected end of buffer")
	// ErrInvalidValue is returned when a tag byte (bool, Option, enum
	// discriminant) holds a value outside its valid range.
	ErrInvalidValue = errors.New("protocol: invalid value")
	// ErrUnimplemented is returned for wire types the protocol does not
	// support: strings, floats, maps, sequences, char.
	ErrUnimplemented = errors.New("protocol: unimplemented wire type")
)

// Buffer is a bounded queue of bytes paired with a bounded queue of file
// descriptors, the "(bytes, fds)" framing SPEC_FULL.md §3 calls IPCBuffer.
// It is not safe for concurrent use; each IPC endpoint owns one.
type Buffer struct {
	bytes    []byte
	fds      []int
	byteCap  int
	fdCap    int
}

// NewBuffer returns an empty Buffer with the given capacities. A
// byteCap/fdCap of 0 selects the spec defaults.
func NewBuffer(byteCap, fdCap int) *Buffer {
	if byteCap <= 0 {
		byteCap = DefaultByteCapacity
	}
	if fdCap <= 0 {
		fdCap = DefaultFdCapacity
	}
	return &Buffer{byteCap: byteCap, fdCap: fdCap}
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.bytes) }

// FdLen returns the number of buffered file descriptors.
func (b *Buffer) FdLen() int { return len(b.fds) }

// ByteCap and FdCap report the buffer's static capacities.
func (b *Buffer) ByteCap() int { return b.byteCap }
func (b *Buffer) FdCap() int   { return b.fdCap }

// AppendBytes appends p to the byte queue, failing with ErrBufferFull
// rather than exceeding ByteCap.
func (b *Buffer) AppendBytes(p []byte) error {
	if len(b.bytes)+len(p) > b.byteCap {
		return ErrBufferFull
	}
	b.bytes = append(b.bytes, p...)
	return nil
}

// AppendFd appends one file descriptor to the fd queue.
func (b *Buffer) AppendFd(fd int) error {
	if len(b.fds) >= b.fdCap {
		return ErrBufferFull
	}
	b.fds = append(b.fds, fd)
	return nil
}

// Bytes returns the buffered bytes. The returned slice aliases the
// buffer's storage and must not be retained past the next mutation.
func (b *Buffer) Bytes() []byte { return b.bytes }

// Fds returns the buffered fds, aliased the same way as Bytes.
func (b *Buffer) Fds() []int { return b.fds }

// Advance drops the first nBytes bytes and nFds fds from the queues. It is
// called once a Decoder has successfully consumed a whole message; a
// failed decode never calls Advance, which is what makes decoding
// idempotent on partial input (SPEC_FULL.md §8, "rewind").
func (b *Buffer) Advance(nBytes, nFds int) {
	if nBytes > 0 {
		copy(b.bytes, b.bytes[nBytes:])
		b.bytes = b.bytes[:len(b.bytes)-nBytes]
	}
	if nFds > 0 {
		copy(b.fds, b.fds[nFds:])
		b.fds = b.fds[:len(b.fds)-nFds]
	}
}

// Reserve returns the free byte capacity, the maximum a single kernel
// read into this buffer may consume.
func (b *Buffer) Reserve() int { return b.byteCap - len(b.bytes) }

// FillFrom grows the buffer by appending p and fds, used by the socket
// reader after a recvmsg call returns new data and ancillary fds. It
// fails with ErrBufferFull under the same rule as AppendBytes/AppendFd,
// leaving the buffer unchanged.
func (b *Buffer) FillFrom(p []byte, fds []int) error {
	if len(b.bytes)+len(p) > b.byteCap || len(b.fds)+len(fds) > b.fdCap {
		return ErrBufferFull
	}
	b.bytes = append(b.bytes, p...)
	b.fds = append(b.fds, fds...)
	return nil
}
