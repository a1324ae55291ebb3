/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package ipc is the length-framed, fd-carrying duplex socket transport
// supervisor and tracer speak over (SPEC_FULL.md §4.1, §6): it feeds raw
// recvmsg/sendmsg data into pkg/protocol's Buffer/Encoder/Decoder and
// handles the SCM_RIGHTS dance, the same fd-passing idiom the teacher's
// supervisor package uses for daemon state handoff.
package ipc

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sandpit/sandrun/pkg/protocol"
)

// maxFdsPerRecv bounds a single recvmsg's ancillary data buffer; the
// protocol's own Buffer.FdCap is the real backpressure limit
// (SPEC_FULL.md §5), this just sizes one syscall's scratch space.
const maxFdsPerRecv = 32

// Conn is one end of the supervisor<->tracer socket. It owns a read-side
// protocol.Buffer across calls so a message split across multiple
// recvmsg calls decodes correctly once enough bytes/fds have arrived.
type Conn struct {
	uc  *net.UnixConn
	buf *protocol.Buffer
}

// New wraps uc for framed ToSand/FromSand message exchange.
func New(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc, buf: protocol.NewBuffer(0, 0)}
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.uc.Close() }

// fillOnce performs one recvmsg call, appending whatever bytes/fds
// arrived into the read buffer. It returns errEOF (see IsEOF) when the
// peer has closed its write side and nothing more will ever arrive.
func (c *Conn) fillOnce() error {
	dataBuf := make([]byte, c.buf.Reserve())
	if len(dataBuf) == 0 {
		return protocol.ErrBufferFull
	}
	oobBuf := make([]byte, unix.CmsgSpace(4)*maxFdsPerRecv)

	n, oobn, _, _, err := c.uc.ReadMsgUnix(dataBuf, oobBuf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return errEOF
		}
		return errors.Wrap(err, "ipc: recvmsg")
	}
	if n == 0 && oobn == 0 {
		return errEOF
	}

	var fds []int
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oobBuf[:oobn])
		if err != nil {
			return errors.Wrap(err, "ipc: parse control message")
		}
		for _, scm := range scms {
			got, err := unix.ParseUnixRights(&scm)
			if err != nil {
				return errors.Wrap(err, "ipc: parse unix rights")
			}
			fds = append(fds, got...)
		}
	}
	return c.buf.FillFrom(dataBuf[:n], fds)
}

var errEOF = errors.New("ipc: connection closed by peer")

// IsEOF reports whether err is the sentinel fillOnce/ReadFromSand/ReadToSand return
// when the peer's write side has closed cleanly.
func IsEOF(err error) bool { return errors.Is(err, errEOF) }

// ReadFromSand blocks until a complete FromSand message has arrived and
// decodes it, retrying the underlying recvmsg as needed. A decode
// failure due to insufficient data (ErrUnexpectedEnd) triggers another
// recvmsg and retry; any other decode error is fatal to the connection.
func (c *Conn) ReadFromSand() (protocol.FromSand, error) {
	for {
		dec := protocol.NewDecoder(c.buf)
		msg, err := protocol.DecodeFromSand(dec)
		if err == nil {
			c.buf.Advance(dec.Consumed(), dec.ConsumedFds())
			return msg, nil
		}
		if !errors.Is(err, protocol.ErrUnexpectedEnd) {
			return protocol.FromSand{}, errors.Wrap(err, "ipc: decode message")
		}
		if err := c.fillOnce(); err != nil {
			return protocol.FromSand{}, err
		}
	}
}

// ReadToSand is ReadFromSand's mirror for the tracer side of the wire.
func (c *Conn) ReadToSand() (protocol.ToSand, error) {
	for {
		dec := protocol.NewDecoder(c.buf)
		msg, err := protocol.DecodeToSand(dec)
		if err == nil {
			c.buf.Advance(dec.Consumed(), dec.ConsumedFds())
			return msg, nil
		}
		if !errors.Is(err, protocol.ErrUnexpectedEnd) {
			return nil, errors.Wrap(err, "ipc: decode message")
		}
		if err := c.fillOnce(); err != nil {
			return nil, err
		}
	}
}

// WriteToSand encodes and sends msg, carrying along whatever fds msg's
// Encode calls queued.
func (c *Conn) WriteToSand(msg protocol.ToSand) error {
	return c.write(func(e *protocol.Encoder) error { return msg.Encode(e) })
}

// WriteFromSand is WriteToSand's mirror for the tracer side of the wire.
func (c *Conn) WriteFromSand(msg protocol.FromSand) error {
	return c.write(func(e *protocol.Encoder) error { return msg.Encode(e) })
}

func (c *Conn) write(encode func(*protocol.Encoder) error) error {
	out := protocol.NewBuffer(0, 0)
	if err := encode(protocol.NewEncoder(out)); err != nil {
		return errors.Wrap(err, "ipc: encode message")
	}

	data := out.Bytes()
	oob := []byte(nil)
	if fds := out.Fds(); len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	for len(data) > 0 || len(oob) > 0 {
		n, oobn, err := c.uc.WriteMsgUnix(data, oob, nil)
		if err != nil {
			return errors.Wrapf(err, "ipc: sendmsg (datan %d oobn %d)", n, oobn)
		}
		data = data[n:]
		oob = oob[oobn:]
	}
	return nil
}
