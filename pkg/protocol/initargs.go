/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import "github.com/pkg/errors"

// InitArgsHeader is written to the fd carried by ToSandInit before the
// tracer reads it (SPEC_FULL.md §4.2, §6): six host-endian usize fields
// followed by four variable-length regions in the same order. dir and
// filename are each a single NUL-terminated string; argv and envp are
// each a sequence of NUL-terminated strings followed by one extra NUL
// marking the end of the list, their element counts also given in the
// header.
type InitArgsHeader struct {
	DirLen      uint64
	FilenameLen uint64
	ArgvLen     uint64
	ArgCount    uint64
	EnvpLen     uint64
	EnvCount    uint64
}

func (h InitArgsHeader) Encode(e *Encoder) error {
	for _, v := range []uint64{h.DirLen, h.FilenameLen, h.ArgvLen, h.ArgCount, h.EnvpLen, h.EnvCount} {
		if err := e.Usize(v); err != nil {
			return err
		}
	}
	return nil
}

func DecodeInitArgsHeader(d *Decoder) (InitArgsHeader, error) {
	var h InitArgsHeader
	var err error
	if h.DirLen, err = d.Usize(); err != nil {
		return h, err
	}
	if h.FilenameLen, err = d.Usize(); err != nil {
		return h, err
	}
	if h.ArgvLen, err = d.Usize(); err != nil {
		return h, err
	}
	if h.ArgCount, err = d.Usize(); err != nil {
		return h, err
	}
	if h.EnvpLen, err = d.Usize(); err != nil {
		return h, err
	}
	if h.EnvCount, err = d.Usize(); err != nil {
		return h, err
	}
	return h, nil
}

// InitArgs is the decoded form of an InitArgsHeader plus its four
// regions: the working directory, the program filename, argv and envp.
type InitArgs struct {
	Dir      string
	Filename string
	Argv     []string
	Envp     []string
}

// EncodeInitArgs lays out args exactly as InitArgsHeader describes:
// header, then dir\0, filename\0, then len(Argv) NUL-terminated argv
// entries back to back plus a closing \0, then len(Envp) NUL-terminated
// envp entries plus a closing \0.
func EncodeInitArgs(args InitArgs) []byte {
	argv := append(joinNulTerminated(args.Argv), 0)
	envp := append(joinNulTerminated(args.Envp), 0)
	dir := append([]byte(args.Dir), 0)
	filename := append([]byte(args.Filename), 0)

	header := InitArgsHeader{
		DirLen:      uint64(len(dir)),
		FilenameLen: uint64(len(filename)),
		ArgvLen:     uint64(len(argv)),
		ArgCount:    uint64(len(args.Argv)),
		EnvpLen:     uint64(len(envp)),
		EnvCount:    uint64(len(args.Envp)),
	}

	buf := NewBuffer(64, 0)
	enc := NewEncoder(buf)
	// Header encode errors are impossible here: a fresh 64-byte buffer
	// always has room for 6 usizes.
	_ = header.Encode(enc)

	out := make([]byte, 0, buf.Len()+len(dir)+len(filename)+len(argv)+len(envp))
	out = append(out, buf.Bytes()...)
	out = append(out, dir...)
	out = append(out, filename...)
	out = append(out, argv...)
	out = append(out, envp...)
	return out
}

func joinNulTerminated(ss []string) []byte {
	var out []byte
	for _, s := range ss {
		out = append(out, s...)
		out = append(out, 0)
	}
	return out
}

// DecodeInitArgs parses the byte layout EncodeInitArgs produces.
func DecodeInitArgs(raw []byte) (InitArgs, error) {
	buf := NewBuffer(len(raw)+1, 0)
	if err := buf.FillFrom(raw, nil); err != nil {
		return InitArgs{}, err
	}
	dec := NewDecoder(buf)
	header, err := DecodeInitArgsHeader(dec)
	if err != nil {
		return InitArgs{}, errors.Wrap(err, "decode init args header")
	}

	rest := raw[dec.Consumed():]
	need := header.DirLen + header.FilenameLen + header.ArgvLen + header.EnvpLen
	if uint64(len(rest)) < need {
		return InitArgs{}, ErrUnexpectedEnd
	}

	dirRegion := rest[:header.DirLen]
	rest = rest[header.DirLen:]
	filenameRegion := rest[:header.FilenameLen]
	rest = rest[header.FilenameLen:]
	argvRegion := rest[:header.ArgvLen]
	rest = rest[header.ArgvLen:]
	envpRegion := rest[:header.EnvpLen]

	dir, err := trimOneNul(dirRegion)
	if err != nil {
		return InitArgs{}, errors.Wrap(err, "dir region")
	}
	filename, err := trimOneNul(filenameRegion)
	if err != nil {
		return InitArgs{}, errors.Wrap(err, "filename region")
	}
	argv, err := splitNulTerminated(argvRegion, header.ArgCount)
	if err != nil {
		return InitArgs{}, errors.Wrap(err, "argv region")
	}
	envp, err := splitNulTerminated(envpRegion, header.EnvCount)
	if err != nil {
		return InitArgs{}, errors.Wrap(err, "envp region")
	}

	return InitArgs{Dir: dir, Filename: filename, Argv: argv, Envp: envp}, nil
}

func trimOneNul(p []byte) (string, error) {
	if len(p) == 0 || p[len(p)-1] != 0 {
		return "", ErrInvalidValue
	}
	return string(p[:len(p)-1]), nil
}

func splitNulTerminated(p []byte, count uint64) ([]string, error) {
	// Strip the closing end-of-list NUL before splitting the entries.
	if len(p) == 0 || p[len(p)-1] != 0 {
		return nil, ErrInvalidValue
	}
	p = p[:len(p)-1]
	if count == 0 {
		if len(p) != 0 {
			return nil, ErrInvalidValue
		}
		return nil, nil
	}
	out := make([]string, 0, count)
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == 0 {
			out = append(out, string(p[start:i]))
			start = i + 1
		}
	}
	if uint64(len(out)) != count || start != len(p) {
		return nil, ErrInvalidValue
	}
	return out, nil
}
