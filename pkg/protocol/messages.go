/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

// TracerSettings is carried in ToSand::Init and configures the tracer
// before it spawns its first guest task (log level, instruction-trace
// flag for the per-task scheduler in SPEC_FULL.md §4.5).
type TracerSettings struct {
	LogLevel       LogLevel
	SingleStepMode bool
}

func (s TracerSettings) Encode(e *Encoder) error {
	if err := s.LogLevel.Encode(e); err != nil {
		return err
	}
	return e.Bool(s.SingleStepMode)
}

func DecodeTracerSettings(d *Decoder) (TracerSettings, error) {
	lvl, err := DecodeLogLevel(d)
	if err != nil {
		return TracerSettings{}, err
	}
	step, err := d.Bool()
	if err != nil {
		return TracerSettings{}, err
	}
	return TracerSettings{LogLevel: lvl, SingleStepMode: step}, nil
}

// ---- FromTask (tracer -> supervisor request) ----

// FromTaskOp is the closed set of requests a task's syscall emulator can
// make of the supervisor (SPEC_FULL.md §4.2).
type FromTaskOp interface {
	fromTaskOp()
	Encode(e *Encoder) error
}

const (
	fromTaskOpenProcess uint8 = iota
	fromTaskFileAccess
	fromTaskFileOpen
	fromTaskFileStat
	fromTaskReadLink
	fromTaskProcessKill
	fromTaskChangeWorkingDir
	fromTaskGetWorkingDir
	fromTaskExited
	fromTaskLog
)

type OpOpenProcess struct{ Pid SysPid }

func (OpOpenProcess) fromTaskOp() {}
func (o OpOpenProcess) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskOpenProcess); err != nil {
		return err
	}
	return o.Pid.Encode(e)
}

type OpFileAccess struct {
	Dir  *VFile
	Path VString
	Mode int32
}

func (OpFileAccess) fromTaskOp() {}
func (o OpFileAccess) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskFileAccess); err != nil {
		return err
	}
	if err := encodeOptionVFile(e, o.Dir); err != nil {
		return err
	}
	if err := o.Path.Encode(e); err != nil {
		return err
	}
	return e.I32(o.Mode)
}

type OpFileOpen struct {
	Dir   *VFile
	Path  VString
	Flags int32
	Mode  int32
}

func (OpFileOpen) fromTaskOp() {}
func (o OpFileOpen) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskFileOpen); err != nil {
		return err
	}
	if err := encodeOptionVFile(e, o.Dir); err != nil {
		return err
	}
	if err := o.Path.Encode(e); err != nil {
		return err
	}
	if err := e.I32(o.Flags); err != nil {
		return err
	}
	return e.I32(o.Mode)
}

type OpFileStat struct {
	File        *VFile
	Path        *VString
	FollowLinks bool
}

func (OpFileStat) fromTaskOp() {}
func (o OpFileStat) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskFileStat); err != nil {
		return err
	}
	if err := encodeOptionVFile(e, o.File); err != nil {
		return err
	}
	if o.Path == nil {
		if err := e.OptionNone(); err != nil {
			return err
		}
	} else {
		if err := e.OptionSome(); err != nil {
			return err
		}
		if err := o.Path.Encode(e); err != nil {
			return err
		}
	}
	return e.Bool(o.FollowLinks)
}

type OpReadLink struct {
	Path VString
	Buf  VStringBuffer
}

func (OpReadLink) fromTaskOp() {}
func (o OpReadLink) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskReadLink); err != nil {
		return err
	}
	if err := o.Path.Encode(e); err != nil {
		return err
	}
	return o.Buf.Encode(e)
}

type OpProcessKill struct {
	Target VPid
	Sig    Signal
}

func (OpProcessKill) fromTaskOp() {}
func (o OpProcessKill) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskProcessKill); err != nil {
		return err
	}
	if err := o.Target.Encode(e); err != nil {
		return err
	}
	return o.Sig.Encode(e)
}

type OpChangeWorkingDir struct{ Path VString }

func (OpChangeWorkingDir) fromTaskOp() {}
func (o OpChangeWorkingDir) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskChangeWorkingDir); err != nil {
		return err
	}
	return o.Path.Encode(e)
}

type OpGetWorkingDir struct{ Buf VStringBuffer }

func (OpGetWorkingDir) fromTaskOp() {}
func (o OpGetWorkingDir) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskGetWorkingDir); err != nil {
		return err
	}
	return o.Buf.Encode(e)
}

type OpExited struct{ Code int32 }

func (OpExited) fromTaskOp() {}
func (o OpExited) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskExited); err != nil {
		return err
	}
	return e.I32(o.Code)
}

type OpLog struct {
	Level LogLevel
	Msg   LogMessage
}

func (OpLog) fromTaskOp() {}
func (o OpLog) Encode(e *Encoder) error {
	if err := e.Discriminant(fromTaskLog); err != nil {
		return err
	}
	if err := o.Level.Encode(e); err != nil {
		return err
	}
	return o.Msg.Encode(e)
}

func encodeOptionVFile(e *Encoder, f *VFile) error {
	if f == nil {
		return e.OptionNone()
	}
	if err := e.OptionSome(); err != nil {
		return err
	}
	return f.Encode(e)
}

func decodeOptionVFile(d *Decoder) (*VFile, error) {
	present, err := d.OptionTag()
	if err != nil || !present {
		return nil, err
	}
	f, err := DecodeVFile(d)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// DecodeFromTaskOp decodes whichever FromTaskOp variant the discriminant
// selects.
func DecodeFromTaskOp(d *Decoder) (FromTaskOp, error) {
	tag, err := d.Discriminant()
	if err != nil {
		return nil, err
	}
	switch tag {
	case fromTaskOpenProcess:
		pid, err := DecodeSysPid(d)
		if err != nil {
			return nil, err
		}
		return OpOpenProcess{Pid: pid}, nil
	case fromTaskFileAccess:
		dir, err := decodeOptionVFile(d)
		if err != nil {
			return nil, err
		}
		path, err := DecodeVString(d)
		if err != nil {
			return nil, err
		}
		mode, err := d.I32()
		if err != nil {
			return nil, err
		}
		return OpFileAccess{Dir: dir, Path: path, Mode: mode}, nil
	case fromTaskFileOpen:
		dir, err := decodeOptionVFile(d)
		if err != nil {
			return nil, err
		}
		path, err := DecodeVString(d)
		if err != nil {
			return nil, err
		}
		flags, err := d.I32()
		if err != nil {
			return nil, err
		}
		mode, err := d.I32()
		if err != nil {
			return nil, err
		}
		return OpFileOpen{Dir: dir, Path: path, Flags: flags, Mode: mode}, nil
	case fromTaskFileStat:
		file, err := decodeOptionVFile(d)
		if err != nil {
			return nil, err
		}
		present, err := d.OptionTag()
		if err != nil {
			return nil, err
		}
		var path *VString
		if present {
			p, err := DecodeVString(d)
			if err != nil {
				return nil, err
			}
			path = &p
		}
		follow, err := d.Bool()
		if err != nil {
			return nil, err
		}
		return OpFileStat{File: file, Path: path, FollowLinks: follow}, nil
	case fromTaskReadLink:
		path, err := DecodeVString(d)
		if err != nil {
			return nil, err
		}
		buf, err := DecodeVStringBuffer(d)
		if err != nil {
			return nil, err
		}
		return OpReadLink{Path: path, Buf: buf}, nil
	case fromTaskProcessKill:
		target, err := DecodeVPid(d)
		if err != nil {
			return nil, err
		}
		sig, err := DecodeSignal(d)
		if err != nil {
			return nil, err
		}
		return OpProcessKill{Target: target, Sig: sig}, nil
	case fromTaskChangeWorkingDir:
		path, err := DecodeVString(d)
		if err != nil {
			return nil, err
		}
		return OpChangeWorkingDir{Path: path}, nil
	case fromTaskGetWorkingDir:
		buf, err := DecodeVStringBuffer(d)
		if err != nil {
			return nil, err
		}
		return OpGetWorkingDir{Buf: buf}, nil
	case fromTaskExited:
		code, err := d.I32()
		if err != nil {
			return nil, err
		}
		return OpExited{Code: code}, nil
	case fromTaskLog:
		lvl, err := DecodeLogLevel(d)
		if err != nil {
			return nil, err
		}
		msg, err := DecodeLogMessage(d)
		if err != nil {
			return nil, err
		}
		return OpLog{Level: lvl, Msg: msg}, nil
	default:
		return nil, ErrInvalidValue
	}
}

// ---- ToTask (supervisor -> tracer reply) ----

// ToTaskOp is the closed set of replies the supervisor sends back for a
// FromTaskOp request.
type ToTaskOp interface {
	toTaskOp()
	Encode(e *Encoder) error
}

const (
	toTaskOpenProcessReply uint8 = iota
	toTaskFileReply
	toTaskFileStatReply
	toTaskSizeReply
	toTaskReply
)

type ReplyOpenProcess struct{ Handle ProcessHandle }

func (ReplyOpenProcess) toTaskOp() {}
func (r ReplyOpenProcess) Encode(e *Encoder) error {
	if err := e.Discriminant(toTaskOpenProcessReply); err != nil {
		return err
	}
	if err := e.Fd(int(r.Handle.Mem)); err != nil {
		return err
	}
	return e.Fd(int(r.Handle.Maps))
}

// ReplyFile carries the result of FileOpen: on success a VFile
// handle plus the opened SysFd, on failure an Errno.
type ReplyFile struct {
	Ok   bool
	File VFile
	Fd   SysFd
	Err  Errno
}

func (ReplyFile) toTaskOp() {}
func (r ReplyFile) Encode(e *Encoder) error {
	if err := e.Discriminant(toTaskFileReply); err != nil {
		return err
	}
	if r.Ok {
		if err := e.Bool(true); err != nil {
			return err
		}
		if err := r.File.Encode(e); err != nil {
			return err
		}
		return e.Fd(int(r.Fd))
	}
	if err := e.Bool(false); err != nil {
		return err
	}
	return r.Err.Encode(e)
}

// ReplyFileStat carries the result of FileStat.
type ReplyFileStat struct {
	Ok   bool
	File VFile
	Stat FileStat
	Err  Errno
}

func (ReplyFileStat) toTaskOp() {}
func (r ReplyFileStat) Encode(e *Encoder) error {
	if err := e.Discriminant(toTaskFileStatReply); err != nil {
		return err
	}
	if r.Ok {
		if err := e.Bool(true); err != nil {
			return err
		}
		if err := r.File.Encode(e); err != nil {
			return err
		}
		return r.Stat.Encode(e)
	}
	if err := e.Bool(false); err != nil {
		return err
	}
	return r.Err.Encode(e)
}

// ReplySize carries a usize result, used by GetWorkingDir/ReadLink.
type ReplySize struct {
	Ok   bool
	Size uint64
	Err  Errno
}

func (ReplySize) toTaskOp() {}
func (r ReplySize) Encode(e *Encoder) error {
	if err := e.Discriminant(toTaskSizeReply); err != nil {
		return err
	}
	if r.Ok {
		if err := e.Bool(true); err != nil {
			return err
		}
		return e.Usize(r.Size)
	}
	if err := e.Bool(false); err != nil {
		return err
	}
	return r.Err.Encode(e)
}

// Reply carries a unit result, used by FileAccess-as-access-check,
// ChangeWorkingDir, and ProcessKill.
type Reply struct {
	Ok  bool
	Err Errno
}

func (Reply) toTaskOp() {}
func (r Reply) Encode(e *Encoder) error {
	if err := e.Discriminant(toTaskReply); err != nil {
		return err
	}
	if r.Ok {
		return e.Bool(true)
	}
	if err := e.Bool(false); err != nil {
		return err
	}
	return r.Err.Encode(e)
}

func decodeResultTag(d *Decoder) (bool, error) { return d.Bool() }

// DecodeToTaskOp decodes whichever ToTaskOp variant the discriminant
// selects. Any fds it carries are taken from the decoder's fd queue.
func DecodeToTaskOp(d *Decoder) (ToTaskOp, error) {
	tag, err := d.Discriminant()
	if err != nil {
		return nil, err
	}
	switch tag {
	case toTaskOpenProcessReply:
		mem, err := d.Fd()
		if err != nil {
			return nil, err
		}
		maps, err := d.Fd()
		if err != nil {
			return nil, err
		}
		return ReplyOpenProcess{Handle: ProcessHandle{Mem: SysFd(mem), Maps: SysFd(maps)}}, nil
	case toTaskFileReply:
		ok, err := decodeResultTag(d)
		if err != nil {
			return nil, err
		}
		if ok {
			f, err := DecodeVFile(d)
			if err != nil {
				return nil, err
			}
			fd, err := d.Fd()
			if err != nil {
				return nil, err
			}
			return ReplyFile{Ok: true, File: f, Fd: SysFd(fd)}, nil
		}
		errno, err := DecodeErrno(d)
		if err != nil {
			return nil, err
		}
		return ReplyFile{Ok: false, Err: errno}, nil
	case toTaskFileStatReply:
		ok, err := decodeResultTag(d)
		if err != nil {
			return nil, err
		}
		if ok {
			f, err := DecodeVFile(d)
			if err != nil {
				return nil, err
			}
			st, err := DecodeFileStat(d)
			if err != nil {
				return nil, err
			}
			return ReplyFileStat{Ok: true, File: f, Stat: st}, nil
		}
		errno, err := DecodeErrno(d)
		if err != nil {
			return nil, err
		}
		return ReplyFileStat{Ok: false, Err: errno}, nil
	case toTaskSizeReply:
		ok, err := decodeResultTag(d)
		if err != nil {
			return nil, err
		}
		if ok {
			n, err := d.Usize()
			if err != nil {
				return nil, err
			}
			return ReplySize{Ok: true, Size: n}, nil
		}
		errno, err := DecodeErrno(d)
		if err != nil {
			return nil, err
		}
		return ReplySize{Ok: false, Err: errno}, nil
	case toTaskReply:
		ok, err := decodeResultTag(d)
		if err != nil {
			return nil, err
		}
		if ok {
			return Reply{Ok: true}, nil
		}
		errno, err := DecodeErrno(d)
		if err != nil {
			return nil, err
		}
		return Reply{Ok: false, Err: errno}, nil
	default:
		return nil, ErrInvalidValue
	}
}

// ---- Top-level message envelopes ----

// FromSand is every message the tracer sends the supervisor: always a
// Task-scoped request.
type FromSand struct {
	Task VPid
	Op   FromTaskOp
}

func (m FromSand) Encode(e *Encoder) error {
	if err := m.Task.Encode(e); err != nil {
		return err
	}
	return m.Op.Encode(e)
}

func DecodeFromSand(d *Decoder) (FromSand, error) {
	task, err := DecodeVPid(d)
	if err != nil {
		return FromSand{}, err
	}
	op, err := DecodeFromTaskOp(d)
	if err != nil {
		return FromSand{}, err
	}
	return FromSand{Task: task, Op: op}, nil
}

const (
	toSandTask uint8 = iota
	toSandInit
)

// ToSand is every message the supervisor sends the tracer: either a
// Task-scoped reply, or the one-time Init bootstrap message.
type ToSand interface {
	toSand()
	Encode(e *Encoder) error
}

type ToSandTask struct {
	Task VPid
	Op   ToTaskOp
}

func (ToSandTask) toSand() {}
func (m ToSandTask) Encode(e *Encoder) error {
	if err := e.Discriminant(toSandTask); err != nil {
		return err
	}
	if err := m.Task.Encode(e); err != nil {
		return err
	}
	return m.Op.Encode(e)
}

// ToSandInit bootstraps the tracer once: args is a memfd, written and
// rewound to offset 0 by the supervisor, holding the InitArgsHeader
// record (§4.2). It is not a unix stream.
type ToSandInit struct {
	Args     SysFd
	Settings TracerSettings
}

func (ToSandInit) toSand() {}
func (m ToSandInit) Encode(e *Encoder) error {
	if err := e.Discriminant(toSandInit); err != nil {
		return err
	}
	if err := e.Fd(int(m.Args)); err != nil {
		return err
	}
	return m.Settings.Encode(e)
}

func DecodeToSand(d *Decoder) (ToSand, error) {
	tag, err := d.Discriminant()
	if err != nil {
		return nil, err
	}
	switch tag {
	case toSandTask:
		task, err := DecodeVPid(d)
		if err != nil {
			return nil, err
		}
		op, err := DecodeToTaskOp(d)
		if err != nil {
			return nil, err
		}
		return ToSandTask{Task: task, Op: op}, nil
	case toSandInit:
		fd, err := d.Fd()
		if err != nil {
			return nil, err
		}
		settings, err := DecodeTracerSettings(d)
		if err != nil {
			return nil, err
		}
		return ToSandInit{Args: SysFd(fd), Settings: settings}, nil
	default:
		return nil, ErrInvalidValue
	}
}
