/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package loader

import (
	"crypto/rand"
	"debug/elf"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/sandpit/sandrun/pkg/tracer/emulator"
)

const pageSize = 4096

// elfHeaderSize is sizeof(Elf64_Ehdr); used as a fallback PT_PHDR
// address for stripped static binaries that omit the segment (every
// image produced by a standard linker places phdrs right after it).
const elfHeaderSize = 64

// pieBase/interpBase approximate where the real kernel's ELF loader
// places a PIE executable and its dynamic linker, respectively, on
// linux/amd64 (glibc's customary mmap_min_addr-adjacent layout).
const (
	pieBase       = 0x555555550000
	interpBase    = 0x7f0000000000
	maxBaseJitter = 256
)

// image describes one loaded ELF object: its own load bias, entry
// point, and the auxv facts the kernel would normally derive for it.
type image struct {
	entry     uint64
	phdrAddr  uint64
	phEntSize int
	phNum     int
	base      uint64
	interp    string
}

// loadELFExecutable implements the non-script half of Loader.exec: it
// tears down the task's current address space, loads the target image
// (and its PT_INTERP dynamic linker, if any), and lands the task at
// the resulting entry point with a freshly built stack.
func loadELFExecutable(e *emulator.Emulator, f *os.File, path string, argv, envp []string) error {
	if err := e.Tramp.UnmapAllUserspace(int(e.SysPid)); err != nil {
		return errors.Wrap(err, "loader: unmap previous image")
	}
	e.ResetBrk()

	main, err := loadOneELF(e, f, pieBase)
	if err != nil {
		return errors.Wrapf(err, "loader: %s", path)
	}

	entry := main.entry
	if main.interp != "" {
		interpFile, _, err := e.OpenFileForLoader(main.interp)
		if err != nil {
			return errors.Wrapf(err, "loader: open interpreter %s", main.interp)
		}
		defer interpFile.Close()

		interp, err := loadOneELF(e, interpFile, interpBase)
		if err != nil {
			return errors.Wrapf(err, "loader: interpreter %s", main.interp)
		}
		// The kernel jumps into the interpreter, not the main image;
		// AT_BASE reflects the interpreter's load address so ld.so can
		// find itself, while AT_PHDR/AT_ENTRY still describe the main
		// executable so ld.so can parse and eventually jump to it.
		entry = interp.entry
		main.base = interp.base
	}

	return finishExec(e, path, argv, envp, main, entry)
}

// loadOneELF parses f as an ELF64 x86-64 image, maps every PT_LOAD
// segment via the trampoline, and reports the facts needed to either
// land on it directly or describe it to a dynamic linker via auxv.
// preferredBase only applies to ET_DYN images (ET_EXEC already carries
// its own absolute addresses).
func loadOneELF(e *emulator.Emulator, f *os.File, preferredBase uint64) (*image, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, errors.Wrap(err, "not an ELF64 image")
	}
	defer ef.Close()
	if ef.Class != elf.ELFCLASS64 || ef.Machine != elf.EM_X86_64 {
		return nil, errors.New("only ELF64 x86-64 images are supported")
	}

	var bias uint64
	switch ef.Type {
	case elf.ET_EXEC:
		bias = 0
	case elf.ET_DYN:
		jitter, err := randomJitter()
		if err != nil {
			return nil, err
		}
		bias = preferredBase + jitter
	default:
		return nil, errors.Errorf("unsupported ELF type %s", ef.Type)
	}

	img := &image{entry: bias + ef.Entry, base: bias, phEntSize: 56, phNum: len(ef.Progs)}

	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if err := mapLoadSegment(e, f, prog, bias); err != nil {
				return nil, err
			}
		case elf.PT_INTERP:
			buf := make([]byte, prog.Filesz)
			if _, err := f.ReadAt(buf, int64(prog.Off)); err != nil {
				return nil, errors.Wrap(err, "read PT_INTERP")
			}
			img.interp = strings.TrimRight(string(buf), "\x00")
		case elf.PT_PHDR:
			img.phdrAddr = bias + prog.Vaddr
		}
	}
	if img.phdrAddr == 0 {
		img.phdrAddr = bias + elfHeaderSize
	}
	return img, nil
}

func randomJitter() (uint64, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "generate load bias jitter")
	}
	slot := uint64(b[0]) % maxBaseJitter
	return slot * pageSize, nil
}

// mapLoadSegment reserves prog's page-aligned address range via an
// anonymous fixed mapping and writes its file-backed bytes into it
// directly, rather than mmapping the file itself: fresh anonymous
// pages are already zero-filled, so this gives bss zeroing for free
// without a separate backing memfd for the tail of the segment.
func mapLoadSegment(e *emulator.Emulator, f *os.File, prog *elf.Prog, bias uint64) error {
	segStart := bias + prog.Vaddr
	pageStart := segStart &^ uint64(pageSize-1)
	segEnd := segStart + prog.Memsz
	pageEnd := (segEnd + uint64(pageSize-1)) &^ uint64(pageSize-1)
	if pageEnd <= pageStart {
		return nil
	}
	if _, err := e.Tramp.MmapFixedAnonymous(pageStart, pageEnd-pageStart); err != nil {
		return errors.Wrapf(err, "map segment at 0x%x", pageStart)
	}
	if prog.Filesz == 0 {
		return nil
	}
	buf := make([]byte, prog.Filesz)
	if _, err := f.ReadAt(buf, int64(prog.Off)); err != nil {
		return errors.Wrap(err, "read segment contents")
	}
	if err := e.Mem.WriteArbitrary(segStart, buf); err != nil {
		return errors.Wrap(err, "write segment contents")
	}
	return nil
}
