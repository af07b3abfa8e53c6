// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfx implements the read-only ELF inspection needed for USDT
// tracing: iterating .note.stapsdt probe notes, scanning symbol and dynamic
// symbol tables, and querying load address and file type. It builds on
// debug/elf for the file structure but parses note and symbol section
// contents itself, as the standard library neither exposes stapsdt notes nor
// preserves the section-order/first-match semantics the symbol search needs.
//
// The inspector holds no state across calls: every operation opens the file,
// extracts what it needs and releases all resources before returning.
package elfx // import "github.com/usdtkit/usdtkit/elfx"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/usdtkit/usdtkit/libut"
)

const (
	// NT_STAPSDT is the note type of SystemTap SDT probe descriptors.
	NT_STAPSDT = 3

	// sdtNoteSectionName is the section the toolchain emits probe notes into.
	sdtNoteSectionName = ".note.stapsdt"

	// maxBytesNoteSection bounds the size of a parsed note section.
	maxBytesNoteSection = 4 * 1024 * 1024

	// maxBytesSymbolSection bounds symbol and string table loads (libxul
	// has about 4MB .dynstr).
	maxBytesSymbolSection = 16 * 1024 * 1024
)

// ErrSymbolNotFound is returned when the requested symbol was not found.
var ErrSymbolNotFound = errors.New("symbol not found")

// ErrNoLoadSegment is returned when an ELF has no loadable program header.
var ErrNoLoadSegment = errors.New("no loadable segment")

// USDTNote is one parsed stapsdt note descriptor.
type USDTNote struct {
	// PC is the address of the probe site.
	PC libut.Address
	// BaseAddr is the link-time address of the .stapsdt.base section,
	// recorded so prelink adjustments can be detected.
	BaseAddr libut.Address
	// Semaphore is the address of the 2-byte activation counter, or zero
	// if the probe has none.
	Semaphore libut.Address

	Provider string
	Name     string
	ArgFmt   string
}

// USDTVisitor is called for each well-formed stapsdt note.
type USDTVisitor func(path string, note *USDTNote)

// SymVisitor is called for each symbol table entry during ForEachSymbol.
type SymVisitor func(name string, value libut.Address, size uint64, info byte)

// wordSize returns the size of an address field for the ELF class.
func wordSize(class elf.Class) int {
	if class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// parseUSDTNote decodes a stapsdt note descriptor. The fixed header is three
// address-sized words followed by the provider, name and argument format
// strings. A descriptor whose strings do not consume exactly the remaining
// bytes is rejected.
func parseUSDTNote(desc []byte, class elf.Class, bo binary.ByteOrder) (*USDTNote, bool) {
	addrSize := wordSize(class)
	if len(desc) < 3*addrSize {
		return nil, false
	}

	note := &USDTNote{}
	if class == elf.ELFCLASS32 {
		note.PC = libut.Address(bo.Uint32(desc[0:]))
		note.BaseAddr = libut.Address(bo.Uint32(desc[4:]))
		note.Semaphore = libut.Address(bo.Uint32(desc[8:]))
	} else {
		note.PC = libut.Address(bo.Uint64(desc[0:]))
		note.BaseAddr = libut.Address(bo.Uint64(desc[8:]))
		note.Semaphore = libut.Address(bo.Uint64(desc[16:]))
	}

	rest := desc[3*addrSize:]
	for _, field := range []*string{&note.Provider, &note.Name, &note.ArgFmt} {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return nil, false
		}
		*field = string(rest[:end])
		rest = rest[end+1:]
	}
	if len(rest) != 0 {
		// Trailing garbage after the three strings: not a descriptor
		// we understand.
		return nil, false
	}
	return note, true
}

// forEachNote walks the note entries in raw section data. Notes that are not
// valid stapsdt descriptors are skipped.
func forEachNote(data []byte, class elf.Class, bo binary.ByteOrder,
	path string, visit USDTVisitor) {
	align4 := func(n uint32) int { return int((uint64(n) + 3) &^ 3) }

	for len(data) >= 12 {
		namesz := bo.Uint32(data[0:4])
		descsz := bo.Uint32(data[4:8])
		noteType := bo.Uint32(data[8:12])
		data = data[12:]

		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if descEnd > len(data) || descEnd < nameEnd {
			return
		}
		name := data[:min(int(namesz), nameEnd)]
		desc := data[nameEnd : nameEnd+int(descsz)]
		data = data[descEnd:]

		if noteType != NT_STAPSDT || namesz != 8 ||
			!bytes.Equal(name, []byte("stapsdt\x00")) {
			continue
		}

		note, ok := parseUSDTNote(desc, class, bo)
		if !ok {
			log.Debugf("Skipping malformed stapsdt note in %s", path)
			continue
		}
		visit(path, note)
	}
}

// ForEachUSDT opens the ELF at path and invokes visit for every well-formed
// USDT probe note in its .note.stapsdt sections.
func ForEachUSDT(path string, visit USDTVisitor) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE || sec.Name != sdtNoteSectionName {
			continue
		}
		if sec.Size > maxBytesNoteSection {
			return fmt.Errorf("note section too large (%d bytes)", sec.Size)
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", sec.Name, err)
		}
		forEachNote(data, f.Class, f.ByteOrder, path, visit)
	}
	return nil
}

// symtabEntrySize returns the on-disk symbol entry size for the ELF class.
func symtabEntrySize(class elf.Class) uint64 {
	if class == elf.ELFCLASS32 {
		return elf.Sym32Size
	}
	return elf.Sym64Size
}

// getString extracts a null terminated string from an ELF string table.
func getString(strtab []byte, start int) (string, bool) {
	if start < 0 || start >= len(strtab) {
		return "", false
	}
	slen := bytes.IndexByte(strtab[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(strtab[start : start+slen]), true
}

// symbolSection holds one loaded symbol table with its string table.
type symbolSection struct {
	syms   []byte
	strtab []byte
	class  elf.Class
	bo     binary.ByteOrder
}

// visit decodes the table entry by entry. The callback returns false to stop
// the walk early.
func (ss *symbolSection) visit(cb func(name string, value libut.Address,
	size uint64, info byte) bool) {
	entSize := symtabEntrySize(ss.class)
	for off := uint64(0); off+entSize <= uint64(len(ss.syms)); off += entSize {
		ent := ss.syms[off : off+entSize]

		var nameIdx uint32
		var value, size uint64
		var info byte
		if ss.class == elf.ELFCLASS32 {
			nameIdx = ss.bo.Uint32(ent[0:])
			value = uint64(ss.bo.Uint32(ent[4:]))
			size = uint64(ss.bo.Uint32(ent[8:]))
			info = ent[12]
		} else {
			nameIdx = ss.bo.Uint32(ent[0:])
			info = ent[4]
			value = ss.bo.Uint64(ent[8:])
			size = ss.bo.Uint64(ent[16:])
		}

		name, ok := getString(ss.strtab, int(nameIdx))
		if !ok || name == "" {
			continue
		}
		if !cb(name, libut.Address(value), size, info) {
			return
		}
	}
}

// loadSymbolSection reads one SHT_SYMTAB/SHT_DYNSYM section and its linked
// string table. The section entry size must divide the section size.
func loadSymbolSection(f *elf.File, sec *elf.Section) (*symbolSection, error) {
	entSize := symtabEntrySize(f.Class)
	if sec.Entsize != 0 && sec.Entsize != entSize {
		return nil, fmt.Errorf("%s: unexpected entry size %d", sec.Name, sec.Entsize)
	}
	if sec.Size%entSize != 0 {
		return nil, fmt.Errorf("%s: size %d not a multiple of entry size %d",
			sec.Name, sec.Size, entSize)
	}
	if sec.Size > maxBytesSymbolSection {
		return nil, fmt.Errorf("%s: section too large (%d bytes)", sec.Name, sec.Size)
	}
	if sec.Link >= uint32(len(f.Sections)) {
		return nil, fmt.Errorf("%s: string table link %d out of range", sec.Name, sec.Link)
	}

	strSec := f.Sections[sec.Link]
	if strSec.Size > maxBytesSymbolSection {
		return nil, fmt.Errorf("%s: string table too large (%d bytes)",
			strSec.Name, strSec.Size)
	}

	syms, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sec.Name, err)
	}
	strtab, err := strSec.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", strSec.Name, err)
	}

	return &symbolSection{syms: syms, strtab: strtab, class: f.Class,
		bo: f.ByteOrder}, nil
}

// forEachSymbolSection walks the symbol and dynamic-symbol sections in
// section-header order.
func forEachSymbolSection(f *elf.File, cb func(*symbolSection) bool) error {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_SYMTAB && sec.Type != elf.SHT_DYNSYM {
			continue
		}
		ss, err := loadSymbolSection(f, sec)
		if err != nil {
			return err
		}
		if !cb(ss) {
			return nil
		}
	}
	return nil
}

// FindSymbol scans the symbol and dynamic-symbol tables of the ELF at path
// for the first entry whose name matches exactly and whose binding and type
// match the given filters (an absent filter accepts anything). Matches are
// found in section order, then entry order. Returns the symbol st_value, or
// ErrSymbolNotFound.
func FindSymbol(path, name string, binding libut.Optional[elf.SymBind],
	symType libut.Optional[elf.SymType]) (libut.Address, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var addr libut.Address
	found := false
	err = forEachSymbolSection(f, func(ss *symbolSection) bool {
		ss.visit(func(symName string, value libut.Address, _ uint64, info byte) bool {
			if symName != name {
				return true
			}
			if want, ok := binding.Get(); ok && elf.ST_BIND(info) != want {
				return true
			}
			if want, ok := symType.Get(); ok && elf.ST_TYPE(info) != want {
				return true
			}
			addr = value
			found = true
			return false
		})
		return !found
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrSymbolNotFound
	}
	return addr, nil
}

// ForEachSymbol invokes visit for every named entry in the ELF's symbol and
// dynamic-symbol tables, passing the raw st_value, st_size and st_info.
func ForEachSymbol(path string, visit SymVisitor) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return forEachSymbolSection(f, func(ss *symbolSection) bool {
		ss.visit(func(name string, value libut.Address, size uint64, info byte) bool {
			visit(name, value, size, info)
			return true
		})
		return true
	})
}

// LoadAddress returns the p_vaddr of the first loadable program header of the
// ELF at path.
func LoadAddress(path string) (libut.Address, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			return libut.Address(prog.Vaddr), nil
		}
	}
	return 0, ErrNoLoadSegment
}

// IsSharedObject reports whether the ELF at path is a dynamic shared object.
func IsSharedObject(path string) (bool, error) {
	f, err := elf.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	return f.Type == elf.ET_DYN, nil
}
