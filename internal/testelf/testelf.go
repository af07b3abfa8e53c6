// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package testelf builds small synthetic ELF files for the test suites:
// just enough structure for the inspectors to find program headers, symbol
// tables and stapsdt note sections.
package testelf // import "github.com/usdtkit/usdtkit/internal/testelf"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const (
	ehSize    = 64
	phEntSize = 56
	shEntSize = 64
	dataAlign = 8
)

// Section describes one section to place in the file. Symbol table sections
// are automatically linked to the section that follows them (their string
// table, by convention).
type Section struct {
	Name    string
	Type    elf.SectionType
	Data    []byte
	Entsize uint64
	Addr    uint64
}

// Prog describes one program header.
type Prog struct {
	Type  elf.ProgType
	Vaddr uint64
}

// File describes the synthetic ELF to build.
type File struct {
	Type     elf.Type
	Sections []Section
	Progs    []Prog
}

// Sym describes one symbol table entry.
type Sym struct {
	Name  string
	Bind  elf.SymBind
	Type  elf.SymType
	Value uint64
	Size  uint64
}

// Note encodes one stapsdt note entry in the 64-bit layout.
func Note(pc, base, semaphore uint64, provider, name, argFmt string) []byte {
	desc := &bytes.Buffer{}
	binary.Write(desc, binary.LittleEndian, pc)
	binary.Write(desc, binary.LittleEndian, base)
	binary.Write(desc, binary.LittleEndian, semaphore)
	for _, s := range []string{provider, name, argFmt} {
		desc.WriteString(s)
		desc.WriteByte(0)
	}
	return RawNote(3, "stapsdt", desc.Bytes())
}

// RawNote encodes one note entry with the given type, owner and descriptor.
func RawNote(noteType uint32, owner string, desc []byte) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, uint32(len(owner)+1))
	binary.Write(buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(buf, binary.LittleEndian, noteType)
	buf.WriteString(owner)
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(desc)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Symtab encodes a symbol table and its string table as two sections. Place
// them adjacently; Write links a symbol table to its successor.
func Symtab(name string, typ elf.SectionType, syms []Sym) (symtab, strtab Section) {
	strs := &bytes.Buffer{}
	strs.WriteByte(0)

	table := &bytes.Buffer{}
	// Leading undefined symbol, as emitted by real toolchains.
	table.Write(make([]byte, elf.Sym64Size))

	for _, sym := range syms {
		nameOff := uint32(strs.Len())
		strs.WriteString(sym.Name)
		strs.WriteByte(0)

		binary.Write(table, binary.LittleEndian, nameOff)
		table.WriteByte(byte(sym.Bind)<<4 | byte(sym.Type)&0xf)
		table.WriteByte(0)                                  // st_other
		binary.Write(table, binary.LittleEndian, uint16(1)) // st_shndx
		binary.Write(table, binary.LittleEndian, sym.Value)
		binary.Write(table, binary.LittleEndian, sym.Size)
	}

	strtabName := ".strtab"
	if typ == elf.SHT_DYNSYM {
		strtabName = ".dynstr"
	}
	return Section{Name: name, Type: typ, Data: table.Bytes(),
			Entsize: elf.Sym64Size},
		Section{Name: strtabName, Type: elf.SHT_STRTAB, Data: strs.Bytes()}
}

// Write lays the file out on disk and returns its path. The file is made
// executable so path resolution treats it like a real binary.
func (f *File) Write(t *testing.T, name string) string {
	t.Helper()

	// Section data region follows the program headers.
	dataOff := uint64(ehSize + phEntSize*len(f.Progs))
	var blob bytes.Buffer

	// Section name string table is appended as the last section.
	shstrtab := &bytes.Buffer{}
	shstrtab.WriteByte(0)
	sections := append([]Section{}, f.Sections...)
	sections = append(sections, Section{Name: ".shstrtab", Type: elf.SHT_STRTAB})

	type placed struct {
		nameOff uint32
		off     uint64
		size    uint64
	}
	place := make([]placed, len(sections))
	for i := range sections {
		place[i].nameOff = uint32(shstrtab.Len())
		shstrtab.WriteString(sections[i].Name)
		shstrtab.WriteByte(0)
	}
	sections[len(sections)-1].Data = shstrtab.Bytes()

	for i := range sections {
		for (dataOff+uint64(blob.Len()))%dataAlign != 0 {
			blob.WriteByte(0)
		}
		place[i].off = dataOff + uint64(blob.Len())
		place[i].size = uint64(len(sections[i].Data))
		blob.Write(sections[i].Data)
	}
	shOff := dataOff + uint64(blob.Len())

	out := &bytes.Buffer{}

	// ELF header
	ident := [16]byte{0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	out.Write(ident[:])
	binary.Write(out, binary.LittleEndian, uint16(f.Type))
	binary.Write(out, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(out, binary.LittleEndian, uint32(elf.EV_CURRENT))
	binary.Write(out, binary.LittleEndian, uint64(0)) // entry
	phOff := uint64(0)
	if len(f.Progs) > 0 {
		phOff = ehSize
	}
	binary.Write(out, binary.LittleEndian, phOff)
	binary.Write(out, binary.LittleEndian, shOff)
	binary.Write(out, binary.LittleEndian, uint32(0)) // flags
	binary.Write(out, binary.LittleEndian, uint16(ehSize))
	binary.Write(out, binary.LittleEndian, uint16(phEntSize))
	binary.Write(out, binary.LittleEndian, uint16(len(f.Progs)))
	binary.Write(out, binary.LittleEndian, uint16(shEntSize))
	binary.Write(out, binary.LittleEndian, uint16(len(sections)+1))
	binary.Write(out, binary.LittleEndian, uint16(len(sections))) // shstrndx

	// Program headers
	for _, prog := range f.Progs {
		binary.Write(out, binary.LittleEndian, uint32(prog.Type))
		binary.Write(out, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
		binary.Write(out, binary.LittleEndian, uint64(0)) // offset
		binary.Write(out, binary.LittleEndian, prog.Vaddr)
		binary.Write(out, binary.LittleEndian, prog.Vaddr) // paddr
		binary.Write(out, binary.LittleEndian, uint64(0))  // filesz
		binary.Write(out, binary.LittleEndian, uint64(0))  // memsz
		binary.Write(out, binary.LittleEndian, uint64(dataAlign))
	}

	// Section data
	out.Write(blob.Bytes())

	// Section headers: leading null entry, then the declared sections.
	out.Write(make([]byte, shEntSize))
	for i := range sections {
		sec := &sections[i]
		link := uint32(0)
		if sec.Type == elf.SHT_SYMTAB || sec.Type == elf.SHT_DYNSYM {
			link = uint32(i + 2) // the string table that follows, 1-based
		}
		binary.Write(out, binary.LittleEndian, place[i].nameOff)
		binary.Write(out, binary.LittleEndian, uint32(sec.Type))
		binary.Write(out, binary.LittleEndian, uint64(0)) // flags
		binary.Write(out, binary.LittleEndian, sec.Addr)
		binary.Write(out, binary.LittleEndian, place[i].off)
		binary.Write(out, binary.LittleEndian, place[i].size)
		binary.Write(out, binary.LittleEndian, link)
		binary.Write(out, binary.LittleEndian, uint32(0)) // info
		binary.Write(out, binary.LittleEndian, uint64(1)) // addralign
		binary.Write(out, binary.LittleEndian, sec.Entsize)
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, out.Bytes(), 0o755); err != nil {
		t.Fatalf("failed to write test ELF: %v", err)
	}
	return path
}
