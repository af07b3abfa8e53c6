// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package elfx

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usdtkit/usdtkit/internal/testelf"
	"github.com/usdtkit/usdtkit/libut"
)

func noFilter[T any]() libut.Optional[T] {
	return libut.None[T]()
}

func TestForEachUSDT(t *testing.T) {
	noteData := bytes.Join([][]byte{
		testelf.Note(0x1234, 0x1000, 0x2000, "myapp", "req_start",
			"-4@%eax 8@(%rdi)"),
		// Wrong note type: skipped.
		testelf.RawNote(1, "stapsdt", []byte{1, 2, 3, 4}),
		// Wrong owner: skipped.
		testelf.RawNote(3, "GNU", make([]byte, 24)),
		// Descriptor with trailing garbage after the strings: skipped.
		testelf.RawNote(3, "stapsdt", append(append(
			make([]byte, 24), "p\x00n\x00\x00"...), 0xff, 0xff, 0xff)),
		testelf.Note(0x5678, 0x1000, 0, "myapp", "req_end", ""),
	}, nil)

	file := &testelf.File{
		Type: elf.ET_DYN,
		Sections: []testelf.Section{
			{Name: ".note.stapsdt", Type: elf.SHT_NOTE, Data: noteData},
		},
		Progs: []testelf.Prog{{Type: elf.PT_LOAD, Vaddr: 0x1000}},
	}
	path := file.Write(t, "libmyapp.so")

	var notes []USDTNote
	err := ForEachUSDT(path, func(notePath string, note *USDTNote) {
		assert.Equal(t, path, notePath)
		notes = append(notes, *note)
	})
	require.NoError(t, err)

	require.Len(t, notes, 2)
	assert.Equal(t, USDTNote{
		PC:        0x1234,
		BaseAddr:  0x1000,
		Semaphore: 0x2000,
		Provider:  "myapp",
		Name:      "req_start",
		ArgFmt:    "-4@%eax 8@(%rdi)",
	}, notes[0])
	assert.Equal(t, "req_end", notes[1].Name)
	assert.Equal(t, libut.Address(0), notes[1].Semaphore)
}

func TestForEachUSDTNoNotes(t *testing.T) {
	file := &testelf.File{
		Type:  elf.ET_EXEC,
		Progs: []testelf.Prog{{Type: elf.PT_LOAD, Vaddr: 0x400000}},
	}
	path := file.Write(t, "plain")

	count := 0
	err := ForEachUSDT(path, func(string, *USDTNote) { count++ })
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFindSymbol(t *testing.T) {
	symtab, strtab := testelf.Symtab(".symtab", elf.SHT_SYMTAB, []testelf.Sym{
		{Name: "local_dup", Bind: elf.STB_LOCAL, Type: elf.STT_OBJECT, Value: 0x100},
		{Name: "local_dup", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: 0x200},
		{Name: "a_function", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: 0x400},
	})
	file := &testelf.File{
		Type:     elf.ET_EXEC,
		Sections: []testelf.Section{symtab, strtab},
		Progs:    []testelf.Prog{{Type: elf.PT_LOAD, Vaddr: 0x400000}},
	}
	path := file.Write(t, "symbols")

	t.Run("first match wins", func(t *testing.T) {
		addr, err := FindSymbol(path, "local_dup",
			noFilter[elf.SymBind](), noFilter[elf.SymType]())
		require.NoError(t, err)
		assert.Equal(t, libut.Address(0x100), addr)
	})

	t.Run("binding filter", func(t *testing.T) {
		addr, err := FindSymbol(path, "local_dup",
			libut.Some(elf.STB_GLOBAL), noFilter[elf.SymType]())
		require.NoError(t, err)
		assert.Equal(t, libut.Address(0x200), addr)
	})

	t.Run("type filter", func(t *testing.T) {
		addr, err := FindSymbol(path, "local_dup",
			noFilter[elf.SymBind](), libut.Some(elf.STT_FUNC))
		require.NoError(t, err)
		assert.Equal(t, libut.Address(0x200), addr)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := FindSymbol(path, "no_such_symbol",
			noFilter[elf.SymBind](), noFilter[elf.SymType]())
		assert.ErrorIs(t, err, ErrSymbolNotFound)
	})

	t.Run("filter excludes all candidates", func(t *testing.T) {
		_, err := FindSymbol(path, "a_function",
			libut.Some(elf.STB_WEAK), noFilter[elf.SymType]())
		assert.ErrorIs(t, err, ErrSymbolNotFound)
	})
}

func TestFindSymbolBadEntrySize(t *testing.T) {
	symtab, strtab := testelf.Symtab(".symtab", elf.SHT_SYMTAB, []testelf.Sym{
		{Name: "sym", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC, Value: 0x100},
	})
	// Truncate the table so the entry size no longer divides the section.
	symtab.Data = symtab.Data[:len(symtab.Data)-1]

	file := &testelf.File{
		Type:     elf.ET_EXEC,
		Sections: []testelf.Section{symtab, strtab},
		Progs:    []testelf.Prog{{Type: elf.PT_LOAD, Vaddr: 0x400000}},
	}
	path := file.Write(t, "badsym")

	_, err := FindSymbol(path, "sym", noFilter[elf.SymBind](), noFilter[elf.SymType]())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSymbolNotFound)
}

func TestForEachSymbol(t *testing.T) {
	symtab, strtab := testelf.Symtab(".dynsym", elf.SHT_DYNSYM, []testelf.Sym{
		{Name: "read_request", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC,
			Value: 0x100, Size: 0x40},
		{Name: "write_reply", Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC,
			Value: 0x140, Size: 0x20},
	})
	file := &testelf.File{
		Type:     elf.ET_DYN,
		Sections: []testelf.Section{symtab, strtab},
		Progs:    []testelf.Prog{{Type: elf.PT_LOAD, Vaddr: 0}},
	}
	path := file.Write(t, "libdyn.so")

	type visited struct {
		name  string
		value libut.Address
		size  uint64
	}
	var seen []visited
	err := ForEachSymbol(path, func(name string, value libut.Address,
		size uint64, _ byte) {
		seen = append(seen, visited{name, value, size})
	})
	require.NoError(t, err)
	assert.Equal(t, []visited{
		{"read_request", 0x100, 0x40},
		{"write_reply", 0x140, 0x20},
	}, seen)
}

func TestLoadAddress(t *testing.T) {
	t.Run("first load segment", func(t *testing.T) {
		file := &testelf.File{
			Type: elf.ET_EXEC,
			Progs: []testelf.Prog{
				{Type: elf.PT_NOTE, Vaddr: 0x200},
				{Type: elf.PT_LOAD, Vaddr: 0x400000},
				{Type: elf.PT_LOAD, Vaddr: 0x600000},
			},
		}
		addr, err := LoadAddress(file.Write(t, "exe"))
		require.NoError(t, err)
		assert.Equal(t, libut.Address(0x400000), addr)
	})

	t.Run("no load segment", func(t *testing.T) {
		file := &testelf.File{
			Type:  elf.ET_EXEC,
			Progs: []testelf.Prog{{Type: elf.PT_NOTE, Vaddr: 0x200}},
		}
		_, err := LoadAddress(file.Write(t, "noload"))
		assert.ErrorIs(t, err, ErrNoLoadSegment)
	})
}

func TestIsSharedObject(t *testing.T) {
	so := &testelf.File{Type: elf.ET_DYN,
		Progs: []testelf.Prog{{Type: elf.PT_LOAD}}}
	exe := &testelf.File{Type: elf.ET_EXEC,
		Progs: []testelf.Prog{{Type: elf.PT_LOAD, Vaddr: 0x400000}}}

	isSO, err := IsSharedObject(so.Write(t, "lib.so"))
	require.NoError(t, err)
	assert.True(t, isSO)

	isSO, err = IsSharedObject(exe.Write(t, "exe"))
	require.NoError(t, err)
	assert.False(t, isSO)
}

func TestOpenFailure(t *testing.T) {
	err := ForEachUSDT("/nonexistent/binary", func(string, *USDTNote) {})
	assert.Error(t, err)
}
