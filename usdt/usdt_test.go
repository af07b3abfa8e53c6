// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package usdt

import (
	"bytes"
	"debug/elf"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usdtkit/usdtkit/internal/testelf"
	"github.com/usdtkit/usdtkit/libut"
)

// probedBinary builds a fixture with two probes; "req_start" has two call
// sites whose notes disagree on the semaphore.
func probedBinary(t *testing.T) string {
	t.Helper()
	noteData := bytes.Join([][]byte{
		testelf.Note(0x1234, 0x1000, 0x2000, "myapp", "req_start",
			"-4@%eax 8@(%rdi)"),
		testelf.Note(0x1300, 0x1000, 0x3000, "myapp", "req_start",
			"-4@%ebx 8@(%rsi)"),
		testelf.Note(0x2000, 0x1000, 0, "myapp", "req_end", "8@%rax"),
	}, nil)

	file := &testelf.File{
		Type: elf.ET_EXEC,
		Sections: []testelf.Section{
			{Name: ".note.stapsdt", Type: elf.SHT_NOTE, Data: noteData},
		},
		Progs: []testelf.Prog{{Type: elf.PT_LOAD, Vaddr: 0x400000}},
	}
	return file.Write(t, "myapp")
}

func TestContextFromBinary(t *testing.T) {
	path := probedBinary(t)
	ctx, err := NewContext(path)
	require.NoError(t, err)
	assert.True(t, ctx.Loaded())
	assert.False(t, ctx.PID().IsSome())

	require.Equal(t, 2, ctx.NumProbes())

	t.Run("locations grouped by identity", func(t *testing.T) {
		probe := ctx.Get("req_start")
		require.NotNil(t, probe)
		assert.Equal(t, "myapp", probe.Provider())
		assert.Equal(t, path, probe.BinPath())
		assert.Equal(t, 2, probe.NumLocations())
		assert.Equal(t, 2, probe.NumArguments())

		// The first note's semaphore wins; later notes only add
		// locations.
		assert.Equal(t, libut.Address(0x2000), probe.Semaphore())

		addr, err := probe.Address(0)
		require.NoError(t, err)
		assert.Equal(t, libut.Address(0x1234), addr)
		addr, err = probe.Address(1)
		require.NoError(t, err)
		assert.Equal(t, libut.Address(0x1300), addr)
	})

	t.Run("probe lookup", func(t *testing.T) {
		assert.Equal(t, 0, ctx.GetIndex("req_start"))
		assert.Equal(t, 1, ctx.GetIndex("req_end"))
		assert.Equal(t, -1, ctx.GetIndex("missing"))
		assert.Nil(t, ctx.Get("missing"))
	})

	t.Run("discovery order", func(t *testing.T) {
		probes := ctx.Probes()
		require.Len(t, probes, 2)
		assert.Equal(t, "req_start", probes[0].Name())
		assert.Equal(t, "req_end", probes[1].Name())
	})
}

func TestContextBoilerplate(t *testing.T) {
	ctx, err := NewContext(probedBinary(t))
	require.NoError(t, err)

	source, err := ctx.Boilerplate("req_end")
	require.NoError(t, err)
	assert.Contains(t, source, "#include <uapi/linux/ptrace.h>")
	assert.Contains(t, source, "_bpf_readarg_req_end_1")

	_, err = ctx.Boilerplate("missing")
	assert.ErrorIs(t, err, ErrProbeNotFound)
}

func TestContextUnresolvableBinary(t *testing.T) {
	ctx, err := NewContext("definitely-not-a-binary-on-path")
	require.Error(t, err)
	assert.False(t, ctx.Loaded())
	assert.Zero(t, ctx.NumProbes())
}

func TestContextFromLiveProcess(t *testing.T) {
	// Scanning our own process exercises the maps walk end to end; the
	// test binary carries no probes of its own, so only the scan result
	// matters.
	ctx, err := NewContextForPID(libut.PID(os.Getpid()))
	require.NoError(t, err)
	assert.True(t, ctx.Loaded())

	pid, ok := ctx.PID().Get()
	require.True(t, ok)
	assert.Equal(t, libut.PID(os.Getpid()), pid)
}

func TestContextEnableRequiresPID(t *testing.T) {
	ctx, err := NewContext(probedBinary(t))
	require.NoError(t, err)

	assert.Error(t, ctx.EnableProbe("req_start"))
	assert.Error(t, ctx.DisableProbe("req_start"))
	assert.ErrorIs(t, ctx.EnableProbe("missing"), ErrProbeNotFound)
}
