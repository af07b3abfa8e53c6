// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package usdt

import (
	"bytes"
	"debug/elf"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usdtkit/usdtkit/internal/testelf"
	"github.com/usdtkit/usdtkit/libut"
)

func noPID() libut.Optional[libut.PID] {
	return libut.None[libut.PID]()
}

// fixedExecutable builds a non-PIE binary fixture so address resolution is a
// pass-through.
func fixedExecutable(t *testing.T) string {
	t.Helper()
	file := &testelf.File{
		Type:  elf.ET_EXEC,
		Progs: []testelf.Prog{{Type: elf.PT_LOAD, Vaddr: 0x400000}},
	}
	return file.Write(t, "fixture")
}

func TestLocationParsesArguments(t *testing.T) {
	loc := newLocation(0x1234, "-4@%eax 8@(%rdi)")
	assert.Equal(t, libut.Address(0x1234), loc.Address)
	require.Len(t, loc.Arguments, 2)
	assert.Equal(t, -4, loc.Arguments[0].ArgSize())
	assert.Equal(t, "int32_t", loc.Arguments[0].CType())
	assert.Equal(t, 8, loc.Arguments[1].ArgSize())
	assert.Equal(t, "uint64_t", loc.Arguments[1].CType())
}

func TestLocationDropsBadTokens(t *testing.T) {
	loc := newLocation(0x1234, "-4@%eax 8@%bogus 8@%rsi")
	// The dropped token leaves a shorter argument list; codegen catches
	// the count mismatch later.
	assert.Len(t, loc.Arguments, 2)
}

func TestProbeAccessors(t *testing.T) {
	p := newProbe("/bin/app", "myprov", "my_probe", 0x2000)
	p.addLocation(0x1000, "-4@%eax")
	p.addLocation(0x1800, "8@%rax")

	assert.Equal(t, "/bin/app", p.BinPath())
	assert.Equal(t, "myprov", p.Provider())
	assert.Equal(t, "my_probe", p.Name())
	assert.Equal(t, libut.Address(0x2000), p.Semaphore())
	assert.True(t, p.NeedEnable())
	assert.Equal(t, 2, p.NumLocations())
	assert.Equal(t, 1, p.NumArguments())

	addr, err := p.Address(1)
	require.NoError(t, err)
	assert.Equal(t, libut.Address(0x1800), addr)

	_, err = p.Address(2)
	assert.Error(t, err)

	noSem := newProbe("/bin/app", "myprov", "quiet", 0)
	assert.False(t, noSem.NeedEnable())
}

func TestLargestArgType(t *testing.T) {
	p := newProbe("/bin/app", "prov", "probe", 0)
	p.addLocation(0x1000, "-4@%eax")
	p.addLocation(0x2000, "8@%rax")
	assert.Equal(t, "uint64_t", p.largestArgType(0))

	// Equal widths: the first occurrence wins.
	tie := newProbe("/bin/app", "prov", "tie", 0)
	tie.addLocation(0x1000, "4@%eax")
	tie.addLocation(0x2000, "-4@%ebx")
	assert.Equal(t, "uint32_t", tie.largestArgType(0))
}

func TestEmitThunks(t *testing.T) {
	p := newProbe("/bin/app", "prov", "probe", 0)
	p.addLocation(0x1000, "")
	p.addLocation(0x2000, "")
	p.addLocation(0x3000, "")

	var buf bytes.Buffer
	require.NoError(t, p.EmitThunks(&buf, "hello"))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t,
		"int hello_thunk_0(struct pt_regs *ctx) { return hello(ctx, 0); }",
		lines[0])
	assert.Equal(t,
		"int hello_thunk_2(struct pt_regs *ctx) { return hello(ctx, 2); }",
		lines[2])
}

func TestEmitThunksNoLocations(t *testing.T) {
	p := newProbe("/bin/app", "prov", "probe", 0)
	var buf bytes.Buffer
	assert.Error(t, p.EmitThunks(&buf, "hello"))
	assert.Zero(t, buf.Len())
}

func TestEmitReadersSingleLocation(t *testing.T) {
	p := newProbe("/bin/app", "myapp", "req_start", 0x2000)
	p.addLocation(0x1234, "-4@%eax 8@(%rdi)")

	var buf bytes.Buffer
	require.NoError(t, p.EmitReaders(&buf, noPID()))

	expected := "#include <uapi/linux/ptrace.h>\n" +
		"static inline int32_t _bpf_readarg_req_start_1(struct pt_regs *ctx) {\n" +
		"  int32_t result = 0x0;\n" +
		"  result = (int32_t)ctx->ax;\n" +
		"  return result;\n" +
		"}\n" +
		"static inline uint64_t _bpf_readarg_req_start_2(struct pt_regs *ctx) {\n" +
		"  uint64_t result = 0x0;\n" +
		"  { u64 __addr = ctx->di; " +
		"bpf_probe_read(&result, sizeof(result), (void *)__addr); }\n" +
		"  return result;\n" +
		"}\n"
	assert.Equal(t, expected, buf.String())
}

func TestEmitReadersMultiLocation(t *testing.T) {
	p := newProbe(fixedExecutable(t), "prov", "multi", 0)
	p.addLocation(0x1000, "-4@%eax")
	p.addLocation(0x2000, "8@%rax")

	var buf bytes.Buffer
	require.NoError(t, p.EmitReaders(&buf, noPID()))
	out := buf.String()

	// The wider location decides the reader type; each location gets an
	// instruction-pointer guard with its resolved address.
	assert.Contains(t, out,
		"static inline uint64_t _bpf_readarg_multi_1(struct pt_regs *ctx)")
	assert.Contains(t, out, "if (ctx->ip == 0x1000ULL) { ")
	assert.Contains(t, out, "if (ctx->ip == 0x2000ULL) { ")
	assert.Contains(t, out, "result = (int32_t)ctx->ax;")
	assert.Contains(t, out, "result = (uint64_t)ctx->ax;")
}

func TestEmitReadersNoArguments(t *testing.T) {
	p := newProbe("/bin/app", "prov", "quiet", 0)
	p.addLocation(0x1000, "")

	var buf bytes.Buffer
	require.NoError(t, p.EmitReaders(&buf, noPID()))
	assert.Zero(t, buf.Len())
}

func TestEmitReadersArgCountMismatch(t *testing.T) {
	p := newProbe("/bin/app", "prov", "broken", 0)
	p.addLocation(0x1000, "-4@%eax")
	p.addLocation(0x2000, "")

	var buf bytes.Buffer
	assert.Error(t, p.EmitReaders(&buf, noPID()))
	assert.Zero(t, buf.Len())

	assert.Error(t, p.EmitCases(&buf, noPID()))
	assert.Zero(t, buf.Len())
}

func TestEmitReadersFailureWritesNothing(t *testing.T) {
	// The ip-relative symbol cannot be resolved against a missing binary,
	// so the reader emission fails as a whole.
	p := newProbe("/nonexistent/bin", "prov", "bad", 0)
	p.addLocation(0x1000, "8@counter(%rip)")

	var buf bytes.Buffer
	assert.Error(t, p.EmitReaders(&buf, noPID()))
	assert.Zero(t, buf.Len())
}

func TestEmitCases(t *testing.T) {
	p := newProbe("/bin/app", "prov", "cases", 0)
	p.addLocation(0x1000, "-4@%eax 8@%rdx")
	p.addLocation(0x2000, "8@%rax 8@%rsi")

	var buf bytes.Buffer
	require.NoError(t, p.EmitCases(&buf, noPID()))
	out := buf.String()

	assert.Contains(t, out, "uint64_t arg1 = 0;\n")
	assert.Contains(t, out, "uint64_t arg2 = 0;\n")
	assert.Contains(t, out, "if (__loc_id == 0) {\n")
	assert.Contains(t, out, "if (__loc_id == 1) {\n")
	// Each argument is declared once and assigned once per location.
	assert.Equal(t, 3, strings.Count(out, "arg1"))
	assert.Equal(t, 3, strings.Count(out, "arg2"))
	assert.Equal(t, 2, strings.Count(out, "__loc_id"))
}

func TestInSharedObject(t *testing.T) {
	so := &testelf.File{Type: elf.ET_DYN,
		Progs: []testelf.Prog{{Type: elf.PT_LOAD}}}
	p := newProbe(so.Write(t, "libapp.so"), "prov", "probe", 0)

	isSO, err := p.InSharedObject()
	require.NoError(t, err)
	assert.True(t, isSO)

	exe := newProbe(fixedExecutable(t), "prov", "probe", 0)
	isSO, err = exe.InSharedObject()
	require.NoError(t, err)
	assert.False(t, isSO)

	// Fixed-position addresses resolve to themselves without a pid.
	addr, err := exe.resolveGlobalAddress(0x1234, noPID())
	require.NoError(t, err)
	assert.Equal(t, libut.Address(0x1234), addr)

	// Shared objects need a pid for resolution.
	_, err = p.resolveGlobalAddress(0x1234, noPID())
	assert.Error(t, err)
}
