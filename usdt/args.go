// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package usdt // import "github.com/usdtkit/usdtkit/usdt"

import (
	"bytes"
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/usdtkit/usdtkit/elfx"
	"github.com/usdtkit/usdtkit/libut"
	"github.com/usdtkit/usdtkit/proc"
)

// Argument describes one datum passed at one probe site: an immediate
// constant, a register, or a memory operand. Every argument carries a signed
// size in bytes whose sign denotes signedness, and can emit a source
// statement that reads its value into a named local given a register-context
// pointer.
type Argument interface {
	// ArgSize returns the signed size in bytes (-4 is signed 32-bit,
	// +8 unsigned 64-bit).
	ArgSize() int

	// CType returns the C type name for the argument's size.
	CType() string

	// AssignToLocal writes a statement (or block) ending with the
	// argument's value placed into the named local. Memory operands that
	// reference a symbol need binPath, and pid when the binary is a
	// shared object.
	AssignToLocal(buf *bytes.Buffer, local, binPath string,
		pid libut.Optional[libut.PID]) error
}

// ctypeForSize maps a signed byte size to the corresponding fixed-width C
// type name. Unrecognized sizes default to unsigned 64-bit.
func ctypeForSize(size int) string {
	switch size {
	case -1:
		return "int8_t"
	case 1:
		return "uint8_t"
	case -2:
		return "int16_t"
	case 2:
		return "uint16_t"
	case -4:
		return "int32_t"
	case 4:
		return "uint32_t"
	case -8:
		return "int64_t"
	default:
		return "uint64_t"
	}
}

// argSize carries the parsed size specification shared by all variants.
type argSize int

func (s argSize) ArgSize() int {
	return int(s)
}

func (s argSize) CType() string {
	return ctypeForSize(int(s))
}

// Register is one machine register as it may appear in an argument
// descriptor: its canonical identity and the field that holds it in the
// kernel's register-context record. HighByte marks the legacy %ah..%dh
// registers, whose value lives in bits 8..15 of the context field.
type Register struct {
	Reg          x86asm.Reg
	ContextField string
	HighByte     bool
}

func reg(r x86asm.Reg, field string) Register {
	return Register{Reg: r, ContextField: field}
}

func regHigh(r x86asm.Reg, field string) Register {
	return Register{Reg: r, ContextField: field, HighByte: true}
}

// x64Registers maps every AT&T register spelling that can occur in an x86-64
// argument descriptor to the pt_regs field holding its value.
var x64Registers = map[string]Register{
	"%rax": reg(x86asm.RAX, "ax"), "%eax": reg(x86asm.EAX, "ax"),
	"%ax": reg(x86asm.AX, "ax"), "%al": reg(x86asm.AL, "ax"),
	"%ah": regHigh(x86asm.AH, "ax"),
	"%rbx": reg(x86asm.RBX, "bx"), "%ebx": reg(x86asm.EBX, "bx"),
	"%bx": reg(x86asm.BX, "bx"), "%bl": reg(x86asm.BL, "bx"),
	"%bh": regHigh(x86asm.BH, "bx"),
	"%rcx": reg(x86asm.RCX, "cx"), "%ecx": reg(x86asm.ECX, "cx"),
	"%cx": reg(x86asm.CX, "cx"), "%cl": reg(x86asm.CL, "cx"),
	"%ch": regHigh(x86asm.CH, "cx"),
	"%rdx": reg(x86asm.RDX, "dx"), "%edx": reg(x86asm.EDX, "dx"),
	"%dx": reg(x86asm.DX, "dx"), "%dl": reg(x86asm.DL, "dx"),
	"%dh": regHigh(x86asm.DH, "dx"),
	"%rsi": reg(x86asm.RSI, "si"), "%esi": reg(x86asm.ESI, "si"),
	"%si": reg(x86asm.SI, "si"), "%sil": reg(x86asm.SIB, "si"),
	"%rdi": reg(x86asm.RDI, "di"), "%edi": reg(x86asm.EDI, "di"),
	"%di": reg(x86asm.DI, "di"), "%dil": reg(x86asm.DIB, "di"),
	"%rbp": reg(x86asm.RBP, "bp"), "%ebp": reg(x86asm.EBP, "bp"),
	"%bp": reg(x86asm.BP, "bp"), "%bpl": reg(x86asm.BPB, "bp"),
	"%rsp": reg(x86asm.RSP, "sp"), "%esp": reg(x86asm.ESP, "sp"),
	"%sp": reg(x86asm.SP, "sp"), "%spl": reg(x86asm.SPB, "sp"),
	"%r8": reg(x86asm.R8, "r8"), "%r8d": reg(x86asm.R8L, "r8"),
	"%r8w": reg(x86asm.R8W, "r8"), "%r8b": reg(x86asm.R8B, "r8"),
	"%r9": reg(x86asm.R9, "r9"), "%r9d": reg(x86asm.R9L, "r9"),
	"%r9w": reg(x86asm.R9W, "r9"), "%r9b": reg(x86asm.R9B, "r9"),
	"%r10": reg(x86asm.R10, "r10"), "%r10d": reg(x86asm.R10L, "r10"),
	"%r10w": reg(x86asm.R10W, "r10"), "%r10b": reg(x86asm.R10B, "r10"),
	"%r11": reg(x86asm.R11, "r11"), "%r11d": reg(x86asm.R11L, "r11"),
	"%r11w": reg(x86asm.R11W, "r11"), "%r11b": reg(x86asm.R11B, "r11"),
	"%r12": reg(x86asm.R12, "r12"), "%r12d": reg(x86asm.R12L, "r12"),
	"%r12w": reg(x86asm.R12W, "r12"), "%r12b": reg(x86asm.R12B, "r12"),
	"%r13": reg(x86asm.R13, "r13"), "%r13d": reg(x86asm.R13L, "r13"),
	"%r13w": reg(x86asm.R13W, "r13"), "%r13b": reg(x86asm.R13B, "r13"),
	"%r14": reg(x86asm.R14, "r14"), "%r14d": reg(x86asm.R14L, "r14"),
	"%r14w": reg(x86asm.R14W, "r14"), "%r14b": reg(x86asm.R14B, "r14"),
	"%r15": reg(x86asm.R15, "r15"), "%r15d": reg(x86asm.R15L, "r15"),
	"%r15w": reg(x86asm.R15W, "r15"), "%r15b": reg(x86asm.R15B, "r15"),
	"%rip": reg(x86asm.RIP, "ip"),
}

// ImmediateArg is a constant argument.
type ImmediateArg struct {
	argSize
	Value int64
}

func (a *ImmediateArg) AssignToLocal(buf *bytes.Buffer, local, _ string,
	_ libut.Optional[libut.PID]) error {
	fmt.Fprintf(buf, "%s = %d;", local, a.Value)
	return nil
}

// RegisterArg is an argument passed in a machine register.
type RegisterArg struct {
	argSize
	Register
}

func (a *RegisterArg) AssignToLocal(buf *bytes.Buffer, local, _ string,
	_ libut.Optional[libut.PID]) error {
	if a.HighByte {
		fmt.Fprintf(buf, "%s = (%s)(ctx->%s >> 8);", local, a.CType(),
			a.ContextField)
		return nil
	}
	fmt.Fprintf(buf, "%s = (%s)ctx->%s;", local, a.CType(), a.ContextField)
	return nil
}

// MemoryArg is an argument read from memory at base + index*scale +
// displacement. An instruction-pointer-relative operand instead names a
// symbol in Ident; its address is resolved against the binary (and the
// traced process for shared objects) at code generation time.
type MemoryArg struct {
	argSize
	Base         libut.Optional[Register]
	Index        libut.Optional[Register]
	Scale        uint64
	Displacement int64
	Ident        string
}

// emitAddress writes the effective-address expression.
func (a *MemoryArg) emitAddress(buf *bytes.Buffer, binPath string,
	pid libut.Optional[libut.PID]) error {
	if a.Ident != "" {
		value, err := elfx.FindSymbol(binPath, a.Ident,
			libut.None[elf.SymBind](), libut.None[elf.SymType]())
		if err != nil {
			return fmt.Errorf("failed to locate %s in %s: %w", a.Ident, binPath, err)
		}
		addr, err := resolveBinaryAddress(binPath,
			value+libut.Address(a.Displacement), pid)
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, "0x%xULL", uint64(addr))
		return nil
	}

	terms := make([]string, 0, 3)
	if base, ok := a.Base.Get(); ok {
		terms = append(terms, "ctx->"+base.ContextField)
	}
	if index, ok := a.Index.Get(); ok {
		if a.Scale > 1 {
			terms = append(terms, fmt.Sprintf("ctx->%s * %d",
				index.ContextField, a.Scale))
		} else {
			terms = append(terms, "ctx->"+index.ContextField)
		}
	}
	if a.Displacement != 0 || len(terms) == 0 {
		terms = append(terms, fmt.Sprintf("(%d)", a.Displacement))
	}
	buf.WriteString(strings.Join(terms, " + "))
	return nil
}

func (a *MemoryArg) AssignToLocal(buf *bytes.Buffer, local, binPath string,
	pid libut.Optional[libut.PID]) error {
	buf.WriteString("{ u64 __addr = ")
	if err := a.emitAddress(buf, binPath, pid); err != nil {
		return err
	}
	fmt.Fprintf(buf, "; bpf_probe_read(&%s, sizeof(%s), (void *)__addr); }",
		local, local)
	return nil
}

// resolveBinaryAddress translates a file-relative address into the traced
// process when the binary is a shared object; addresses in fixed-position
// executables pass through unchanged.
func resolveBinaryAddress(binPath string, addr libut.Address,
	pid libut.Optional[libut.PID]) (libut.Address, error) {
	isSO, err := elfx.IsSharedObject(binPath)
	if err != nil {
		return 0, err
	}
	if !isSO {
		return addr, nil
	}
	pidValue, ok := pid.Get()
	if !ok {
		return 0, fmt.Errorf("pid required to resolve 0x%x in shared object %s",
			uint64(addr), binPath)
	}
	return proc.ResolveGlobalAddr(pidValue, binPath, addr)
}

// ArgumentParser consumes a probe's argument format string, a space-separated
// list of tokens in the x86-64 operand notation:
//
//	token     := size '@' operand
//	operand   := '$' const | '%' reg | [disp|ident] '(' '%' reg [',' '%' reg [',' scale]] ')'
//
// A malformed token is skipped to the next whitespace boundary so the
// remaining tokens still parse.
type ArgumentParser struct {
	format string
	pos    int
}

func NewArgumentParser(argFmt string) *ArgumentParser {
	return &ArgumentParser{format: argFmt}
}

func (p *ArgumentParser) skipWhitespace() {
	for p.pos < len(p.format) && (p.format[p.pos] == ' ' || p.format[p.pos] == '\t') {
		p.pos++
	}
}

// Done reports whether all tokens have been consumed.
func (p *ArgumentParser) Done() bool {
	p.skipWhitespace()
	return p.pos >= len(p.format)
}

// Parse consumes the next token and returns its argument descriptor.
func (p *ArgumentParser) Parse() (Argument, error) {
	p.skipWhitespace()
	start := p.pos
	for p.pos < len(p.format) && p.format[p.pos] != ' ' && p.format[p.pos] != '\t' {
		p.pos++
	}
	token := p.format[start:p.pos]
	if token == "" {
		return nil, fmt.Errorf("no token at offset %d", start)
	}
	return parseToken(token)
}

func parseRegister(name string) (Register, error) {
	if reg, ok := x64Registers[name]; ok {
		return reg, nil
	}
	return Register{}, fmt.Errorf("unknown register %q", name)
}

func parseToken(token string) (Argument, error) {
	sep := strings.IndexByte(token, '@')
	if sep < 1 {
		return nil, fmt.Errorf("token %q has no size specification", token)
	}
	size, err := strconv.Atoi(token[:sep])
	if err != nil {
		return nil, fmt.Errorf("token %q has a bad size specification: %w", token, err)
	}
	operand := token[sep+1:]
	if operand == "" {
		return nil, fmt.Errorf("token %q has no operand", token)
	}

	switch operand[0] {
	case '$':
		value, err := strconv.ParseInt(operand[1:], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad immediate %q: %w", operand, err)
		}
		return &ImmediateArg{argSize: argSize(size), Value: value}, nil

	case '%':
		reg, err := parseRegister(operand)
		if err != nil {
			return nil, err
		}
		return &RegisterArg{argSize: argSize(size), Register: reg}, nil

	default:
		return parseMemoryOperand(size, operand)
	}
}

func parseMemoryOperand(size int, operand string) (Argument, error) {
	open := strings.IndexByte(operand, '(')
	if open < 0 || operand[len(operand)-1] != ')' {
		return nil, fmt.Errorf("malformed memory operand %q", operand)
	}

	arg := &MemoryArg{argSize: argSize(size), Scale: 1}

	// The part before the parenthesis is a displacement, or a symbol name
	// for ip-relative operands.
	if prefix := operand[:open]; prefix != "" {
		if disp, err := strconv.ParseInt(prefix, 0, 64); err == nil {
			arg.Displacement = disp
		} else {
			arg.Ident = prefix
		}
	}

	inner := strings.Split(operand[open+1:len(operand)-1], ",")
	if len(inner) > 3 {
		return nil, fmt.Errorf("malformed memory operand %q", operand)
	}

	base, err := parseRegister(strings.TrimSpace(inner[0]))
	if err != nil {
		return nil, err
	}
	if arg.Ident != "" {
		// A symbol prefix is only meaningful relative to the
		// instruction pointer, where the assembler encodes the access
		// to the symbol's absolute location.
		if base.Reg != x86asm.RIP || len(inner) != 1 {
			return nil, fmt.Errorf("symbol in non-ip-relative operand %q", operand)
		}
		return arg, nil
	}
	arg.Base = libut.Some(base)

	if len(inner) >= 2 {
		index, err := parseRegister(strings.TrimSpace(inner[1]))
		if err != nil {
			return nil, err
		}
		arg.Index = libut.Some(index)
	}
	if len(inner) == 3 {
		scale, err := strconv.ParseUint(strings.TrimSpace(inner[2]), 0, 64)
		if err != nil || scale == 0 {
			return nil, fmt.Errorf("bad scale in memory operand %q", operand)
		}
		arg.Scale = scale
	}
	return arg, nil
}
