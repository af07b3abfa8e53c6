// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package usdt // import "github.com/usdtkit/usdtkit/usdt"

import (
	"bytes"
	"fmt"
	"io"

	"github.com/usdtkit/usdtkit/libut"
)

// The emitters produce source in the C dialect the downstream BPF compiler
// consumes. Output is buffered internally and only written to the caller's
// writer when the whole probe emitted successfully, so a failed argument
// never leaves partial output behind.

// EmitThunks writes one single-line trampoline per location:
//
//	int <prefix>_thunk_<i>(struct pt_regs *ctx) { return <prefix>(ctx, <i>); }
func (p *Probe) EmitThunks(w io.Writer, prefix string) error {
	if len(p.locations) == 0 {
		return fmt.Errorf("probe %s has no locations", p.name)
	}

	var buf bytes.Buffer
	for i := range p.locations {
		fmt.Fprintf(&buf,
			"int %s_thunk_%d(struct pt_regs *ctx) { return %s(ctx, %d); }\n",
			prefix, i, prefix, i)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// EmitReaders writes one _bpf_readarg_<name>_<n> function per argument slot.
// With a single location the reader is straight-line; with several, each
// location's assignment is guarded by an instruction-pointer comparison
// against the location's address in the address space of pid.
func (p *Probe) EmitReaders(w io.Writer, pid libut.Optional[libut.PID]) error {
	if err := p.checkArgumentCounts(); err != nil {
		return err
	}
	argCount := p.NumArguments()
	if argCount == 0 {
		return nil
	}

	var buf bytes.Buffer
	buf.WriteString("#include <uapi/linux/ptrace.h>\n")

	for n := 0; n < argCount; n++ {
		ctype := p.largestArgType(n)
		fmt.Fprintf(&buf,
			"static inline %s _bpf_readarg_%s_%d(struct pt_regs *ctx) {\n"+
				"  %s result = 0x0;\n",
			ctype, p.name, n+1, ctype)

		if len(p.locations) == 1 {
			buf.WriteString("  ")
			err := p.locations[0].Arguments[n].AssignToLocal(&buf,
				"result", p.binPath, pid)
			if err != nil {
				return err
			}
			buf.WriteString("\n")
		} else {
			for i := range p.locations {
				location := &p.locations[i]
				globalAddress, err := p.resolveGlobalAddress(location.Address, pid)
				if err != nil {
					return err
				}
				fmt.Fprintf(&buf, "  if (ctx->ip == 0x%xULL) { ",
					uint64(globalAddress))
				err = location.Arguments[n].AssignToLocal(&buf,
					"result", p.binPath, pid)
				if err != nil {
					return err
				}
				buf.WriteString(" }\n")
			}
		}
		buf.WriteString("  return result;\n}\n")
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// EmitCases writes the alternative dispatch form: one typed local per
// argument slot, then per-location blocks guarded by a __loc_id comparison.
func (p *Probe) EmitCases(w io.Writer, pid libut.Optional[libut.PID]) error {
	if err := p.checkArgumentCounts(); err != nil {
		return err
	}

	var buf bytes.Buffer
	argCount := p.NumArguments()
	for n := 0; n < argCount; n++ {
		fmt.Fprintf(&buf, "%s arg%d = 0;\n", p.largestArgType(n), n+1)
	}

	for i := range p.locations {
		location := &p.locations[i]
		fmt.Fprintf(&buf, "if (__loc_id == %d) {\n", i)
		for n, arg := range location.Arguments {
			buf.WriteString("  ")
			err := arg.AssignToLocal(&buf, fmt.Sprintf("arg%d", n+1),
				p.binPath, pid)
			if err != nil {
				return err
			}
			buf.WriteString("\n")
		}
		buf.WriteString("}\n")
	}

	_, err := w.Write(buf.Bytes())
	return err
}
