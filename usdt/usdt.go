// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package usdt discovers USDT (user-level statically defined tracing) probes
// in binaries and live processes, generates the trampoline and
// argument-reader source a tracer injects, and toggles the probes'
// activation semaphores in the traced process.
//
// A Context is bound to either a binary path or a process id and owns the
// probes discovered there. Neither a Context nor its probes are safe for
// concurrent use; confine each to one goroutine or serialize externally.
package usdt // import "github.com/usdtkit/usdtkit/usdt"

import (
	"bytes"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/usdtkit/usdtkit/elfx"
	"github.com/usdtkit/usdtkit/libut"
	"github.com/usdtkit/usdtkit/proc"
)

// ErrProbeNotFound is returned when no discovered probe has the given name.
var ErrProbeNotFound = errors.New("probe not found")

// Context is the entry point for probe discovery. It holds the probes found
// in one binary or across all executable mappings of one process.
type Context struct {
	probes []*Probe
	pid    libut.Optional[libut.PID]
	loaded bool
}

// resolveBinPath locates a binary by name, trying PATH first and the
// dynamic-linker cache second.
func resolveBinPath(binPath string) (string, error) {
	if path, err := proc.Which(binPath); err == nil {
		return path, nil
	}
	return proc.WhichSharedObject(binPath)
}

// NewContext discovers the probes of a single binary. The name is resolved
// like a shell command, falling back to shared-library lookup.
func NewContext(binPath string) (*Context, error) {
	ctx := &Context{}

	path, err := resolveBinPath(binPath)
	if err != nil {
		return ctx, err
	}
	if err := elfx.ForEachUSDT(path, ctx.addProbe); err != nil {
		return ctx, err
	}
	ctx.loaded = true
	return ctx, nil
}

// NewContextForPID discovers the probes across all executable mappings of a
// live process. Mappings that are not readable ELF files are skipped.
func NewContextForPID(pid libut.PID) (*Context, error) {
	ctx := &Context{pid: libut.Some(pid)}

	err := proc.ForEachModule(pid, func(path string, _, _ libut.Address) {
		if err := elfx.ForEachUSDT(path, ctx.addProbe); err != nil {
			log.Debugf("Skipping module %s of PID %d: %v", path, pid, err)
		}
	})
	if err != nil {
		return ctx, err
	}
	ctx.loaded = true
	return ctx, nil
}

// addProbe files a note under the probe with the same (provider, name)
// identity, creating it on first sight. The probe keeps the semaphore of the
// first note; later notes only contribute locations.
func (c *Context) addProbe(path string, note *elfx.USDTNote) {
	probe := c.findProbe(note.Provider, note.Name)
	if probe == nil {
		probe = newProbe(path, note.Provider, note.Name, note.Semaphore)
		c.probes = append(c.probes, probe)
	}
	probe.addLocation(note.PC, note.ArgFmt)
}

func (c *Context) findProbe(provider, name string) *Probe {
	for _, p := range c.probes {
		if p.provider == provider && p.name == name {
			return p
		}
	}
	return nil
}

// Loaded reports whether the discovery scan completed successfully.
func (c *Context) Loaded() bool {
	return c.loaded
}

// PID returns the process id the Context is bound to, if any.
func (c *Context) PID() libut.Optional[libut.PID] {
	return c.pid
}

// NumProbes returns the number of discovered probes.
func (c *Context) NumProbes() int {
	return len(c.probes)
}

// Probes returns the discovered probes in discovery order.
func (c *Context) Probes() []*Probe {
	return c.probes
}

// Get returns the first probe with the given name, or nil.
func (c *Context) Get(name string) *Probe {
	for _, p := range c.probes {
		if p.name == name {
			return p
		}
	}
	return nil
}

// GetIndex returns the index of the first probe with the given name, or -1.
func (c *Context) GetIndex(name string) int {
	for i, p := range c.probes {
		if p.name == name {
			return i
		}
	}
	return -1
}

// Boilerplate generates the argument-reader source for the named probe,
// resolved against the Context's process if it is process-bound.
func (c *Context) Boilerplate(name string) (string, error) {
	probe := c.Get(name)
	if probe == nil {
		return "", fmt.Errorf("%w: %s", ErrProbeNotFound, name)
	}
	var buf bytes.Buffer
	if err := probe.EmitReaders(&buf, c.pid); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// EnableProbe bumps the named probe's semaphore in the Context's process.
func (c *Context) EnableProbe(name string) error {
	probe := c.Get(name)
	if probe == nil {
		return fmt.Errorf("%w: %s", ErrProbeNotFound, name)
	}
	pid, ok := c.pid.Get()
	if !ok {
		return fmt.Errorf("cannot enable %s: context is not process-bound", name)
	}
	return probe.Enable(pid)
}

// DisableProbe reverses EnableProbe.
func (c *Context) DisableProbe(name string) error {
	probe := c.Get(name)
	if probe == nil {
		return fmt.Errorf("%w: %s", ErrProbeNotFound, name)
	}
	pid, ok := c.pid.Get()
	if !ok {
		return fmt.Errorf("cannot disable %s: context is not process-bound", name)
	}
	return probe.Disable(pid)
}
