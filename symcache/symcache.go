// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package symcache resolves instruction pointers to symbolic
// (module, name, offset) triples. Two caches implement the same contract: a
// kernel cache backed by the kernel symbol listing, and a per-process cache
// backed by the process's executable mappings with lazily loaded per-module
// symbol tables.
package symcache // import "github.com/usdtkit/usdtkit/symcache"

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/usdtkit/usdtkit/elfx"
	"github.com/usdtkit/usdtkit/libut"
	"github.com/usdtkit/usdtkit/libut/freelru"
	"github.com/usdtkit/usdtkit/proc"
)

// KernelModule is the module name reported for kernel addresses.
const KernelModule = "[kernel]"

// symTableCacheSize bounds the number of per-module symbol tables retained
// across process cache refreshes.
const symTableCacheSize = 256

// ErrNotResolved is returned when an address has no known module or symbol.
var ErrNotResolved = errors.New("address could not be resolved")

// Symbol sources. Overridable for the test suite.
var (
	ksymSource   = proc.ForEachKsym
	moduleSource = proc.ForEachModule
)

// Resolved is the result of a successful address resolution. Name may be
// empty for a process address that falls inside a known module but not
// inside any of its symbols; Offset is then relative to the module for a
// shared object and the address itself for a fixed-position executable.
type Resolved struct {
	Module string
	Name   string
	Offset libut.Address
}

// String renders the best symbolic representation of the resolution, e.g.
// "readline+0x10 [bash]".
func (r Resolved) String() string {
	if r.Name != "" {
		return fmt.Sprintf("%s+0x%x [%s]", r.Name, r.Offset, r.Module)
	}
	return fmt.Sprintf("0x%x [%s]", r.Offset, r.Module)
}

// Cache resolves addresses to symbols over some symbol source.
type Cache interface {
	// Refresh rebuilds the cache from its source. A failed refresh leaves
	// the cache empty and re-attemptable.
	Refresh() error

	// ResolveAddr resolves an address, or returns ErrNotResolved.
	ResolveAddr(addr libut.Address) (Resolved, error)
}

// New selects the cache implementation: a negative pid addresses the kernel,
// anything else a live process.
func New(pid libut.PID) Cache {
	if pid < 0 {
		return &KernelCache{}
	}
	return NewProcessCache(pid)
}

// FormatAddress resolves addr through the cache and renders it, falling back
// to a bare hex string for unresolvable addresses.
func FormatAddress(c Cache, addr libut.Address) string {
	res, err := c.ResolveAddr(addr)
	if err != nil {
		return fmt.Sprintf("%x", uint64(addr))
	}
	return res.String()
}

type ksym struct {
	name string
	addr libut.Address
}

// KernelCache resolves kernel addresses via a sorted symbol table built from
// the kernel symbol listing.
type KernelCache struct {
	syms  []ksym
	built bool
}

var _ Cache = &KernelCache{}

// Refresh loads and sorts the kernel symbols. After a successful load further
// calls are no-ops; a failed load leaves the cache unbuilt, so the next call
// tries again.
func (kc *KernelCache) Refresh() error {
	if kc.built {
		return nil
	}

	syms := make([]ksym, 0, 128*1024)
	err := ksymSource(func(name string, addr libut.Address) {
		syms = append(syms, ksym{name: name, addr: addr})
	})
	if err != nil {
		return fmt.Errorf("failed to read kernel symbols: %w", err)
	}

	sort.Slice(syms, func(i, j int) bool {
		return syms[i].addr < syms[j].addr
	})
	kc.syms = syms
	kc.built = true
	return nil
}

// ResolveAddr returns the symbol with the greatest address not exceeding
// addr. The module is always the literal "[kernel]".
func (kc *KernelCache) ResolveAddr(addr libut.Address) (Resolved, error) {
	if !kc.built {
		if err := kc.Refresh(); err != nil {
			return Resolved{}, err
		}
	}
	if len(kc.syms) == 0 {
		return Resolved{}, ErrNotResolved
	}

	// Upper bound search, then step back to the predecessor.
	idx := sort.Search(len(kc.syms), func(i int) bool {
		return kc.syms[i].addr > addr
	})
	if idx == 0 {
		return Resolved{}, ErrNotResolved
	}
	sym := &kc.syms[idx-1]
	return Resolved{
		Module: KernelModule,
		Name:   sym.name,
		Offset: addr - sym.addr,
	}, nil
}

type modSym struct {
	name  string
	start libut.Address
	size  uint64
	info  byte
}

type module struct {
	path      string
	start     libut.Address
	end       libut.Address
	syms      []modSym
	loaded    bool
	sharedObj libut.Optional[bool]
}

// isSharedObject reports whether the module is a position-independent shared
// object, memoized after the first check. If the file cannot be inspected the
// conventional ".so" suffix decides.
func (m *module) isSharedObject() bool {
	if v, ok := m.sharedObj.Get(); ok {
		return v
	}
	isSO, err := elfx.IsSharedObject(m.path)
	if err != nil {
		log.Debugf("Failed to inspect %s, falling back to suffix check: %v",
			m.path, err)
		isSO = strings.HasSuffix(m.path, ".so") ||
			strings.Contains(m.path, ".so.")
	}
	m.sharedObj = libut.Some(isSO)
	return isSO
}

// ProcessCache resolves user-space addresses of one process. The module list
// is rebuilt on Refresh; per-module symbol tables load lazily on the first
// address that falls into the module and are retained in a bounded cache
// keyed by module path.
type ProcessCache struct {
	pid       libut.PID
	modules   []*module
	symTables *freelru.LRU[string, []modSym]
}

var _ Cache = &ProcessCache{}

func hashString(s string) uint32 {
	return uint32(xxh3.HashString(s))
}

// NewProcessCache creates a cache for the process and performs the initial
// mapping scan.
func NewProcessCache(pid libut.PID) *ProcessCache {
	symTables, err := freelru.New[string, []modSym](symTableCacheSize, hashString)
	if err != nil {
		// Only reachable with an invalid constant capacity.
		panic(err)
	}
	pc := &ProcessCache{pid: pid, symTables: symTables}
	if err := pc.Refresh(); err != nil {
		log.Debugf("Initial mapping scan for PID %d failed: %v", pid, err)
	}
	return pc
}

// Refresh rebuilds the module list from the process's executable mappings.
func (pc *ProcessCache) Refresh() error {
	modules := make([]*module, 0, len(pc.modules))
	err := moduleSource(pc.pid, func(path string, start, end libut.Address) {
		modules = append(modules, &module{path: path, start: start, end: end})
	})
	if err != nil {
		pc.modules = nil
		return fmt.Errorf("failed to enumerate modules of PID %d: %w", pc.pid, err)
	}
	pc.modules = modules
	return nil
}

// loadSymbols fills the module's symbol table, via the shared cache when the
// module was seen before.
func (pc *ProcessCache) loadSymbols(m *module) {
	if m.loaded {
		return
	}
	if syms, ok := pc.symTables.Get(m.path); ok {
		m.syms = syms
		m.loaded = true
		return
	}

	syms := make([]modSym, 0, 1024)
	err := elfx.ForEachSymbol(m.path, func(name string, value libut.Address,
		size uint64, info byte) {
		syms = append(syms, modSym{name: name, start: value, size: size, info: info})
	})
	if err != nil {
		log.Debugf("Failed to load symbols of %s: %v", m.path, err)
		return
	}
	m.syms = syms
	m.loaded = true
	pc.symTables.Add(m.path, syms)
}

// ResolveAddr finds the module containing addr and the symbol covering it.
// When the module is known but no symbol spans the address, the result still
// carries the module and the translated offset (module-relative for shared
// objects, the address itself otherwise) with an empty name.
func (pc *ProcessCache) ResolveAddr(addr libut.Address) (Resolved, error) {
	for _, m := range pc.modules {
		if addr < m.start || addr > m.end {
			continue
		}
		pc.loadSymbols(m)

		// Shared objects are mapped at an arbitrary base, so their
		// symbol values are offsets from the mapping start.
		offset := addr
		if m.isSharedObject() {
			offset = addr - m.start
		}

		for i := range m.syms {
			sym := &m.syms[i]
			if offset >= sym.start && offset <= sym.start+libut.Address(sym.size) {
				return Resolved{
					Module: m.path,
					Name:   sym.name,
					Offset: offset - sym.start,
				}, nil
			}
		}
		return Resolved{Module: m.path, Offset: offset}, nil
	}
	return Resolved{}, ErrNotResolved
}
