// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package usdt // import "github.com/usdtkit/usdtkit/usdt"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/usdtkit/usdtkit/elfx"
	"github.com/usdtkit/usdtkit/libut"
	"github.com/usdtkit/usdtkit/libut/freelru"
	"github.com/usdtkit/usdtkit/proc"
)

// semaphoreAddrCacheSize bounds the number of per-pid resolved semaphore
// addresses kept by one probe.
const semaphoreAddrCacheSize = 64

// Location is one call site of a probe, with the argument layout specific to
// that site.
type Location struct {
	// Address is the program counter of the probe site within the binary.
	Address libut.Address

	// Arguments describe the formal parameters at this site, in order.
	Arguments []Argument
}

// newLocation parses the site's argument format string. Tokens that fail to
// parse are dropped; the consistency check during code generation catches the
// resulting argument-count mismatch.
func newLocation(addr libut.Address, argFmt string) Location {
	loc := Location{Address: addr}
	parser := NewArgumentParser(argFmt)
	for !parser.Done() {
		arg, err := parser.Parse()
		if err != nil {
			log.Debugf("Dropping argument at 0x%x: %v", uint64(addr), err)
			continue
		}
		loc.Arguments = append(loc.Arguments, arg)
	}
	return loc
}

// Probe is one USDT probe: all locations in a binary sharing a
// (provider, name) identity, plus the activation semaphore they share.
type Probe struct {
	binPath   string
	provider  string
	name      string
	semaphore libut.Address

	locations      []Location
	inSharedObject libut.Optional[bool]

	// semaphoreAddrs memoizes the per-pid resolved semaphore address.
	semaphoreAddrs *freelru.LRU[libut.PID, libut.Address]

	// enabled tracks the processes this tracer bumped the semaphore in,
	// with the identity snapshot taken at enable time.
	enabled map[libut.PID]*proc.Stat
}

func newProbe(binPath, provider, name string, semaphore libut.Address) *Probe {
	semaphoreAddrs, err := freelru.New[libut.PID, libut.Address](
		semaphoreAddrCacheSize, libut.PID.Hash32)
	if err != nil {
		// Only reachable with an invalid constant capacity.
		panic(err)
	}
	return &Probe{
		binPath:        binPath,
		provider:       provider,
		name:           name,
		semaphore:      semaphore,
		semaphoreAddrs: semaphoreAddrs,
		enabled:        make(map[libut.PID]*proc.Stat),
	}
}

func (p *Probe) addLocation(addr libut.Address, argFmt string) {
	p.locations = append(p.locations, newLocation(addr, argFmt))
}

// BinPath returns the path of the binary the probe was found in.
func (p *Probe) BinPath() string {
	return p.binPath
}

// Provider returns the probe's provider name.
func (p *Probe) Provider() string {
	return p.provider
}

// Name returns the probe's name.
func (p *Probe) Name() string {
	return p.name
}

// Semaphore returns the virtual address of the probe's activation counter,
// or zero if the probe has none.
func (p *Probe) Semaphore() libut.Address {
	return p.semaphore
}

// NeedEnable reports whether the probe guards its slow path with a
// semaphore that must be bumped before its arguments are populated.
func (p *Probe) NeedEnable() bool {
	return p.semaphore != 0
}

// Locations returns the probe's call sites in discovery order.
func (p *Probe) Locations() []Location {
	return p.locations
}

// NumLocations returns the number of call sites.
func (p *Probe) NumLocations() int {
	return len(p.locations)
}

// NumArguments returns the probe's argument count.
func (p *Probe) NumArguments() int {
	if len(p.locations) == 0 {
		return 0
	}
	return len(p.locations[0].Arguments)
}

// Address returns the program counter of the idx'th location.
func (p *Probe) Address(idx int) (libut.Address, error) {
	if idx < 0 || idx >= len(p.locations) {
		return 0, fmt.Errorf("probe %s has no location %d", p.name, idx)
	}
	return p.locations[idx].Address, nil
}

// InSharedObject reports whether the probe's binary is a position-independent
// shared object, memoized after the first file inspection.
func (p *Probe) InSharedObject() (bool, error) {
	if v, ok := p.inSharedObject.Get(); ok {
		return v, nil
	}
	isSO, err := elfx.IsSharedObject(p.binPath)
	if err != nil {
		return false, err
	}
	p.inSharedObject = libut.Some(isSO)
	return isSO, nil
}

// resolveGlobalAddress translates a binary-relative address into the address
// space of pid. Fixed-position executables need no translation; shared
// objects need the pid to locate the mapping.
func (p *Probe) resolveGlobalAddress(addr libut.Address,
	pid libut.Optional[libut.PID]) (libut.Address, error) {
	isSO, err := p.InSharedObject()
	if err != nil {
		return 0, err
	}
	if !isSO {
		return addr, nil
	}
	pidValue, ok := pid.Get()
	if !ok {
		return 0, fmt.Errorf("pid required to resolve 0x%x in shared object %s",
			uint64(addr), p.binPath)
	}
	return proc.ResolveGlobalAddr(pidValue, p.binPath, addr)
}

// checkArgumentCounts verifies that every location declares the same number
// of arguments. A location whose argument parse dropped a token violates
// this, and code generation must fail rather than emit misaligned readers.
func (p *Probe) checkArgumentCounts() error {
	if len(p.locations) == 0 {
		return fmt.Errorf("probe %s has no locations", p.name)
	}
	argCount := len(p.locations[0].Arguments)
	for i := range p.locations {
		if len(p.locations[i].Arguments) != argCount {
			return fmt.Errorf("probe %s location %d has %d arguments, expected %d",
				p.name, i, len(p.locations[i].Arguments), argCount)
		}
	}
	return nil
}

// largestArgType returns the C type of the widest descriptor for argument
// slot n across all locations, first occurrence winning ties.
func (p *Probe) largestArgType(n int) string {
	var largest Argument
	for i := range p.locations {
		candidate := p.locations[i].Arguments[n]
		if largest == nil || abs(candidate.ArgSize()) > abs(largest.ArgSize()) {
			largest = candidate
		}
	}
	return largest.CType()
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
