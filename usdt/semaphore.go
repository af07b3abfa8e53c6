// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package usdt // import "github.com/usdtkit/usdtkit/usdt"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/usdtkit/usdtkit/libut"
	"github.com/usdtkit/usdtkit/proc"
	"github.com/usdtkit/usdtkit/remotememory"
)

// ErrNotEnabled is returned by Disable for a pid the probe was never enabled
// in.
var ErrNotEnabled = errors.New("probe not enabled for process")

// lookupSemaphoreAddr resolves the semaphore's address in the address space
// of pid, memoized per pid.
func (p *Probe) lookupSemaphoreAddr(pid libut.PID) (libut.Address, error) {
	if addr, ok := p.semaphoreAddrs.Get(pid); ok {
		return addr, nil
	}
	addr, err := p.resolveGlobalAddress(p.semaphore, libut.Some(pid))
	if err != nil {
		return 0, err
	}
	p.semaphoreAddrs.Add(pid, addr)
	return addr, nil
}

// addToSemaphore applies delta to the 16-bit activation counter in the
// target process. The counter is little-endian and unsigned; the addition
// wraps. Any failure leaves the counter unchanged.
func (p *Probe) addToSemaphore(pid libut.PID, delta int16) error {
	addr, err := p.lookupSemaphoreAddr(pid)
	if err != nil {
		return err
	}

	mem, err := remotememory.OpenMem(pid)
	if err != nil {
		return err
	}
	defer mem.Close()

	value, err := mem.Uint16(addr)
	if err != nil {
		return err
	}
	return mem.PutUint16(addr, value+uint16(delta))
}

// Enable bumps the probe's activation counter in pid and snapshots the
// process identity so a later Disable can tell whether the pid was reused.
// Enabling an already-enabled pid is a no-op.
func (p *Probe) Enable(pid libut.PID) error {
	if _, ok := p.enabled[pid]; ok {
		return nil
	}

	if err := p.addToSemaphore(pid, 1); err != nil {
		return fmt.Errorf("failed to enable %s in PID %d: %w", p.name, pid, err)
	}

	stat, err := proc.NewStat(pid)
	if err != nil {
		// The process vanished between the write and the snapshot.
		// Undo the bump on a best-effort basis.
		if undoErr := p.addToSemaphore(pid, -1); undoErr != nil {
			log.Debugf("Failed to undo semaphore bump in PID %d: %v",
				pid, undoErr)
		}
		return fmt.Errorf("failed to snapshot PID %d: %w", pid, err)
	}
	p.enabled[pid] = stat
	return nil
}

// Disable reverses a previous Enable. If the pid no longer names the process
// the probe was enabled in, the counter write is skipped but the bookkeeping
// is still dropped and the call succeeds.
func (p *Probe) Disable(pid libut.PID) error {
	stat, ok := p.enabled[pid]
	if !ok {
		return fmt.Errorf("%w: %s in PID %d", ErrNotEnabled, p.name, pid)
	}

	var err error
	if stat.IsStale() {
		log.Debugf("PID %d is gone or reused, skipping semaphore decrement", pid)
	} else {
		err = p.addToSemaphore(pid, -1)
	}

	delete(p.enabled, pid)
	p.semaphoreAddrs.Remove(pid)
	return err
}
