// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotememory provides the access to another process's memory that
// probe activation needs: the MemFile type wraps /proc/<pid>/mem for the
// 2-byte read-modify-write cycles on activation counters.
package remotememory // import "github.com/usdtkit/usdtkit/remotememory"

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/usdtkit/usdtkit/libut"
)

// MemFile is an open, writable handle on a process's memory file. All
// accesses are positioned, so one handle supports interleaved reads and
// writes at absolute virtual addresses.
type MemFile struct {
	fd  int
	pid libut.PID
}

// OpenMem opens /proc/<pid>/mem for reading and writing.
func OpenMem(pid libut.PID) (*MemFile, error) {
	fd, err := unix.Open(fmt.Sprintf("/proc/%d/mem", pid), unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory of PID %v: %w", pid, err)
	}
	return &MemFile{fd: fd, pid: pid}, nil
}

// ReadAt implements io.ReaderAt over the process memory.
func (mf *MemFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(mf.fd, p, off)
	if err != nil {
		return n, fmt.Errorf("failed to read PID %v at 0x%x: %w", mf.pid, off, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("failed to read PID %v at 0x%x: got only %d of %d",
			mf.pid, off, n, len(p))
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the process memory. A short write is
// an error: callers must treat it as fatal for the value being written.
func (mf *MemFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := unix.Pwrite(mf.fd, p, off)
	if err != nil {
		return n, fmt.Errorf("failed to write PID %v at 0x%x: %w", mf.pid, off, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("failed to write PID %v at 0x%x: wrote only %d of %d",
			mf.pid, off, n, len(p))
	}
	return n, nil
}

// Uint16 reads a 16-bit little-endian value at addr.
func (mf *MemFile) Uint16(addr libut.Address) (uint16, error) {
	var buf [2]byte
	if _, err := mf.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// PutUint16 writes a 16-bit little-endian value at addr.
func (mf *MemFile) PutUint16(addr libut.Address, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	_, err := mf.WriteAt(buf[:], int64(addr))
	return err
}

// Close releases the file descriptor.
func (mf *MemFile) Close() error {
	if mf.fd < 0 {
		return nil
	}
	err := unix.Close(mf.fd)
	mf.fd = -1
	return err
}
