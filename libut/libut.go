// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package libut holds the small shared types used across the USDT toolkit:
// address and pid integers and the Optional container.
package libut // import "github.com/usdtkit/usdtkit/libut"

// Address represents a virtual address, or an offset within a binary or a
// process mapping.
type Address uint64

// PID represents a Unix Process ID (pid_t).
type PID int32

// Hash32 returns the pid as a 32 bit hash, for use as a cache key.
func (p PID) Hash32() uint32 {
	return uint32(p)
}

// Void is an empty struct, used as zero-sized map value.
type Void struct{}
