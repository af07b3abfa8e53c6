// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usdtkit/usdtkit/libut"
)

func selfPID() libut.PID {
	return libut.PID(os.Getpid())
}

var memWord uint16

func TestMemFileReadWrite(t *testing.T) {
	mem, err := OpenMem(selfPID())
	require.NoError(t, err)
	defer mem.Close()

	memWord = 0xbeef
	addr := libut.Address(uintptr(unsafe.Pointer(&memWord)))

	value, err := mem.Uint16(addr)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), value)

	require.NoError(t, mem.PutUint16(addr, 0xcafe))
	assert.Equal(t, uint16(0xcafe), memWord)
}

func TestMemFileBadAddress(t *testing.T) {
	mem, err := OpenMem(selfPID())
	require.NoError(t, err)
	defer mem.Close()

	_, err = mem.Uint16(libut.Address(1))
	assert.Error(t, err)
}

func TestOpenMemNonexistentProcess(t *testing.T) {
	_, err := OpenMem(libut.PID(1 << 30))
	assert.Error(t, err)
}

func TestMemFileCloseTwice(t *testing.T) {
	mem, err := OpenMem(selfPID())
	require.NoError(t, err)
	require.NoError(t, mem.Close())
	assert.NoError(t, mem.Close())
}
