// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package freelru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usdtkit/usdtkit/libut"
)

func TestLRUStatistics(t *testing.T) {
	cache, err := New[libut.PID, libut.Address](8, libut.PID.Hash32)
	require.NoError(t, err)

	cache.Add(1, 0x1000)
	cache.Add(2, 0x2000)

	addr, ok := cache.Get(1)
	assert.True(t, ok)
	assert.Equal(t, libut.Address(0x1000), addr)

	_, ok = cache.Get(3)
	assert.False(t, ok)

	assert.True(t, cache.Contains(2))
	assert.True(t, cache.Remove(2))
	assert.False(t, cache.Remove(2))

	stats := cache.GetAndResetStatistics()
	assert.Equal(t, Statistics{Hit: 1, Miss: 1, Added: 2, Deleted: 1}, stats)
	assert.Zero(t, cache.GetAndResetStatistics())
}

func TestLRUPurge(t *testing.T) {
	cache, err := New[libut.PID, libut.Address](8, libut.PID.Hash32)
	require.NoError(t, err)

	cache.Add(1, 0x1000)
	cache.Purge()
	assert.False(t, cache.Contains(1))
}
