// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package proc // import "github.com/usdtkit/usdtkit/proc"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const ldSoCachePath = "/etc/ld.so.cache"

const (
	oldCacheMagic   = "ld.so-1.7.0"
	newCacheMagic   = "glibc-ld.so.cache"
	newCacheVersion = "1.1"

	// The old header is the 11-byte magic padded to 4-byte alignment,
	// then the entry count.
	oldCacheHeaderSize = 16
	oldCacheEntrySize  = 12

	// The new header is the 17-byte magic, the 3-byte version, entry
	// count, string table length and five padding words.
	newCacheHeaderSize = 48
	newCacheEntrySize  = 24
)

// Library type and ABI bits of a cache entry's flags field.
const (
	flagTypeMask     = 0x00ff
	flagTypeELFLibc6 = 0x0003

	flagABIMask       = 0xff00
	flagABISparcLib64 = 0x0100
	flagABIIA64Lib64  = 0x0200
	flagABIX8664Lib64 = 0x0300
	flagABIS390Lib64  = 0x0400
	flagABIPPCLib64   = 0x0500
)

// ErrLibraryNotFound is returned when no cache entry matches the library.
var ErrLibraryNotFound = errors.New("library not found in dynamic linker cache")

// ErrBadCache is returned when the cache file has no recognizable header.
var ErrBadCache = errors.New("unrecognized dynamic linker cache format")

type ldEntry struct {
	libname string
	path    string
	flags   int32
}

// The parsed dynamic-linker cache is process-wide state. It is filled exactly
// once; a failed parse is terminal and every later lookup reports the same
// error without touching the file again.
var ldCache struct {
	once    sync.Once
	entries []ldEntry
	err     error
}

// getCString reads a NUL-terminated string at offset within data.
func getCString(data []byte, offset uint32) (string, bool) {
	if uint64(offset) >= uint64(len(data)) {
		return "", false
	}
	end := bytes.IndexByte(data[offset:], 0)
	if end < 0 {
		return "", false
	}
	return string(data[offset : offset+uint32(end)]), true
}

// parseOldCache decodes the "ld.so-1.7.0" layout: a fixed header, an entry
// array, then a string blob which the per-entry key/value offsets index into.
func parseOldCache(data []byte) ([]ldEntry, error) {
	if len(data) < oldCacheHeaderSize {
		return nil, ErrBadCache
	}
	count := binary.LittleEndian.Uint32(data[12:16])
	stringsOff := uint64(oldCacheHeaderSize) + uint64(count)*oldCacheEntrySize
	if stringsOff > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d entries exceed file size", ErrBadCache, count)
	}
	blob := data[stringsOff:]

	entries := make([]ldEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		ent := data[oldCacheHeaderSize+i*oldCacheEntrySize:]
		flags := int32(binary.LittleEndian.Uint32(ent[0:4]))
		key, okKey := getCString(blob, binary.LittleEndian.Uint32(ent[4:8]))
		value, okValue := getCString(blob, binary.LittleEndian.Uint32(ent[8:12]))
		if !okKey || !okValue {
			log.Debugf("Dropping ld.so.cache entry %d with out-of-range strings", i)
			continue
		}
		entries = append(entries, ldEntry{libname: key, path: value, flags: flags})
	}
	return entries, nil
}

// parseNewCache decodes the "glibc-ld.so.cache" layout. The key/value fields
// are absolute offsets from the start of the new cache region.
func parseNewCache(data []byte) ([]ldEntry, error) {
	if len(data) < newCacheHeaderSize ||
		string(data[:len(newCacheMagic)]) != newCacheMagic ||
		!strings.HasPrefix(string(data[len(newCacheMagic):len(newCacheMagic)+3]),
			newCacheVersion) {
		return nil, ErrBadCache
	}
	count := binary.LittleEndian.Uint32(data[20:24])
	if uint64(newCacheHeaderSize)+uint64(count)*newCacheEntrySize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d entries exceed file size", ErrBadCache, count)
	}

	entries := make([]ldEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		ent := data[newCacheHeaderSize+i*newCacheEntrySize:]
		flags := int32(binary.LittleEndian.Uint32(ent[0:4]))
		key, okKey := getCString(data, binary.LittleEndian.Uint32(ent[4:8]))
		value, okValue := getCString(data, binary.LittleEndian.Uint32(ent[8:12]))
		if !okKey || !okValue {
			log.Debugf("Dropping ld.so.cache entry %d with out-of-range strings", i)
			continue
		}
		entries = append(entries, ldEntry{libname: key, path: value, flags: flags})
	}
	return entries, nil
}

// parseLDCache dispatches on the header. A file may carry the old cache
// followed by the new one at the next 8-byte-aligned offset, in which case
// the new cache wins.
func parseLDCache(data []byte) ([]ldEntry, error) {
	if len(data) >= len(oldCacheMagic) &&
		string(data[:len(oldCacheMagic)]) == oldCacheMagic {
		count := uint64(0)
		if len(data) >= oldCacheHeaderSize {
			count = uint64(binary.LittleEndian.Uint32(data[12:16]))
		}
		oldLen := (uint64(oldCacheHeaderSize) + count*oldCacheEntrySize + 7) &^ 7
		if uint64(len(data)) > oldLen+newCacheHeaderSize &&
			bytes.HasPrefix(data[oldLen:], []byte(newCacheMagic)) {
			return parseNewCache(data[oldLen:])
		}
		return parseOldCache(data)
	}
	return parseNewCache(data)
}

// loadLDCache memory-maps the dynamic-linker cache file and parses it.
func loadLDCache(path string) ([]ldEntry, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err = unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if st.Size < oldCacheHeaderSize {
		return nil, ErrBadCache
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	defer unix.Munmap(data)

	return parseLDCache(data)
}

// matchSOFlags applies the ABI filter: the entry must be an ELF/libc6
// library, and 64-bit ABI variants are only accepted in a 64-bit process.
func matchSOFlags(flags int32) bool {
	if flags&flagTypeMask != flagTypeELFLibc6 {
		return false
	}
	switch flags & flagABIMask {
	case flagABISparcLib64, flagABIIA64Lib64, flagABIX8664Lib64,
		flagABIS390Lib64, flagABIPPCLib64:
		return bits.UintSize == 64
	}
	return true
}

// searchLDCache finds the first matching entry for a bare library name.
func searchLDCache(entries []ldEntry, libname string) (string, error) {
	soname := "lib" + libname + ".so"
	for _, entry := range entries {
		if strings.HasPrefix(entry.libname, soname) && matchSOFlags(entry.flags) {
			return entry.path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrLibraryNotFound, libname)
}

// WhichSharedObject resolves a shared library name to a filesystem path. A
// name containing a path separator is returned verbatim; otherwise the
// dynamic-linker cache is consulted for the first "lib<name>.so*" entry
// passing the ABI filter.
func WhichSharedObject(libname string) (string, error) {
	if strings.ContainsRune(libname, '/') {
		return libname, nil
	}

	ldCache.once.Do(func() {
		ldCache.entries, ldCache.err = loadLDCache(ldSoCachePath)
	})
	if ldCache.err != nil {
		return "", ldCache.err
	}
	return searchLDCache(ldCache.entries, libname)
}
