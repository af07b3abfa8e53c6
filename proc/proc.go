// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

// Package proc provides functionality for inspecting live processes and the
// host via /proc: enumerating executable mappings and kernel symbols,
// resolving binary and shared-object paths, and translating file-relative
// addresses into a process's address space.
package proc // import "github.com/usdtkit/usdtkit/proc"

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/usdtkit/usdtkit/elfx"
	"github.com/usdtkit/usdtkit/libut"
	"github.com/usdtkit/usdtkit/libut/stringutil"
)

const defaultMountPoint = "/proc"

// ErrNotFound is returned when a binary could not be located on PATH.
var ErrNotFound = errors.New("executable not found")

// ErrNoModule is returned when a pid has no executable mapping for a module.
var ErrNoModule = errors.New("module not mapped in process")

// Symbol is a resolved symbol reference within a module.
type Symbol struct {
	Module string
	Name   string
	Offset libut.Address
}

// ModuleVisitor is called for each executable file-backed mapping.
type ModuleVisitor func(path string, start, end libut.Address)

// KsymVisitor is called for each kernel symbol.
type KsymVisitor func(name string, addr libut.Address)

// isExecutable reports whether path names a regular file this process may
// execute.
func isExecutable(path string) bool {
	if unix.Access(path, unix.X_OK) != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// Which resolves a binary name the way a shell would: a name containing a
// path separator must itself be a regular executable file, anything else is
// searched for in the PATH environment variable, first hit wins.
func Which(name string) (string, error) {
	if strings.ContainsRune(name, '/') {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	for _, dir := range strings.Split(os.Getenv("PATH"), ":") {
		if dir == "" {
			continue
		}
		candidate := dir + "/" + name
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// parseModules reads /proc/<pid>/maps formatted lines and invokes visit for
// every executable mapping backed by a file. Synthetic mappings such as
// [heap] and [vdso] are excluded. Unparseable lines are dropped.
func parseModules(scanner *bufio.Scanner, visit ModuleVisitor) error {
	for scanner.Scan() {
		// The pathname field may contain spaces, so cap the field count
		// and keep the remainder intact.
		var fields [6]string
		var addrs [2]string

		line := scanner.Text()
		if stringutil.FieldsN(line, fields[:]) < 6 {
			continue
		}
		if stringutil.SplitN(fields[0], "-", addrs[:]) < 2 {
			continue
		}

		perms, path := fields[1], fields[5]
		if !strings.ContainsRune(perms, 'x') || path == "" || path[0] == '[' {
			continue
		}

		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			log.Debugf("Dropping maps line with bad start address %q", addrs[0])
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			log.Debugf("Dropping maps line with bad end address %q", addrs[1])
			continue
		}
		visit(path, libut.Address(start), libut.Address(end))
	}
	return scanner.Err()
}

// ForEachModule invokes visit for each executable file-backed mapping of the
// process, in map order.
func ForEachModule(pid libut.PID, visit ModuleVisitor) error {
	mapsFile, err := os.Open(fmt.Sprintf("%s/%d/maps", defaultMountPoint, pid))
	if err != nil {
		return err
	}
	defer mapsFile.Close()

	return parseModules(bufio.NewScanner(mapsFile), visit)
}

// parseKsyms reads kernel symbol listing lines. The first line is skipped;
// each following line is "<hex addr> <type> <name>". Malformed lines are
// dropped.
func parseKsyms(scanner *bufio.Scanner, visit KsymVisitor) error {
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		var fields [4]string
		line := scanner.Text()
		if stringutil.FieldsN(line, fields[:]) < 3 {
			log.Debugf("Dropping short kallsyms line %q", line)
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			log.Debugf("Dropping kallsyms line with bad address %q", fields[0])
			continue
		}
		visit(fields[2], libut.Address(addr))
	}
	return scanner.Err()
}

// ForEachKsym invokes visit for each symbol in the kernel symbol listing.
func ForEachKsym(visit KsymVisitor) error {
	kallsyms, err := os.Open(defaultMountPoint + "/kallsyms")
	if err != nil {
		return err
	}
	defer kallsyms.Close()

	return parseKsyms(bufio.NewScanner(kallsyms), visit)
}

// resolveModulePath locates a module by name: an explicit path is used as-is,
// a bare name is looked up in the dynamic-linker cache.
func resolveModulePath(module string) (string, error) {
	if strings.ContainsRune(module, '/') {
		return module, nil
	}
	return WhichSharedObject(module)
}

// ResolveSymname resolves a symbol within a module to a (module path, offset)
// pair, where the offset is relative to the module's load address. A non-zero
// addr is used directly as the symbol value; otherwise the module's symbol
// tables are searched for symname.
func ResolveSymname(module, symname string, addr libut.Address) (Symbol, error) {
	path, err := resolveModulePath(module)
	if err != nil {
		return Symbol{}, err
	}

	loadAddr, err := elfx.LoadAddress(path)
	if err != nil {
		return Symbol{}, fmt.Errorf("failed to read load address of %s: %w", path, err)
	}

	value := addr
	if value == 0 {
		value, err = elfx.FindSymbol(path, symname,
			libut.None[elf.SymBind](), libut.None[elf.SymType]())
		if err != nil {
			return Symbol{}, err
		}
	}

	return Symbol{
		Module: path,
		Name:   symname,
		Offset: value - loadAddr,
	}, nil
}

// ResolveGlobalAddr translates a file-relative virtual address within module
// into the global address where the process pid has the module mapped.
func ResolveGlobalAddr(pid libut.PID, module string, addr libut.Address) (libut.Address, error) {
	loadAddr, err := elfx.LoadAddress(module)
	if err != nil {
		return 0, fmt.Errorf("failed to read load address of %s: %w", module, err)
	}

	var start libut.Address
	found := false
	err = ForEachModule(pid, func(path string, mapStart, _ libut.Address) {
		if !found && path == module {
			start = mapStart
			found = true
		}
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: %s in pid %d", ErrNoModule, module, pid)
	}

	return start + addr - loadAddr, nil
}
