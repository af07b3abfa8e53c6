// Copyright The USDTKit Authors
// SPDX-License-Identifier: Apache-2.0

package proc // import "github.com/usdtkit/usdtkit/proc"

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/usdtkit/usdtkit/libut"
	"github.com/usdtkit/usdtkit/libut/stringutil"
)

// startTimeFieldIndex is the 0-based index of the start-time field among the
// /proc/<pid>/stat fields following the command name. starttime is field 22
// of the full line; state is the first field after the closing parenthesis.
const startTimeFieldIndex = 19

// Stat is a snapshot of a process's identity, taken when a probe is enabled
// so a later disable can tell whether the pid still names the same process.
type Stat struct {
	pid       libut.PID
	startTime uint64
}

// parseStartTime extracts the process start time from a /proc/<pid>/stat
// line. The command name may contain spaces and parentheses, so fields are
// counted from the last closing parenthesis.
func parseStartTime(line string) (uint64, error) {
	commEnd := strings.LastIndexByte(line, ')')
	if commEnd < 0 || commEnd+2 > len(line) {
		return 0, fmt.Errorf("malformed stat line %q", line)
	}

	var fields [startTimeFieldIndex + 2]string
	if stringutil.FieldsN(line[commEnd+2:], fields[:]) < startTimeFieldIndex+1 {
		return 0, fmt.Errorf("stat line %q has too few fields", line)
	}
	return strconv.ParseUint(fields[startTimeFieldIndex], 10, 64)
}

func readStartTime(pid libut.PID) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", defaultMountPoint, pid))
	if err != nil {
		return 0, err
	}
	return parseStartTime(string(data))
}

// NewStat snapshots the current identity of pid.
func NewStat(pid libut.PID) (*Stat, error) {
	startTime, err := readStartTime(pid)
	if err != nil {
		return nil, err
	}
	return &Stat{pid: pid, startTime: startTime}, nil
}

// IsStale reports whether the process the snapshot was taken from is gone:
// the pid no longer exists, its stat file is unreadable, or it now names a
// process with a different start time.
func (s *Stat) IsStale() bool {
	startTime, err := readStartTime(s.pid)
	if err != nil {
		return true
	}
	return startTime != s.startTime
}
