package dumper

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// procInfo is the subset of /proc/<pid>/stat this package needs: the image
// name, parent pid, and process start time as a wall-clock timestamp.
type procInfo struct {
	PID       int32
	PPID      int32
	Name      string
	StartTime time.Time
}

// readProcInfo parses /proc/<pid>/stat. Field 2 (comm) is parenthesized and
// may itself contain spaces or parens, so parsing resumes after the last
// ')'.
func readProcInfo(pid int32) (procInfo, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procInfo{}, err
	}
	s := string(data)
	open := strings.IndexByte(s, '(')
	commEnd := strings.LastIndexByte(s, ')')
	if open < 0 || commEnd < 0 || commEnd < open {
		return procInfo{}, fmt.Errorf("malformed stat line for pid %d", pid)
	}
	name := s[open+1 : commEnd]
	fields := strings.Fields(s[commEnd+1:])
	// After comm: state(0) ppid(1) pgrp(2) session(3) tty(4) tpgid(5)
	// flags(6) minflt(7) cminflt(8) majflt(9) cmajflt(10) utime(11)
	// stime(12) cutime(13) cstime(14) priority(15) nice(16)
	// num_threads(17) itrealvalue(18) starttime(19).
	if len(fields) < 20 {
		return procInfo{}, fmt.Errorf("stat line too short for pid %d", pid)
	}
	ppid, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return procInfo{}, fmt.Errorf("parse ppid: %w", err)
	}
	startTicks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return procInfo{}, fmt.Errorf("parse starttime: %w", err)
	}

	boot, err := bootTime()
	if err != nil {
		return procInfo{}, fmt.Errorf("read boot time: %w", err)
	}
	start := boot.Add(time.Duration(startTicks) * time.Second / time.Duration(clockTicksPerSecond))

	return procInfo{PID: pid, PPID: int32(ppid), Name: name, StartTime: start}, nil
}

// clockTicksPerSecond is _SC_CLK_TCK, fixed at 100 on every Linux platform
// this target runs on.
const clockTicksPerSecond = 100

var cachedBootTime time.Time

// bootTime reads /proc/stat's "btime" line once and caches it; the system
// boot time does not change during a process's lifetime.
func bootTime() (time.Time, error) {
	if !cachedBootTime.IsZero() {
		return cachedBootTime, nil
	}
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return time.Time{}, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		secs, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		cachedBootTime = time.Unix(secs, 0).UTC()
		return cachedBootTime, nil
	}
	return time.Time{}, fmt.Errorf("btime not found in /proc/stat")
}

// childrenOf scans /proc for every process whose parent is ppid.
func childrenOf(ppid int32) ([]procInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}
	var children []procInfo
	for _, e := range entries {
		pid, err := strconv.ParseInt(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		info, err := readProcInfo(int32(pid))
		if err != nil {
			continue // process may have exited mid-scan
		}
		if info.PPID == ppid {
			children = append(children, info)
		}
	}
	return children, nil
}
