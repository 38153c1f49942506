package jobcontainer

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// processGroupBackend is the fallback mechanism when cgroup v2 delegation
// is unavailable. Membership is approximated by process-group id rather
// than tracked exactly: the root is spawned with Setpgid so every fork it
// makes inherits the same pgid (barring an explicit setpgid(2) by the
// child), and termination is a single kill(2) to the negated pgid.
type processGroupBackend struct {
	mu   sync.RWMutex
	pgid int
	set  bool
}

func newProcessGroupBackend() *processGroupBackend {
	return &processGroupBackend{}
}

// assign records the process group of pid as the container's membership
// key. The caller is expected to have started pid with SysProcAttr.Setpgid
// so that pid is its own group leader (pgid == pid).
func (b *processGroupBackend) assign(pid int) error {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return fmt.Errorf("getpgid(%d): %w", pid, err)
	}
	b.mu.Lock()
	b.pgid = pgid
	b.set = true
	b.mu.Unlock()
	return nil
}

func (b *processGroupBackend) terminate(_ int) error {
	b.mu.RLock()
	pgid, set := b.pgid, b.set
	b.mu.RUnlock()
	if !set {
		return nil
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill(-%d): %w", pgid, err)
	}
	return nil
}

func (b *processGroupBackend) enumeratePIDs() ([]int32, error) {
	b.mu.RLock()
	pgid, set := b.pgid, b.set
	b.mu.RUnlock()
	if !set {
		return nil, nil
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}
	var pids []int32
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if g, err := syscall.Getpgid(pid); err == nil && g == pgid {
			pids = append(pids, int32(pid))
		}
	}
	return pids, nil
}

func (b *processGroupBackend) accounting() (Accounting, error) {
	pids, err := b.enumeratePIDs()
	if err != nil {
		return Accounting{}, err
	}

	var acc Accounting
	acc.ActiveCount = len(pids)
	clockTicksPerSec := int64(100) // _SC_CLK_TCK is 100 on every Linux platform this targets

	for _, pid := range pids {
		utime, stime, err := readProcStatTimes(pid)
		if err != nil {
			continue
		}
		acc.UserTime += utime * int64(1_000_000_000) / clockTicksPerSec
		acc.KernelTime += stime * int64(1_000_000_000) / clockTicksPerSec

		rbytes, wbytes, err := readProcIO(pid)
		if err == nil {
			acc.IOBytesRead += rbytes
			acc.IOBytesWritten += wbytes
		}

		if rss, err := readProcPeakRSS(pid); err == nil && rss > acc.PeakWorkingSet {
			acc.PeakWorkingSet = rss
		}
	}
	return acc, nil
}

func (b *processGroupBackend) dispose() error { return nil }

// readProcStatTimes parses /proc/<pid>/stat fields 14 (utime) and 15
// (stime), in clock ticks. Field 2 (comm) may itself contain spaces or
// parens, so parsing starts after the last ')'.
func readProcStatTimes(pid int32) (utime, stime int64, err error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	s := string(data)
	commEnd := strings.LastIndexByte(s, ')')
	if commEnd < 0 {
		return 0, 0, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(s[commEnd+1:])
	// fields[0] is state (field 3); utime is field 14, i.e. fields[11].
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("stat line too short")
	}
	utime, err = strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err = strconv.ParseInt(fields[12], 10, 64)
	return utime, stime, err
}

func readProcIO(pid int32) (readBytes, writeBytes uint64, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/io", pid))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "read_bytes":
			readBytes = v
		case "write_bytes":
			writeBytes = v
		}
	}
	return readBytes, writeBytes, sc.Err()
}

func readProcPeakRSS(pid int32) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "VmHWM:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("VmHWM not found")
}
