package jobcontainer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// cgroupRoot is the standard cgroup v2 unified mount point.
const cgroupRoot = "/sys/fs/cgroup"

// cgroupBackend manages one delegated cgroup v2 subtree per container.
// Membership is exact (cgroup.procs), termination is instantaneous
// (cgroup.kill), and accounting reads straight from the kernel's own
// counters instead of walking /proc by hand.
type cgroupBackend struct {
	dir string
}

func newCgroupBackend(opts Options) (*cgroupBackend, error) {
	if !cgroupV2Available() {
		return nil, fmt.Errorf("cgroup v2 not mounted at %s", cgroupRoot)
	}

	dir := filepath.Join(cgroupRoot, "pipsup-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}

	if opts.AllowBreakaway {
		// Enabling the threaded/domain-threaded controller set lets a
		// descendant migrate itself into a sibling cgroup; nothing further
		// to configure here beyond leaving cgroup.type at its default.
	}

	return &cgroupBackend{dir: dir}, nil
}

func (b *cgroupBackend) assign(pid int) error {
	return os.WriteFile(filepath.Join(b.dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

func (b *cgroupBackend) terminate(_ int) error {
	// cgroup.kill delivers SIGKILL to every process in the subtree
	// atomically; the exit code a terminated process reports back to its
	// parent is controlled by the signal, not by this value.
	return os.WriteFile(filepath.Join(b.dir, "cgroup.kill"), []byte("1"), 0o644)
}

func (b *cgroupBackend) enumeratePIDs() ([]int32, error) {
	f, err := os.Open(filepath.Join(b.dir, "cgroup.procs"))
	if err != nil {
		return nil, fmt.Errorf("read cgroup.procs: %w", err)
	}
	defer f.Close()

	var pids []int32
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		n, err := strconv.ParseInt(line, 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, int32(n))
	}
	return pids, sc.Err()
}

func (b *cgroupBackend) accounting() (Accounting, error) {
	var acc Accounting

	pids, err := b.enumeratePIDs()
	if err != nil {
		return acc, err
	}
	acc.ActiveCount = len(pids)

	if stat, err := readKeyedStatFile(filepath.Join(b.dir, "cpu.stat")); err == nil {
		acc.UserTime = int64(stat["user_usec"]) * 1000
		acc.KernelTime = int64(stat["system_usec"]) * 1000
	}

	if peak, err := readSingleValueFile(filepath.Join(b.dir, "memory.peak")); err == nil {
		acc.PeakWorkingSet = uint64(peak)
	} else if current, err := readSingleValueFile(filepath.Join(b.dir, "memory.current")); err == nil {
		acc.PeakWorkingSet = uint64(current)
	}

	if io, err := readIOStatFile(filepath.Join(b.dir, "io.stat")); err == nil {
		acc.IOBytesRead = io.readBytes
		acc.IOBytesWritten = io.writeBytes
	}

	return acc, nil
}

func (b *cgroupBackend) dispose() error {
	// A non-empty cgroup cannot be rmdir'd; Terminate (or natural exit of
	// every member) must have already emptied cgroup.procs.
	if err := os.Remove(b.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup: %w", err)
	}
	return nil
}

// readKeyedStatFile parses the "key value\n" per-line format used by
// cpu.stat and similar cgroup v2 files.
func readKeyedStatFile(path string) (map[string]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out, nil
}

func readSingleValueFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, fmt.Errorf("value is unbounded")
	}
	return strconv.ParseInt(s, 10, 64)
}

type ioTotals struct {
	readBytes, writeBytes uint64
}

// readIOStatFile parses io.stat, which has one line per backing device:
// "<major>:<minor> rbytes=N wbytes=N rios=N wios=N ...". Totals are summed
// across every device the container touched.
func readIOStatFile(path string) (ioTotals, error) {
	var totals ioTotals
	data, err := os.ReadFile(path)
	if err != nil {
		return totals, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		for _, f := range fields[min(1, len(fields)):] {
			kv := strings.SplitN(f, "=", 2)
			if len(kv) != 2 {
				continue
			}
			v, err := strconv.ParseUint(kv[1], 10, 64)
			if err != nil {
				continue
			}
			switch kv[0] {
			case "rbytes":
				totals.readBytes += v
			case "wbytes":
				totals.writeBytes += v
			}
		}
	}
	return totals, nil
}
