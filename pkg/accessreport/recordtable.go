package accessreport

import "sync"

// ProcessTable is a dense, index-addressed, append-mostly table of
// observed processes. Access records reference a process by its table
// index rather than embedding a full copy, so the same process appearing
// on many records is stored once — the lifecycle note in spec §3.
//
// Adapted from the teacher's processmgr log_buffer/log_manager pair: same
// write-lock-to-mutate / read-lock-to-range discipline, generalized from a
// fixed-capacity ring to an unbounded dense table (a build's pip graph can
// reference far more processes than a log tail ever holds).
type ProcessTable struct {
	mu      sync.RWMutex
	entries []Process
	byPID   map[int32]int32 // pid -> index of its most recent observation
}

// NewProcessTable returns an empty table.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{byPID: make(map[int32]int32)}
}

// Intern records p, coalescing with a prior observation of the same
// (PID, CreationTime) identity, and returns its dense index. A pid
// reappearing with a different CreationTime (pid reuse) gets a fresh
// entry.
func (t *ProcessTable) Intern(p Process) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, ok := t.byPID[p.PID]; ok && t.entries[idx].Equal(p) {
		t.entries[idx] = coalesce(t.entries[idx], p)
		return idx
	}

	idx := int32(len(t.entries))
	t.entries = append(t.entries, p)
	t.byPID[p.PID] = idx
	return idx
}

// coalesce merges a freshly observed record into the previously stored one,
// keeping the richer of the two for fields that accumulate over a process's
// life (exit time/code are only known once, so the non-zero value wins).
func coalesce(prev, next Process) Process {
	if next.Path == "" {
		next.Path = prev.Path
	}
	if next.CommandLine == "" {
		next.CommandLine = prev.CommandLine
	}
	if next.ExitTime.IsZero() {
		next.ExitTime = prev.ExitTime
	}
	if next.ExitCode == 0 && prev.ExitCode != 0 {
		next.ExitCode = prev.ExitCode
	}
	if next.UserTime == 0 {
		next.UserTime = prev.UserTime
	}
	if next.KernelTime == 0 {
		next.KernelTime = prev.KernelTime
	}
	next.Disposed = prev.Disposed || next.Disposed
	return next
}

// At returns the process stored at idx. It satisfies ProcessReader for
// wire deserialization.
func (t *ProcessTable) At(idx uint64) (Process, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx >= uint64(len(t.entries)) {
		return Process{}, false
	}
	return t.entries[idx], true
}

// IndexOf returns the dense index of p's (PID, CreationTime) identity, if
// it is the most recent identity interned for p.PID; an older identity whose
// pid was since reused is not found. It satisfies ProcessWriter for wire
// serialization.
func (t *ProcessTable) IndexOf(p Process) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byPID[p.PID]
	if !ok || !t.entries[idx].Equal(p) {
		return 0, false
	}
	return uint64(idx), true
}

// IndexOfPID returns the dense index currently associated with pid, if any,
// regardless of creation time.
func (t *ProcessTable) IndexOfPID(pid int32) (int32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byPID[pid]
	return idx, ok
}

// Len returns the number of distinct (pid, creation-time) identities
// interned so far.
func (t *ProcessTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot returns a copy of every entry, in insertion order.
func (t *ProcessTable) Snapshot() []Process {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Process, len(t.entries))
	copy(out, t.entries)
	return out
}

// Latest returns, for every pid ever interned, its most recent observation
// — the "processes" collection semantics of the report stream reader
// (spec §4.C): the same pid resolves to the last-observed record.
func (t *ProcessTable) Latest() []Process {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Process, 0, len(t.byPID))
	for _, idx := range t.byPID {
		out = append(out, t.entries[idx])
	}
	return out
}
