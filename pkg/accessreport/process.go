package accessreport

import (
	"hash/fnv"
	"time"
)

// Process is the identity of one observed child (or descendant) process.
// Equality and hashing are defined by (PID, CreationTime) alone, per spec
// §3 "Reported process": a pid can be reused, but not within the same
// creation timestamp.
type Process struct {
	PID         int32
	ParentPID   int32
	Path        string
	CommandLine string
	CreationTime time.Time
	ExitTime    time.Time
	UserTime    time.Duration
	KernelTime  time.Duration
	ExitCode    int32
	Disposed    bool
}

// NewProcess constructs an immutable-after-construction Process record.
func NewProcess(pid, parentPID int32, path, commandLine string, creationTime time.Time) Process {
	return Process{
		PID:          pid,
		ParentPID:    parentPID,
		Path:         path,
		CommandLine:  commandLine,
		CreationTime: creationTime,
	}
}

// Equal implements the identity equality described in spec §3: pid and
// creation time, nothing else (two observations of the same live process
// may disagree on ExitCode/ExitTime while accumulating).
func (p Process) Equal(o Process) bool {
	return p.PID == o.PID && p.CreationTime.Equal(o.CreationTime)
}

// Hash returns a hash consistent with Equal.
func (p Process) Hash() uint64 {
	h := fnv.New64a()
	var buf [12]byte
	putInt32(buf[0:4], p.PID)
	putInt64(buf[4:12], p.CreationTime.UnixNano())
	h.Write(buf[:])
	return h.Sum64()
}

func putInt32(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}
