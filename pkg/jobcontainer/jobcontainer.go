// Package jobcontainer groups a root process and its descendants so they
// can be enumerated, accounted, and terminated collectively — the Linux
// analogue of the job-object construct in spec component D. Two backends
// are supported: a cgroup v2 backend (preferred, gives exact membership and
// accounting) and a process-group backend (fallback when cgroups are
// unavailable, e.g. inside another container without delegated cgroup
// controllers).
package jobcontainer

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ErrDisposed is returned by every operation once Dispose has been called —
// spec §4.D's "terminated before visitation".
var ErrDisposed = errors.New("jobcontainer: terminated before visitation")

// Options mirrors the job-container creation flags of spec §4.D.
type Options struct {
	// TerminateOnClose kills every member process when the container is
	// disposed, rather than leaving them to outlive it.
	TerminateOnClose bool
	// AllowBreakaway records whether a descendant may detach from the
	// container. Neither backend changes its behavior for it: the cgroup
	// backend leaves the cgroup configured as usual, and the process-group
	// backend ignores the flag.
	AllowBreakaway bool
	// FailCriticalErrors, when true, surfaces backend setup failures
	// instead of silently falling back to the process-group backend.
	FailCriticalErrors bool
}

// Accounting is the resource-usage snapshot returned by the Accounting
// method, matching the tuple in spec §4.D.
type Accounting struct {
	UserTime        int64 // nanoseconds
	KernelTime      int64 // nanoseconds
	PeakWorkingSet  uint64
	IOBytesRead     uint64
	IOBytesWritten  uint64
	ActiveCount     int
}

// backend is the minimal capability set a concrete mechanism (cgroup v2,
// process group) must provide. JobContainer adds the shared-resource
// locking policy on top.
type backend interface {
	assign(pid int) error
	terminate(exitCode int) error
	enumeratePIDs() ([]int32, error)
	accounting() (Accounting, error)
	dispose() error
}

// JobContainer is the public handle. Reads (enumeration, accounting,
// contains) take a read lock so multiple samplers can run concurrently;
// terminate and dispose take the write lock, per spec §4.D / §5.
type JobContainer struct {
	log     *zap.Logger
	opts    Options
	backend backend

	mu         sync.RWMutex
	disposed   bool
	terminated bool
}

// New probes for cgroup v2 delegation and falls back to a process-group
// backend if it is unavailable. The caller still owns spawning the root
// process; Assign must be called once it exists.
func New(opts Options, log *zap.Logger) (*JobContainer, error) {
	log = log.Named("jobcontainer")

	b, err := newCgroupBackend(opts)
	if err != nil {
		if opts.FailCriticalErrors {
			return nil, fmt.Errorf("jobcontainer: cgroup backend unavailable: %w", err)
		}
		log.Info("cgroup v2 delegation unavailable, falling back to process-group backend",
			zap.Error(err))
		b = newProcessGroupBackend()
	}

	return &JobContainer{log: log, opts: opts, backend: b}, nil
}

// Assign adds pid (and, for the cgroup backend, implicitly every
// descendant it forks) to the container.
func (c *JobContainer) Assign(pid int) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disposed {
		return ErrDisposed
	}
	return c.backend.assign(pid)
}

// Terminate kills every process currently in the container and marks it
// terminated. Synchronous: it does not return until every member has been
// signalled.
func (c *JobContainer) Terminate(exitCode int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.terminated {
		return nil
	}
	err := c.backend.terminate(exitCode)
	c.terminated = true
	return err
}

// EnumeratePIDs lists every process the backend currently considers a
// member.
func (c *JobContainer) EnumeratePIDs() ([]int32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disposed {
		return nil, ErrDisposed
	}
	return c.backend.enumeratePIDs()
}

// Contains reports whether pid is currently a member.
func (c *JobContainer) Contains(pid int32) (bool, error) {
	pids, err := c.EnumeratePIDs()
	if err != nil {
		return false, err
	}
	for _, p := range pids {
		if p == pid {
			return true, nil
		}
	}
	return false, nil
}

// Accounting returns the aggregate resource usage of the container.
func (c *JobContainer) Accounting() (Accounting, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disposed {
		return Accounting{}, ErrDisposed
	}
	return c.backend.accounting()
}

// Terminated reports whether Terminate (or Dispose's terminate-on-close
// step) has run, whether or not the backend reported an error.
func (c *JobContainer) Terminated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminated
}

// Dispose releases the backend's resources. If TerminateOnClose was set and
// the container was never explicitly terminated, it terminates first.
func (c *JobContainer) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil
	}
	var termErr error
	if c.opts.TerminateOnClose && !c.terminated {
		termErr = c.backend.terminate(killExitCode)
		c.terminated = true
	}
	disposeErr := c.backend.dispose()
	c.disposed = true
	if termErr != nil {
		return termErr
	}
	return disposeErr
}

// killExitCode is the synthetic exit code recorded for members killed by
// Dispose's best-effort cleanup rather than an explicit Terminate call.
const killExitCode = -1

// capabilityProbe reports whether this host has a usable cgroup v2
// hierarchy. Evaluated once at first use and treated as immutable
// thereafter, per spec §9's module-level-constant guidance for
// platform-capability flags.
var (
	cgroupCapabilityOnce    sync.Once
	cgroupCapabilityPresent bool
)

func cgroupV2Available() bool {
	cgroupCapabilityOnce.Do(func() {
		_, err := os.Stat(cgroupRoot + "/cgroup.controllers")
		cgroupCapabilityPresent = err == nil
	})
	return cgroupCapabilityPresent
}
