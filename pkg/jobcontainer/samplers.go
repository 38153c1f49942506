package jobcontainer

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SamplerPool bounds how many accounting queries may be in flight across
// every container on the host at once. Reading cpu.stat/io.stat for many
// concurrently running pips is cheap individually, but a diagnostics poll
// sweeping hundreds of live runs at once can still produce a noticeable
// burst of syscalls; the pool smooths that out.
//
// Adapted from the teacher's processmgr slot pool: same ownership-tracked
// acquire/release discipline, generalized from an int64 pid key to a string
// owner id (a run id), since accounting samplers are identified by the run
// they belong to, not by a kernel pid. The concurrency limit itself is
// backed by golang.org/x/sync/semaphore rather than a hand-rolled
// sync.Cond wait loop.
type SamplerPool struct {
	mu         sync.Mutex
	sem        *semaphore.Weighted
	maxCap     int64
	acquiredBy map[string]*semaphore.Weighted
}

// NewSamplerPool returns a pool allowing up to max concurrent accounting
// queries.
func NewSamplerPool(max int) *SamplerPool {
	if max < 0 {
		max = 0
	}
	return &SamplerPool{
		sem:        semaphore.NewWeighted(int64(max)),
		maxCap:     int64(max),
		acquiredBy: make(map[string]*semaphore.Weighted),
	}
}

// acquire blocks until a slot is free and registers owner as holding it.
// Duplicate acquisition by the same owner is a protocol violation.
func (p *SamplerPool) acquire(owner string) {
	p.mu.Lock()
	if _, holds := p.acquiredBy[owner]; holds {
		p.mu.Unlock()
		panic("jobcontainer: sampler pool: owner already holds a slot")
	}
	sem := p.sem
	p.mu.Unlock()

	// The semaphore pointer is captured before acquiring so a concurrent
	// UpdateLimit swapping p.sem doesn't change which semaphore this
	// owner must later release.
	_ = sem.Acquire(context.Background(), 1)

	p.mu.Lock()
	p.acquiredBy[owner] = sem
	p.mu.Unlock()
}

func (p *SamplerPool) release(owner string) {
	p.mu.Lock()
	sem, holds := p.acquiredBy[owner]
	if !holds {
		p.mu.Unlock()
		panic("jobcontainer: sampler pool: release for non-owner")
	}
	delete(p.acquiredBy, owner)
	p.mu.Unlock()

	sem.Release(1)
}

// Current returns the number of in-flight accounting queries.
func (p *SamplerPool) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acquiredBy)
}

// UpdateLimit adjusts the pool's concurrency cap. Negative values clamp to
// zero. Owners already holding a slot keep it; the new cap applies to
// acquisitions made from this point on.
func (p *SamplerPool) UpdateLimit(newCap int) {
	if newCap < 0 {
		newCap = 0
	}
	p.mu.Lock()
	p.maxCap = int64(newCap)
	p.sem = semaphore.NewWeighted(p.maxCap)
	p.mu.Unlock()
}

// SampledAccounting runs c.Accounting() through pool, blocking until a
// slot is available under ownerID (typically the run id the container
// belongs to).
func (c *JobContainer) SampledAccounting(pool *SamplerPool, ownerID string) (Accounting, error) {
	pool.acquire(ownerID)
	defer pool.release(ownerID)
	return c.Accounting()
}
