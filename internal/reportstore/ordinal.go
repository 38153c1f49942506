package reportstore

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ordinalMax bounds the ordinal space, matching the scale of a single
// supervisord process's in-memory run history before it ages entries out.
const ordinalMax = 1 << 20

// OrdinalAllocator hands out small monotonic integers for run ids, so a
// diagnostics URL can read "/runs/482" instead of the full uuid. Adapted
// from the teacher's PIDAllocator: same increment-wrap-skip-in-use scan,
// repointed from a pid space onto run ordinals keyed by uuid.
type OrdinalAllocator struct {
	mu    sync.Mutex
	next  int
	inUse map[int]uuid.UUID
	byRun map[uuid.UUID]int
}

// NewOrdinalAllocator returns an empty allocator starting at ordinal 1.
func NewOrdinalAllocator() *OrdinalAllocator {
	return &OrdinalAllocator{
		next:  1,
		inUse: make(map[int]uuid.UUID),
		byRun: make(map[uuid.UUID]int),
	}
}

// Assign returns runID's ordinal, allocating a fresh one if this is the
// first time runID has been seen. Panics if the ordinal space is
// exhausted — a supervisord process is expected to Release finished runs
// long before that happens.
func (a *OrdinalAllocator) Assign(runID uuid.UUID) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ord, ok := a.byRun[runID]; ok {
		return ord
	}

	start := a.next
	for {
		ord := a.next
		a.next++
		if a.next > ordinalMax {
			a.next = 1
		}
		if _, used := a.inUse[ord]; used {
			if a.next == start {
				panic(fmt.Sprintf("OrdinalAllocator exhausted: 1..%d fully allocated", ordinalMax))
			}
			continue
		}
		a.inUse[ord] = runID
		a.byRun[runID] = ord
		return ord
	}
}

// Release frees runID's ordinal for reuse once its result has been
// archived and the run no longer needs a live diagnostics URL.
func (a *OrdinalAllocator) Release(runID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.byRun[runID]
	if !ok {
		return
	}
	delete(a.inUse, ord)
	delete(a.byRun, runID)
}

// Resolve returns the run id behind an ordinal, if still live.
func (a *OrdinalAllocator) Resolve(ord int) (uuid.UUID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.inUse[ord]
	return id, ok
}
