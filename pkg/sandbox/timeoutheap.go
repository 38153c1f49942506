package sandbox

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// deadlineEvent is one run's scheduled timeout deadline.
type deadlineEvent struct {
	runID uuid.UUID
	when  time.Time
	index int
}

// deadlineHeap is a min-heap ordered by deadline, letting a supervisord
// process answer "what's the next run about to time out" across every
// active run without a goroutine-per-run timer. Adapted near-verbatim from
// the teacher's processmgr scheduler: same push/next/remove shape,
// repointed from restart-cooldown events keyed by pid to timeout deadlines
// keyed by run id.
type deadlineHeap struct {
	mu      sync.Mutex
	h       rawHeap
	entries map[uuid.UUID]*deadlineEvent
}

func newDeadlineHeap() *deadlineHeap {
	h := rawHeap{}
	heap.Init(&h)
	return &deadlineHeap{h: h, entries: make(map[uuid.UUID]*deadlineEvent)}
}

// push schedules (or reschedules) runID's deadline at when.
func (s *deadlineHeap) push(runID uuid.UUID, when time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[runID]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, runID)
	}
	ev := &deadlineEvent{runID: runID, when: when}
	s.entries[runID] = ev
	heap.Push(&s.h, ev)
}

// next returns the soonest deadline without removing it.
func (s *deadlineHeap) next() (runID uuid.UUID, when time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.h) == 0 {
		return uuid.Nil, time.Time{}, false
	}
	ev := s.h[0]
	return ev.runID, ev.when, true
}

// remove cancels runID's pending deadline, if any (called once a run
// completes before its timeout fires).
func (s *deadlineHeap) remove(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.entries[runID]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, runID)
}

type rawHeap []*deadlineEvent

func (h rawHeap) Len() int            { return len(h) }
func (h rawHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h rawHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *rawHeap) Push(x any) {
	ev := x.(*deadlineEvent)
	ev.index = len(*h)
	*h = append(*h, ev)
}
func (h *rawHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}
