package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipsandbox/supervisor/pkg/jobcontainer"
)

// defaultAccountingPoolSize bounds how many accounting queries the runs
// tracked by one Registry may have in flight at once (see
// jobcontainer.SamplerPool).
const defaultAccountingPoolSize = 8

// Registry tracks every run a supervisord process currently has in flight,
// so the diagnostics server can answer "what's running" and "what times out
// next" without each Supervisor owning its own timer goroutine.
type Registry struct {
	deadlines *deadlineHeap
	pool      *jobcontainer.SamplerPool

	mu   sync.RWMutex
	runs map[uuid.UUID]*Supervisor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		deadlines: newDeadlineHeap(),
		pool:      jobcontainer.NewSamplerPool(defaultAccountingPoolSize),
		runs:      make(map[uuid.UUID]*Supervisor),
	}
}

// AccountingPool returns the sampler pool this registry's runs should share
// for job-container accounting queries. Pass it as Options.AccountingPool
// before Start so a run's final accounting snapshot is bounded alongside
// every other run this registry tracks.
func (reg *Registry) AccountingPool() *jobcontainer.SamplerPool { return reg.pool }

// Track registers s under its run id. If s.Options.Timeout is non-zero, its
// deadline is recorded relative to startedAt.
func (reg *Registry) Track(s *Supervisor, startedAt time.Time) {
	reg.mu.Lock()
	reg.runs[s.runID] = s
	reg.mu.Unlock()

	if s.opts.Timeout > 0 {
		reg.deadlines.push(s.runID, startedAt.Add(s.opts.Timeout))
	}

	go func() {
		<-s.Done()
		reg.Untrack(s.runID)
	}()
}

// Untrack removes a completed or abandoned run from the registry.
func (reg *Registry) Untrack(runID uuid.UUID) {
	reg.mu.Lock()
	delete(reg.runs, runID)
	reg.mu.Unlock()
	reg.deadlines.remove(runID)
}

// Get returns the Supervisor for runID, if it is still tracked.
func (reg *Registry) Get(runID uuid.UUID) (*Supervisor, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	s, ok := reg.runs[runID]
	return s, ok
}

// List returns every run id currently tracked.
func (reg *Registry) List() []uuid.UUID {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(reg.runs))
	for id := range reg.runs {
		out = append(out, id)
	}
	return out
}

// NextDeadline reports the soonest pending timeout across every tracked
// run, for a diagnostics "time to next timeout" gauge.
func (reg *Registry) NextDeadline() (runID uuid.UUID, when time.Time, ok bool) {
	return reg.deadlines.next()
}
