package detour

import (
	"sync"
	"time"
)

// SuspendAccounting tracks how long a detoured process tree has spent
// frozen so a timeout deadline can be extended by exactly that much (spec
// §4.F "suspend accounting", P4). StartMeasuring/StopMeasuring bracket a
// freeze/resume pair; CreditAndReset is called from the timeout branch of
// the completion callback to atomically collect and clear the accumulated
// credit.
type SuspendAccounting struct {
	mu          sync.Mutex
	measuring   bool
	startedAt   time.Time
	accumulated time.Duration
}

// StartMeasuring begins a suspension interval. Calling it while already
// measuring is a no-op — only the first freeze in a nested pause/resume
// sequence starts the clock.
func (s *SuspendAccounting) StartMeasuring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.measuring {
		return
	}
	s.measuring = true
	s.startedAt = time.Now()
}

// StopMeasuring ends the current suspension interval and adds its duration
// to the accumulated counter.
func (s *SuspendAccounting) StopMeasuring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.measuring {
		return
	}
	s.accumulated += time.Since(s.startedAt)
	s.measuring = false
}

// CreditAndReset returns the accumulated suspended duration and resets the
// counter to zero, atomically. Called from the timeout branch so the
// caller can re-arm its wait for exactly that many milliseconds (spec
// §4.F step 1).
func (s *SuspendAccounting) CreditAndReset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	credit := s.accumulated
	s.accumulated = 0
	return credit
}
