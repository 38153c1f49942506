package detour

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuspendAccounting_CreditAndReset(t *testing.T) {
	var s SuspendAccounting

	assert.Equal(t, time.Duration(0), s.CreditAndReset(), "no credit before any measuring")

	s.StartMeasuring()
	time.Sleep(10 * time.Millisecond)
	s.StopMeasuring()

	credit := s.CreditAndReset()
	assert.GreaterOrEqual(t, credit, 10*time.Millisecond)
	assert.Equal(t, time.Duration(0), s.CreditAndReset(), "credit is consumed by the first read")
}

func TestSuspendAccounting_NestedStartIsNoOp(t *testing.T) {
	var s SuspendAccounting
	s.StartMeasuring()
	start := time.Now()
	s.StartMeasuring() // should not reset the clock
	time.Sleep(5 * time.Millisecond)
	s.StopMeasuring()

	credit := s.CreditAndReset()
	assert.GreaterOrEqual(t, credit, time.Since(start)-time.Millisecond)
}

func TestSuspendAccounting_StopWithoutStartIsNoOp(t *testing.T) {
	var s SuspendAccounting
	s.StopMeasuring()
	assert.Equal(t, time.Duration(0), s.CreditAndReset())
}
