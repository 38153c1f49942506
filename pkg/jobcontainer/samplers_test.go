package jobcontainer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSamplerPool_AcquireReleaseTracksUsage(t *testing.T) {
	p := NewSamplerPool(2)
	p.acquire("run-a")
	p.acquire("run-b")
	assert.Equal(t, 2, p.Current())

	p.release("run-a")
	assert.Equal(t, 1, p.Current())
	p.release("run-b")
	assert.Equal(t, 0, p.Current())
}

func TestSamplerPool_DuplicateAcquirePanics(t *testing.T) {
	p := NewSamplerPool(2)
	p.acquire("run-a")
	assert.Panics(t, func() { p.acquire("run-a") })
}

func TestSamplerPool_ReleaseNonOwnerPanics(t *testing.T) {
	p := NewSamplerPool(2)
	assert.Panics(t, func() { p.release("nobody") })
}

func TestSamplerPool_UpdateLimitClampsNegative(t *testing.T) {
	p := NewSamplerPool(2)
	p.UpdateLimit(-5)
	assert.Equal(t, int64(0), p.maxCap)
}
