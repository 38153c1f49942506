package sandbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistry_TrackListGet(t *testing.T) {
	reg := NewRegistry()
	runID := uuid.New()
	sup := New(runID, Options{Timeout: time.Minute}, zap.NewNop())

	reg.Track(sup, time.Now())

	got, ok := reg.Get(runID)
	require.True(t, ok)
	assert.Same(t, sup, got)
	assert.Contains(t, reg.List(), runID)

	nextID, _, ok := reg.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, runID, nextID)
}

func TestRegistry_UntrackRemovesDeadline(t *testing.T) {
	reg := NewRegistry()
	runID := uuid.New()
	sup := New(runID, Options{Timeout: time.Minute}, zap.NewNop())
	reg.Track(sup, time.Now())

	reg.Untrack(runID)

	_, ok := reg.Get(runID)
	assert.False(t, ok)
	_, _, ok = reg.NextDeadline()
	assert.False(t, ok)
}
