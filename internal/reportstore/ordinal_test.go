package reportstore

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdinalAllocator_AssignIsStablePerRun(t *testing.T) {
	a := NewOrdinalAllocator()
	id := uuid.New()

	ord1 := a.Assign(id)
	ord2 := a.Assign(id)
	assert.Equal(t, ord1, ord2, "repeated Assign for the same run must return the same ordinal")
}

func TestOrdinalAllocator_ReleaseFreesOrdinalForReuse(t *testing.T) {
	a := NewOrdinalAllocator()
	id1 := uuid.New()
	ord1 := a.Assign(id1)
	a.Release(id1)

	_, ok := a.Resolve(ord1)
	assert.False(t, ok, "a released ordinal must no longer resolve")

	id2 := uuid.New()
	ord2 := a.Assign(id2)
	assert.Equal(t, ord1, ord2, "a freed ordinal should be the next one handed out")
}

func TestOrdinalAllocator_Resolve(t *testing.T) {
	a := NewOrdinalAllocator()
	id := uuid.New()
	ord := a.Assign(id)

	got, ok := a.Resolve(ord)
	require.True(t, ok)
	assert.Equal(t, id, got)
}
