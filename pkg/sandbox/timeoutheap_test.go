package sandbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadlineHeap_NextReturnsSoonest(t *testing.T) {
	h := newDeadlineHeap()
	now := time.Unix(1000, 0)

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	h.push(a, now.Add(30*time.Second))
	h.push(b, now.Add(5*time.Second))
	h.push(c, now.Add(60*time.Second))

	id, when, ok := h.next()
	require.True(t, ok)
	assert.Equal(t, b, id)
	assert.True(t, when.Equal(now.Add(5 * time.Second)))
}

func TestDeadlineHeap_RemoveThenEmpty(t *testing.T) {
	h := newDeadlineHeap()
	id := uuid.New()
	h.push(id, time.Unix(1000, 0))
	h.remove(id)

	_, _, ok := h.next()
	assert.False(t, ok)
}

func TestDeadlineHeap_PushTwiceReschedules(t *testing.T) {
	h := newDeadlineHeap()
	id := uuid.New()
	base := time.Unix(1000, 0)
	h.push(id, base.Add(time.Minute))
	h.push(id, base.Add(time.Second))

	gotID, when, ok := h.next()
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.True(t, when.Equal(base.Add(time.Second)), "second push must replace the first deadline, not add a duplicate entry")
}
