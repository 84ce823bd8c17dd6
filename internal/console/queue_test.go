package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewBoundedLineQueue(10)
	q.Put("one")
	q.Put("two")
	q.Put("three")

	for _, want := range []string{"one", "two", "three"} {
		got, err := q.Get(false, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	q := NewBoundedLineQueue(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		q.Put(line)
	}

	require.Equal(t, 3, q.Len())
	got, err := q.Get(false, 0)
	require.NoError(t, err)
	assert.Equal(t, "c", got)
}

func TestQueueNonBlockingEmpty(t *testing.T) {
	q := NewBoundedLineQueue(3)
	_, err := q.Get(false, 0)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueBlockingGetWakesOnPut(t *testing.T) {
	q := NewBoundedLineQueue(3)
	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Put("late")
	}()

	start := time.Now()
	got, err := q.Get(true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueBlockingGetTimesOut(t *testing.T) {
	q := NewBoundedLineQueue(3)
	start := time.Now()
	_, err := q.Get(true, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueueClear(t *testing.T) {
	q := NewBoundedLineQueue(0)
	q.Put("x")
	q.Put("y")
	q.Clear()
	assert.Equal(t, 0, q.Len())
	_, err := q.Get(false, 0)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueUnboundedGrowth(t *testing.T) {
	q := NewBoundedLineQueue(0)
	for i := 0; i < 1000; i++ {
		q.Put("line")
	}
	assert.Equal(t, 1000, q.Len())
}
