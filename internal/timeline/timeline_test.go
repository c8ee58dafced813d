package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushWithinCapacity(t *testing.T) {
	tl := New[int](5)
	tl.Push(1)
	tl.Push(2)
	tl.Push(3)

	assert.Equal(t, []int{1, 2, 3}, tl.Items())
	assert.Equal(t, 3, tl.Len())
	assert.False(t, tl.Full())
}

func TestPushEvictsOldest(t *testing.T) {
	tl := New[int](3)
	for i := 1; i <= 5; i++ {
		tl.Push(i)
	}

	assert.Equal(t, []int{3, 4, 5}, tl.Items())
	assert.True(t, tl.Full())

	first, ok := tl.First()
	require.True(t, ok)
	assert.Equal(t, 3, first)

	last, ok := tl.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last)
}

func TestBoundHoldsForAnyPushCount(t *testing.T) {
	for size := 1; size <= 7; size++ {
		tl := New[int](size)
		for n := 0; n < 3*size+2; n++ {
			tl.Push(n)
			require.LessOrEqual(t, tl.Len(), size)

			items := tl.Items()
			start := n + 1 - len(items)
			for i, v := range items {
				require.Equal(t, start+i, v, "size=%d pushes=%d", size, n+1)
			}
		}
	}
}

func TestEmpty(t *testing.T) {
	tl := New[time.Time](2)
	_, ok := tl.First()
	assert.False(t, ok)
	_, ok = tl.Last()
	assert.False(t, ok)
	assert.Empty(t, tl.Items())
}

func TestClear(t *testing.T) {
	tl := New[bool](2)
	tl.Push(true)
	tl.Push(false)
	tl.Clear()

	assert.Equal(t, 0, tl.Len())
	assert.False(t, tl.Full())

	tl.Push(true)
	assert.Equal(t, []bool{true}, tl.Items())
}

func TestCount(t *testing.T) {
	tl := New[bool](4)
	for _, v := range []bool{true, false, true, true, false} {
		tl.Push(v)
	}
	assert.Equal(t, 2, tl.Count(func(b bool) bool { return b }))
}

func TestNonPositiveSize(t *testing.T) {
	tl := New[int](0)
	tl.Push(1)
	tl.Push(2)
	assert.Equal(t, 1, tl.Cap())
	assert.Equal(t, []int{2}, tl.Items())
}
