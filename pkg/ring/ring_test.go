package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushEvictsOldest(t *testing.T) {
	b := New[int](3)

	for i := 1; i <= 3; i++ {
		_, evicted := b.Push(i)
		assert.False(t, evicted)
	}
	require.Equal(t, 3, b.Len())

	old, evicted := b.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, b.Items())
}

func TestBoundedUnderSustainedPush(t *testing.T) {
	const max = 5
	b := New[string](max)

	for i := 0; i < max+17; i++ {
		b.Push(fmt.Sprintf("alert-%d", i))
		assert.LessOrEqual(t, b.Len(), max)
	}

	// The max most recently pushed survive, oldest-first.
	items := b.Items()
	require.Len(t, items, max)
	assert.Equal(t, "alert-17", items[0])
	assert.Equal(t, "alert-21", items[max-1])
}

func TestRemoveFunc(t *testing.T) {
	b := New[int](10)
	for i := 0; i < 10; i++ {
		b.Push(i)
	}

	removed := b.RemoveFunc(func(v int) bool { return v%2 == 0 })
	assert.Equal(t, 5, removed)
	assert.Equal(t, []int{1, 3, 5, 7, 9}, b.Items())
}

func TestMutate(t *testing.T) {
	type entry struct {
		id  string
		ack bool
	}

	b := New[entry](4)
	b.Push(entry{id: "a"})
	b.Push(entry{id: "b"})

	ok := b.Mutate(
		func(e entry) bool { return e.id == "b" },
		func(e *entry) { e.ack = true },
	)
	require.True(t, ok)

	got, found := b.Find(func(e entry) bool { return e.id == "b" })
	require.True(t, found)
	assert.True(t, got.ack)

	assert.False(t, b.Mutate(
		func(e entry) bool { return e.id == "missing" },
		func(e *entry) { e.ack = true },
	))
}

func TestClear(t *testing.T) {
	b := New[int](4)
	b.Push(1)
	b.Push(2)
	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 4, b.Capacity())
}

func TestMinimumCapacity(t *testing.T) {
	b := New[int](0)
	assert.Equal(t, 1, b.Capacity())
	b.Push(1)
	old, evicted := b.Push(2)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)
}
