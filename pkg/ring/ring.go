// Package ring provides a small bounded FIFO collection used for the alert
// history. Insertion beyond capacity evicts the oldest element.
package ring

// Buffer is a fixed-capacity FIFO collection. It is not safe for concurrent
// use; callers synchronize externally (the reconciliation store holds its own
// lock around every mutation).
type Buffer[T any] struct {
	items    []T
	capacity int
}

// New creates a buffer with the given capacity. Capacities below 1 are
// raised to 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest when the buffer is full.
// It returns the evicted item and whether an eviction happened.
func (b *Buffer[T]) Push(item T) (evicted T, didEvict bool) {
	if len(b.items) == b.capacity {
		evicted = b.items[0]
		didEvict = true
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
	}
	b.items = append(b.items, item)
	return evicted, didEvict
}

// Items returns the items oldest-first. The returned slice is a copy.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Each calls fn for every item oldest-first until fn returns false.
func (b *Buffer[T]) Each(fn func(item T) bool) {
	for _, it := range b.items {
		if !fn(it) {
			return
		}
	}
}

// Find returns the first item matching the predicate.
func (b *Buffer[T]) Find(match func(item T) bool) (T, bool) {
	for _, it := range b.items {
		if match(it) {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// Mutate applies fn to the first item matching the predicate, in place.
// It reports whether a match was found.
func (b *Buffer[T]) Mutate(match func(item T) bool, fn func(item *T)) bool {
	for i := range b.items {
		if match(b.items[i]) {
			fn(&b.items[i])
			return true
		}
	}
	return false
}

// RemoveFunc removes every item matching the predicate, preserving order of
// the remainder. It returns the number of removed items.
func (b *Buffer[T]) RemoveFunc(match func(item T) bool) int {
	kept := b.items[:0]
	removed := 0
	for _, it := range b.items {
		if match(it) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	// Zero the tail for GC.
	var zero T
	for i := len(kept); i < len(b.items); i++ {
		b.items[i] = zero
	}
	b.items = kept
	return removed
}

// Clear removes all items.
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.items = b.items[:0]
}

// Len returns the current number of items.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Capacity returns the maximum number of items the buffer can hold.
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}
