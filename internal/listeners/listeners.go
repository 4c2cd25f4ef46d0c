// Package listeners holds ordered, removable callback lists used in place of
// string-keyed event emitters. Lists are not safe for concurrent use; they are
// mutated from the simulation loop only.
package listeners

// List is an ordered set of callbacks receiving values of type T.
type List[T any] struct {
	next    uint64
	entries []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function that removes it again. Removing
// twice is a no-op.
func (l *List[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	l.next++
	id := l.next
	l.entries = append(l.entries, entry[T]{id: id, fn: fn})
	return func() { l.remove(id) }
}

func (l *List[T]) remove(id uint64) {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Len reports how many callbacks are registered.
func (l *List[T]) Len() int { return len(l.entries) }

// Emit delivers v to every callback in registration order. Callbacks added or
// removed during Emit take effect from the next Emit.
func (l *List[T]) Emit(v T) {
	if len(l.entries) == 0 {
		return
	}
	snapshot := make([]entry[T], len(l.entries))
	copy(snapshot, l.entries)
	for _, e := range snapshot {
		e.fn(v)
	}
}

// Clear drops every registered callback.
func (l *List[T]) Clear() { l.entries = nil }
