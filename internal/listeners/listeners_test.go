package listeners

import "testing"

func TestListEmitsInRegistrationOrder(t *testing.T) {
	var l List[int]
	var got []string

	l.Add(func(v int) { got = append(got, "a") })
	removeB := l.Add(func(v int) { got = append(got, "b") })
	l.Add(func(v int) { got = append(got, "c") })

	l.Emit(1)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("first emit order = %v, want [a b c]", got)
	}

	removeB()
	removeB()
	got = nil
	l.Emit(2)
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("after remove order = %v, want [a c]", got)
	}
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
}

func TestListRemoveDuringEmit(t *testing.T) {
	var l List[string]
	calls := 0
	var remove func()
	remove = l.Add(func(string) {
		calls++
		remove()
	})
	l.Add(func(string) { calls++ })

	l.Emit("x")
	if calls != 2 {
		t.Fatalf("calls after first emit = %d, want 2", calls)
	}
	l.Emit("y")
	if calls != 3 {
		t.Fatalf("calls after second emit = %d, want 3", calls)
	}
}

func TestListNilCallback(t *testing.T) {
	var l List[int]
	remove := l.Add(nil)
	remove()
	if l.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", l.Len())
	}
	l.Emit(1)
}
