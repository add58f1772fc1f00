package dlc

import "testing"

func names(rs []*PackRequest) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name()
	}
	return out
}

func TestRequestQueuePushOrder(t *testing.T) {
	a, b, c := newPackRequest("a"), newPackRequest("b"), newPackRequest("c")
	// c depends on a.
	q := NewRequestQueue(func(parent, child *PackRequest) bool {
		return parent == c && child == a
	})

	q.Push(b)
	q.Push(c)
	q.Push(a)
	q.Push(a)
	if got := names(q.Items()); !equalStrings(got, []string{"b", "a", "c"}) {
		t.Fatalf("queue = %v, want [b a c]", got)
	}
	if !q.IsTop(b) || q.Top() != b {
		t.Fatal("b should be the head")
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
}

func TestRequestQueueMoveAndRemove(t *testing.T) {
	a, b, c, d := newPackRequest("a"), newPackRequest("b"), newPackRequest("c"), newPackRequest("d")
	q := NewRequestQueue(nil)
	for _, r := range []*PackRequest{a, b, c} {
		q.Push(r)
	}

	q.MoveToFront(c, d, b)
	if got := names(q.Items()); !equalStrings(got, []string{"c", "b", "a"}) {
		t.Fatalf("queue = %v, want [c b a]", got)
	}

	if !q.Remove(b) || q.Remove(b) {
		t.Fatal("Remove should report membership once")
	}
	if q.Contains(b) {
		t.Fatal("b still queued")
	}

	q.Clear()
	if q.Top() != nil || q.IsTop(a) || q.Len() != 0 {
		t.Fatal("queue not empty after Clear")
	}
}

func TestSignal(t *testing.T) {
	var s Signal[int]
	var got []int
	first := s.Connect(func(v int) { got = append(got, v) })
	s.Connect(func(v int) { got = append(got, v*10) })

	s.Emit(1)
	s.Disconnect(first)
	s.Emit(2)
	if !equalInts(got, []int{1, 10, 20}) {
		t.Fatalf("got %v, want [1 10 20]", got)
	}

	s.DisconnectAll()
	s.Emit(3)
	if len(got) != 3 {
		t.Fatalf("slot ran after DisconnectAll: %v", got)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
