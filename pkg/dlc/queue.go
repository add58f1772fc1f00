package dlc

// RequestQueue is the ordered list of pack requests still downloading. The
// head gets transfer slots first and is the only request that can report
// itself downloaded while queued.
type RequestQueue struct {
	items     []*PackRequest
	dependsOn func(parent, child *PackRequest) bool
}

// NewRequestQueue builds a queue. dependsOn reports whether parent needs
// child and may be nil.
func NewRequestQueue(dependsOn func(parent, child *PackRequest) bool) *RequestQueue {
	return &RequestQueue{dependsOn: dependsOn}
}

// Push appends r, or inserts it just before the first queued request that
// depends on it.
func (q *RequestQueue) Push(r *PackRequest) {
	if q.Contains(r) {
		return
	}
	at := len(q.items)
	if q.dependsOn != nil {
		for i, other := range q.items {
			if q.dependsOn(other, r) {
				at = i
				break
			}
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = r
}

// MoveToFront moves rs, in the given order, to the head of the queue.
// Requests not in the queue are skipped.
func (q *RequestQueue) MoveToFront(rs ...*PackRequest) {
	front := make([]*PackRequest, 0, len(rs))
	for _, r := range rs {
		if q.Contains(r) && !containsReq(front, r) {
			front = append(front, r)
		}
	}
	rest := make([]*PackRequest, 0, len(q.items))
	for _, r := range q.items {
		if !containsReq(front, r) {
			rest = append(rest, r)
		}
	}
	q.items = append(front, rest...)
}

// Remove drops r from the queue. It reports whether r was queued.
func (q *RequestQueue) Remove(r *PackRequest) bool {
	for i, other := range q.items {
		if other == r {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Top returns the head, or nil.
func (q *RequestQueue) Top() *PackRequest {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *RequestQueue) IsTop(r *PackRequest) bool {
	return len(q.items) > 0 && q.items[0] == r
}

func (q *RequestQueue) Contains(r *PackRequest) bool {
	return containsReq(q.items, r)
}

func (q *RequestQueue) Len() int {
	return len(q.items)
}

// Items returns a snapshot of the queue in order.
func (q *RequestQueue) Items() []*PackRequest {
	return append([]*PackRequest(nil), q.items...)
}

// Clear empties the queue.
func (q *RequestQueue) Clear() {
	q.items = nil
}

func containsReq(rs []*PackRequest, r *PackRequest) bool {
	for _, other := range rs {
		if other == r {
			return true
		}
	}
	return false
}
