package dlc

// Signal is a minimal synchronous observer list. Slots run on the goroutine
// calling Manager.Update, in connection order.
type Signal[T any] struct {
	slots  []slot[T]
	nextID int
}

type slot[T any] struct {
	id int
	fn func(T)
}

// Connect registers fn and returns an id for Disconnect.
func (s *Signal[T]) Connect(fn func(T)) int {
	s.nextID++
	s.slots = append(s.slots, slot[T]{id: s.nextID, fn: fn})
	return s.nextID
}

// Disconnect removes the slot registered under id.
func (s *Signal[T]) Disconnect(id int) {
	for i, sl := range s.slots {
		if sl.id == id {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			return
		}
	}
}

// DisconnectAll drops every slot.
func (s *Signal[T]) DisconnectAll() {
	s.slots = nil
}

// Emit calls every slot with v.
func (s *Signal[T]) Emit(v T) {
	for _, sl := range append([]slot[T](nil), s.slots...) {
		sl.fn(v)
	}
}

// InitResult is emitted by InitializeFinished.
type InitResult struct {
	Downloaded int
	Total      int
}

// FileError is emitted by FileErrorOccurred when a local write fails.
type FileError struct {
	Path  string
	Errno int
}
