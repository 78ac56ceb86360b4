package actor

import "container/heap"

// envelope wraps a [Message] with scheduling metadata for the mailbox heap.
// The seq field provides FIFO ordering within the same priority level.
type envelope struct {
	msg      Message
	priority Priority
	seq      uint64 // monotonic insertion order for FIFO tie-breaking
}

// mailbox implements [container/heap.Interface] as a max-heap ordered by
// priority (descending), with FIFO tie-breaking on seq (ascending).
type mailbox []envelope

func (h mailbox) Len() int { return len(h) }

// Less reports whether element i should be dequeued before element j.
// Higher priority wins; equal priority falls back to insertion order.
func (h mailbox) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h mailbox) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *mailbox) Push(x any) {
	*h = append(*h, x.(envelope))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *mailbox) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = envelope{} // drop the message reference
	*h = old[:n-1]
	return e
}

// next pops the envelope that should be processed next. ok is false when the
// mailbox is empty.
func (h *mailbox) next() (env envelope, ok bool) {
	if h.Len() == 0 {
		return envelope{}, false
	}
	return heap.Pop(h).(envelope), true
}
