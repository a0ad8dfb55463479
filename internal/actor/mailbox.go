package actor

import "sync"

// mailbox is an unbounded FIFO queue drained by exactly one goroutine. push never blocks.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// push appends v. It returns false once the mailbox is closed.
func (m *mailbox[T]) push(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.items = append(m.items, v)
	m.notify()
	return true
}

// drain takes every queued item. open is false once the mailbox is closed;
// items queued before close are still returned.
func (m *mailbox[T]) drain() (items []T, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items = m.items
	if len(items) > 0 {
		m.items = make([]T, 0, 16)
	}
	return items, !m.closed
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.notify()
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *mailbox[T]) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}
