package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrEmpty = errors.New("mailbox empty")

// Mailbox is an unbounded FIFO shared by many producers and consumers.
// Put never blocks, so a slow consumer cannot stall the callback server or a
// shepherd goroutine.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
	}
}

func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// TryGet pops the oldest item without waiting.
func (m *Mailbox[T]) TryGet() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.items) == 0 {
		return zero, false
	}
	v := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	return v, true
}

// Get waits up to timeout for an item. It returns ErrEmpty on timeout and the
// context error if ctx ends first.
func (m *Mailbox[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if v, ok := m.TryGet(); ok {
			return v, nil
		}
		var zero T
		select {
		case <-m.notify:
		case <-timer.C:
			if v, ok := m.TryGet(); ok {
				return v, nil
			}
			return zero, ErrEmpty
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Drain removes and returns everything queued.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Notify fires at least once after each Put. A single receiver should own it;
// other waiters should poll.
func (m *Mailbox[T]) Notify() <-chan struct{} {
	return m.notify
}
