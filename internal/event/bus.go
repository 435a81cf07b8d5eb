package event

import (
	"context"
	"sync"
)

// Bus is the multi-producer FIFO queue feeding the dispatcher. Send never
// blocks, so a handler running on the consuming side can safely enqueue
// follow-up messages for itself. Order is preserved per producer; there is
// no global order across producers.
type Bus struct {
	mu     sync.Mutex
	queue  []Message
	wake   chan struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{wake: make(chan struct{}, 1)}
}

// Send enqueues a message. It never blocks and is safe for concurrent use.
// Messages sent after Close are dropped.
func (b *Bus) Send(m Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, m)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Receive dequeues the next message in FIFO order, blocking until one is
// available. It returns false when the context is cancelled or the bus is
// closed and drained.
func (b *Bus) Receive(ctx context.Context) (Message, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			m := b.queue[0]
			// Slide rather than re-slice so released messages do not pin
			// the backing array.
			copy(b.queue, b.queue[1:])
			b.queue[len(b.queue)-1] = nil
			b.queue = b.queue[:len(b.queue)-1]
			b.mu.Unlock()
			return m, true
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-b.wake:
		}
	}
}

// Len reports the number of queued messages.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the bus. Queued messages can still be received; subsequent
// sends are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}
