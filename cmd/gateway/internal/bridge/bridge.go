// Package bridge adapts push-style bus callbacks into a pull-style stream a
// single consumer drains one item at a time.
package bridge

import (
	"context"
	"sync"

	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// Bridge is an unbounded FIFO with a single waiting-consumer slot.
//
// Push never blocks: if a Pull is suspended the item is handed to it
// directly, otherwise it is appended to the queue. Pull is the only
// suspension point. After Close, pending and future Pulls return ok=false
// immediately and Push becomes a no-op.
type Bridge struct {
	mu     sync.Mutex
	queue  []models.PriceUpdate
	waiter chan models.PriceUpdate // at most one, nil when no Pull is suspended
	closed bool
}

func New() *Bridge {
	return &Bridge{}
}

// Push enqueues one update or hands it directly to a suspended Pull
func (b *Bridge) Push(u models.PriceUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.waiter != nil {
		b.waiter <- u // buffered(1), cannot block
		b.waiter = nil
		return
	}
	b.queue = append(b.queue, u)
}

// Pull returns the oldest pending update, suspending until one arrives.
// ok is false when the bridge is closed or ctx is cancelled.
func (b *Bridge) Pull(ctx context.Context) (u models.PriceUpdate, ok bool) {
	b.mu.Lock()
	if len(b.queue) > 0 {
		u = b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return u, true
	}
	if b.closed {
		b.mu.Unlock()
		return models.PriceUpdate{}, false
	}
	if b.waiter != nil {
		// Second concurrent Pull: the bridge is single-consumer per
		// connection, so this is a caller bug. Fail the extra Pull instead
		// of corrupting the waiter slot.
		b.mu.Unlock()
		return models.PriceUpdate{}, false
	}

	w := make(chan models.PriceUpdate, 1)
	b.waiter = w
	b.mu.Unlock()

	select {
	case u, delivered := <-w:
		return u, delivered
	case <-ctx.Done():
		b.mu.Lock()
		if b.waiter == w {
			b.waiter = nil
			b.mu.Unlock()
			return models.PriceUpdate{}, false
		}
		b.mu.Unlock()
		// A Push (or Close) already claimed the slot. If an item was handed
		// over, requeue it at the front so nothing is lost.
		select {
		case u, delivered := <-w:
			if delivered {
				b.mu.Lock()
				b.queue = append([]models.PriceUpdate{u}, b.queue...)
				b.mu.Unlock()
			}
		default:
		}
		return models.PriceUpdate{}, false
	}
}

// Close marks the bridge closed and wakes any suspended Pull. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	if b.waiter != nil {
		close(b.waiter)
		b.waiter = nil
	}
}

// Len reports the number of pending updates
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
