// Package bus fans per-symbol price updates out to any number of listeners.
//
// Each listener owns a buffered channel drained by its own dispatch
// goroutine, so publishers never wait on a listener and per-listener delivery
// order matches publish order.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// UpdateFunc receives one price update
type UpdateFunc func(models.PriceUpdate)

// DetachFunc removes exactly the registration that produced it.
// Safe to call more than once and from within the listener callback.
type DetachFunc func()

// LastValueFunc looks up the cached most-recent update for a symbol
type LastValueFunc func(symbol string) (models.PriceUpdate, bool)

type listener struct {
	ch chan models.PriceUpdate
}

type Bus struct {
	logger    *zap.Logger
	queueSize int
	lastValue LastValueFunc

	mu        sync.RWMutex
	listeners map[string]map[*listener]struct{}
}

// New creates a bus. lastValue may be nil if no replay source exists.
func New(logger *zap.Logger, queueSize int, lastValue LastValueFunc) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		logger:    logger,
		queueSize: queueSize,
		lastValue: lastValue,
		listeners: make(map[string]map[*listener]struct{}),
	}
}

// Attach registers fn for a symbol and returns its detach capability.
//
// If a cached last value exists it is enqueued before the registration lock
// is released, so the listener observes it before any newer publish
// (replay-on-attach). Delivery happens on the listener's dispatch goroutine;
// Attach itself never blocks on fn.
func (b *Bus) Attach(symbol string, fn UpdateFunc) DetachFunc {
	symbol = models.NormalizeSymbol(symbol)
	l := &listener{ch: make(chan models.PriceUpdate, b.queueSize)}

	b.mu.Lock()
	set := b.listeners[symbol]
	if set == nil {
		set = make(map[*listener]struct{})
		b.listeners[symbol] = set
	}
	set[l] = struct{}{}

	if b.lastValue != nil {
		if u, ok := b.lastValue(symbol); ok {
			l.ch <- u // buffered, first element
		}
	}
	b.mu.Unlock()

	go func() {
		for u := range l.ch {
			fn(u)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.listeners[symbol]; ok {
				delete(set, l)
				if len(set) == 0 {
					delete(b.listeners, symbol)
				}
			}
			close(l.ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers an update to every listener currently attached to the
// symbol. Never blocks: a listener whose queue is full loses the update (its
// consumer is expected to drain without suspending, so this only fires when a
// callback misbehaves).
func (b *Bus) Publish(symbol string, u models.PriceUpdate) {
	symbol = models.NormalizeSymbol(symbol)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for l := range b.listeners[symbol] {
		select {
		case l.ch <- u:
		default:
			b.logger.Warn("Listener queue full, dropping update", zap.String("symbol", symbol))
		}
	}
}

// ListenerCount reports how many listeners are attached to a symbol
func (b *Bus) ListenerCount(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[models.NormalizeSymbol(symbol)])
}
