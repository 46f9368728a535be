// Package registry owns the lifecycle of live price sources: at most one open
// feed handle per symbol, reference-counted by the sessions that need it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/bus"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/feed"
	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// ErrShuttingDown is returned by Acquire once Close has been called
var ErrShuttingDown = errors.New("registry shutting down")

type lifecycleState int

const (
	stateOpening lifecycleState = iota
	stateOpen
	stateClosing
)

// entry tracks one symbol's live source. An entry exists from the first
// reference until the last release finishes closing; Closed is represented by
// absence from the map.
type entry struct {
	refs   int
	state  lifecycleState
	handle feed.Handle

	settled      chan struct{} // closed when the Opening attempt settles
	openErr      error         // set before settled is closed, nil on success
	closed       chan struct{} // closed when the Closing attempt settles
	cancelOnOpen bool          // last reference released while still Opening
}

type Options struct {
	OpenTimeout   time.Duration // upper bound on one source open
	ListenerQueue int           // per-listener fan-out buffer
}

type Registry struct {
	source      feed.Source
	logger      *zap.Logger
	bus         *bus.Bus
	openTimeout time.Duration

	mu       sync.Mutex
	entries  map[string]*entry
	last     map[string]models.PriceUpdate
	shutdown bool
}

func New(source feed.Source, logger *zap.Logger, opts Options) *Registry {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 5 * time.Second
	}
	r := &Registry{
		source:      source,
		logger:      logger,
		openTimeout: opts.OpenTimeout,
		entries:     make(map[string]*entry),
		last:        make(map[string]models.PriceUpdate),
	}
	// The bus replays from the registry's own last-value cache on attach
	r.bus = bus.New(logger, opts.ListenerQueue, r.LastValue)
	return r
}

// Bus exposes the fan-out bus fed by this registry's sources
func (r *Registry) Bus() *bus.Bus { return r.bus }

// Acquire increments the symbol's reference count, opening the live source if
// this is the first reference. Concurrent acquires while an open is in flight
// coalesce onto that single attempt; if it fails, every coalesced caller gets
// the same error and all their increments roll back with the entry.
func (r *Registry) Acquire(ctx context.Context, symbol string) error {
	symbol = models.NormalizeSymbol(symbol)

	for {
		r.mu.Lock()
		if r.shutdown {
			r.mu.Unlock()
			return ErrShuttingDown
		}

		e := r.entries[symbol]
		if e == nil {
			// First reference: this caller runs the open
			e = &entry{refs: 1, state: stateOpening, settled: make(chan struct{})}
			r.entries[symbol] = e
			r.mu.Unlock()
			return r.open(ctx, symbol, e)
		}

		switch e.state {
		case stateOpen:
			e.refs++
			r.mu.Unlock()
			return nil

		case stateOpening:
			e.refs++
			settled := e.settled
			r.mu.Unlock()

			select {
			case <-settled:
			case <-ctx.Done():
				r.abandonPendingAcquire(symbol, e)
				return ctx.Err()
			}

			r.mu.Lock()
			err := e.openErr
			r.mu.Unlock()
			return err

		case stateClosing:
			// The previous holder is tearing down; wait it out and reopen
			closed := e.closed
			r.mu.Unlock()
			select {
			case <-closed:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// open runs the collaborator open for the entry created in Acquire
func (r *Registry) open(ctx context.Context, symbol string, e *entry) error {
	octx, cancel := context.WithTimeout(ctx, r.openTimeout)
	defer cancel()

	h, err := r.source.Open(octx, symbol)

	r.mu.Lock()
	if err != nil {
		if !errors.Is(err, feed.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %v", feed.ErrSourceUnavailable, err)
		}
		// Remove the entry wholesale: the refs of every coalesced caller
		// roll back with it.
		e.openErr = err
		delete(r.entries, symbol)
		close(e.settled)
		r.mu.Unlock()

		r.logger.Error("Failed to open live source",
			zap.String("symbol", symbol), zap.Error(err))
		return err
	}

	e.handle = h
	e.state = stateOpen
	close(e.settled)
	cancelNow := e.cancelOnOpen && e.refs == 0
	if cancelNow {
		// The last reference was released mid-open; never leave an Open
		// entry with zero references behind.
		r.closeEntryLocked(symbol, e)
		return nil
	}
	r.mu.Unlock()

	h.OnUpdate(func(price float64, ts int64) {
		r.record(symbol, price, ts)
	})
	r.logger.Info("Live source opened", zap.String("symbol", symbol))
	return nil
}

// abandonPendingAcquire rolls back the increment of a caller that stopped
// waiting for an in-flight open.
func (r *Registry) abandonPendingAcquire(symbol string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[symbol] != e || e.state != stateOpening {
		return // the open already settled; the entry owns the bookkeeping now
	}
	e.refs--
	if e.refs == 0 {
		e.cancelOnOpen = true
	}
}

// Release decrements the symbol's reference count, closing the live source
// when it reaches zero. Releasing an unheld symbol is a logged no-op.
func (r *Registry) Release(symbol string) {
	symbol = models.NormalizeSymbol(symbol)

	r.mu.Lock()
	e := r.entries[symbol]
	if e == nil || e.refs == 0 {
		r.mu.Unlock()
		r.logger.Warn("Release without matching acquire", zap.String("symbol", symbol))
		return
	}

	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}

	switch e.state {
	case stateOpening:
		// The opener notices and closes as soon as the open settles
		e.cancelOnOpen = true
		r.mu.Unlock()
	case stateOpen:
		r.closeEntryLocked(symbol, e)
	default:
		r.mu.Unlock()
	}
}

// closeEntryLocked transitions Open→Closing→gone. Called with r.mu held;
// releases it. Close errors are logged and absorbed: this often runs during
// teardown where no caller is left to observe them.
func (r *Registry) closeEntryLocked(symbol string, e *entry) {
	e.state = stateClosing
	e.closed = make(chan struct{})
	h := e.handle
	r.mu.Unlock()

	if err := h.Close(); err != nil {
		r.logger.Warn("Error closing live source",
			zap.String("symbol", symbol), zap.Error(err))
	}

	r.mu.Lock()
	delete(r.entries, symbol)
	close(e.closed)
	r.mu.Unlock()

	r.logger.Info("Live source closed", zap.String("symbol", symbol))
}

// record caches the tick and fans it out. Invoked from the feed's goroutine.
func (r *Registry) record(symbol string, price float64, ts int64) {
	u := models.PriceUpdate{
		Symbol:    symbol,
		Price:     price,
		Timestamp: ts,
		Source:    r.source.Name(),
	}
	r.mu.Lock()
	r.last[symbol] = u
	r.mu.Unlock()

	r.bus.Publish(symbol, u)
}

// LastValue returns the cached most-recent update for a symbol. The cache
// outlives the live source, so newly attached listeners can be primed even
// between sessions.
func (r *Registry) LastValue(symbol string) (models.PriceUpdate, bool) {
	symbol = models.NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.last[symbol]
	return u, ok
}

// RefCount reports the current reference count for a symbol
func (r *Registry) RefCount(symbol string) int {
	symbol = models.NormalizeSymbol(symbol)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[symbol]; e != nil {
		return e.refs
	}
	return 0
}

// ActiveSymbols returns the symbols with an Open live source, sorted
func (r *Registry) ActiveSymbols() []string {
	r.mu.Lock()
	symbols := make([]string, 0, len(r.entries))
	for sym, e := range r.entries {
		if e.state == stateOpen {
			symbols = append(symbols, sym)
		}
	}
	r.mu.Unlock()

	sort.Strings(symbols)
	return symbols
}

// Close tears down every open source. Subsequent acquires fail with
// ErrShuttingDown; in-flight opens are cancelled on arrival.
func (r *Registry) Close() {
	r.mu.Lock()
	r.shutdown = true
	type openEntry struct {
		symbol string
		e      *entry
	}
	var toClose []openEntry
	for sym, e := range r.entries {
		switch e.state {
		case stateOpen:
			toClose = append(toClose, openEntry{sym, e})
		case stateOpening:
			e.cancelOnOpen = true
			e.refs = 0
		}
	}
	r.mu.Unlock()

	for _, oe := range toClose {
		r.mu.Lock()
		if r.entries[oe.symbol] == oe.e && oe.e.state == stateOpen {
			r.closeEntryLocked(oe.symbol, oe.e)
		} else {
			r.mu.Unlock()
		}
	}
}
