package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/bridge"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/bus"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/registry"
	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// Watcher is the watch-only shape: subscriptions are managed elsewhere
// (the control API mutates registry refcounts directly) and the watcher
// discovers which symbols are live by polling ActiveSymbols on a fixed
// interval, attaching listeners for new symbols and detaching for gone ones.
//
// Discovery latency is bounded by the poll interval; a symbol that is only
// active between two polls can be missed entirely. That trade-off is
// deliberate.
type Watcher struct {
	reg      *registry.Registry
	bridge   *bridge.Bridge
	logger   *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	detach map[string]bus.DetachFunc
	closed bool
}

func NewWatcher(reg *registry.Registry, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Watcher{
		reg:      reg,
		bridge:   bridge.New(),
		logger:   logger,
		interval: interval,
		detach:   make(map[string]bus.DetachFunc),
	}
}

// Run polls until ctx is cancelled, then tears down. An immediate first sync
// avoids waiting a full interval before anything flows.
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()

	w.sync()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sync()
		}
	}
}

// sync diffs the registry's active set against our attached set
func (w *Watcher) sync() {
	active := w.reg.ActiveSymbols()
	activeSet := make(map[string]bool, len(active))
	for _, sym := range active {
		activeSet[sym] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	for _, sym := range active {
		if _, attached := w.detach[sym]; !attached {
			w.detach[sym] = w.reg.Bus().Attach(sym, w.bridge.Push)
		}
	}
	for sym, d := range w.detach {
		if !activeSet[sym] {
			delete(w.detach, sym)
			d()
		}
	}
}

// Next pulls the oldest pending update across all watched symbols
func (w *Watcher) Next(ctx context.Context) (models.PriceUpdate, bool) {
	return w.bridge.Pull(ctx)
}

// Close detaches every listener and ends the stream. The watcher holds no
// registry references, so there is nothing to release. Idempotent.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	held := w.detach
	w.detach = make(map[string]bus.DetachFunc)
	w.mu.Unlock()

	for _, d := range held {
		d()
	}
	w.bridge.Close()
}
