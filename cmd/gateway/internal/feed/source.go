package feed

import (
	"context"
	"errors"
)

// ErrSourceUnavailable is returned when a feed cannot establish (or has lost)
// a live price stream for a symbol.
var ErrSourceUnavailable = errors.New("feed source unavailable")

// Source is the boundary to whatever actually produces prices: a scraper, an
// exchange websocket, a Redis channel fed by another process, etc. The
// registry owns at most one open Handle per symbol.
type Source interface {
	// Name tags updates with their provenance
	Name() string

	// Open establishes a live stream for one symbol. It must honor ctx
	// deadlines and report failure as (a wrapped) ErrSourceUnavailable.
	Open(ctx context.Context, symbol string) (Handle, error)

	// Close releases any shared resources (best effort)
	Close() error
}

// Handle is one open per-symbol stream
type Handle interface {
	// OnUpdate registers the callback invoked for every tick.
	// At most one callback is registered per handle, before any tick flows.
	OnUpdate(fn func(price float64, timestamp int64))

	// Close stops the stream (best effort, callers swallow the error)
	Close() error
}
