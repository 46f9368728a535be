// Package session ties one client connection to the registry: it tracks the
// connection's symbol set, bridges bus pushes into a pullable stream, and
// guarantees that teardown releases everything the connection held.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/bridge"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/bus"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/registry"
	"github.com/ireish/crypto-price-tracker/pkg/models"
)

// ErrClosed is returned by Subscribe after the session has been torn down
var ErrClosed = errors.New("session closed")

// Session is the bidirectional shape: the client sends subscribe/unsubscribe
// actions in-band and pulls updates from the same logical connection.
type Session struct {
	id     string
	reg    *registry.Registry
	bridge *bridge.Bridge
	logger *zap.Logger

	mu     sync.Mutex
	detach map[string]bus.DetachFunc
	closed bool
}

func New(id string, reg *registry.Registry, logger *zap.Logger) *Session {
	return &Session{
		id:     id,
		reg:    reg,
		bridge: bridge.New(),
		logger: logger,
		detach: make(map[string]bus.DetachFunc),
	}
}

func (s *Session) ID() string { return s.id }

// Subscribe acquires the symbol's live source and routes its updates into
// this session's stream. Idempotent per symbol within the session.
func (s *Session) Subscribe(ctx context.Context, symbol string) error {
	symbol = models.NormalizeSymbol(symbol)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, already := s.detach[symbol]; already {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Acquire may suspend (source open); never hold the session lock here
	if err := s.reg.Acquire(ctx, symbol); err != nil {
		return err
	}

	d := s.reg.Bus().Attach(symbol, s.bridge.Push)

	s.mu.Lock()
	if s.closed {
		// Teardown raced us: undo immediately
		s.mu.Unlock()
		d()
		s.reg.Release(symbol)
		return ErrClosed
	}
	if _, already := s.detach[symbol]; already {
		// Two in-flight subscribes for the same symbol; keep the first
		s.mu.Unlock()
		d()
		s.reg.Release(symbol)
		return nil
	}
	s.detach[symbol] = d
	s.mu.Unlock()
	return nil
}

// Unsubscribe detaches the listener and releases the symbol.
// Reports whether the session actually held a subscription.
func (s *Session) Unsubscribe(symbol string) bool {
	symbol = models.NormalizeSymbol(symbol)

	s.mu.Lock()
	d, held := s.detach[symbol]
	if held {
		delete(s.detach, symbol)
	}
	s.mu.Unlock()

	if !held {
		return false
	}
	d()
	s.reg.Release(symbol)
	return true
}

// Symbols returns the session's current subscriptions, sorted
func (s *Session) Symbols() []string {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.detach))
	for sym := range s.detach {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	sort.Strings(symbols)
	return symbols
}

// Next pulls the oldest pending update. ok is false once the session's
// stream is over (teardown or ctx cancellation).
func (s *Session) Next(ctx context.Context) (models.PriceUpdate, bool) {
	return s.bridge.Pull(ctx)
}

// Close tears the session down: no new actions, every listener detached,
// every held symbol released, stream closed. Idempotent; safe from error
// handlers and mid-Pull.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	held := s.detach
	s.detach = make(map[string]bus.DetachFunc)
	s.mu.Unlock()

	for sym, d := range held {
		d()
		s.reg.Release(sym)
	}
	s.bridge.Close()

	s.logger.Debug("Session closed", zap.String("session_id", s.id), zap.Int("released", len(held)))
}
