package testutils

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/feed"
)

// MockSource simulates the upstream price collaborator with scriptable
// failures and manual tick emission.
type MockSource struct {
	Mu          sync.Mutex
	OpenCalls   map[string]int
	CloseCalls  map[string]int
	FailSymbols map[string]bool
	OpenGate    chan struct{} // when set, Open blocks until the gate closes

	handles map[string]*MockHandle
}

func NewMockSource() *MockSource {
	return &MockSource{
		OpenCalls:   make(map[string]int),
		CloseCalls:  make(map[string]int),
		FailSymbols: make(map[string]bool),
		handles:     make(map[string]*MockHandle),
	}
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) Open(ctx context.Context, symbol string) (feed.Handle, error) {
	m.Mu.Lock()
	m.OpenCalls[symbol]++
	gate := m.OpenGate
	fail := m.FailSymbols[symbol]
	m.Mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", feed.ErrSourceUnavailable, ctx.Err())
		}
	}

	if fail {
		return nil, fmt.Errorf("%w: scripted failure for %s", feed.ErrSourceUnavailable, symbol)
	}

	h := &MockHandle{src: m, symbol: symbol}
	m.Mu.Lock()
	m.handles[symbol] = h
	m.Mu.Unlock()
	return h, nil
}

func (m *MockSource) Close() error { return nil }

// Emit pushes one tick through the open handle for a symbol.
// Reports whether a handle with a registered callback existed.
func (m *MockSource) Emit(symbol string, price float64, ts int64) bool {
	m.Mu.Lock()
	h := m.handles[symbol]
	m.Mu.Unlock()
	if h == nil {
		return false
	}
	return h.emit(price, ts)
}

// Opens returns how many times Open ran for a symbol
func (m *MockSource) Opens(symbol string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.OpenCalls[symbol]
}

// Closes returns how many times the symbol's handle was closed
func (m *MockSource) Closes(symbol string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.CloseCalls[symbol]
}

type MockHandle struct {
	src    *MockSource
	symbol string

	mu sync.Mutex
	fn func(price float64, timestamp int64)
}

func (h *MockHandle) OnUpdate(fn func(price float64, timestamp int64)) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

func (h *MockHandle) emit(price float64, ts int64) bool {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(price, ts)
	return true
}

func (h *MockHandle) Close() error {
	h.src.Mu.Lock()
	h.src.CloseCalls[h.symbol]++
	delete(h.src.handles, h.symbol)
	h.src.Mu.Unlock()
	return nil
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
