package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Clock abstracts time for deterministic testing
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Rand abstracts randomness for deterministic values
type Rand interface {
	Float64() float64
}

type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

type RealRand struct{ *rand.Rand }

func (r RealRand) Float64() float64 { return r.Rand.Float64() }

// Compile-time check to ensure SimSource implements Source
var _ Source = (*SimSource)(nil)

// SimSource emits a random walk per symbol. Used for local runs and as the
// deterministic source in tests (inject a fake Clock/Rand).
type SimSource struct {
	logger     *zap.Logger
	clock      Clock
	rnd        Rand
	interval   time.Duration
	basePrices map[string]float64

	mu sync.Mutex
}

func NewSimSource(logger *zap.Logger, clock Clock, rnd Rand, interval time.Duration, basePrices map[string]float64) *SimSource {
	return &SimSource{
		logger:     logger,
		clock:      clock,
		rnd:        rnd,
		interval:   interval,
		basePrices: basePrices,
	}
}

func (s *SimSource) Name() string { return "sim" }

// Open fails for symbols without a base price, which doubles as the
// unavailable-source path in tests.
func (s *SimSource) Open(ctx context.Context, symbol string) (Handle, error) {
	base, ok := s.basePrices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: unknown symbol %s", ErrSourceUnavailable, symbol)
	}

	h := &simHandle{
		src:    s,
		symbol: symbol,
		price:  base,
		stop:   make(chan struct{}),
	}
	return h, nil
}

func (s *SimSource) Close() error { return nil }

type simHandle struct {
	src    *SimSource
	symbol string
	price  float64

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	stopped bool
}

func (h *simHandle) OnUpdate(fn func(price float64, timestamp int64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	go h.run(fn)
}

func (h *simHandle) run(fn func(price float64, timestamp int64)) {
	for {
		select {
		case <-h.stop:
			return
		default:
		}

		h.src.clock.Sleep(h.src.interval)

		select {
		case <-h.stop:
			return
		default:
		}

		fluctuation := (h.src.rnd.Float64() * 10) - 5
		h.price += fluctuation
		if h.price < 0 {
			h.price = 0
		}
		fn(h.price, h.src.clock.Now().UnixMilli())
	}
}

func (h *simHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.stopped = true
		close(h.stop)
	}
	return nil
}
