package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeClock releases one Sleep per permit so the walk advances only when the
// test says so.
type fakeClock struct {
	now     time.Time
	permits chan struct{}
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:     time.UnixMilli(1_700_000_000_000),
		permits: make(chan struct{}, 64),
	}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	<-c.permits
	c.now = c.now.Add(d)
}

// fakeRand replays a fixed sequence, then repeats the last value
type fakeRand struct {
	values []float64
	i      int
}

func (r *fakeRand) Float64() float64 {
	if r.i < len(r.values) {
		v := r.values[r.i]
		r.i++
		return v
	}
	return r.values[len(r.values)-1]
}

func TestSimSource_UnknownSymbolUnavailable(t *testing.T) {
	src := NewSimSource(zap.NewNop(), newFakeClock(), &fakeRand{values: []float64{0.5}}, time.Second, map[string]float64{"BTCUSD": 50000})

	_, err := src.Open(context.Background(), "XRPUSD")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("open unknown symbol = %v, want ErrSourceUnavailable", err)
	}
}

func TestSimSource_DeterministicWalk(t *testing.T) {
	clock := newFakeClock()
	// fluctuation = rnd*10 - 5: 0.5 -> 0, 1.0 -> +5, 0.0 -> -5
	rnd := &fakeRand{values: []float64{0.5, 1.0, 0.0}}
	src := NewSimSource(zap.NewNop(), clock, rnd, time.Second, map[string]float64{"BTCUSD": 100})

	h, err := src.Open(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	type tick struct {
		price float64
		ts    int64
	}
	got := make(chan tick, 8)
	h.OnUpdate(func(price float64, ts int64) {
		got <- tick{price, ts}
	})

	want := []float64{100, 105, 100}
	for i, w := range want {
		clock.permits <- struct{}{}
		select {
		case u := <-got:
			if u.price != w {
				t.Errorf("tick %d: price %v, want %v", i, u.price, w)
			}
			if u.ts != clock.Now().UnixMilli() {
				t.Errorf("tick %d: timestamp %d, want clock time %d", i, u.ts, clock.Now().UnixMilli())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
	}
}

func TestSimSource_PriceClampsAtZero(t *testing.T) {
	clock := newFakeClock()
	rnd := &fakeRand{values: []float64{0.0}} // every step is -5
	src := NewSimSource(zap.NewNop(), clock, rnd, time.Second, map[string]float64{"DOGEUSD": 3})

	h, _ := src.Open(context.Background(), "DOGEUSD")
	defer h.Close()

	got := make(chan float64, 8)
	h.OnUpdate(func(price float64, _ int64) { got <- price })

	for i, want := range []float64{0, 0} {
		clock.permits <- struct{}{}
		select {
		case p := <-got:
			if p != want {
				t.Errorf("tick %d: price %v, want clamped %v", i, p, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d never arrived", i)
		}
	}
}

func TestSimSource_CloseStopsEmission(t *testing.T) {
	clock := newFakeClock()
	src := NewSimSource(zap.NewNop(), clock, &fakeRand{values: []float64{0.5}}, time.Second, map[string]float64{"BTCUSD": 100})

	h, _ := src.Open(context.Background(), "BTCUSD")

	got := make(chan float64, 8)
	h.OnUpdate(func(price float64, _ int64) { got <- price })

	clock.permits <- struct{}{}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick never arrived")
	}

	h.Close()
	h.Close() // idempotent

	// Release more sleeps; the stopped walker must not consume them into ticks
	clock.permits <- struct{}{}
	clock.permits <- struct{}{}
	select {
	case p := <-got:
		t.Errorf("closed handle emitted price %v", p)
	case <-time.After(100 * time.Millisecond):
	}
}
