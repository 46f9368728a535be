package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/feed"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/registry"
	"github.com/ireish/crypto-price-tracker/cmd/gateway/internal/testutils"
	"github.com/ireish/crypto-price-tracker/pkg/models"
)

func setup() (*registry.Registry, *testutils.MockSource) {
	src := testutils.NewMockSource()
	reg := registry.New(src, zap.NewNop(), registry.Options{OpenTimeout: time.Second})
	return reg, src
}

func TestRegistry_AcquireOpensOnce(t *testing.T) {
	reg, src := setup()

	if err := reg.Acquire(context.Background(), "BTCUSD"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := reg.Acquire(context.Background(), "BTCUSD"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	if src.Opens("BTCUSD") != 1 {
		t.Errorf("open called %d times, want 1", src.Opens("BTCUSD"))
	}
	if reg.RefCount("BTCUSD") != 2 {
		t.Errorf("refcount = %d, want 2", reg.RefCount("BTCUSD"))
	}
}

func TestRegistry_ConcurrentAcquiresCoalesce(t *testing.T) {
	reg, src := setup()

	// Hold every open until all acquirers are in flight
	gate := make(chan struct{})
	src.Mu.Lock()
	src.OpenGate = gate
	src.Mu.Unlock()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.Acquire(context.Background(), "BTCUSD")
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let the goroutines pile up
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("acquirer %d failed: %v", i, err)
		}
	}
	if src.Opens("BTCUSD") != 1 {
		t.Errorf("open called %d times, want exactly 1 (coalescing)", src.Opens("BTCUSD"))
	}
	if reg.RefCount("BTCUSD") != n {
		t.Errorf("refcount = %d, want %d", reg.RefCount("BTCUSD"), n)
	}
}

func TestRegistry_OpenFailureRollsBack(t *testing.T) {
	reg, src := setup()
	src.Mu.Lock()
	src.FailSymbols["BTCUSD"] = true
	src.Mu.Unlock()

	err := reg.Acquire(context.Background(), "BTCUSD")
	if !errors.Is(err, feed.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if reg.RefCount("BTCUSD") != 0 {
		t.Errorf("refcount after failed open = %d, want 0", reg.RefCount("BTCUSD"))
	}

	// A later acquire retries from scratch
	src.Mu.Lock()
	src.FailSymbols["BTCUSD"] = false
	src.Mu.Unlock()

	if err := reg.Acquire(context.Background(), "BTCUSD"); err != nil {
		t.Fatalf("retry after failure did not recover: %v", err)
	}
	if src.Opens("BTCUSD") != 2 {
		t.Errorf("open called %d times, want 2", src.Opens("BTCUSD"))
	}
}

func TestRegistry_FailedOpenPropagatesToAllCoalescedCallers(t *testing.T) {
	reg, src := setup()

	gate := make(chan struct{})
	src.Mu.Lock()
	src.OpenGate = gate
	src.FailSymbols["BTCUSD"] = true
	src.Mu.Unlock()

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.Acquire(context.Background(), "BTCUSD")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, feed.ErrSourceUnavailable) {
			t.Errorf("caller %d got %v, want ErrSourceUnavailable", i, err)
		}
	}
	if reg.RefCount("BTCUSD") != 0 {
		t.Errorf("refcount = %d after failed coalesced open", reg.RefCount("BTCUSD"))
	}
}

func TestRegistry_ReleaseClosesAtZero(t *testing.T) {
	reg, src := setup()

	// Two independent holders of ADAUSD
	reg.Acquire(context.Background(), "ADAUSD")
	reg.Acquire(context.Background(), "ADAUSD")

	reg.Release("ADAUSD")
	if src.Closes("ADAUSD") != 0 {
		t.Error("close called while a reference remained")
	}

	reg.Release("ADAUSD")
	if src.Closes("ADAUSD") != 1 {
		t.Errorf("close called %d times, want exactly 1", src.Closes("ADAUSD"))
	}
	if reg.RefCount("ADAUSD") != 0 {
		t.Errorf("refcount = %d, want 0", reg.RefCount("ADAUSD"))
	}
}

func TestRegistry_ReleaseWithoutAcquireIsNoop(t *testing.T) {
	reg, src := setup()

	reg.Release("BTCUSD") // nothing held; must not panic or go negative

	reg.Acquire(context.Background(), "BTCUSD")
	reg.Release("BTCUSD")
	reg.Release("BTCUSD") // extra release after close

	if reg.RefCount("BTCUSD") != 0 {
		t.Errorf("refcount = %d, want 0", reg.RefCount("BTCUSD"))
	}
	if src.Closes("BTCUSD") != 1 {
		t.Errorf("close called %d times, want 1", src.Closes("BTCUSD"))
	}
}

func TestRegistry_AcquireReleaseSequenceClampsAtZero(t *testing.T) {
	reg, _ := setup()
	ctx := context.Background()

	reg.Acquire(ctx, "BTCUSD")
	reg.Acquire(ctx, "BTCUSD")
	reg.Release("BTCUSD")
	reg.Release("BTCUSD")
	reg.Release("BTCUSD") // over-release
	reg.Acquire(ctx, "BTCUSD")

	if got := reg.RefCount("BTCUSD"); got != 1 {
		t.Errorf("refcount = %d, want 1", got)
	}
}

func TestRegistry_ActiveSymbolsTracksOpenEntries(t *testing.T) {
	reg, _ := setup()
	ctx := context.Background()

	reg.Acquire(ctx, "BTCUSD")
	reg.Acquire(ctx, "ETHUSD")

	active := reg.ActiveSymbols()
	if len(active) != 2 || active[0] != "BTCUSD" || active[1] != "ETHUSD" {
		t.Errorf("active symbols = %v", active)
	}

	reg.Release("BTCUSD")
	active = reg.ActiveSymbols()
	if len(active) != 1 || active[0] != "ETHUSD" {
		t.Errorf("active symbols after release = %v", active)
	}
}

func TestRegistry_OpenIffRefsPositive(t *testing.T) {
	reg, _ := setup()
	ctx := context.Background()

	reg.Acquire(ctx, "BTCUSD")
	if len(reg.ActiveSymbols()) != 1 || reg.RefCount("BTCUSD") != 1 {
		t.Error("open entry should exist with refcount 1")
	}

	reg.Release("BTCUSD")
	if len(reg.ActiveSymbols()) != 0 || reg.RefCount("BTCUSD") != 0 {
		t.Error("entry should be gone once refcount reaches 0")
	}
}

func TestRegistry_LastValueCachesMostRecent(t *testing.T) {
	reg, src := setup()
	reg.Acquire(context.Background(), "BTCUSD")

	if _, ok := reg.LastValue("BTCUSD"); ok {
		t.Error("cache should be empty before any tick")
	}

	src.Emit("BTCUSD", 50000, 1000)
	src.Emit("BTCUSD", 50010, 2000)

	u, ok := reg.LastValue("BTCUSD")
	if !ok {
		t.Fatal("no cached value after ticks")
	}
	if u.Price != 50010 || u.Timestamp != 2000 {
		t.Errorf("cached (%v, %d), want most recent (50010, 2000)", u.Price, u.Timestamp)
	}
	if u.Source != "mock" {
		t.Errorf("provenance tag = %q, want mock", u.Source)
	}
}

func TestRegistry_UpdatesFlowToBus(t *testing.T) {
	reg, src := setup()
	reg.Acquire(context.Background(), "BTCUSD")

	got := make(chan models.PriceUpdate, 1)
	detach := reg.Bus().Attach("BTCUSD", func(u models.PriceUpdate) {
		select {
		case got <- u:
		default:
		}
	})
	defer detach()

	if !src.Emit("BTCUSD", 50000, 1234) {
		t.Fatal("no live handle registered for BTCUSD")
	}

	select {
	case u := <-got:
		if u.Price != 50000 || u.Timestamp != 1234 || u.Symbol != "BTCUSD" {
			t.Errorf("listener got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("update never reached the bus listener")
	}
}

func TestRegistry_ReleaseDuringOpenCancelsOnSettle(t *testing.T) {
	reg, src := setup()

	gate := make(chan struct{})
	src.Mu.Lock()
	src.OpenGate = gate
	src.Mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- reg.Acquire(context.Background(), "BTCUSD")
	}()

	time.Sleep(50 * time.Millisecond) // acquire is suspended in Open
	reg.Release("BTCUSD")             // last reference gone while still Opening
	close(gate)

	if err := <-done; err != nil {
		t.Fatalf("acquire returned error: %v", err)
	}

	// The successfully opened handle must have been closed immediately
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if src.Closes("BTCUSD") == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if src.Closes("BTCUSD") != 1 {
		t.Error("orphaned open entry: handle not closed after cancel-on-open")
	}
	if len(reg.ActiveSymbols()) != 0 {
		t.Errorf("active symbols = %v, want none", reg.ActiveSymbols())
	}
}

func TestRegistry_AcquireDuringClosingReopens(t *testing.T) {
	reg, src := setup()
	ctx := context.Background()

	reg.Acquire(ctx, "BTCUSD")
	reg.Release("BTCUSD")

	if err := reg.Acquire(ctx, "BTCUSD"); err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if src.Opens("BTCUSD") != 2 {
		t.Errorf("open called %d times, want 2", src.Opens("BTCUSD"))
	}
	if reg.RefCount("BTCUSD") != 1 {
		t.Errorf("refcount = %d, want 1", reg.RefCount("BTCUSD"))
	}
}

func TestRegistry_SymbolNormalization(t *testing.T) {
	reg, src := setup()
	ctx := context.Background()

	reg.Acquire(ctx, " btcusd ")
	reg.Acquire(ctx, "BTCUSD")

	if src.Opens("BTCUSD") != 1 {
		t.Errorf("normalized variants opened %d sources, want 1", src.Opens("BTCUSD"))
	}
	if reg.RefCount("btcUSD") != 2 {
		t.Errorf("refcount = %d, want 2", reg.RefCount("btcUSD"))
	}
}

func TestRegistry_CloseShutsDownOpenSources(t *testing.T) {
	reg, src := setup()
	ctx := context.Background()

	reg.Acquire(ctx, "BTCUSD")
	reg.Acquire(ctx, "ETHUSD")

	reg.Close()

	if src.Closes("BTCUSD") != 1 || src.Closes("ETHUSD") != 1 {
		t.Error("not all open handles closed on shutdown")
	}
	if err := reg.Acquire(ctx, "BTCUSD"); !errors.Is(err, registry.ErrShuttingDown) {
		t.Errorf("acquire after close = %v, want ErrShuttingDown", err)
	}
}
