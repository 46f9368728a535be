package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/ireish/crypto-price-tracker/pkg/models"
)

func update(sym string, price float64) models.PriceUpdate {
	return models.PriceUpdate{Symbol: sym, Price: price, Timestamp: time.Now().UnixMilli()}
}

func TestBridge_FIFO(t *testing.T) {
	b := New()
	b.Push(update("BTCUSD", 1))
	b.Push(update("BTCUSD", 2))
	b.Push(update("BTCUSD", 3))

	for i, want := range []float64{1, 2, 3} {
		u, ok := b.Pull(context.Background())
		if !ok {
			t.Fatalf("pull %d: stream ended early", i)
		}
		if u.Price != want {
			t.Errorf("pull %d: got price %v, want %v", i, u.Price, want)
		}
	}
}

func TestBridge_HandoffToWaitingPull(t *testing.T) {
	b := New()

	got := make(chan models.PriceUpdate, 1)
	go func() {
		u, ok := b.Pull(context.Background())
		if ok {
			got <- u
		}
	}()

	// Let the puller reach the waiting slot before pushing
	time.Sleep(20 * time.Millisecond)
	b.Push(update("ETHUSD", 3000))

	select {
	case u := <-got:
		if u.Price != 3000 {
			t.Errorf("got price %v, want 3000", u.Price)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting pull never received the pushed update")
	}
}

func TestBridge_CloseWakesWaiter(t *testing.T) {
	b := New()

	done := make(chan bool, 1)
	go func() {
		_, ok := b.Pull(context.Background())
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("pull on closed bridge reported ok=true")
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake the suspended pull")
	}
}

func TestBridge_PullAfterCloseReturnsImmediately(t *testing.T) {
	b := New()
	b.Close()

	start := time.Now()
	_, ok := b.Pull(context.Background())
	if ok {
		t.Error("expected ok=false after close")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("pull after close suspended instead of returning immediately")
	}
}

func TestBridge_PendingItemsDrainBeforeCloseSentinel(t *testing.T) {
	b := New()
	b.Push(update("BTCUSD", 1))
	b.Push(update("BTCUSD", 2))
	b.Close()

	// Queued items were accepted before close and must not be lost
	if u, ok := b.Pull(context.Background()); !ok || u.Price != 1 {
		t.Errorf("first pull got (%v, %v), want (1, true)", u.Price, ok)
	}
	if u, ok := b.Pull(context.Background()); !ok || u.Price != 2 {
		t.Errorf("second pull got (%v, %v), want (2, true)", u.Price, ok)
	}
	if _, ok := b.Pull(context.Background()); ok {
		t.Error("expected close sentinel after queue drained")
	}
}

func TestBridge_PushAfterCloseIsNoop(t *testing.T) {
	b := New()
	b.Close()
	b.Push(update("BTCUSD", 1))

	if b.Len() != 0 {
		t.Errorf("push after close grew the queue to %d", b.Len())
	}
}

func TestBridge_ContextCancelDuringPull(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := b.Pull(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("cancelled pull reported ok=true")
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake the suspended pull")
	}

	// The bridge stays usable after a cancelled pull
	b.Push(update("BTCUSD", 42))
	if u, ok := b.Pull(context.Background()); !ok || u.Price != 42 {
		t.Errorf("pull after cancel got (%v, %v), want (42, true)", u.Price, ok)
	}
}

func TestBridge_ProducerNeverBlocks(t *testing.T) {
	b := New()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Push(update("BTCUSD", float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pushes blocked without a consumer")
	}

	for i := 0; i < 10000; i++ {
		u, ok := b.Pull(context.Background())
		if !ok || u.Price != float64(i) {
			t.Fatalf("pull %d: got (%v, %v)", i, u.Price, ok)
		}
	}
}
