package depth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/model"
)

type fakeRest struct {
	mu   sync.Mutex
	gate chan struct{}
	snap model.DepthSnapshot
}

func (f *fakeRest) FetchSnapshot(ctx context.Context, symbol string, limit int) (model.DepthSnapshot, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, nil
}

type fakeStream struct {
	mu        sync.Mutex
	cb        func(model.DepthEvent)
	connected chan struct{}
}

func (f *fakeStream) WatchDepth(ctx context.Context, symbol string, speedMs int, cb func(model.DepthEvent)) error {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	select {
	case f.connected <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil
}

func (f *fakeStream) Send(ev model.DepthEvent) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func ev(u, fin int64) model.DepthEvent {
	return model.DepthEvent{FirstUpdateID: u, FinalUpdateID: fin}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// TestBootstrapScenario matches §8 scenario 5: buffered events (5,7)(8,9)(10,11)
// with snapshot last_update_id=8 should skip (5,7), apply (8,9) then (10,11).
func TestBootstrapScenario(t *testing.T) {
	rest := &fakeRest{gate: make(chan struct{}), snap: model.DepthSnapshot{LastUpdateID: 8}}
	stream := &fakeStream{connected: make(chan struct{}, 1)}

	tr := New(Config{Symbol: "ETHBTC"}, rest, stream, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	<-stream.connected
	stream.Send(ev(5, 7))
	stream.Send(ev(8, 9))
	stream.Send(ev(10, 11))
	close(rest.gate)

	waitUntil(t, time.Second, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.ready
	})

	if got := tr.book.LocalLastUpdateID(); got != 11 {
		t.Fatalf("expected local_last_update_id=11, got %d", got)
	}
}

// TestGapRestartsBootstrap matches §8 scenario 6.
func TestGapRestartsBootstrap(t *testing.T) {
	rest := &fakeRest{snap: model.DepthSnapshot{LastUpdateID: 200}}
	stream := &fakeStream{connected: make(chan struct{}, 1)}
	tr := New(Config{Symbol: "ETHBTC", Ratio: decimal.NewFromFloat(2)}, rest, stream, nil)

	tr.mu.Lock()
	tr.book.Reset(model.DepthSnapshot{LastUpdateID: 100})
	tr.ready = true
	tr.mu.Unlock()

	tr.onDepthEvent(ev(110, 120))

	tr.mu.Lock()
	ready := tr.ready
	bufLen := len(tr.buffer)
	tr.mu.Unlock()

	if ready {
		t.Fatalf("expected book to be marked not ready after a gap")
	}
	if bufLen != 1 {
		t.Fatalf("expected the gap-triggering event to be re-buffered, got %d buffered", bufLen)
	}
}

func TestDuplicateLiveEventIsNoop(t *testing.T) {
	tr := New(Config{Symbol: "ETHBTC"}, &fakeRest{}, &fakeStream{connected: make(chan struct{}, 1)}, nil)
	tr.mu.Lock()
	tr.book.Reset(model.DepthSnapshot{LastUpdateID: 100})
	tr.ready = true
	tr.mu.Unlock()

	tr.onDepthEvent(ev(50, 60))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.book.LocalLastUpdateID() != 100 {
		t.Fatalf("duplicate/stale event must not change local_last_update_id")
	}
	if !tr.ready {
		t.Fatalf("a stale duplicate must not flip readiness")
	}
}
