package ratelimit

import (
	"testing"
	"time"

	"cryptoflow/internal/clock"
)

func TestPausedThenSkipThenRun(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c := New(Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second, CyclesPerSec: 100, Burst: 100}, clk)

	c.RegisterRateLimit("order_submit")

	if got := c.BeforeCycle(); got != Paused {
		t.Fatalf("expected paused immediately after registering, got %v", got)
	}

	clk.Advance(2 * time.Second)
	if got := c.BeforeCycle(); got != Skip {
		t.Fatalf("expected skip on first cycle after pause elapses, got %v", got)
	}
	if got := c.BeforeCycle(); got != Run {
		t.Fatalf("expected run on subsequent cycle, got %v", got)
	}
}

func TestCleanCycleResetsBackoff(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c := New(Config{BaseBackoff: time.Second, CyclesPerSec: 100, Burst: 100}, clk)

	c.RegisterRateLimit("depth_rest")
	clk.Advance(5 * time.Second)
	c.BeforeCycle() // consumes the post-pause skip
	c.OnCycleComplete(false)

	c.mu.Lock()
	count := c.backoffCount
	c.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected backoff counter reset after a clean cycle, got %d", count)
	}
}

func TestCompoundingBackoffGrows(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c := New(Config{BaseBackoff: time.Second, MaxBackoff: time.Minute, CyclesPerSec: 100, Burst: 100}, clk)

	c.RegisterRateLimit("order_submit")
	c.mu.Lock()
	firstPause := c.pauseUntil
	c.mu.Unlock()

	c.RegisterRateLimit("order_submit")
	c.mu.Lock()
	secondPause := c.pauseUntil
	c.mu.Unlock()

	if !secondPause.After(firstPause) {
		t.Fatalf("expected compounding backoff to extend the pause window")
	}
}

func TestDetectFromMessage(t *testing.T) {
	if rl, _ := DetectFromMessage("binance", "Too many requests; please back off"); !rl {
		t.Fatalf("expected binance too-many-requests message to be detected")
	}
	if _, ban := DetectFromMessage("bybit", "your IP has been banned"); !ban {
		t.Fatalf("expected bybit ip-ban message to be detected")
	}
}
