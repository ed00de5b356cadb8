package swing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/clock"
	"cryptoflow/internal/depth"
	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
	"cryptoflow/internal/order"
	"cryptoflow/internal/ratelimit"
	"cryptoflow/internal/rsi"
)

// fakeAdapter satisfies exchange.Adapter with no-op stream watchers; the
// engine tests drive state directly through onAccount/onOrders/onTicker
// instead of exercising the watch loops.
type fakeAdapter struct {
	createErr error
	createOrd model.Order
	calls     int
}

func (f *fakeAdapter) ID() string { return "fake" }
func (f *fakeAdapter) WatchAccount(ctx context.Context, cb func(model.Account)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeAdapter) WatchOrders(ctx context.Context, cb func([]model.Order)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeAdapter) WatchDepth(ctx context.Context, symbol string, speedMs int, cb func(model.DepthEvent)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeAdapter) WatchTicker(ctx context.Context, symbol string, cb func(model.Ticker)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeAdapter) WatchKlines(ctx context.Context, symbol, interval string, cb func(model.Candle)) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeAdapter) FetchSnapshot(ctx context.Context, symbol string, limit int) (model.DepthSnapshot, error) {
	return model.DepthSnapshot{}, nil
}
func (f *fakeAdapter) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	return nil, nil
}
func (f *fakeAdapter) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (model.Order, error) {
	f.calls++
	if f.createErr != nil {
		return model.Order{}, f.createErr
	}
	ord := f.createOrd
	if ord.Status == "" {
		ord.Status = model.OrderStatusFilled
	}
	return ord, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error       { return nil }
func (f *fakeAdapter) CancelOrders(ctx context.Context, symbol string, ids []string) error { return nil }
func (f *fakeAdapter) CancelAllOrders(ctx context.Context, symbol string) error            { return nil }
func (f *fakeAdapter) QueryAccountSnapshot(ctx context.Context) (*model.Account, error) {
	return &model.Account{}, nil
}
func (f *fakeAdapter) GetPrecision(ctx context.Context, symbol string) (model.Precision, bool) {
	return model.Precision{}, false
}
func (f *fakeAdapter) SupportsTrailingStops() bool { return false }

// fakeRSISource lets tests set the RSI snapshot returned on each pull.
type fakeRSISource struct{ snap rsi.Snapshot }

func (f *fakeRSISource) Start(ctx context.Context) {}
func (f *fakeRSISource) Stop()                     {}
func (f *fakeRSISource) Snapshot() rsi.Snapshot     { return f.snap }

// fakeDepthSource lets tests set the depth snapshot and top-of-book.
type fakeDepthSource struct {
	snap     depth.Snapshot
	bid, ask decimal.Decimal
	haveTop  bool
}

func (f *fakeDepthSource) Start(ctx context.Context) {}
func (f *fakeDepthSource) Stop()                     {}
func (f *fakeDepthSource) Snapshot() depth.Snapshot  { return f.snap }
func (f *fakeDepthSource) TopOfBook() (decimal.Decimal, decimal.Decimal, bool) {
	return f.bid, f.ask, f.haveTop
}
func (f *fakeDepthSource) Mid() (decimal.Decimal, bool) {
	if !f.haveTop {
		return decimal.Zero, false
	}
	return f.bid.Add(f.ask).Div(decimal.NewFromInt(2)), true
}

func readyDepth() depth.Snapshot {
	return depth.Snapshot{Health: model.BookHealth{OrderBookReady: true, Healthy: true}}
}

func newTestEngine(t *testing.T, cfg EngineConfig, adapter *fakeAdapter, rsiSrc *fakeRSISource, depthSrc *fakeDepthSource) *Engine {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	rl := ratelimit.New(ratelimit.Config{}, clk)
	coord := order.New(order.Config{Symbol: cfg.Symbol, PriceTick: decimal.NewFromFloat(0.1), QtyStep: decimal.NewFromFloat(0.001)}, adapter, clk, rl)
	return New(cfg, adapter, rsiSrc, depthSrc, coord, rl, clk)
}

func TestTickNotReadyYieldsInitializing(t *testing.T) {
	adapter := &fakeAdapter{}
	rsiSrc := &fakeRSISource{snap: rsi.Snapshot{}}
	depthSrc := &fakeDepthSource{}
	e := newTestEngine(t, EngineConfig{Symbol: "ETHUSDT"}, adapter, rsiSrc, depthSrc)

	e.Tick(context.Background())

	snap := e.Snapshot()
	if snap.Phase != PhaseInitializing {
		t.Fatalf("expected Initializing phase while unready, got %v", snap.Phase)
	}
	if snap.Ready {
		t.Fatalf("expected Ready=false while unready")
	}
}

func TestSpotGuardDisablesShortDirection(t *testing.T) {
	adapter := &fakeAdapter{}
	rsiSrc := &fakeRSISource{}
	depthSrc := &fakeDepthSource{}
	e := newTestEngine(t, EngineConfig{Symbol: "ETHUSDT", Direction: model.DirectionShort}, adapter, rsiSrc, depthSrc)

	e.onAccount(model.Account{MarketType: model.MarketTypeSpot})

	e.Tick(context.Background())
	snap := e.Snapshot()
	if snap.Phase != PhaseDisabled {
		t.Fatalf("expected Disabled phase once spot guard trips, got %v", snap.Phase)
	}
	if snap.Error == "" {
		t.Fatalf("expected a disable reason to be reported")
	}

	// Guard must stick even if a later account update looks safe again.
	e.onAccount(model.Account{MarketType: model.MarketTypeFuture})
	e.Tick(context.Background())
	if e.Snapshot().Phase != PhaseDisabled {
		t.Fatalf("expected disable to be permanent")
	}
}

func TestSpotGuardAllowsLongOnlyDirection(t *testing.T) {
	adapter := &fakeAdapter{}
	rsiSrc := &fakeRSISource{}
	depthSrc := &fakeDepthSource{}
	e := newTestEngine(t, EngineConfig{Symbol: "ETHUSDT", Direction: model.DirectionLong}, adapter, rsiSrc, depthSrc)

	e.onAccount(model.Account{MarketType: model.MarketTypeSpot})

	e.mu.Lock()
	disabled := e.disabled
	e.mu.Unlock()
	if disabled {
		t.Fatalf("spot account with direction=long must not be disabled")
	}
}

// TestKillSwitchClosesLongImmediately reproduces §8 scenario 7: a long
// position with entry=100, stop_loss_pct=0.05, tick=0.1, and a reference
// price that has already crossed the stop threshold triggers an immediate
// market close rather than relying on the venue-side stop order.
func TestKillSwitchClosesLongImmediately(t *testing.T) {
	adapter := &fakeAdapter{}
	rsi70 := 50.0
	rsiSrc := &fakeRSISource{snap: rsi.Snapshot{RSI: &rsi70, IsStable: true}}
	depthSrc := &fakeDepthSource{snap: readyDepth(), bid: decimal.NewFromFloat(95.0), ask: decimal.NewFromFloat(95.1), haveTop: true}

	cfg := EngineConfig{
		Symbol:      "ETHUSDT",
		Direction:   model.DirectionLong,
		TradeAmount: decimal.NewFromFloat(1),
		StopLossPct: decimal.NewFromFloat(0.05),
		PriceTick:   decimal.NewFromFloat(0.1),
	}
	e := newTestEngine(t, cfg, adapter, rsiSrc, depthSrc)
	e.onAccount(model.Account{
		MarketType: model.MarketTypeFuture,
		Positions: map[string]model.Position{
			"ETHUSDT": {Symbol: "ETHUSDT", PositionAmt: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromFloat(100)},
		},
	})
	e.onOrders(nil)
	e.onTicker(model.Ticker{Symbol: "ETHUSDT", Last: decimal.NewFromFloat(95.05)})

	e.Tick(context.Background())

	snap := e.Snapshot()
	if !snap.KillSwitch {
		t.Fatalf("expected kill switch to trigger when reference crosses the stop threshold")
	}
	// Confirm the coordinator actually attempted a submission.
	if adapter.calls == 0 {
		t.Fatalf("expected the kill switch to submit a market close")
	}
}

func TestRateLimitGateSkipsTickBody(t *testing.T) {
	adapter := &fakeAdapter{}
	rsiSrc := &fakeRSISource{}
	depthSrc := &fakeDepthSource{}
	clk := clock.NewManual(time.Unix(0, 0))
	rl := ratelimit.New(ratelimit.Config{CyclesPerSec: 0.001, Burst: 1}, clk)
	coord := order.New(order.Config{Symbol: "ETHUSDT"}, adapter, clk, rl)
	e := New(EngineConfig{Symbol: "ETHUSDT"}, adapter, rsiSrc, depthSrc, coord, rl, clk)

	rl.OnCycleComplete(true) // force a pause window
	e.Tick(context.Background())

	snap := e.Snapshot()
	if snap.Phase != "" {
		t.Fatalf("expected no snapshot published while paused, got phase %v", snap.Phase)
	}
}

func TestDerivePhaseObservingWhenFlatAndUnarmed(t *testing.T) {
	phase := derivePhase(false, true, model.Position{}, State{})
	if phase != PhaseObserving {
		t.Fatalf("expected Observing, got %v", phase)
	}
}

func TestDerivePhaseWaitingOpenShortWhenArmed(t *testing.T) {
	phase := derivePhase(false, true, model.Position{}, State{ArmedShortEntry: true})
	if phase != PhaseWaitingOpenShort {
		t.Fatalf("expected WaitingOpenShort, got %v", phase)
	}
}

func TestDerivePhaseWaitingCloseShortWhenArmed(t *testing.T) {
	pos := model.Position{PositionAmt: decimal.NewFromFloat(-1)}
	phase := derivePhase(false, true, pos, State{ArmedShortExit: true})
	if phase != PhaseWaitingCloseShort {
		t.Fatalf("expected WaitingCloseShort, got %v", phase)
	}
}
