package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/clock"
	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
)

type fakeAdapter struct {
	id      string
	nextErr error
	nextOrd model.Order
	calls   int
}

func (f *fakeAdapter) ID() string                                                       { return f.id }
func (f *fakeAdapter) WatchAccount(ctx context.Context, cb func(model.Account)) error   { return nil }
func (f *fakeAdapter) WatchOrders(ctx context.Context, cb func([]model.Order)) error    { return nil }
func (f *fakeAdapter) WatchDepth(ctx context.Context, symbol string, speedMs int, cb func(model.DepthEvent)) error {
	return nil
}
func (f *fakeAdapter) WatchTicker(ctx context.Context, symbol string, cb func(model.Ticker)) error {
	return nil
}
func (f *fakeAdapter) WatchKlines(ctx context.Context, symbol, interval string, cb func(model.Candle)) error {
	return nil
}
func (f *fakeAdapter) FetchSnapshot(ctx context.Context, symbol string, limit int) (model.DepthSnapshot, error) {
	return model.DepthSnapshot{}, nil
}
func (f *fakeAdapter) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	return nil, nil
}
func (f *fakeAdapter) CreateOrder(ctx context.Context, req exchange.CreateOrderRequest) (model.Order, error) {
	f.calls++
	if f.nextErr != nil {
		return model.Order{}, f.nextErr
	}
	ord := f.nextOrd
	if ord.OrderID == "" {
		ord.OrderID = "ord-1"
	}
	if ord.Status == "" {
		ord.Status = model.OrderStatusNew
	}
	return ord, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error   { return nil }
func (f *fakeAdapter) CancelOrders(ctx context.Context, symbol string, orderIDs []string) error {
	return nil
}
func (f *fakeAdapter) CancelAllOrders(ctx context.Context, symbol string) error { return nil }
func (f *fakeAdapter) QueryAccountSnapshot(ctx context.Context) (*model.Account, error) {
	return nil, nil
}
func (f *fakeAdapter) GetPrecision(ctx context.Context, symbol string) (model.Precision, bool) {
	return model.Precision{}, false
}
func (f *fakeAdapter) SupportsTrailingStops() bool { return false }

func newTestCoordinator(a *fakeAdapter) *Coordinator {
	clk := clock.NewManual(time.Unix(0, 0))
	cfg := Config{Symbol: "ETHUSDT", PriceTick: decimal.NewFromFloat(0.01), QtyStep: decimal.NewFromFloat(0.001)}
	return New(cfg, a, clk, nil)
}

func TestPlaceMarketOrderLocksSlot(t *testing.T) {
	a := &fakeAdapter{}
	c := newTestCoordinator(a)

	_, err := c.PlaceMarketOrder(context.Background(), "entry", model.SideBuy, decimal.NewFromFloat(1.2345), SlippageGuard{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsLocked("entry") {
		t.Fatalf("expected entry slot to be locked after submission")
	}

	_, err = c.PlaceMarketOrder(context.Background(), "entry", model.SideBuy, decimal.NewFromFloat(1), SlippageGuard{})
	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != KindSlotLocked {
		t.Fatalf("expected slot-locked error for a second submission on a locked slot, got %v", err)
	}
}

func TestPlaceMarketOrderRejectsOnSlippage(t *testing.T) {
	a := &fakeAdapter{}
	c := newTestCoordinator(a)

	guard := SlippageGuard{MarkPrice: decimal.NewFromFloat(110), ExpectedPrice: decimal.NewFromFloat(100), MaxPct: decimal.NewFromFloat(0.05)}
	_, err := c.PlaceMarketOrder(context.Background(), "entry", model.SideBuy, decimal.NewFromFloat(1), guard)

	var oe *Error
	if !errors.As(err, &oe) || oe.Kind != KindSlippage {
		t.Fatalf("expected slippage error, got %v", err)
	}
	if c.IsLocked("entry") {
		t.Fatalf("a rejected submission must not leave the slot locked")
	}
	if a.calls != 0 {
		t.Fatalf("expected no order submission when slippage guard rejects upfront")
	}
}

func TestMarketCloseSwallowsUnknownOrder(t *testing.T) {
	a := &fakeAdapter{nextErr: errors.New("Unknown order sent")}
	c := newTestCoordinator(a)

	ord, err := c.MarketClose(context.Background(), "entry", model.SideSell, decimal.NewFromFloat(1), SlippageGuard{})
	if err != nil {
		t.Fatalf("unknown-order close should be treated as success, got error: %v", err)
	}
	if ord.Status != model.OrderStatusFilled {
		t.Fatalf("expected synthesized filled status, got %v", ord.Status)
	}
}

func TestStopLossDebounceSuppressesIdenticalResubmit(t *testing.T) {
	a := &fakeAdapter{}
	c := newTestCoordinator(a)
	clk := c.clk.(*clock.Manual)

	_, err := c.PlaceStopLossOrder(context.Background(), "stop", model.SideSell, decimal.NewFromFloat(95), decimal.NewFromFloat(1), decimal.NewFromFloat(100), SlippageGuard{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.calls != 1 {
		t.Fatalf("expected one submission, got %d", a.calls)
	}

	clk.Advance(time.Second)
	_, err = c.PlaceStopLossOrder(context.Background(), "stop", model.SideSell, decimal.NewFromFloat(95), decimal.NewFromFloat(1), decimal.NewFromFloat(100), SlippageGuard{})
	if err != nil {
		t.Fatalf("unexpected error on debounced resubmit: %v", err)
	}
	if a.calls != 1 {
		t.Fatalf("expected debounce to suppress the identical resubmission within 5s, got %d calls", a.calls)
	}

	clk.Advance(10 * time.Second)
	// The first stop order is no longer open, so its slot lock is released
	// and only the debounce window could hold the resubmission back.
	c.ReconcileLocks(nil)
	_, err = c.PlaceStopLossOrder(context.Background(), "stop", model.SideSell, decimal.NewFromFloat(95), decimal.NewFromFloat(1), decimal.NewFromFloat(100), SlippageGuard{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.calls != 2 {
		t.Fatalf("expected resubmission to go through once the debounce window has elapsed, got %d calls", a.calls)
	}
}

func TestReconcileLocksReleasesOnTerminalStatus(t *testing.T) {
	a := &fakeAdapter{}
	c := newTestCoordinator(a)

	_, err := c.PlaceMarketOrder(context.Background(), "entry", model.SideBuy, decimal.NewFromFloat(1), SlippageGuard{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsLocked("entry") {
		t.Fatalf("expected lock after submission")
	}

	c.ReconcileLocks([]model.Order{{OrderID: "ord-1", Status: model.OrderStatusFilled}})
	if c.IsLocked("entry") {
		t.Fatalf("expected lock released once the order is no longer live")
	}
}

func TestReconcileLocksKeepsLockWhileOrderLive(t *testing.T) {
	a := &fakeAdapter{}
	c := newTestCoordinator(a)

	_, err := c.PlaceMarketOrder(context.Background(), "entry", model.SideBuy, decimal.NewFromFloat(1), SlippageGuard{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.ReconcileLocks([]model.Order{{OrderID: "ord-1", Status: model.OrderStatusNew}})
	if !c.IsLocked("entry") {
		t.Fatalf("expected lock to remain while the order is still live")
	}
}
