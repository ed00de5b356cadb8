// Package order implements the swing engine's order coordinator (§4.4): it
// de-duplicates in-flight submissions per logical slot, enforces slippage
// guards, quantizes to venue precision, and reconciles local pending state
// against the live order feed.
package order

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptoflow/internal/clock"
	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
	"cryptoflow/internal/ratelimit"
	"cryptoflow/logger"
)

// ErrKind classifies a coordinator error so callers can decide how to react.
type ErrKind int

const (
	KindTransport ErrKind = iota
	KindRateLimit
	KindUnknownOrder
	KindSlippage
	KindSlotLocked
)

// Error wraps a coordinator failure with its classification.
type Error struct {
	Kind ErrKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// SlippageGuard bounds how far the reference price may have moved between
// decision time and submission time before a market action is rejected.
type SlippageGuard struct {
	MarkPrice     decimal.Decimal
	ExpectedPrice decimal.Decimal
	MaxPct        decimal.Decimal // default 0.05 (5%)
}

func (g SlippageGuard) maxPct() decimal.Decimal {
	if g.MaxPct.IsZero() {
		return decimal.NewFromFloat(0.05)
	}
	return g.MaxPct
}

// exceeded reports whether the mark price has drifted from the
// expected price by more than MaxPct.
func (g SlippageGuard) exceeded() bool {
	if g.ExpectedPrice.IsZero() || g.MarkPrice.IsZero() {
		return false
	}
	diff := g.MarkPrice.Sub(g.ExpectedPrice).Abs()
	limit := g.ExpectedPrice.Mul(g.maxPct())
	return diff.GreaterThan(limit)
}

// lock is the coordinator's bookkeeping for one logical slot.
type lock struct {
	locked       bool
	pendingOrder string
	expiresAt    time.Time
}

type stopSubmission struct {
	side      model.Side
	stopPrice decimal.Decimal
	qty       decimal.Decimal
	at        time.Time
}

// Config configures a Coordinator.
type Config struct {
	Symbol       string
	PriceTick    decimal.Decimal
	QtyStep      decimal.Decimal
	LockTTL      time.Duration // default 30s
	StopDebounce time.Duration // default 5s
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.StopDebounce <= 0 {
		c.StopDebounce = 5 * time.Second
	}
	if c.PriceTick.IsZero() {
		c.PriceTick = decimal.New(1, -8)
	}
	if c.QtyStep.IsZero() {
		c.QtyStep = decimal.New(1, -8)
	}
}

// Coordinator implements §4.4.
type Coordinator struct {
	cfg     Config
	adapter exchange.Adapter
	clk     clock.Clock
	rl      *ratelimit.Controller
	log     *logger.Entry

	mu        sync.Mutex
	locks     map[string]*lock
	lastStops map[string]stopSubmission
}

// New constructs a Coordinator. rl may be nil to disable rate-limit
// propagation; clk may be nil to use the real clock.
func New(cfg Config, adapter exchange.Adapter, clk clock.Clock, rl *ratelimit.Controller) *Coordinator {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Coordinator{
		cfg:       cfg,
		adapter:   adapter,
		clk:       clk,
		rl:        rl,
		log:       logger.GetLogger().WithComponent("order_coordinator"),
		locks:     make(map[string]*lock),
		lastStops: make(map[string]stopSubmission),
	}
}

func quantizeDown(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	units := v.Div(step).Floor()
	return units.Mul(step)
}

func (c *Coordinator) tryLock(slot string) (*lock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[slot]
	now := c.clk.Now()
	if ok && l.locked && now.Before(l.expiresAt) {
		return nil, false
	}
	l = &lock{locked: true, expiresAt: now.Add(c.cfg.LockTTL)}
	c.locks[slot] = l
	return l, true
}

func (c *Coordinator) setLockOrder(slot, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[slot]; ok {
		l.pendingOrder = orderID
	}
}

func (c *Coordinator) releaseLock(slot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, slot)
}

// classifyErr inspects a transport error's message for known venue rate
// limit/ban phrasing and reclassifies it, propagating the signal to the
// rate-limit controller when present.
func (c *Coordinator) classifyErr(kind ErrKind, msg string, err error) *Error {
	if err != nil && c.rl != nil {
		rateLimited, _ := ratelimit.DetectFromMessage(c.adapter.ID(), err.Error())
		if rateLimited {
			c.rl.RegisterRateLimit(c.adapter.ID())
			return &Error{Kind: KindRateLimit, Msg: msg, Err: err}
		}
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// PlaceMarketOrder implements §4.4's placeMarketOrder.
func (c *Coordinator) PlaceMarketOrder(ctx context.Context, slot string, side model.Side, qty decimal.Decimal, guard SlippageGuard) (model.Order, error) {
	if _, ok := c.tryLock(slot); !ok {
		return model.Order{}, &Error{Kind: KindSlotLocked, Msg: fmt.Sprintf("slot %q is locked", slot)}
	}
	if guard.exceeded() {
		c.releaseLock(slot)
		err := &Error{Kind: KindSlippage, Msg: "slippage guard exceeded"}
		c.log.WithFields(logger.Fields{"slot": slot, "side": side}).Warn(err.Msg)
		return model.Order{}, err
	}

	q := quantizeDown(qty, c.cfg.QtyStep)
	req := exchange.CreateOrderRequest{
		Symbol:   c.cfg.Symbol,
		Side:     side,
		Type:     model.OrderTypeMarket,
		Quantity: q.String(),
		ClientID: uuid.NewString(),
	}

	ord, err := c.adapter.CreateOrder(ctx, req)
	if err != nil {
		c.releaseLock(slot)
		cerr := c.classifyErr(KindTransport, "market order submission failed", err)
		c.log.WithError(err).WithFields(logger.Fields{"slot": slot}).Error(cerr.Msg)
		return model.Order{}, cerr
	}

	c.setLockOrder(slot, ord.OrderID)
	if !ord.Status.IsLive() && ord.Status != model.OrderStatusFilled {
		c.releaseLock(slot)
		return ord, &Error{Kind: KindTransport, Msg: "order not confirmed live or filled"}
	}
	return ord, nil
}

// MarketClose implements §4.4's marketClose: reduce-only, close-position,
// and "unknown order" is treated as a successful close.
func (c *Coordinator) MarketClose(ctx context.Context, slot string, side model.Side, qty decimal.Decimal, guard SlippageGuard) (model.Order, error) {
	if _, ok := c.tryLock(slot); !ok {
		return model.Order{}, &Error{Kind: KindSlotLocked, Msg: fmt.Sprintf("slot %q is locked", slot)}
	}
	if guard.exceeded() {
		c.releaseLock(slot)
		err := &Error{Kind: KindSlippage, Msg: "slippage guard exceeded on close"}
		c.log.WithFields(logger.Fields{"slot": slot, "side": side}).Warn(err.Msg)
		return model.Order{}, err
	}

	q := quantizeDown(qty, c.cfg.QtyStep)
	req := exchange.CreateOrderRequest{
		Symbol:        c.cfg.Symbol,
		Side:          side,
		Type:          model.OrderTypeMarket,
		Quantity:      q.String(),
		ReduceOnly:    true,
		ClosePosition: true,
		ClientID:      uuid.NewString(),
	}

	ord, err := c.adapter.CreateOrder(ctx, req)
	if err != nil {
		c.releaseLock(slot)
		if unknownOrderMessage(err) {
			c.log.WithFields(logger.Fields{"slot": slot}).Info("close treated as success: unknown order (already closed)")
			return model.Order{Symbol: c.cfg.Symbol, Side: side, Status: model.OrderStatusFilled}, nil
		}
		cerr := c.classifyErr(KindTransport, "market close submission failed", err)
		c.log.WithError(err).WithFields(logger.Fields{"slot": slot}).Error(cerr.Msg)
		return model.Order{}, cerr
	}

	c.setLockOrder(slot, ord.OrderID)
	return ord, nil
}

// PlaceStopLossOrder implements §4.4's placeStopLossOrder, including the
// identical-submission debounce (5s and within one tick).
func (c *Coordinator) PlaceStopLossOrder(ctx context.Context, slot string, side model.Side, stopPrice, qty, referencePrice decimal.Decimal, guard SlippageGuard) (model.Order, error) {
	stop := quantizeDown(stopPrice, c.cfg.PriceTick)
	if guard.ExpectedPrice.IsZero() {
		guard.ExpectedPrice = referencePrice
	}
	if guard.exceeded() {
		err := &Error{Kind: KindSlippage, Msg: "slippage guard exceeded on stop-loss"}
		c.log.WithFields(logger.Fields{"slot": slot, "side": side}).Warn(err.Msg)
		return model.Order{}, err
	}

	c.mu.Lock()
	if prev, ok := c.lastStops[slot]; ok {
		sameSide := prev.side == side
		withinTick := prev.stopPrice.Sub(stop).Abs().LessThanOrEqual(c.cfg.PriceTick)
		sameQty := prev.qty.Equal(quantizeDown(qty, c.cfg.QtyStep))
		withinWindow := c.clk.Now().Sub(prev.at) < c.cfg.StopDebounce
		if sameSide && withinTick && sameQty && withinWindow {
			c.mu.Unlock()
			c.log.WithFields(logger.Fields{"slot": slot}).Debug("stop-loss submission debounced")
			return model.Order{}, nil
		}
	}
	c.mu.Unlock()

	if _, ok := c.tryLock(slot); !ok {
		return model.Order{}, &Error{Kind: KindSlotLocked, Msg: fmt.Sprintf("slot %q is locked", slot)}
	}

	q := quantizeDown(qty, c.cfg.QtyStep)
	req := exchange.CreateOrderRequest{
		Symbol:     c.cfg.Symbol,
		Side:       side,
		Type:       model.OrderTypeStopMarket,
		Quantity:   q.String(),
		StopPrice:  stop.String(),
		ReduceOnly: true,
		ClientID:   uuid.NewString(),
	}

	ord, err := c.adapter.CreateOrder(ctx, req)
	if err != nil {
		c.releaseLock(slot)
		cerr := c.classifyErr(KindTransport, "stop-loss submission failed", err)
		c.log.WithError(err).WithFields(logger.Fields{"slot": slot}).Error(cerr.Msg)
		return model.Order{}, cerr
	}

	c.setLockOrder(slot, ord.OrderID)
	c.mu.Lock()
	c.lastStops[slot] = stopSubmission{side: side, stopPrice: stop, qty: q, at: c.clk.Now()}
	c.mu.Unlock()
	return ord, nil
}

// ReconcileLocks releases any slot lock whose recorded order id is no
// longer live (or absent) in the given order snapshot, per §4.4.
func (c *Coordinator) ReconcileLocks(orders []model.Order) {
	live := make(map[string]model.OrderStatus, len(orders))
	for _, o := range orders {
		live[o.OrderID] = o.Status
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for slot, l := range c.locks {
		if !l.locked || l.pendingOrder == "" {
			continue
		}
		status, found := live[l.pendingOrder]
		if !found || !status.IsLive() {
			delete(c.locks, slot)
		}
	}
}

// IsLocked reports whether slot currently holds an unexpired lock.
func (c *Coordinator) IsLocked(slot string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[slot]
	if !ok || !l.locked {
		return false
	}
	return c.clk.Now().Before(l.expiresAt)
}

func unknownOrderMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"unknown order", "order does not exist", "order not found"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
