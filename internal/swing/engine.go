package swing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/broadcast"
	"cryptoflow/internal/clock"
	"cryptoflow/internal/depth"
	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
	"cryptoflow/internal/order"
	"cryptoflow/internal/ratelimit"
	"cryptoflow/internal/rsi"
	"cryptoflow/logger"
)

// Phase is the engine's derived display phase, per §4.6.
type Phase string

const (
	PhaseDisabled          Phase = "disabled"
	PhaseInitializing      Phase = "initializing"
	PhaseObserving         Phase = "observing"
	PhaseWaitingOpenShort  Phase = "waiting_open_short"
	PhaseWaitingOpenLong   Phase = "waiting_open_long"
	PhaseWaitingCloseShort Phase = "waiting_close_short"
	PhaseWaitingCloseLong  Phase = "waiting_close_long"
)

// Snapshot is the engine's published state, per §4.6's "Emission" list.
type Snapshot struct {
	Ready     bool
	Symbol    string
	Direction model.Direction
	LastPrice decimal.Decimal
	Phase     Phase

	SignalSymbol string
	SignalPrice  float64
	RSI          *float64
	Zone         model.Zone

	ArmedShortEntry bool
	ArmedShortExit  bool
	ArmedLongEntry  bool
	ArmedLongExit   bool

	PositionAmt decimal.Decimal
	EntryPrice  decimal.Decimal
	PnL         decimal.Decimal

	SessionVolume decimal.Decimal
	StopPrice     decimal.Decimal
	KillSwitch    bool

	OpenOrders []model.Order
	Depth      model.ImbalanceSummary
	Ticker     model.Ticker
	TradeLog   []string
	Error      string

	UpdatedAt time.Time
}

// RSISource is the subset of *rsi.Tracker the engine depends on.
type RSISource interface {
	Start(ctx context.Context)
	Stop()
	Snapshot() rsi.Snapshot
}

// DepthSource is the subset of *depth.Tracker the engine depends on.
type DepthSource interface {
	Start(ctx context.Context)
	Stop()
	Snapshot() depth.Snapshot
	TopOfBook() (bid, ask decimal.Decimal, ok bool)
	Mid() (decimal.Decimal, bool)
}

// EngineConfig configures an Engine, per §6's Swing configuration options.
type EngineConfig struct {
	Symbol              string
	Direction           model.Direction
	TradeAmount         decimal.Decimal
	PollInterval        time.Duration // default 500ms
	RSIHigh             float64       // default 70
	RSILow              float64       // default 30
	SignalSymbol        string
	SignalInterval      string
	StopLossPct         decimal.Decimal // default 0.05
	MaxCloseSlippagePct decimal.Decimal // default 0.05
	PriceTick           decimal.Decimal
	QtyStep             decimal.Decimal
	MaxLogEntries       int // default 200
}

func (c *EngineConfig) applyDefaults() {
	if c.Direction == "" {
		c.Direction = model.DirectionShort
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.RSIHigh == 0 {
		c.RSIHigh = 70
	}
	if c.RSILow == 0 {
		c.RSILow = 30
	}
	if c.StopLossPct.IsZero() {
		c.StopLossPct = decimal.NewFromFloat(0.05)
	}
	if c.MaxCloseSlippagePct.IsZero() {
		c.MaxCloseSlippagePct = decimal.NewFromFloat(0.05)
	}
	if c.MaxLogEntries <= 0 {
		c.MaxLogEntries = 200
	}
}

func (c EngineConfig) logicConfig() Config {
	return Config{Direction: string(c.Direction), RSIHigh: c.RSIHigh, RSILow: c.RSILow}
}

// Engine drives the swing strategy: it pulls state from the RSI/depth
// trackers, the venue adapter's account/order/ticker feeds, steps the pure
// state machine, and issues actions through the order coordinator, per §4.6.
type Engine struct {
	cfg     EngineConfig
	adapter exchange.Adapter
	rsiSrc  RSISource
	depth   DepthSource
	coord   *order.Coordinator
	rl      *ratelimit.Controller
	clk     clock.Clock
	log     *logger.Entry
	bus     *broadcast.Bus[Snapshot]

	mu            sync.Mutex
	account       model.Account
	haveAccount   bool
	orders        []model.Order
	haveOrders    bool
	ticker        model.Ticker
	haveTicker    bool
	state         State
	sessionVolume decimal.Decimal
	disabled      bool
	disableReason string
	tradeLog      []string
	lastErr       string
	lastSnapshot  Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Engine. clk may be nil to use the real clock.
func New(cfg EngineConfig, adapter exchange.Adapter, rsiSrc RSISource, depthSrc DepthSource, coord *order.Coordinator, rl *ratelimit.Controller, clk clock.Clock) *Engine {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		cfg:     cfg,
		adapter: adapter,
		rsiSrc:  rsiSrc,
		depth:   depthSrc,
		coord:   coord,
		rl:      rl,
		clk:     clk,
		log:     logger.GetLogger().WithComponent("swing_engine").WithFields(logger.Fields{"symbol": cfg.Symbol}),
		bus:     broadcast.New[Snapshot](),
	}
}

// Subscribe registers a consumer for engine Snapshot updates.
func (e *Engine) Subscribe(buffer int) (<-chan Snapshot, func()) {
	return e.bus.Subscribe(buffer)
}

// Snapshot returns the most recently published state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSnapshot
}

// Start launches the RSI/depth trackers, subscribes to the adapter's
// account/order/ticker feeds, and starts the tick loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	e.rsiSrc.Start(ctx)
	e.depth.Start(ctx)

	go e.watchAccount(ctx)
	go e.watchOrders(ctx)
	go e.watchTicker(ctx)
	go e.tickLoop(ctx)
}

// Stop tears down the engine and its trackers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
	e.rsiSrc.Stop()
	e.depth.Stop()
	e.mu.Lock()
	e.sessionVolume = decimal.Zero
	e.mu.Unlock()
	e.bus.Close()
}

func (e *Engine) watchAccount(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := e.adapter.WatchAccount(ctx, e.onAccount)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.log.WithError(err).Warn("account stream disconnected")
		}
		select {
		case <-e.clk.After(3 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) watchOrders(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := e.adapter.WatchOrders(ctx, e.onOrders)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.log.WithError(err).Warn("order stream disconnected")
		}
		select {
		case <-e.clk.After(3 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) watchTicker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := e.adapter.WatchTicker(ctx, e.cfg.Symbol, e.onTicker)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.log.WithError(err).Warn("ticker stream disconnected")
		}
		select {
		case <-e.clk.After(3 * time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// onAccount implements the spot guard: once an account snapshot reveals a
// spot market with a direction requiring shorting, trading is permanently
// disabled, per §4.6.
func (e *Engine) onAccount(acc model.Account) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account = acc
	e.haveAccount = true
	if !e.disabled && acc.MarketType == model.MarketTypeSpot && (e.cfg.Direction == model.DirectionShort || e.cfg.Direction == model.DirectionBoth) {
		e.disabled = true
		e.disableReason = "spot account cannot hold short positions; direction requires short exposure"
		e.log.Error(e.disableReason)
	}
}

func (e *Engine) onOrders(orders []model.Order) {
	e.mu.Lock()
	e.orders = orders
	e.haveOrders = true
	e.mu.Unlock()
	e.coord.ReconcileLocks(orders)
}

func (e *Engine) onTicker(tk model.Ticker) {
	e.mu.Lock()
	e.ticker = tk
	e.haveTicker = true
	e.mu.Unlock()
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer close(e.done)
	ticker := e.clk.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			e.Tick(ctx)
		}
	}
}

func (e *Engine) appendLog(msg string) {
	e.tradeLog = append(e.tradeLog, msg)
	if over := len(e.tradeLog) - e.cfg.MaxLogEntries; over > 0 {
		e.tradeLog = e.tradeLog[over:]
	}
}

// Tick executes one pass of §4.6's tick loop. Exported so tests can drive it
// deterministically without waiting on the poll-interval ticker.
func (e *Engine) Tick(ctx context.Context) {
	tickStart := e.clk.Now()

	decision := e.rl.BeforeCycle()
	if decision != ratelimit.Run {
		return
	}

	e.mu.Lock()
	disabled := e.disabled
	disableReason := e.disableReason
	haveAccount := e.haveAccount
	haveOrders := e.haveOrders
	haveTicker := e.haveTicker
	account := e.account
	orders := append([]model.Order(nil), e.orders...)
	tk := e.ticker
	e.mu.Unlock()

	if disabled {
		e.publish(Snapshot{Phase: PhaseDisabled, Error: disableReason})
		return
	}

	rsiSnap := e.rsiSrc.Snapshot()
	depthSnap := e.depth.Snapshot()
	haveDepth := depthSnap.Health.OrderBookReady

	ready := haveAccount && haveTicker && haveDepth && haveOrders && rsiSnap.IsStable && rsiSnap.RSI != nil
	if !ready {
		e.publish(Snapshot{Phase: PhaseInitializing, OpenOrders: orders, Ticker: tk, Depth: depthSnap.Imbalance, RSI: rsiSnap.RSI})
		return
	}

	position := account.Positions[e.cfg.Symbol]

	bid, ask, haveTop := e.depth.TopOfBook()
	var reference decimal.Decimal
	if haveTop {
		reference = bid.Add(ask).Div(decimal.NewFromInt(2))
	} else {
		reference = tk.Last
	}

	positionAmtF, _ := position.PositionAmt.Float64()
	var pnl decimal.Decimal
	if !position.IsFlat() {
		pnl = reference.Sub(position.EntryPrice).Mul(position.PositionAmt)
	}
	pnlF, _ := pnl.Float64()

	hadRateLimit := false

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	nextState, action := Step(state, e.cfg.logicConfig(), Event{RSI: rsiSnap.RSI, PositionAmt: positionAmtF, PnL: pnlF})

	e.mu.Lock()
	e.state = nextState
	e.mu.Unlock()

	switch action {
	case ActionOpenShort:
		if _, err := e.coord.PlaceMarketOrder(ctx, "entry", model.SideSell, e.cfg.TradeAmount, e.freshGuard(reference)); err != nil {
			hadRateLimit = e.handleOrderErr("open short", err)
		} else {
			e.addVolume(e.cfg.TradeAmount)
			e.logEvent("opened short")
		}
	case ActionOpenLong:
		if _, err := e.coord.PlaceMarketOrder(ctx, "entry", model.SideBuy, e.cfg.TradeAmount, e.freshGuard(reference)); err != nil {
			hadRateLimit = e.handleOrderErr("open long", err)
		} else {
			e.addVolume(e.cfg.TradeAmount)
			e.logEvent("opened long")
		}
	case ActionClosePosition:
		side := model.SideBuy
		if position.PositionAmt.IsPositive() {
			side = model.SideSell
		}
		qty := position.PositionAmt.Abs()
		if _, err := e.coord.MarketClose(ctx, "entry", side, qty, e.freshGuard(reference)); err != nil {
			hadRateLimit = e.handleOrderErr("close position", err)
		} else {
			e.addVolume(qty)
			e.logEvent("closed position")
		}
	}

	killSwitch, stopPrice, stopHadRateLimit := e.handleStopLoss(ctx, position, reference)
	hadRateLimit = hadRateLimit || stopHadRateLimit

	e.rl.OnCycleComplete(hadRateLimit)

	cycleLatency := e.clk.Now().Sub(tickStart)
	e.recordCycleMetrics(cycleLatency, rsiSnap, depthSnap)

	zone := model.ClassifyZone(rsiSnap.RSI, e.cfg.RSIHigh, e.cfg.RSILow)
	phase := derivePhase(disabled, ready, position, nextState)

	e.mu.Lock()
	volume := e.sessionVolume
	tradeLog := append([]string(nil), e.tradeLog...)
	lastErr := e.lastErr
	e.mu.Unlock()

	e.publish(Snapshot{
		Ready:           true,
		Phase:           phase,
		SignalSymbol:    e.cfg.SignalSymbol,
		SignalPrice:     rsiSnap.LastClose,
		RSI:             rsiSnap.RSI,
		Zone:            zone,
		ArmedShortEntry: nextState.ArmedShortEntry,
		ArmedShortExit:  nextState.ArmedShortExit,
		ArmedLongEntry:  nextState.ArmedLongEntry,
		ArmedLongExit:   nextState.ArmedLongExit,
		PositionAmt:     position.PositionAmt,
		EntryPrice:      position.EntryPrice,
		PnL:             pnl,
		SessionVolume:   volume,
		StopPrice:       stopPrice,
		KillSwitch:      killSwitch,
		OpenOrders:      orders,
		Depth:           depthSnap.Imbalance,
		Ticker:          tk,
		TradeLog:        tradeLog,
		Error:           lastErr,
		LastPrice:       tk.Last,
	})
}

// handleStopLoss implements §4.6.1. The returned hadRateLimit reflects the
// kill-switch close's own outcome so a rate-limited emergency close still
// compounds backoff on the caller's OnCycleComplete.
func (e *Engine) handleStopLoss(ctx context.Context, position model.Position, reference decimal.Decimal) (killSwitch bool, stopPrice decimal.Decimal, hadRateLimit bool) {
	if position.IsFlat() || position.EntryPrice.IsZero() {
		return false, decimal.Zero, false
	}
	pct := e.cfg.StopLossPct
	if pct.IsNegative() {
		pct = decimal.Zero
	}

	isLong := position.PositionAmt.IsPositive()
	if isLong {
		stopPrice = position.EntryPrice.Mul(decimal.NewFromInt(1).Sub(pct))
	} else {
		stopPrice = position.EntryPrice.Mul(decimal.NewFromInt(1).Add(pct))
	}

	tick := e.cfg.PriceTick

	if isLong && reference.LessThanOrEqual(stopPrice.Add(tick)) {
		if _, err := e.coord.MarketClose(ctx, "entry", model.SideSell, position.PositionAmt.Abs(), e.freshGuard(reference)); err != nil {
			hadRateLimit = e.handleOrderErr("kill-switch close", err)
		} else {
			e.logEvent("kill-switch triggered (long)")
		}
		return true, stopPrice, hadRateLimit
	}
	if !isLong && reference.GreaterThanOrEqual(stopPrice.Sub(tick)) {
		if _, err := e.coord.MarketClose(ctx, "entry", model.SideBuy, position.PositionAmt.Abs(), e.freshGuard(reference)); err != nil {
			hadRateLimit = e.handleOrderErr("kill-switch close", err)
		} else {
			e.logEvent("kill-switch triggered (short)")
		}
		return true, stopPrice, hadRateLimit
	}

	stopSide := model.SideSell
	if !isLong {
		stopSide = model.SideBuy
	}
	if !e.coord.IsLocked("stop") {
		if _, err := e.coord.PlaceStopLossOrder(ctx, "stop", stopSide, stopPrice, position.PositionAmt.Abs(), reference, e.freshGuard(reference)); err != nil {
			hadRateLimit = e.handleOrderErr("place stop-loss", err)
		}
	}
	return false, stopPrice, hadRateLimit
}

// freshGuard builds a SlippageGuard whose MarkPrice is re-sampled from the
// depth tracker at submission time, distinct from expected, the price the
// decision was made against — a mid-book move between Step() and order
// submission is exactly what §4.4's guard exists to catch.
func (e *Engine) freshGuard(expected decimal.Decimal) order.SlippageGuard {
	mark := expected
	if bid, ask, ok := e.depth.TopOfBook(); ok {
		mark = bid.Add(ask).Div(decimal.NewFromInt(2))
	}
	return order.SlippageGuard{MarkPrice: mark, ExpectedPrice: expected, MaxPct: e.cfg.MaxCloseSlippagePct}
}

// recordCycleMetrics publishes the three CloudWatch-backed swing metrics via
// the ambient logger, per SPEC_FULL's supplemented CloudWatch metric set.
func (e *Engine) recordCycleMetrics(latency time.Duration, rsiSnap rsi.Snapshot, depthSnap depth.Snapshot) {
	e.log.LogMetric("swing", "CycleLatencyMs", float64(latency.Microseconds())/1000.0, "gauge", nil)
	if rsiSnap.RSI != nil {
		e.log.LogMetric("swing", "RSIValue", *rsiSnap.RSI, "gauge", nil)
	}
	healthy := 0.0
	if depthSnap.Health.Healthy {
		healthy = 1.0
	}
	e.log.LogMetric("swing", "BookHealthy", healthy, "gauge", nil)
}

func (e *Engine) handleOrderErr(action string, err error) (hadRateLimit bool) {
	var oe *order.Error
	if errors.As(err, &oe) {
		switch oe.Kind {
		case order.KindRateLimit:
			hadRateLimit = true
		case order.KindSlotLocked:
			return false
		}
	}
	e.mu.Lock()
	e.lastErr = action + ": " + err.Error()
	e.appendLog(e.lastErr)
	e.mu.Unlock()
	e.log.WithError(err).Warn(action + " failed")
	return hadRateLimit
}

func (e *Engine) addVolume(qty decimal.Decimal) {
	e.mu.Lock()
	e.sessionVolume = e.sessionVolume.Add(qty)
	e.mu.Unlock()
}

func (e *Engine) logEvent(msg string) {
	e.mu.Lock()
	e.appendLog(msg)
	e.mu.Unlock()
}

func (e *Engine) publish(snap Snapshot) {
	snap.Symbol = e.cfg.Symbol
	snap.Direction = e.cfg.Direction
	snap.UpdatedAt = e.clk.Now()
	if snap.Phase != PhaseDisabled && snap.Phase != PhaseInitializing {
		snap.Ready = true
	}
	e.mu.Lock()
	e.lastSnapshot = snap
	e.mu.Unlock()
	e.bus.Publish(snap)
}

// derivePhase computes the display phase per §4.6's derivation rules.
func derivePhase(disabled, ready bool, position model.Position, state State) Phase {
	if disabled {
		return PhaseDisabled
	}
	if !ready {
		return PhaseInitializing
	}
	if position.IsFlat() {
		switch {
		case state.ArmedShortEntry:
			return PhaseWaitingOpenShort
		case state.ArmedLongEntry:
			return PhaseWaitingOpenLong
		}
		return PhaseObserving
	}
	if position.PositionAmt.IsPositive() && state.ArmedLongExit {
		return PhaseWaitingCloseLong
	}
	if position.PositionAmt.IsNegative() && state.ArmedShortExit {
		return PhaseWaitingCloseShort
	}
	return PhaseObserving
}
