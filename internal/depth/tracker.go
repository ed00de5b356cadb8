// internal/depth/tracker.go
package depth

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/broadcast"
	"cryptoflow/internal/clock"
	"cryptoflow/internal/model"
	"cryptoflow/logger"
)

// RESTClient fetches a REST order-book snapshot per §6.
type RESTClient interface {
	FetchSnapshot(ctx context.Context, symbol string, limit int) (model.DepthSnapshot, error)
}

// StreamClient watches the raw depth-diff stream for one symbol, invoking cb
// for every event until ctx is canceled or the connection drops (returning a
// non-nil error in the latter case), per §6.
type StreamClient interface {
	WatchDepth(ctx context.Context, symbol string, speedMs int, cb func(model.DepthEvent)) error
}

// Config configures a Tracker. Zero values fall back to §4.1/§6 defaults.
type Config struct {
	Symbol        string
	SpeedMs       int           // default 100
	Ratio         decimal.Decimal // dominance ratio R, default 2, minimum 1.01
	WindowBps     int64         // default 9
	RefreshSync   time.Duration // default 30s
	StaleAfter    time.Duration // default 5s
	HeartbeatTO   time.Duration // default 5m
	MaxConnAge    time.Duration // default 23h
	ReconnectBase time.Duration // default 3s
	ReconnectCap  time.Duration // default 60s
	SnapshotLimit int           // default 5000
	BufferCap     int           // default 5000
	BootstrapTries int          // default 5
}

func (c *Config) applyDefaults() {
	if c.SpeedMs <= 0 {
		c.SpeedMs = 100
	}
	if c.Ratio.IsZero() {
		c.Ratio = decimal.NewFromFloat(2)
	}
	if c.Ratio.LessThan(decimal.NewFromFloat(1.01)) {
		c.Ratio = decimal.NewFromFloat(1.01)
	}
	if c.WindowBps <= 0 {
		c.WindowBps = 9
	}
	if c.RefreshSync <= 0 {
		c.RefreshSync = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Second
	}
	if c.HeartbeatTO <= 0 {
		c.HeartbeatTO = 5 * time.Minute
	}
	if c.MaxConnAge <= 0 {
		c.MaxConnAge = 23 * time.Hour
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 3 * time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.SnapshotLimit <= 0 {
		c.SnapshotLimit = 5000
	}
	if c.BufferCap <= 0 {
		c.BufferCap = 5000
	}
	if c.BootstrapTries <= 0 {
		c.BootstrapTries = 5
	}
}

// Snapshot is the Tracker's published state: the imbalance summary plus
// health, emitted after every successfully applied event while ready.
type Snapshot struct {
	Imbalance model.ImbalanceSummary
	Health    model.BookHealth
}

// Tracker implements §4.1's incremental order-book protocol for one symbol.
type Tracker struct {
	cfg  Config
	rest RESTClient
	ws   StreamClient
	clk  clock.Clock
	log  *logger.Entry

	mu          sync.Mutex
	book        *Book
	buffer      []model.DepthEvent
	ready       bool
	started     bool
	connected   bool
	lastMsgAt   time.Time
	restFailing bool
	lastSnap    Snapshot

	bus *broadcast.Bus[Snapshot]

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Tracker. clk may be nil to use the real clock.
func New(cfg Config, rest RESTClient, ws StreamClient, clk clock.Clock) *Tracker {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		cfg:  cfg,
		rest: rest,
		ws:   ws,
		clk:  clk,
		book: NewBook(),
		log:  logger.GetLogger().WithComponent("depth_tracker").WithFields(logger.Fields{"symbol": cfg.Symbol}),
		bus:  broadcast.New[Snapshot](),
	}
}

// Subscribe registers a consumer for Snapshot updates.
func (t *Tracker) Subscribe(buffer int) (<-chan Snapshot, func()) {
	return t.bus.Subscribe(buffer)
}

// Snapshot returns the most recently published state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSnap
}

// Start launches the connection and resync loops.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	t.mu.Lock()
	t.started = true
	t.mu.Unlock()

	go t.connLoop(ctx)
	go t.resyncLoop(ctx)
	go t.heartbeatLoop(ctx)
}

// Stop tears down the tracker.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	t.bus.Close()
}

// connLoop owns the WS connection lifecycle: reconnect backoff on failure,
// proactive reconnect at MaxConnAge, and triggers bootstrap on (re)connect.
func (t *Tracker) connLoop(ctx context.Context) {
	defer close(t.done)
	backoff := t.cfg.ReconnectBase

	for {
		if ctx.Err() != nil {
			return
		}

		t.setConnected(false)
		t.setReady(false)

		connCtx, connCancel := context.WithCancel(ctx)
		ageTimer := t.clk.After(t.cfg.MaxConnAge)
		go func() {
			select {
			case <-ageTimer:
				t.log.Info("proactive reconnect at max connection age")
				connCancel()
			case <-connCtx.Done():
			}
		}()
		go t.watchHeartbeat(connCtx, connCancel)

		t.setConnected(true)
		go t.bootstrap(connCtx)

		err := t.ws.WatchDepth(connCtx, t.cfg.Symbol, t.cfg.SpeedMs, t.onDepthEvent)
		connCancel()
		t.setConnected(false)

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			t.log.WithError(err).Warn("depth stream disconnected")
			select {
			case <-t.clk.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > t.cfg.ReconnectCap {
				backoff = t.cfg.ReconnectCap
			}
		} else {
			backoff = t.cfg.ReconnectBase
		}
	}
}

// watchHeartbeat forces a reconnect when no message has arrived for
// HeartbeatTO, per §4.1's lifecycle policy.
func (t *Tracker) watchHeartbeat(ctx context.Context, cancel context.CancelFunc) {
	ticker := t.clk.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			t.mu.Lock()
			last := t.lastMsgAt
			t.mu.Unlock()
			if !last.IsZero() && t.clk.Now().Sub(last) >= t.cfg.HeartbeatTO {
				t.log.Warn("heartbeat timeout, forcing reconnect")
				cancel()
				return
			}
		}
	}
}

func (t *Tracker) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *Tracker) setReady(v bool) {
	t.mu.Lock()
	t.ready = v
	t.mu.Unlock()
}

// bootstrap performs §4.1 steps 2-7: buffer until snapshot reconciles.
func (t *Tracker) bootstrap(ctx context.Context) {
	for attempt := 0; attempt < t.cfg.BootstrapTries; attempt++ {
		if ctx.Err() != nil {
			return
		}
		ok := t.tryBootstrapOnce(ctx)
		if ok {
			return
		}
		t.log.WithFields(logger.Fields{"attempt": attempt + 1}).Warn("depth bootstrap retry")
	}
	t.log.Error("depth bootstrap exhausted retries; will keep retrying on next gap/reconnect")
}

func (t *Tracker) tryBootstrapOnce(ctx context.Context) bool {
	snap, err := t.rest.FetchSnapshot(ctx, t.cfg.Symbol, t.cfg.SnapshotLimit)
	if err != nil {
		t.mu.Lock()
		t.restFailing = true
		t.mu.Unlock()
		t.log.WithError(err).Warn("depth snapshot fetch failed")
		return false
	}
	t.mu.Lock()
	t.restFailing = false
	t.mu.Unlock()

	t.mu.Lock()
	buffered := append([]model.DepthEvent(nil), t.buffer...)
	t.mu.Unlock()

	if len(buffered) == 0 || snap.LastUpdateID < buffered[0].FirstUpdateID {
		// Snapshot too old relative to what we've buffered so far: discard
		// and retry, per §4.1 step 4.
		return false
	}

	startIdx := -1
	for i, ev := range buffered {
		if ev.FinalUpdateID > snap.LastUpdateID {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return false
	}

	t.mu.Lock()
	t.book.Reset(snap)
	first := buffered[startIdx]
	if !t.book.ApplyBootstrapFirst(first) {
		t.mu.Unlock()
		return false
	}
	for _, ev := range buffered[startIdx+1:] {
		t.book.Apply(ev)
	}
	t.buffer = nil
	t.ready = true
	t.mu.Unlock()

	t.log.Info("depth bootstrap complete")
	t.publish()
	return true
}

// onDepthEvent is invoked by the stream client for every received event.
func (t *Tracker) onDepthEvent(ev model.DepthEvent) {
	t.mu.Lock()
	t.lastMsgAt = t.clk.Now()

	if !t.ready {
		t.buffer = append(t.buffer, ev)
		if len(t.buffer) > t.cfg.BufferCap {
			t.buffer = t.buffer[len(t.buffer)-t.cfg.BufferCap:]
		}
		t.mu.Unlock()
		return
	}

	result := t.book.Apply(ev)
	switch result {
	case Stale:
		t.mu.Unlock()
		return
	case Gap:
		t.ready = false
		t.buffer = []model.DepthEvent{ev}
		t.mu.Unlock()
		t.log.Warn("depth sequence gap detected, re-bootstrapping")
		go t.bootstrap(context.Background())
		return
	}
	t.mu.Unlock()

	t.publish()
}

// resyncLoop performs the periodic snapshot resync of §4.1.
func (t *Tracker) resyncLoop(ctx context.Context) {
	ticker := t.clk.NewTicker(t.cfg.RefreshSync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			t.mu.Lock()
			ready := t.ready
			t.mu.Unlock()
			if !ready {
				continue
			}
			snap, err := t.rest.FetchSnapshot(ctx, t.cfg.Symbol, t.cfg.SnapshotLimit)
			if err != nil {
				t.mu.Lock()
				t.restFailing = true
				t.mu.Unlock()
				t.log.WithError(err).Warn("periodic resync fetch failed")
				continue
			}
			t.mu.Lock()
			t.restFailing = false
			if snap.LastUpdateID >= t.book.LocalLastUpdateID() {
				t.book.Reset(snap)
			}
			t.mu.Unlock()
			t.publish()
		}
	}
}

// heartbeatLoop republishes health once a second for reporting only; the
// forced reconnect at HeartbeatTO is done by watchHeartbeat cancelling the
// active connection context.
func (t *Tracker) heartbeatLoop(ctx context.Context) {
	ticker := t.clk.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			t.publishHealthOnly()
		}
	}
}

func (t *Tracker) publishHealthOnly() {
	h := t.health()
	t.mu.Lock()
	t.lastSnap.Health = h
	snap := t.lastSnap
	t.mu.Unlock()
	t.bus.Publish(snap)
}

func (t *Tracker) health() model.BookHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := model.BookHealth{
		Started:        t.started,
		Connected:      t.connected,
		OrderBookReady: t.ready,
		RestHealthy:    !t.restFailing,
	}

	stale := !t.lastMsgAt.IsZero() && t.clk.Now().Sub(t.lastMsgAt) >= t.cfg.StaleAfter

	switch {
	case !h.Connected:
		h.Reason = "ws_disconnected"
	case !h.OrderBookReady:
		h.Reason = "not_ready"
	case stale:
		h.Reason = "stale"
	case !h.RestHealthy:
		h.Reason = "rest_unhealthy"
	default:
		h.Reason = "ok"
	}
	h.Healthy = h.Reason == "ok"
	return h
}

func (t *Tracker) publish() {
	t.mu.Lock()
	summary, ok := t.book.Imbalance(t.cfg.WindowBps)
	ratio := t.cfg.Ratio
	t.mu.Unlock()

	h := t.health()
	if !ok {
		snap := Snapshot{Health: h}
		t.mu.Lock()
		t.lastSnap = snap
		t.mu.Unlock()
		t.bus.Publish(snap)
		return
	}
	summary = ClassifyImbalance(summary, ratio)
	summary.ComputedAt = t.clk.Now()

	snap := Snapshot{Imbalance: summary, Health: h}
	t.mu.Lock()
	t.lastSnap = snap
	t.mu.Unlock()
	t.bus.Publish(snap)
}

// TopOfBook returns best bid/ask for the engine's pnl/stop-loss computation.
func (t *Tracker) TopOfBook() (bid, ask decimal.Decimal, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok1 := t.book.BestBid()
	a, ok2 := t.book.BestAsk()
	return b, a, ok1 && ok2
}

// Mid returns the book mid-price.
func (t *Tracker) Mid() (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.Mid()
}
