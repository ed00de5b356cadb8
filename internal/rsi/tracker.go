// internal/rsi/tracker.go
package rsi

import (
	"context"
	"sync"
	"time"

	"cryptoflow/internal/broadcast"
	"cryptoflow/internal/clock"
	"cryptoflow/internal/model"
	"cryptoflow/logger"
)

// RESTClient fetches historical klines to bootstrap (or reseed) the series.
// Implementations call GET /api/v3/klines per §6 and must return rows sorted
// ascending by open time.
type RESTClient interface {
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)
}

// StreamClient watches the live kline stream for one (symbol, interval) pair,
// invoking cb on every update (closed or forming) until ctx is canceled or
// the connection drops, in which case it returns a non-nil error.
type StreamClient interface {
	WatchKlines(ctx context.Context, symbol, interval string, cb func(model.Candle)) error
}

// Config configures a Tracker.
type Config struct {
	Symbol         string
	Interval       string
	Period         int
	BootstrapLimit int // default 500
	ReconnectDelay time.Duration
}

// Snapshot is the Tracker's published state, per §4.2.
type Snapshot struct {
	RSI             *float64
	IsStable        bool
	LastClose       float64
	CandleOpenTime  int64
	CandleClosed    bool
	ConnectionState model.ConnectionState
	UpdatedAt       time.Time
}

// Tracker maintains RSI(period) over closed plus forming candles for one
// (symbol, interval) pair, per §4.2.
type Tracker struct {
	cfg    Config
	rest   RESTClient
	stream StreamClient
	clk    clock.Clock
	log    *logger.Entry

	mu              sync.RWMutex
	wilder          *Wilder
	currentOpenTime int64
	haveBar         bool
	connState       model.ConnectionState

	bus *broadcast.Bus[Snapshot]

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker constructs a Tracker. clk may be nil to use the real clock.
func NewTracker(cfg Config, rest RESTClient, stream StreamClient, clk clock.Clock) *Tracker {
	if cfg.BootstrapLimit <= 0 {
		cfg.BootstrapLimit = 500
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		cfg:       cfg,
		rest:      rest,
		stream:    stream,
		clk:       clk,
		log:       logger.GetLogger().WithComponent("rsi_tracker").WithFields(logger.Fields{"symbol": cfg.Symbol, "interval": cfg.Interval}),
		wilder:    New(cfg.Period),
		connState: model.ConnDisconnected,
		bus:       broadcast.New[Snapshot](),
	}
}

// Subscribe registers a consumer for Snapshot updates.
func (t *Tracker) Subscribe(buffer int) (<-chan Snapshot, func()) {
	return t.bus.Subscribe(buffer)
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		RSI:             t.wilder.Value(),
		IsStable:        t.wilder.IsStable(),
		LastClose:       t.wilder.LastClose(),
		CandleOpenTime:  t.currentOpenTime,
		CandleClosed:    false,
		ConnectionState: t.connState,
		UpdatedAt:       t.clk.Now(),
	}
}

// Start bootstraps from REST and launches the live-watch loop. It returns
// once the initial bootstrap has completed (or failed, in which case the
// run loop reseeds from REST after the next kline stream disconnect).
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	t.bootstrap(ctx)

	go t.run(ctx)
}

// Stop cancels the watch loop and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	t.bus.Close()
}

func (t *Tracker) bootstrap(ctx context.Context) {
	candles, err := t.rest.FetchKlines(ctx, t.cfg.Symbol, t.cfg.Interval, t.cfg.BootstrapLimit)
	if err != nil {
		t.log.WithError(err).Warn("rsi bootstrap fetch failed")
		return
	}
	t.seed(candles)
}

// seed replaces the tracker's in-memory series with the given ascending
// candle history, marking the final bar as forming so the next live update
// replaces it rather than appending a duplicate. Re-seeding (on reconnect)
// fully resets the Wilder state, which is intentional: both RSI and depth
// state are re-bootstrapped rather than persisted, per §1's Non-goals.
func (t *Tracker) seed(candles []model.Candle) {
	if len(candles) == 0 {
		return
	}
	w := New(t.cfg.Period)
	for _, c := range candles {
		close, _ := c.Close.Float64()
		w.Add(close)
	}

	t.mu.Lock()
	t.wilder = w
	t.currentOpenTime = candles[len(candles)-1].OpenTime
	t.haveBar = true
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.bus.Publish(snap)
	t.log.WithFields(logger.Fields{"bars": len(candles), "is_stable": snap.IsStable}).Info("rsi bootstrap complete")
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	delay := t.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		t.setConnState(model.ConnConnecting)
		err := t.stream.WatchKlines(ctx, t.cfg.Symbol, t.cfg.Interval, t.onCandle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.log.WithError(err).Warn("rsi stream disconnected, reseeding before reconnect")
		}
		t.setConnState(model.ConnDisconnected)

		// Reseed from REST before reconnecting the WS, per §4.2, so that the
		// series has no gap while disconnected.
		t.bootstrap(ctx)

		select {
		case <-t.clk.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) setConnState(s model.ConnectionState) {
	t.mu.Lock()
	t.connState = s
	t.mu.Unlock()
}

// onCandle applies the live-handling rules of §4.2.
func (t *Tracker) onCandle(c model.Candle) {
	close, _ := c.Close.Float64()

	t.mu.Lock()
	t.connState = model.ConnConnected

	var ignored bool
	switch {
	case !t.haveBar:
		t.wilder.Add(close)
		t.currentOpenTime = c.OpenTime
		t.haveBar = true
	case c.OpenTime < t.currentOpenTime:
		ignored = true
	case c.OpenTime == t.currentOpenTime:
		t.wilder.Replace(close)
	default:
		t.wilder.Add(close)
		t.currentOpenTime = c.OpenTime
	}

	snap := t.snapshotLocked()
	if !ignored {
		snap.CandleClosed = c.IsClosed
	}
	t.mu.Unlock()

	t.bus.Publish(snap)
}
