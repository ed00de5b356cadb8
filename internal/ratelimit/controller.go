// Package ratelimit implements the swing engine's per-tick throttling
// controller (§4.3): it turns venue backoff signals into a run/skip/paused
// decision for the next cycle. The exponential pause-window bookkeeping is
// this spec's own; the venue-message keyword sniffing in detect.go is
// ported from the teacher's internal/metrics/rate/ratelimit.go.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cryptoflow/internal/clock"
	"cryptoflow/logger"
)

// Decision is the controller's verdict for the next cycle.
type Decision string

const (
	Run    Decision = "run"
	Skip   Decision = "skip"
	Paused Decision = "paused"
)

// Config configures a Controller.
type Config struct {
	BaseBackoff  time.Duration // default 1s
	MaxBackoff   time.Duration // default 60s
	CyclesPerSec float64       // steady-state token-bucket rate; default 2
	Burst        int           // default 2
}

func (c *Config) applyDefaults() {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.CyclesPerSec <= 0 {
		c.CyclesPerSec = 2
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
}

// Controller throttles cycle execution on venue backoff signals, per §4.3.
type Controller struct {
	cfg     Config
	clk     clock.Clock
	log     *logger.Entry
	limiter *rate.Limiter

	mu           sync.Mutex
	backoffCount int
	pauseUntil   time.Time
	freshBackoff bool
}

// New constructs a Controller. clk may be nil to use the real clock.
func New(cfg Config, clk clock.Clock) *Controller {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Controller{
		cfg:     cfg,
		clk:     clk,
		log:     logger.GetLogger().WithComponent("rate_limit_controller"),
		limiter: rate.NewLimiter(rate.Limit(cfg.CyclesPerSec), cfg.Burst),
	}
}

// RegisterRateLimit records a backoff-triggering signal from source (e.g.
// "order_submit", "depth_rest") and extends the pause window exponentially,
// bounded at MaxBackoff.
func (c *Controller) RegisterRateLimit(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.backoffCount++
	pause := c.cfg.BaseBackoff * time.Duration(1<<uint(c.backoffCount-1))
	if pause > c.cfg.MaxBackoff || pause <= 0 {
		pause = c.cfg.MaxBackoff
	}
	c.pauseUntil = c.clk.Now().Add(pause)
	c.freshBackoff = true

	c.log.WithFields(logger.Fields{"source": source, "pause_ms": pause.Milliseconds(), "backoff_count": c.backoffCount}).Warn("rate limit registered")
}

// BeforeCycle returns the decision for the upcoming cycle, per §4.3.
func (c *Controller) BeforeCycle() Decision {
	c.mu.Lock()
	now := c.clk.Now()
	if now.Before(c.pauseUntil) {
		c.mu.Unlock()
		return Paused
	}
	if c.freshBackoff {
		c.freshBackoff = false
		c.mu.Unlock()
		return Skip
	}
	c.mu.Unlock()

	if !c.limiter.AllowN(now, 1) {
		return Skip
	}
	return Run
}

// OnCycleComplete resets the backoff state on a clean cycle, or compounds it
// when the cycle itself hit a rate limit.
func (c *Controller) OnCycleComplete(hadRateLimit bool) {
	if hadRateLimit {
		c.RegisterRateLimit("cycle")
		return
	}
	c.mu.Lock()
	c.backoffCount = 0
	c.pauseUntil = time.Time{}
	c.freshBackoff = false
	c.mu.Unlock()
}
