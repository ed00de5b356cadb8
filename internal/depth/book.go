// Package depth implements the incremental order-book tracker of §4.1: a
// diff-stream-plus-REST-snapshot book for a single symbol, its near-touch
// imbalance summary, and its health signal. The price-level map shape is
// ported from the teacher's internal/model.OrderBookEntry /
// SpotOrderBookSnapshot; the sequencing and bootstrap protocol is this
// spec's own.
package depth

import (
	"sort"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/model"
)

// Book is a single-symbol order book keyed by canonical price string, per
// §3. It is not safe for concurrent use on its own; Tracker serializes all
// mutation on its own goroutine.
type Book struct {
	bids map[string]decimal.Decimal
	asks map[string]decimal.Decimal

	bidPrices []decimal.Decimal // descending
	askPrices []decimal.Decimal // ascending

	localLastUpdateID int64
	ready             bool
}

// NewBook constructs an empty book.
func NewBook() *Book {
	return &Book{
		bids: make(map[string]decimal.Decimal),
		asks: make(map[string]decimal.Decimal),
	}
}

// Reset replaces the book's contents with a REST snapshot, per §4.1 step 5.
func (b *Book) Reset(snapshot model.DepthSnapshot) {
	b.bids = make(map[string]decimal.Decimal, len(snapshot.Bids))
	b.asks = make(map[string]decimal.Decimal, len(snapshot.Asks))
	b.bidPrices = b.bidPrices[:0]
	b.askPrices = b.askPrices[:0]

	for _, lvl := range snapshot.Bids {
		b.setLevel(true, lvl)
	}
	for _, lvl := range snapshot.Asks {
		b.setLevel(false, lvl)
	}
	b.localLastUpdateID = snapshot.LastUpdateID
}

// LocalLastUpdateID returns the sequence number of the last applied diff.
func (b *Book) LocalLastUpdateID() int64 { return b.localLastUpdateID }

// Ready reports whether the book has completed bootstrap.
func (b *Book) Ready() bool { return b.ready }

// SetReady marks bootstrap complete.
func (b *Book) SetReady(v bool) { b.ready = v }

// ApplyResult describes the outcome of applying one diff event.
type ApplyResult int

const (
	// Applied means the event was within sequence and its levels were merged.
	Applied ApplyResult = iota
	// Stale means the event's final_update_id was behind the book and was
	// silently dropped (duplicate), per §3.
	Stale
	// Gap means the event's range did not cover local_last_update_id+1: the
	// caller must re-bootstrap, per §4.1.
	Gap
)

// Apply applies a single diff event per §3's sequencing invariant:
// "Applied exactly when U ≤ local_last_update_id + 1 ≤ u; events with
// u < local_last_update_id are ignored; any other case is a gap."
func (b *Book) Apply(ev model.DepthEvent) ApplyResult {
	if ev.FinalUpdateID < b.localLastUpdateID {
		return Stale
	}
	if !(ev.FirstUpdateID <= b.localLastUpdateID+1 && b.localLastUpdateID+1 <= ev.FinalUpdateID) {
		return Gap
	}

	for _, lvl := range ev.Bids {
		b.setLevel(true, lvl)
	}
	for _, lvl := range ev.Asks {
		b.setLevel(false, lvl)
	}
	b.localLastUpdateID = ev.FinalUpdateID
	return Applied
}

// ApplyBootstrapFirst applies the first buffered event after a snapshot
// reset, per §4.1 step 6: it requires U ≤ local_last_update_id+1 ≤ u and
// returns false (bootstrap must restart) otherwise.
func (b *Book) ApplyBootstrapFirst(ev model.DepthEvent) bool {
	if !(ev.FirstUpdateID <= b.localLastUpdateID+1 && b.localLastUpdateID+1 <= ev.FinalUpdateID) {
		return false
	}
	b.Apply(ev)
	return true
}

func (b *Book) setLevel(isBid bool, lvl model.PriceLevel) {
	key := lvl.Price.String()
	m := b.asks
	prices := &b.askPrices
	if isBid {
		m = b.bids
		prices = &b.bidPrices
	}

	_, existed := m[key]
	if lvl.Quantity.IsZero() || lvl.Quantity.IsNegative() {
		if existed {
			delete(m, key)
			*prices = removePrice(*prices, lvl.Price)
		}
		return
	}

	m[key] = lvl.Quantity
	if !existed {
		*prices = insertPrice(*prices, lvl.Price, isBid)
	}
}

func insertPrice(prices []decimal.Decimal, p decimal.Decimal, descending bool) []decimal.Decimal {
	i := sort.Search(len(prices), func(i int) bool {
		if descending {
			return prices[i].LessThanOrEqual(p)
		}
		return prices[i].GreaterThanOrEqual(p)
	})
	prices = append(prices, decimal.Zero)
	copy(prices[i+1:], prices[i:])
	prices[i] = p
	return prices
}

func removePrice(prices []decimal.Decimal, p decimal.Decimal) []decimal.Decimal {
	for i, q := range prices {
		if q.Equal(p) {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}

// BestBid returns the highest bid, or false if the book has no bids.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if len(b.bidPrices) == 0 {
		return decimal.Zero, false
	}
	return b.bidPrices[0], true
}

// BestAsk returns the lowest ask, or false if the book has no asks.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if len(b.askPrices) == 0 {
		return decimal.Zero, false
	}
	return b.askPrices[0], true
}

// Mid returns (bestBid+bestAsk)/2, or false if either side is empty.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Crossed reports whether best_bid >= best_ask, which violates §3's
// invariant when the book is ready.
func (b *Book) Crossed() bool {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return false
	}
	return !bid.LessThan(ask)
}

var tenK = decimal.NewFromInt(10000)

// Imbalance computes the near-touch liquidity summary per §3, over a window
// of windowBps basis points around best bid/ask.
func (b *Book) Imbalance(windowBps int64) (model.ImbalanceSummary, bool) {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return model.ImbalanceSummary{}, false
	}

	bps := decimal.NewFromInt(windowBps).Div(tenK)
	buyFloor := bid.Mul(decimal.NewFromInt(1).Sub(bps))
	sellCeil := ask.Mul(decimal.NewFromInt(1).Add(bps))

	buySum := decimal.Zero
	for _, p := range b.bidPrices {
		if p.LessThan(buyFloor) {
			break // descending order: everything after is further from touch
		}
		buySum = buySum.Add(b.bids[p.String()])
	}
	sellSum := decimal.Zero
	for _, p := range b.askPrices {
		if p.GreaterThan(sellCeil) {
			break // ascending order
		}
		sellSum = sellSum.Add(b.asks[p.String()])
	}

	return model.ImbalanceSummary{
		BestBid: bid,
		BestAsk: ask,
		BuySum:  buySum,
		SellSum: sellSum,
	}, true
}

// ClassifyImbalance applies §3's skip_*/zone rules given a computed summary
// and a dominance ratio R (default 2, minimum 1.01).
func ClassifyImbalance(s model.ImbalanceSummary, ratio decimal.Decimal) model.ImbalanceSummary {
	zeroBuy := s.BuySum.IsZero()
	zeroSell := s.SellSum.IsZero()

	s.SkipSellSide = zeroSell || s.BuySum.GreaterThan(s.SellSum.Mul(ratio))
	s.SkipBuySide = zeroBuy || s.SellSum.GreaterThan(s.BuySum.Mul(ratio))

	switch {
	case zeroBuy && zeroSell:
		s.Imbalance = model.ImbalanceBalanced
	case s.BuySum.GreaterThan(s.SellSum.Mul(ratio)):
		s.Imbalance = model.ImbalanceBuyDominant
	case s.SellSum.GreaterThan(s.BuySum.Mul(ratio)):
		s.Imbalance = model.ImbalanceSellDominant
	default:
		s.Imbalance = model.ImbalanceBalanced
	}
	return s
}
