package depth

import (
	"testing"

	"github.com/shopspring/decimal"

	"cryptoflow/internal/model"
)

func lvl(price, qty string) model.PriceLevel {
	return model.PriceLevel{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty)}
}

func TestApplySequencing(t *testing.T) {
	b := NewBook()
	b.Reset(model.DepthSnapshot{LastUpdateID: 8, Bids: []model.PriceLevel{lvl("100", "1")}, Asks: []model.PriceLevel{lvl("101", "1")}})

	if r := b.Apply(model.DepthEvent{FirstUpdateID: 5, FinalUpdateID: 7, Bids: nil, Asks: nil}); r != Stale {
		t.Fatalf("expected stale for u < local, got %v", r)
	}
	if r := b.Apply(model.DepthEvent{FirstUpdateID: 8, FinalUpdateID: 9}); r != Applied {
		t.Fatalf("expected applied, got %v", r)
	}
	if b.LocalLastUpdateID() != 9 {
		t.Fatalf("expected local=9, got %d", b.LocalLastUpdateID())
	}
	if r := b.Apply(model.DepthEvent{FirstUpdateID: 10, FinalUpdateID: 11}); r != Applied {
		t.Fatalf("expected applied, got %v", r)
	}
	if b.LocalLastUpdateID() != 11 {
		t.Fatalf("expected local=11, got %d", b.LocalLastUpdateID())
	}
}

func TestGapDetection(t *testing.T) {
	b := NewBook()
	b.Reset(model.DepthSnapshot{LastUpdateID: 100})
	if r := b.Apply(model.DepthEvent{FirstUpdateID: 110, FinalUpdateID: 120}); r != Gap {
		t.Fatalf("expected gap, got %v", r)
	}
	if b.LocalLastUpdateID() != 100 {
		t.Fatalf("gap must not advance local_last_update_id")
	}
}

func TestZeroQuantityDeletes(t *testing.T) {
	b := NewBook()
	b.Reset(model.DepthSnapshot{LastUpdateID: 1, Bids: []model.PriceLevel{lvl("100", "1")}})
	b.Apply(model.DepthEvent{FirstUpdateID: 2, FinalUpdateID: 2, Bids: []model.PriceLevel{lvl("100", "0")}})
	if _, ok := b.BestBid(); ok {
		t.Fatalf("expected no bids after zero-qty delete")
	}
}

func TestNoNegativeOrZeroQuantityRemains(t *testing.T) {
	b := NewBook()
	b.Reset(model.DepthSnapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceLevel{lvl("100", "1"), lvl("99", "0")},
		Asks:         []model.PriceLevel{lvl("101", "2")},
	})
	for _, q := range b.bids {
		if !q.IsPositive() {
			t.Fatalf("book contains non-positive bid quantity: %v", q)
		}
	}
}

func TestBestBidLessThanBestAskWhenReady(t *testing.T) {
	b := NewBook()
	b.Reset(model.DepthSnapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceLevel{lvl("100", "1"), lvl("99", "2")},
		Asks:         []model.PriceLevel{lvl("101", "1"), lvl("102", "2")},
	})
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	if !bid.LessThan(ask) {
		t.Fatalf("expected best_bid < best_ask, got bid=%v ask=%v", bid, ask)
	}
	if b.Crossed() {
		t.Fatalf("book should not be crossed")
	}
}

func TestImbalanceSymmetricUnderSwap(t *testing.T) {
	b1 := NewBook()
	b1.Reset(model.DepthSnapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceLevel{lvl("100", "5")},
		Asks:         []model.PriceLevel{lvl("101", "2")},
	})
	s1, _ := b1.Imbalance(9)
	s1 = ClassifyImbalance(s1, decimal.NewFromFloat(2))

	b2 := NewBook()
	b2.Reset(model.DepthSnapshot{
		LastUpdateID: 1,
		Bids:         []model.PriceLevel{lvl("100", "2")},
		Asks:         []model.PriceLevel{lvl("101", "5")},
	})
	s2, _ := b2.Imbalance(9)
	s2 = ClassifyImbalance(s2, decimal.NewFromFloat(2))

	if s1.SkipSellSide != s2.SkipBuySide || s1.SkipBuySide != s2.SkipSellSide {
		t.Fatalf("imbalance skip flags not symmetric under bid/ask swap: %+v vs %+v", s1, s2)
	}
}

func TestDuplicateEventIsNoop(t *testing.T) {
	b := NewBook()
	b.Reset(model.DepthSnapshot{LastUpdateID: 10})
	b.Apply(model.DepthEvent{FirstUpdateID: 11, FinalUpdateID: 12})
	before := b.LocalLastUpdateID()
	r := b.Apply(model.DepthEvent{FirstUpdateID: 5, FinalUpdateID: 6})
	if r != Stale {
		t.Fatalf("expected stale")
	}
	if b.LocalLastUpdateID() != before {
		t.Fatalf("duplicate event must be a no-op")
	}
}
