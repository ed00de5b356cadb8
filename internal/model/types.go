// Package model holds the wire-adjacent and domain data types shared across
// the depth tracker, RSI tracker, order coordinator, and swing engine —
// ported and generalized from the teacher's internal/model package (price
// levels, order book snapshots/deltas) to the single-symbol swing domain.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a normalized order/position side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType mirrors the subset of venue order types the core issues or
// reasons about.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus mirrors venue order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsLive reports whether the status still represents a resting/working
// order, per §4.4's lock-reconciliation rule.
func (s OrderStatus) IsLive() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// PriceLevel is a single (price, quantity) entry in an order book. Price is
// kept in its canonical decimal form, per §3: tick-exact, used as the map
// key. A zero quantity means "delete this level".
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DepthEvent is one diff update from the venue's incremental book stream.
type DepthEvent struct {
	FirstUpdateID int64
	FinalUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// DepthSnapshot is a REST order-book snapshot used to (re)initialize the
// local book.
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// ImbalanceZone classifies the near-touch liquidity skew.
type ImbalanceZone string

const (
	ImbalanceBuyDominant  ImbalanceZone = "buy_dominant"
	ImbalanceSellDominant ImbalanceZone = "sell_dominant"
	ImbalanceBalanced     ImbalanceZone = "balanced"
)

// ImbalanceSummary is the derived near-touch liquidity summary, computed
// over a price window expressed in basis points around best bid/ask.
type ImbalanceSummary struct {
	BestBid       decimal.Decimal
	BestAsk       decimal.Decimal
	BuySum        decimal.Decimal
	SellSum       decimal.Decimal
	SkipSellSide  bool
	SkipBuySide   bool
	Imbalance     ImbalanceZone
	ComputedAt    time.Time
}

// ConnectionState is the lifecycle state of a streaming connection, shared
// by the depth and RSI trackers' health reporting.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnStale        ConnectionState = "stale"
)

// BookHealth is the depth tracker's published health signal, per §4.1.
type BookHealth struct {
	Started        bool
	Connected      bool
	OrderBookReady bool
	RestHealthy    bool
	Healthy        bool
	Reason         string
}

// Candle is a single OHLC bar reduced to what the RSI tracker needs.
type Candle struct {
	OpenTime int64
	Close    decimal.Decimal
	IsClosed bool
}

// Position is the adapter's view of the account's exposure on the traded
// symbol.
type Position struct {
	Symbol           string
	PositionAmt      decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedProfit decimal.Decimal
}

// flatEpsilon is §3's flat threshold: |position_amt| <= 1e-5.
var flatEpsilon = decimal.New(1, -5)

// IsFlat reports whether the position is effectively flat per §3.
func (p Position) IsFlat() bool {
	return p.PositionAmt.Abs().LessThanOrEqual(flatEpsilon)
}

// MarketType distinguishes spot from derivatives accounts, used by the
// engine's spot guard (§4.6).
type MarketType string

const (
	MarketTypeSpot   MarketType = "spot"
	MarketTypeFuture MarketType = "future"
)

// Account is the adapter's account snapshot.
type Account struct {
	MarketType MarketType
	Positions  map[string]Position
}

// Order is the adapter's normalized order representation.
type Order struct {
	OrderID      string
	ClientID     string
	Symbol       string
	Side         Side
	Type         OrderType
	Status       OrderStatus
	Price        decimal.Decimal
	StopPrice    decimal.Decimal
	OrigQty      decimal.Decimal
	ExecutedQty  decimal.Decimal
	ReduceOnly   bool
	ClosePosition bool
	Time         time.Time
	UpdateTime   time.Time
}

// Ticker is the last-traded-price feed.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Time   time.Time
}

// Precision carries venue tick/step sizes, returned optionally by the
// adapter per §6.
type Precision struct {
	PriceTick decimal.Decimal
	QtyStep   decimal.Decimal
}

// Direction is the swing strategy's configured trading direction.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionBoth  Direction = "both"
)

// AllowsLong reports whether entries on the long side are permitted.
func (d Direction) AllowsLong() bool { return d == DirectionLong || d == DirectionBoth }

// AllowsShort reports whether entries on the short side are permitted.
func (d Direction) AllowsShort() bool { return d == DirectionShort || d == DirectionBoth }

// Zone classifies an RSI reading against configured thresholds, used only
// for snapshot display (§4.6 "zone").
type Zone string

const (
	ZoneOverbought Zone = "overbought"
	ZoneOversold   Zone = "oversold"
	ZoneNeutral    Zone = "neutral"
	ZoneUnknown    Zone = "unknown"
)

// ClassifyZone derives the display zone for an RSI value.
func ClassifyZone(rsi *float64, high, low float64) Zone {
	if rsi == nil {
		return ZoneUnknown
	}
	switch {
	case *rsi >= high:
		return ZoneOverbought
	case *rsi <= low:
		return ZoneOversold
	default:
		return ZoneNeutral
	}
}
