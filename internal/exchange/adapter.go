// Package exchange defines the venue-agnostic adapter contract consumed by
// the order coordinator and the swing engine (§6), plus concrete
// implementations per venue.
package exchange

import (
	"context"

	"cryptoflow/internal/model"
)

// CreateOrderRequest is the venue-agnostic order submission payload.
type CreateOrderRequest struct {
	Symbol        string
	Side          model.Side
	Type          model.OrderType
	Quantity      string
	Price         string
	StopPrice     string
	ReduceOnly    bool
	ClosePosition bool
	ClientID      string
}

// Adapter is the contract every venue implementation satisfies. Each Watch*
// method subscribes and re-invokes cb on every update, delivering at least
// one full snapshot on initial subscription; it blocks until ctx is
// canceled or the underlying stream ends.
type Adapter interface {
	ID() string

	WatchAccount(ctx context.Context, cb func(model.Account)) error
	WatchOrders(ctx context.Context, cb func([]model.Order)) error
	WatchDepth(ctx context.Context, symbol string, speedMs int, cb func(model.DepthEvent)) error
	WatchTicker(ctx context.Context, symbol string, cb func(model.Ticker)) error
	WatchKlines(ctx context.Context, symbol, interval string, cb func(model.Candle)) error

	FetchSnapshot(ctx context.Context, symbol string, limit int) (model.DepthSnapshot, error)
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error)

	CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelOrders(ctx context.Context, symbol string, orderIDs []string) error
	CancelAllOrders(ctx context.Context, symbol string) error

	QueryAccountSnapshot(ctx context.Context) (*model.Account, error)
	GetPrecision(ctx context.Context, symbol string) (model.Precision, bool)
	SupportsTrailingStops() bool
}
