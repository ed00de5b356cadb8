package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	futuresorder "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/order"
	futuresprivate "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futuresprivate"
	futurespositions "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/positions"
	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"github.com/shopspring/decimal"

	"cryptoflow/internal/model"
	"cryptoflow/logger"
)

// KucoinConfig configures a KucoinAdapter.
type KucoinConfig struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Endpoint   string
	Timeout    time.Duration
}

func (c *KucoinConfig) applyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "https://api-futures.kucoin.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// KucoinAdapter implements Adapter against KuCoin Futures via the universal
// SDK, following the client-construction and request-builder pattern used by
// the teacher's internal/reader/kucoin readers (pi.go, oi.go, fobd.go).
type KucoinAdapter struct {
	cfg       KucoinConfig
	client    sdkapi.Client
	marketAPI futuresmarket.MarketAPI
	orderAPI  futuresorder.OrderAPI
	posAPI    futurespositions.PositionsAPI
	log       *logger.Entry
}

// NewKucoinAdapter constructs a KucoinAdapter.
func NewKucoinAdapter(cfg KucoinConfig) *KucoinAdapter {
	cfg.applyDefaults()

	transportOpt := sdktype.NewTransportOptionBuilder().SetTimeout(cfg.Timeout).Build()
	option := sdktype.NewClientOptionBuilder().
		WithKey(cfg.APIKey).
		WithSecret(cfg.APISecret).
		WithPassphrase(cfg.Passphrase).
		WithFuturesEndpoint(cfg.Endpoint).
		WithTransportOption(transportOpt).
		Build()

	client := sdkapi.NewClient(option)
	futuresService := client.RestService().GetFuturesService()

	return &KucoinAdapter{
		cfg:       cfg,
		client:    client,
		marketAPI: futuresService.GetMarketAPI(),
		orderAPI:  futuresService.GetOrderAPI(),
		posAPI:    futuresService.GetPositionsAPI(),
		log:       logger.GetLogger().WithComponent("kucoin_adapter"),
	}
}

func (a *KucoinAdapter) ID() string { return "kucoin" }

// WatchAccount polls QueryAccountSnapshot over the private websocket's
// "position change" heartbeat; KuCoin's position-change topic carries enough
// to re-derive the account view on every push.
func (a *KucoinAdapter) WatchAccount(ctx context.Context, cb func(model.Account)) error {
	ws := a.client.WsService().NewFuturesPrivateWS()
	if err := ws.Start(); err != nil {
		return fmt.Errorf("start private websocket: %w", err)
	}
	defer ws.Stop()

	_, err := ws.AllPosition(func(topic, subject string, data *futuresprivate.AllPositionEvent) error {
		acc, err := a.QueryAccountSnapshot(ctx)
		if err != nil {
			a.log.WithError(err).Warn("failed to refresh account on position change")
			return nil
		}
		cb(*acc)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe position change: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// WatchOrders subscribes to the private order-change topic and re-fetches
// the open-order list on each push.
func (a *KucoinAdapter) WatchOrders(ctx context.Context, cb func([]model.Order)) error {
	ws := a.client.WsService().NewFuturesPrivateWS()
	if err := ws.Start(); err != nil {
		return fmt.Errorf("start private websocket: %w", err)
	}
	defer ws.Stop()

	_, err := ws.AllOrder(func(topic, subject string, data *futuresprivate.AllOrderEvent) error {
		symbol := strings.TrimPrefix(topic, "/contractMarket/tradeOrders:")
		orders, err := a.fetchOpenOrders(ctx, symbol)
		if err != nil {
			a.log.WithError(err).Warn("failed to refresh open orders")
			return nil
		}
		cb(orders)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe order change: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (a *KucoinAdapter) fetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	req := futuresorder.NewGetOrderListReqBuilder().SetSymbol(symbol).SetStatus("active").Build()
	resp, err := a.orderAPI.GetOrderList(req, ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(resp.Items))
	for i := range resp.Items {
		out = append(out, kucoinOrderToModel(&resp.Items[i]))
	}
	return out, nil
}

func kucoinOrderToModel(o *futuresorder.GetOrderListItems) model.Order {
	price, _ := decimal.NewFromString(o.Price)
	stop := decimal.NewFromInt(int64(o.StopPrice))
	qty := decimal.NewFromInt(int64(o.Size))
	filled := decimal.NewFromInt(int64(o.FilledSize))
	return model.Order{
		OrderID:     o.Id,
		ClientID:    o.ClientOid,
		Symbol:      o.Symbol,
		Side:        model.Side(strings.ToUpper(o.Side)),
		Type:        model.OrderType(strings.ToUpper(o.Type)),
		Status:      kucoinStatusToModel(o),
		Price:       price,
		StopPrice:   stop,
		OrigQty:     qty,
		ExecutedQty: filled,
		ReduceOnly:  o.ReduceOnly,
	}
}

func kucoinStatusToModel(o *futuresorder.GetOrderListItems) model.OrderStatus {
	switch {
	case o.CancelExist:
		return model.OrderStatusCanceled
	case o.IsActive:
		if o.FilledSize > 0 {
			return model.OrderStatusPartiallyFilled
		}
		return model.OrderStatusNew
	default:
		return model.OrderStatusFilled
	}
}

// WatchDepth subscribes to the public incremental order-book topic, per
// internal/reader/kucoin/fobd.go.
func (a *KucoinAdapter) WatchDepth(ctx context.Context, symbol string, speedMs int, cb func(model.DepthEvent)) error {
	ws := a.client.WsService().NewFuturesPublicWS()
	if err := ws.Start(); err != nil {
		return fmt.Errorf("start public websocket: %w", err)
	}
	defer ws.Stop()

	_, err := ws.OrderbookIncrement(symbol, func(topic, subject string, data *futurespublic.OrderbookIncrementEvent) error {
		side, price, qty := parseKucoinChange(data.Change)
		event := model.DepthEvent{FirstUpdateID: data.Sequence, FinalUpdateID: data.Sequence}
		level := model.PriceLevel{Price: price, Quantity: qty}
		switch side {
		case "buy":
			event.Bids = []model.PriceLevel{level}
		case "sell":
			event.Asks = []model.PriceLevel{level}
		}
		cb(event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe orderbook increment: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

func parseKucoinChange(change string) (side string, price, qty decimal.Decimal) {
	parts := strings.Split(change, ",")
	if len(parts) != 3 {
		return "", decimal.Zero, decimal.Zero
	}
	price, _ = decimal.NewFromString(parts[0])
	side = parts[1]
	qty, _ = decimal.NewFromString(parts[2])
	return side, price, qty
}

// WatchTicker subscribes to the public ticker topic.
func (a *KucoinAdapter) WatchTicker(ctx context.Context, symbol string, cb func(model.Ticker)) error {
	ws := a.client.WsService().NewFuturesPublicWS()
	if err := ws.Start(); err != nil {
		return fmt.Errorf("start public websocket: %w", err)
	}
	defer ws.Stop()

	_, err := ws.TickerV1(symbol, func(topic, subject string, data *futurespublic.TickerV1Event) error {
		last, _ := decimal.NewFromString(data.Price)
		cb(model.Ticker{Symbol: symbol, Last: last, Time: time.UnixMilli(data.Ts / 1e6)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe ticker: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// WatchKlines subscribes to the public kline topic.
func (a *KucoinAdapter) WatchKlines(ctx context.Context, symbol, interval string, cb func(model.Candle)) error {
	ws := a.client.WsService().NewFuturesPublicWS()
	if err := ws.Start(); err != nil {
		return fmt.Errorf("start public websocket: %w", err)
	}
	defer ws.Stop()

	_, err := ws.Klines(symbol, interval, func(topic, subject string, data *futurespublic.KlinesEvent) error {
		close, _ := decimal.NewFromString(data.Candles[4])
		openTime, _ := strconv.ParseInt(data.Candles[0], 10, 64)
		cb(model.Candle{OpenTime: openTime, Close: close, IsClosed: true})
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe kline: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// FetchSnapshot fetches a REST order-book snapshot.
func (a *KucoinAdapter) FetchSnapshot(ctx context.Context, symbol string, limit int) (model.DepthSnapshot, error) {
	req := futuresmarket.NewGetFullOrderBookReqBuilder().SetSymbol(symbol).Build()
	resp, err := a.marketAPI.GetFullOrderBook(req, ctx)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	return model.DepthSnapshot{
		LastUpdateID: resp.Ts,
		Bids:         kucoinLevels(resp.Bids),
		Asks:         kucoinLevels(resp.Asks),
	}, nil
}

func kucoinLevels(rows [][]float64) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(rows))
	for _, r := range rows {
		if len(r) != 2 {
			continue
		}
		price := decimal.NewFromFloat(r[0])
		qty := decimal.NewFromFloat(r[1])
		out = append(out, model.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

// FetchKlines fetches historical klines to bootstrap the RSI series.
func (a *KucoinAdapter) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	granularity, err := strconv.ParseInt(interval, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse interval: %w", err)
	}
	req := futuresmarket.NewGetKlinesReqBuilder().SetSymbol(symbol).SetGranularity(granularity).Build()
	resp, err := a.marketAPI.GetKlines(req, ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(resp.Data))
	for _, row := range resp.Data {
		if len(row) < 5 {
			continue
		}
		openTime := int64(row[0])
		close := decimal.NewFromFloat(row[4])
		out = append(out, model.Candle{OpenTime: openTime, Close: close, IsClosed: true})
	}
	if len(out) > limit && limit > 0 {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// CreateOrder submits an order via the futures order-create endpoint.
func (a *KucoinAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Order, error) {
	builder := futuresorder.NewAddOrderReqBuilder().
		SetSymbol(req.Symbol).
		SetSide(strings.ToLower(string(req.Side))).
		SetType(kucoinOrderType(req.Type)).
		SetSize(req.Quantity).
		SetClientOid(req.ClientID).
		SetReduceOnly(req.ReduceOnly)
	if req.Price != "" {
		builder = builder.SetPrice(req.Price)
	}
	if req.StopPrice != "" {
		builder = builder.SetStopPrice(req.StopPrice)
	}
	resp, err := a.orderAPI.AddOrder(builder.Build(), ctx)
	if err != nil {
		return model.Order{}, err
	}
	qty, _ := decimal.NewFromString(req.Quantity)
	return model.Order{
		OrderID:    resp.OrderId,
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     model.OrderStatusNew,
		OrigQty:    qty,
		ReduceOnly: req.ReduceOnly,
		Time:       time.Now(),
	}, nil
}

func kucoinOrderType(t model.OrderType) string {
	switch t {
	case model.OrderTypeMarket, model.OrderTypeStopMarket:
		return "market"
	default:
		return "limit"
	}
}

func (a *KucoinAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	req := futuresorder.NewCancelOrderByIdReqBuilder().SetOrderId(orderID).Build()
	_, err := a.orderAPI.CancelOrderBy(req, ctx)
	return err
}

func (a *KucoinAdapter) CancelOrders(ctx context.Context, symbol string, orderIDs []string) error {
	for _, id := range orderIDs {
		if err := a.CancelOrder(ctx, symbol, id); err != nil {
			return err
		}
	}
	return nil
}

func (a *KucoinAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	req := futuresorder.NewCancelAllOrdersReqBuilder().SetSymbol(symbol).Build()
	_, err := a.orderAPI.CancelAllOrders(req, ctx)
	return err
}

func (a *KucoinAdapter) QueryAccountSnapshot(ctx context.Context) (*model.Account, error) {
	req := futurespositions.NewGetPositionListReqBuilder().Build()
	resp, err := a.posAPI.GetPositionList(req, ctx)
	if err != nil {
		return nil, err
	}
	acc := &model.Account{MarketType: model.MarketTypeFuture, Positions: map[string]model.Position{}}
	for _, p := range resp.Items {
		amt := decimal.NewFromInt(int64(p.CurrentQty))
		entry, _ := decimal.NewFromString(p.AvgEntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		upnl, _ := decimal.NewFromString(p.UnrealisedPnl)
		acc.Positions[p.Symbol] = model.Position{Symbol: p.Symbol, PositionAmt: amt, EntryPrice: entry, MarkPrice: mark, UnrealizedProfit: upnl}
	}
	return acc, nil
}

func (a *KucoinAdapter) GetPrecision(ctx context.Context, symbol string) (model.Precision, bool) {
	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(symbol).Build()
	resp, err := a.marketAPI.GetSymbol(req, ctx)
	if err != nil {
		a.log.WithError(err).Warn("failed to fetch symbol info")
		return model.Precision{}, false
	}
	tick := decimal.NewFromFloat(resp.TickSize)
	step := decimal.NewFromInt(int64(resp.LotSize))
	return model.Precision{PriceTick: tick, QtyStep: step}, true
}

// SupportsTrailingStops: KuCoin Futures has no native trailing-stop order
// type reachable through this SDK surface.
func (a *KucoinAdapter) SupportsTrailingStops() bool { return false }
