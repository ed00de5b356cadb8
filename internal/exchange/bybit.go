package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"cryptoflow/internal/model"
	"cryptoflow/logger"
)

// BybitConfig configures a BybitAdapter.
type BybitConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	WsURL     string
	WsPrivate string
	Category  string // "linear" for USDT perpetuals
}

func (c *BybitConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.bybit.com"
	}
	if c.WsURL == "" {
		c.WsURL = "wss://stream.bybit.com/v5/public/linear"
	}
	if c.WsPrivate == "" {
		c.WsPrivate = "wss://stream.bybit.com/v5/private"
	}
	if c.Category == "" {
		c.Category = "linear"
	}
}

// BybitAdapter implements Adapter against Bybit's v5 unified-trading API,
// following the client construction and public-websocket handler pattern
// used by the teacher's reader/bybit/fobs.go and reader/bybit/fobd.go for
// order-book snapshot/delta polling.
type BybitAdapter struct {
	cfg    BybitConfig
	client *bybit.Client
	log    *logger.Entry
}

// NewBybitAdapter constructs a BybitAdapter.
func NewBybitAdapter(cfg BybitConfig) *BybitAdapter {
	cfg.applyDefaults()
	client := bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit.WithBaseURL(cfg.BaseURL))
	return &BybitAdapter{cfg: cfg, client: client, log: logger.GetLogger().WithComponent("bybit_adapter")}
}

func (a *BybitAdapter) ID() string { return "bybit" }

func (a *BybitAdapter) subscribePrivate(ctx context.Context, topics []string, handler func(message string) error) error {
	ws := bybit.NewBybitPrivateWebSocket(a.cfg.WsPrivate, a.cfg.APIKey, a.cfg.APISecret, handler)
	ws.Connect().SendSubscription(topics)
	<-ctx.Done()
	ws.Disconnect()
	return ctx.Err()
}

// WatchAccount subscribes to the private "wallet" topic.
func (a *BybitAdapter) WatchAccount(ctx context.Context, cb func(model.Account)) error {
	handler := func(message string) error {
		var frame struct {
			Topic string `json:"topic"`
			Data  []struct {
				AccountType string `json:"accountType"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(message), &frame); err != nil || frame.Topic != "wallet" {
			return nil
		}
		acc, err := a.QueryAccountSnapshot(ctx)
		if err != nil {
			a.log.WithError(err).Warn("failed to refresh account on wallet push")
			return nil
		}
		cb(*acc)
		return nil
	}
	return a.subscribePrivate(ctx, []string{"wallet"}, handler)
}

// WatchOrders subscribes to the private "order" topic and passes the order
// rows carried in each push through as the order set; it does not re-fetch
// open orders over REST.
func (a *BybitAdapter) WatchOrders(ctx context.Context, cb func([]model.Order)) error {
	handler := func(message string) error {
		var frame struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal([]byte(message), &frame); err != nil || frame.Topic != "order" {
			return nil
		}
		// Bybit pushes full order rows on the topic itself; the pushed rows
		// are treated as describing the open set.
		var payload struct {
			Data []bybitOrder `json:"data"`
		}
		if err := json.Unmarshal([]byte(message), &payload); err != nil {
			return nil
		}
		out := make([]model.Order, 0, len(payload.Data))
		for _, o := range payload.Data {
			out = append(out, o.toModel())
		}
		cb(out)
		return nil
	}
	return a.subscribePrivate(ctx, []string{"order"}, handler)
}

type bybitOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	OrderStatus  string `json:"orderStatus"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	ReduceOnly   bool   `json:"reduceOnly"`
}

func (o bybitOrder) toModel() model.Order {
	price, _ := decimal.NewFromString(o.Price)
	stop, _ := decimal.NewFromString(o.TriggerPrice)
	qty, _ := decimal.NewFromString(o.Qty)
	exec, _ := decimal.NewFromString(o.CumExecQty)
	return model.Order{
		OrderID:     o.OrderID,
		ClientID:    o.OrderLinkID,
		Symbol:      o.Symbol,
		Side:        model.Side(strings.ToUpper(o.Side)),
		Type:        model.OrderType(strings.ToUpper(o.OrderType)),
		Status:      toModelOrderStatus(o.OrderStatus),
		Price:       price,
		StopPrice:   stop,
		OrigQty:     qty,
		ExecutedQty: exec,
		ReduceOnly:  o.ReduceOnly,
	}
}

func toModelOrderStatus(s string) model.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "CREATED", "UNTRIGGERED":
		return model.OrderStatusNew
	case "PARTIALLYFILLED":
		return model.OrderStatusPartiallyFilled
	case "FILLED":
		return model.OrderStatusFilled
	case "CANCELLED", "DEACTIVATED":
		return model.OrderStatusCanceled
	case "REJECTED":
		return model.OrderStatusRejected
	default:
		return model.OrderStatusNew
	}
}

// WatchDepth subscribes to the public "orderbook.50.<symbol>" topic, per
// reader/bybit/fobd.go.
func (a *BybitAdapter) WatchDepth(ctx context.Context, symbol string, speedMs int, cb func(model.DepthEvent)) error {
	handler := func(message string) error {
		var frame struct {
			Topic string `json:"topic"`
			Data  struct {
				U    int64      `json:"u"`
				Bids [][]string `json:"b"`
				Asks [][]string `json:"a"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(message), &frame); err != nil || !strings.HasPrefix(frame.Topic, "orderbook.") {
			return nil
		}
		cb(model.DepthEvent{
			FirstUpdateID: frame.Data.U,
			FinalUpdateID: frame.Data.U,
			Bids:          toLevelsPairs(frame.Data.Bids),
			Asks:          toLevelsPairs(frame.Data.Asks),
		})
		return nil
	}

	ws := bybit.NewBybitPublicWebSocket(a.cfg.WsURL, handler)
	ws.Connect().SendSubscription([]string{fmt.Sprintf("orderbook.50.%s", symbol)})
	<-ctx.Done()
	ws.Disconnect()
	return ctx.Err()
}

func toLevelsPairs(entries [][]string) []model.PriceLevel {
	out := make([]model.PriceLevel, 0, len(entries))
	for _, e := range entries {
		if len(e) != 2 {
			continue
		}
		price, _ := decimal.NewFromString(e[0])
		qty, _ := decimal.NewFromString(e[1])
		out = append(out, model.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

// WatchTicker subscribes to the public "tickers.<symbol>" topic.
func (a *BybitAdapter) WatchTicker(ctx context.Context, symbol string, cb func(model.Ticker)) error {
	handler := func(message string) error {
		var frame struct {
			Topic string `json:"topic"`
			Data  struct {
				LastPrice string `json:"lastPrice"`
			} `json:"data"`
			Ts int64 `json:"ts"`
		}
		if err := json.Unmarshal([]byte(message), &frame); err != nil || !strings.HasPrefix(frame.Topic, "tickers.") {
			return nil
		}
		last, _ := decimal.NewFromString(frame.Data.LastPrice)
		cb(model.Ticker{Symbol: symbol, Last: last, Time: time.UnixMilli(frame.Ts)})
		return nil
	}

	ws := bybit.NewBybitPublicWebSocket(a.cfg.WsURL, handler)
	ws.Connect().SendSubscription([]string{fmt.Sprintf("tickers.%s", symbol)})
	<-ctx.Done()
	ws.Disconnect()
	return ctx.Err()
}

// WatchKlines subscribes to the public "kline.<interval>.<symbol>" topic.
func (a *BybitAdapter) WatchKlines(ctx context.Context, symbol, interval string, cb func(model.Candle)) error {
	handler := func(message string) error {
		var frame struct {
			Topic string `json:"topic"`
			Data  []struct {
				Start   int64  `json:"start"`
				Close   string `json:"close"`
				Confirm bool   `json:"confirm"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(message), &frame); err != nil || !strings.HasPrefix(frame.Topic, "kline.") {
			return nil
		}
		for _, k := range frame.Data {
			close, _ := decimal.NewFromString(k.Close)
			cb(model.Candle{OpenTime: k.Start, Close: close, IsClosed: k.Confirm})
		}
		return nil
	}

	ws := bybit.NewBybitPublicWebSocket(a.cfg.WsURL, handler)
	ws.Connect().SendSubscription([]string{fmt.Sprintf("kline.%s.%s", interval, symbol)})
	<-ctx.Done()
	ws.Disconnect()
	return ctx.Err()
}

// FetchSnapshot fetches a REST order-book snapshot via the generic unified
// service invocation the teacher uses in reader/bybit/fobs.go.
func (a *BybitAdapter) FetchSnapshot(ctx context.Context, symbol string, limit int) (model.DepthSnapshot, error) {
	params := map[string]interface{}{"category": a.cfg.Category, "symbol": symbol, "limit": limit}
	resp, err := a.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	var res struct {
		U int64      `json:"u"`
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return model.DepthSnapshot{}, err
	}
	return model.DepthSnapshot{LastUpdateID: res.U, Bids: toLevelsPairs(res.B), Asks: toLevelsPairs(res.A)}, nil
}

// FetchKlines fetches historical klines via the REST kline endpoint.
func (a *BybitAdapter) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	params := map[string]interface{}{"category": a.cfg.Category, "symbol": symbol, "interval": interval, "limit": limit}
	resp, err := a.client.NewUtaBybitServiceWithParams(params).GetKline(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	var res struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 5 {
			continue
		}
		openTime, _ := decimal.NewFromString(row[0])
		close, err := decimal.NewFromString(row[4])
		if err != nil {
			continue
		}
		out = append(out, model.Candle{OpenTime: openTime.IntPart(), Close: close, IsClosed: true})
	}
	return out, nil
}

// CreateOrder submits an order via the v5 unified trading order-create
// endpoint.
func (a *BybitAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Order, error) {
	params := map[string]interface{}{
		"category":    a.cfg.Category,
		"symbol":      req.Symbol,
		"side":        titleCase(string(req.Side)),
		"orderType":   bybitOrderType(req.Type),
		"qty":         req.Quantity,
		"orderLinkId": req.ClientID,
		"reduceOnly":  req.ReduceOnly,
	}
	if req.Price != "" {
		params["price"] = req.Price
	}
	if req.StopPrice != "" {
		params["triggerPrice"] = req.StopPrice
	}
	resp, err := a.client.NewUtaBybitServiceWithParams(params).CreateOrder(ctx)
	if err != nil {
		return model.Order{}, err
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return model.Order{}, err
	}
	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return model.Order{}, err
	}
	qty, _ := decimal.NewFromString(req.Quantity)
	return model.Order{
		OrderID:    res.OrderID,
		ClientID:   res.OrderLinkID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     model.OrderStatusNew,
		OrigQty:    qty,
		ReduceOnly: req.ReduceOnly,
		Time:       time.Now(),
	}, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func bybitOrderType(t model.OrderType) string {
	switch t {
	case model.OrderTypeMarket, model.OrderTypeStopMarket:
		return "Market"
	default:
		return "Limit"
	}
}

func (a *BybitAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]interface{}{"category": a.cfg.Category, "symbol": symbol, "orderId": orderID}
	_, err := a.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	return err
}

func (a *BybitAdapter) CancelOrders(ctx context.Context, symbol string, orderIDs []string) error {
	for _, id := range orderIDs {
		if err := a.CancelOrder(ctx, symbol, id); err != nil {
			return err
		}
	}
	return nil
}

func (a *BybitAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]interface{}{"category": a.cfg.Category, "symbol": symbol}
	_, err := a.client.NewUtaBybitServiceWithParams(params).CancelAllOrders(ctx)
	return err
}

func (a *BybitAdapter) QueryAccountSnapshot(ctx context.Context) (*model.Account, error) {
	params := map[string]interface{}{"category": a.cfg.Category}
	resp, err := a.client.NewUtaBybitServiceWithParams(params).GetPositionInfo(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	var res struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Size          string `json:"size"`
			Side          string `json:"side"`
			EntryPrice    string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	acc := &model.Account{MarketType: model.MarketTypeFuture, Positions: map[string]model.Position{}}
	for _, p := range res.List {
		size, _ := decimal.NewFromString(p.Size)
		if strings.EqualFold(p.Side, "Sell") {
			size = size.Neg()
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		upnl, _ := decimal.NewFromString(p.UnrealisedPnl)
		acc.Positions[p.Symbol] = model.Position{Symbol: p.Symbol, PositionAmt: size, EntryPrice: entry, MarkPrice: mark, UnrealizedProfit: upnl}
	}
	return acc, nil
}

func (a *BybitAdapter) GetPrecision(ctx context.Context, symbol string) (model.Precision, bool) {
	params := map[string]interface{}{"category": a.cfg.Category, "symbol": symbol}
	resp, err := a.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		a.log.WithError(err).Warn("failed to fetch instrument info")
		return model.Precision{}, false
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return model.Precision{}, false
	}
	var res struct {
		List []struct {
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(payload, &res); err != nil || len(res.List) == 0 {
		return model.Precision{}, false
	}
	tick, _ := decimal.NewFromString(res.List[0].PriceFilter.TickSize)
	step, _ := decimal.NewFromString(res.List[0].LotSizeFilter.QtyStep)
	return model.Precision{PriceTick: tick, QtyStep: step}, true
}

func (a *BybitAdapter) SupportsTrailingStops() bool { return true }
