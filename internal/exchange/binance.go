package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"cryptoflow/internal/model"
	"cryptoflow/logger"
)

// BinanceConfig configures a BinanceAdapter, per §6.
type BinanceConfig struct {
	APIKey          string
	APISecret       string
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
}

func (c *BinanceConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 20
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 20
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
}

// BinanceAdapter implements Adapter against Binance USD-M futures, using the
// adshao/go-binance/v2 futures client the teacher already depends on for
// snapshot polling and diff-depth streaming (reader/binance_reader.go,
// reader/binance_delta_reader.go), extended here with user-data streaming
// and order submission.
type BinanceAdapter struct {
	cfg    BinanceConfig
	client *futures.Client
	log    *logger.Entry
}

// NewBinanceAdapter constructs a BinanceAdapter.
func NewBinanceAdapter(cfg BinanceConfig) *BinanceAdapter {
	cfg.applyDefaults()

	transport := &http.Transport{
		MaxIdleConns:       cfg.MaxIdleConns,
		MaxConnsPerHost:    cfg.MaxConnsPerHost,
		IdleConnTimeout:    cfg.IdleConnTimeout,
		DisableCompression: false,
	}
	httpClient := &http.Client{Transport: transport, Timeout: cfg.Timeout}

	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.HTTPClient = httpClient
	if cfg.BaseURL != "" {
		client.SetApiEndpoint(cfg.BaseURL)
	}

	return &BinanceAdapter{
		cfg:    cfg,
		client: client,
		log:    logger.GetLogger().WithComponent("binance_adapter"),
	}
}

func (a *BinanceAdapter) ID() string { return "binance" }

// WatchAccount streams the ACCOUNT_UPDATE user-data events, translating
// Binance's per-position payload into model.Account on every update.
func (a *BinanceAdapter) WatchAccount(ctx context.Context, cb func(model.Account)) error {
	listenKey, err := a.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	keepAlive := time.NewTicker(30 * time.Minute)
	defer keepAlive.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				if err := a.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
					a.log.WithError(err).Warn("failed to keep alive user stream")
				}
			}
		}
	}()

	handler := func(event *futures.WsUserDataEvent) {
		if event.Event != futures.UserDataEventTypeAccountUpdate {
			return
		}
		acc := model.Account{MarketType: model.MarketTypeFuture, Positions: map[string]model.Position{}}
		for _, p := range event.AccountUpdate.Positions {
			amt, _ := decimal.NewFromString(p.Amount)
			entry, _ := decimal.NewFromString(p.EntryPrice)
			mark, _ := decimal.NewFromString(p.MarkPrice)
			upnl, _ := decimal.NewFromString(p.UnrealizedPnL)
			acc.Positions[p.Symbol] = model.Position{
				Symbol:           p.Symbol,
				PositionAmt:      amt,
				EntryPrice:       entry,
				MarkPrice:        mark,
				UnrealizedProfit: upnl,
			}
		}
		cb(acc)
	}
	errHandler := func(err error) { a.log.WithError(err).Warn("account stream error") }

	doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe user data stream: %w", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		return fmt.Errorf("user data stream closed")
	}
}

// WatchOrders streams ORDER_TRADE_UPDATE events off the same user-data
// stream surface as WatchAccount, reported to the coordinator as the full
// set of currently-open orders fetched on every update.
func (a *BinanceAdapter) WatchOrders(ctx context.Context, cb func([]model.Order)) error {
	listenKey, err := a.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}

	handler := func(event *futures.WsUserDataEvent) {
		if event.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		orders, err := a.fetchOpenOrders(ctx, event.OrderTradeUpdate.Symbol)
		if err != nil {
			a.log.WithError(err).Warn("failed to refresh open orders")
			return
		}
		cb(orders)
	}
	errHandler := func(err error) { a.log.WithError(err).Warn("order stream error") }

	doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe user data stream: %w", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		return fmt.Errorf("user data stream closed")
	}
}

func (a *BinanceAdapter) fetchOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	res, err := a.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(res))
	for _, o := range res {
		out = append(out, toModelOrder(o))
	}
	return out, nil
}

func toModelOrder(o *futures.Order) model.Order {
	price, _ := decimal.NewFromString(o.Price)
	stopPrice, _ := decimal.NewFromString(o.StopPrice)
	origQty, _ := decimal.NewFromString(o.OrigQuantity)
	execQty, _ := decimal.NewFromString(o.ExecutedQuantity)
	return model.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientID:      o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          model.Side(o.Side),
		Type:          model.OrderType(o.Type),
		Status:        model.OrderStatus(o.Status),
		Price:         price,
		StopPrice:     stopPrice,
		OrigQty:       origQty,
		ExecutedQty:   execQty,
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		Time:          time.UnixMilli(o.Time),
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

// WatchDepth streams the diff-depth feed, per reader/binance_delta_reader.go.
func (a *BinanceAdapter) WatchDepth(ctx context.Context, symbol string, speedMs int, cb func(model.DepthEvent)) error {
	rate := time.Duration(speedMs) * time.Millisecond
	handler := func(event *futures.WsDepthEvent) {
		cb(model.DepthEvent{
			FirstUpdateID: event.FirstUpdateID,
			FinalUpdateID: event.LastUpdateID,
			Bids:          toLevels(event.Bids),
			Asks:          toLevels(event.Asks),
		})
	}
	errHandler := func(err error) { a.log.WithError(err).Warn("depth stream error") }

	doneC, stopC, err := futures.WsDiffDepthServeWithRate(symbol, rate, handler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe diff depth stream: %w", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		return fmt.Errorf("depth stream closed")
	}
}

func toLevels(entries []futures.Bid) []model.PriceLevel {
	out := make([]model.PriceLevel, len(entries))
	for i, e := range entries {
		price, _ := decimal.NewFromString(e.Price)
		qty, _ := decimal.NewFromString(e.Quantity)
		out[i] = model.PriceLevel{Price: price, Quantity: qty}
	}
	return out
}

// WatchTicker streams the mark-price / last-trade feed via the mini-ticker
// stream.
func (a *BinanceAdapter) WatchTicker(ctx context.Context, symbol string, cb func(model.Ticker)) error {
	handler := func(event *futures.WsMarketStatEvent) {
		last, _ := decimal.NewFromString(event.LastPrice)
		cb(model.Ticker{Symbol: event.Symbol, Last: last, Time: time.UnixMilli(event.Time)})
	}
	errHandler := func(err error) { a.log.WithError(err).Warn("ticker stream error") }

	doneC, stopC, err := futures.WsMarketStatServe(symbol, handler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe mini ticker stream: %w", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		return fmt.Errorf("ticker stream closed")
	}
}

// WatchKlines streams the kline feed for one (symbol, interval) pair.
func (a *BinanceAdapter) WatchKlines(ctx context.Context, symbol, interval string, cb func(model.Candle)) error {
	handler := func(event *futures.WsKlineEvent) {
		close, _ := decimal.NewFromString(event.Kline.Close)
		cb(model.Candle{OpenTime: event.Kline.StartTime, Close: close, IsClosed: event.Kline.IsFinal})
	}
	errHandler := func(err error) { a.log.WithError(err).Warn("kline stream error") }

	doneC, stopC, err := futures.WsKlineServe(symbol, interval, handler, errHandler)
	if err != nil {
		return fmt.Errorf("subscribe kline stream: %w", err)
	}
	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case <-doneC:
		return fmt.Errorf("kline stream closed")
	}
}

// FetchSnapshot fetches a REST order-book snapshot, per reader/binance_reader.go.
func (a *BinanceAdapter) FetchSnapshot(ctx context.Context, symbol string, limit int) (model.DepthSnapshot, error) {
	res, err := a.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return model.DepthSnapshot{}, err
	}
	return model.DepthSnapshot{
		LastUpdateID: res.LastUpdateID,
		Bids:         toLevels(res.Bids),
		Asks:         toLevels(res.Asks),
	}, nil
}

// FetchKlines fetches historical klines to bootstrap the RSI series.
func (a *BinanceAdapter) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	res, err := a.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(res))
	for _, k := range res {
		c, err := decimal.NewFromString(k.Close)
		if err != nil {
			return nil, fmt.Errorf("parse close: %w", err)
		}
		out = append(out, model.Candle{OpenTime: k.OpenTime, Close: c, IsClosed: true})
	}
	return out, nil
}

// CreateOrder submits an order via the futures REST API.
func (a *BinanceAdapter) CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Order, error) {
	svc := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		NewClientOrderID(req.ClientID)

	if req.Quantity != "" {
		svc = svc.Quantity(req.Quantity)
	}
	if req.Price != "" {
		svc = svc.Price(req.Price).TimeInForce(futures.TimeInForceTypeGTC)
	}
	if req.StopPrice != "" {
		svc = svc.StopPrice(req.StopPrice)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return model.Order{}, err
	}

	price, _ := decimal.NewFromString(res.Price)
	stopPrice, _ := decimal.NewFromString(res.StopPrice)
	origQty, _ := decimal.NewFromString(res.OrigQuantity)
	execQty, _ := decimal.NewFromString(res.ExecutedQuantity)
	return model.Order{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientID:      res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          model.Side(res.Side),
		Type:          model.OrderType(res.Type),
		Status:        model.OrderStatus(res.Status),
		Price:         price,
		StopPrice:     stopPrice,
		OrigQty:       origQty,
		ExecutedQty:   execQty,
		ReduceOnly:    res.ReduceOnly,
		ClosePosition: res.ClosePosition,
		Time:          time.UnixMilli(res.UpdateTime),
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}, nil
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse order id: %w", err)
	}
	_, err = a.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return err
}

func (a *BinanceAdapter) CancelOrders(ctx context.Context, symbol string, orderIDs []string) error {
	for _, id := range orderIDs {
		if err := a.CancelOrder(ctx, symbol, id); err != nil {
			return err
		}
	}
	return nil
}

func (a *BinanceAdapter) CancelAllOrders(ctx context.Context, symbol string) error {
	return a.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
}

func (a *BinanceAdapter) QueryAccountSnapshot(ctx context.Context) (*model.Account, error) {
	res, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, err
	}
	acc := &model.Account{MarketType: model.MarketTypeFuture, Positions: map[string]model.Position{}}
	for _, p := range res.Positions {
		amt, _ := decimal.NewFromString(p.PositionAmt)
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		upnl, _ := decimal.NewFromString(p.UnrealizedProfit)
		acc.Positions[p.Symbol] = model.Position{
			Symbol:           p.Symbol,
			PositionAmt:      amt,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedProfit: upnl,
		}
	}
	return acc, nil
}

func (a *BinanceAdapter) GetPrecision(ctx context.Context, symbol string) (model.Precision, bool) {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		a.log.WithError(err).Warn("failed to fetch exchange info")
		return model.Precision{}, false
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var tick, step decimal.Decimal
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				tick, _ = decimal.NewFromString(fmt.Sprintf("%v", f["tickSize"]))
			case "LOT_SIZE":
				step, _ = decimal.NewFromString(fmt.Sprintf("%v", f["stepSize"]))
			}
		}
		return model.Precision{PriceTick: tick, QtyStep: step}, true
	}
	return model.Precision{}, false
}

func (a *BinanceAdapter) SupportsTrailingStops() bool { return true }
