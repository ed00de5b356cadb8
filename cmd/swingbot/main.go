// Command swingbot wires the depth tracker, RSI tracker, rate-limit
// controller, order coordinator, exchange adapter, and swing engine together
// against a single (symbol, venue) pair, following the teacher's main.go
// wiring/shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	appconfig "cryptoflow/config"
	"cryptoflow/internal/clock"
	"cryptoflow/internal/depth"
	"cryptoflow/internal/exchange"
	"cryptoflow/internal/model"
	"cryptoflow/internal/order"
	"cryptoflow/internal/ratelimit"
	"cryptoflow/internal/rsi"
	"cryptoflow/internal/swing"
	"cryptoflow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Swingbot.Name,
		"version": cfg.Swingbot.Version,
		"venue":   cfg.Venue.Name,
		"symbol":  cfg.Symbol.Trade,
	}).Info("starting swingbot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
		logger.StartReport(ctx, log, cfg.CloudWatch.ReportInterval)
	}

	adapter, err := buildAdapter(cfg.Venue)
	if err != nil {
		log.WithError(err).Error("failed to build exchange adapter")
		os.Exit(1)
	}

	clk := clock.Real{}

	depthTracker := depth.New(depth.Config{
		Symbol:  cfg.Symbol.Trade,
		SpeedMs: cfg.Symbol.DepthSpeedMs,
	}, adapter, adapter, clk)

	rsiTracker := rsi.NewTracker(rsi.Config{
		Symbol:   cfg.Symbol.SignalSymbol,
		Interval: cfg.Symbol.SignalInterval,
		Period:   cfg.Strategy.RSIPeriod,
	}, adapter, adapter, clk)

	rl := ratelimit.New(ratelimit.Config{
		BaseBackoff:  cfg.RateLimit.BaseBackoff,
		MaxBackoff:   cfg.RateLimit.MaxBackoff,
		CyclesPerSec: cfg.RateLimit.CyclesPerSec,
		Burst:        cfg.RateLimit.Burst,
	}, clk)

	priceTick := mustDecimal(cfg.Order.PriceTick, "0.01")
	qtyStep := mustDecimal(cfg.Order.QtyStep, "0.001")

	coord := order.New(order.Config{
		Symbol:       cfg.Symbol.Trade,
		PriceTick:    priceTick,
		QtyStep:      qtyStep,
		LockTTL:      cfg.Order.LockTTL,
		StopDebounce: cfg.Order.StopDebounce,
	}, adapter, clk, rl)

	tradeAmount := mustDecimal(cfg.Strategy.TradeAmount, "0")

	engine := swing.New(swing.EngineConfig{
		Symbol:              cfg.Symbol.Trade,
		Direction:           model.Direction(strings.ToLower(cfg.Strategy.Direction)),
		TradeAmount:         tradeAmount,
		PollInterval:        time.Duration(cfg.Strategy.PollIntervalMs) * time.Millisecond,
		RSIHigh:             cfg.Strategy.RSIHigh,
		RSILow:              cfg.Strategy.RSILow,
		SignalSymbol:        cfg.Symbol.SignalSymbol,
		SignalInterval:      cfg.Symbol.SignalInterval,
		StopLossPct:         decimal.NewFromFloat(cfg.Strategy.StopLossPct),
		MaxCloseSlippagePct: decimal.NewFromFloat(cfg.Strategy.MaxCloseSlippagePct),
		PriceTick:           priceTick,
		QtyStep:             qtyStep,
		MaxLogEntries:       cfg.Strategy.MaxLogEntries,
	}, adapter, rsiTracker, depthTracker, coord, rl, clk)

	engine.Start(ctx)
	log.WithComponent("main").Info("swing engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("swingbot stopped")
}

func buildAdapter(cfg appconfig.VenueConfig) (exchange.Adapter, error) {
	switch strings.ToLower(cfg.Name) {
	case "binance":
		return exchange.NewBinanceAdapter(exchange.BinanceConfig{
			APIKey:          cfg.APIKey,
			APISecret:       cfg.APISecret,
			BaseURL:         cfg.BaseURL,
			Timeout:         cfg.Timeout,
			MaxIdleConns:    cfg.ConnectionPool.MaxIdleConns,
			MaxConnsPerHost: cfg.ConnectionPool.MaxConnsPerHost,
			IdleConnTimeout: cfg.ConnectionPool.IdleConnTimeout,
		}), nil
	case "bybit":
		return exchange.NewBybitAdapter(exchange.BybitConfig{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}), nil
	case "kucoin":
		return exchange.NewKucoinAdapter(exchange.KucoinConfig{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			Passphrase: cfg.Passphrase,
			Endpoint:   cfg.BaseURL,
			Timeout:    cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", cfg.Name)
	}
}

func mustDecimal(s, fallback string) decimal.Decimal {
	if s == "" {
		s = fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
