package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	messages int64
}

var (
	warnsDepth    int64
	warnsRSI      int64
	warnsOrder    int64
	warnsSwing    int64
	warnsExchange int64
	warnsOther    int64

	errorsDepth    int64
	errorsRSI      int64
	errorsOrder    int64
	errorsSwing    int64
	errorsExchange int64
	errorsOther    int64

	components sync.Map // map[string]*componentStat
)

// recordWarn buckets a Warn() call by the swing domain it came from, so
// StartReport can surface which subsystem is noisiest.
func recordWarn(component string) {
	switch {
	case strings.Contains(component, "depth"):
		atomic.AddInt64(&warnsDepth, 1)
	case strings.Contains(component, "rsi"):
		atomic.AddInt64(&warnsRSI, 1)
	case strings.Contains(component, "order"):
		atomic.AddInt64(&warnsOrder, 1)
	case strings.Contains(component, "swing"):
		atomic.AddInt64(&warnsSwing, 1)
	case strings.Contains(component, "exchange") || strings.Contains(component, "binance") || strings.Contains(component, "bybit") || strings.Contains(component, "kucoin"):
		atomic.AddInt64(&warnsExchange, 1)
	default:
		atomic.AddInt64(&warnsOther, 1)
	}
	recordComponent(component)
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "depth"):
		atomic.AddInt64(&errorsDepth, 1)
	case strings.Contains(component, "rsi"):
		atomic.AddInt64(&errorsRSI, 1)
	case strings.Contains(component, "order"):
		atomic.AddInt64(&errorsOrder, 1)
	case strings.Contains(component, "swing"):
		atomic.AddInt64(&errorsSwing, 1)
	case strings.Contains(component, "exchange") || strings.Contains(component, "binance") || strings.Contains(component, "bybit") || strings.Contains(component, "kucoin"):
		atomic.AddInt64(&errorsExchange, 1)
	default:
		atomic.AddInt64(&errorsOther, 1)
	}
	recordComponent(component)
}

func recordComponent(name string) {
	v, _ := components.LoadOrStore(name, &componentStat{})
	cs := v.(*componentStat)
	atomic.AddInt64(&cs.messages, 1)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging (and CloudWatch publication) of
// warn/error counters bucketed by swing subsystem. Exposed for cmd/swingbot.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	componentData := map[string]int64{}
	components.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*componentStat)
		componentData[name] = atomic.LoadInt64(&cs.messages)
		return true
	})

	fields := Fields{
		"warns_depth":     atomic.LoadInt64(&warnsDepth),
		"warns_rsi":       atomic.LoadInt64(&warnsRSI),
		"warns_order":     atomic.LoadInt64(&warnsOrder),
		"warns_swing":     atomic.LoadInt64(&warnsSwing),
		"warns_exchange":  atomic.LoadInt64(&warnsExchange),
		"warns_other":     atomic.LoadInt64(&warnsOther),
		"errors_depth":    atomic.LoadInt64(&errorsDepth),
		"errors_rsi":      atomic.LoadInt64(&errorsRSI),
		"errors_order":    atomic.LoadInt64(&errorsOrder),
		"errors_swing":    atomic.LoadInt64(&errorsSwing),
		"errors_exchange": atomic.LoadInt64(&errorsExchange),
		"errors_other":    atomic.LoadInt64(&errorsOther),
		"goroutines":      runtime.NumGoroutine(),
		"components":      componentData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("WarnsDepth"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_depth"].(int64)))},
		{MetricName: aws.String("WarnsRSI"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_rsi"].(int64)))},
		{MetricName: aws.String("WarnsOrder"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_order"].(int64)))},
		{MetricName: aws.String("WarnsSwing"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_swing"].(int64)))},
		{MetricName: aws.String("WarnsExchange"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_exchange"].(int64)))},
		{MetricName: aws.String("ErrorsDepth"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_depth"].(int64)))},
		{MetricName: aws.String("ErrorsRSI"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_rsi"].(int64)))},
		{MetricName: aws.String("ErrorsOrder"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_order"].(int64)))},
		{MetricName: aws.String("ErrorsSwing"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_swing"].(int64)))},
		{MetricName: aws.String("ErrorsExchange"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_exchange"].(int64)))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}

	for name, count := range componentData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("ComponentMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Component"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(count)),
		})
	}

	publishMetrics(ctx, data)
}
