// Package rsi implements Wilder's RSI(period) with O(1) in-place replacement
// of the most recently added sample, so a streaming kline feed's forming bar
// can be updated on every tick without reprocessing history or biasing the
// exponential averages.
package rsi

// Wilder tracks RSI(period) over a stream of closes, one value per bar, with
// support for replacing the last-fed close (the "forming" bar).
type Wilder struct {
	period int

	count int // number of closes fed, including the forming bar

	anchorClose float64 // close of the bar preceding the most recent add()
	lastClose   float64 // close of the most recent (possibly forming) bar

	avgGain, avgLoss                 float64 // averages reflecting lastClose
	avgGainBeforeLast, avgLossBeforeLast float64 // averages reflecting only up to anchorClose
}

// New constructs a Wilder RSI tracker for the given period. Period must be
// >= 1; callers are expected to validate configuration upstream.
func New(period int) *Wilder {
	return &Wilder{period: period}
}

// Add feeds a newly closed (or newly forming) bar's close price, advancing
// the series by one bar.
func (w *Wilder) Add(close float64) {
	w.count++
	if w.count == 1 {
		w.lastClose = close
		return
	}

	w.avgGainBeforeLast, w.avgLossBeforeLast = w.avgGain, w.avgLoss

	change := close - w.lastClose
	gain, loss := split(change)

	if w.count == 2 {
		w.avgGain, w.avgLoss = gain, loss
	} else {
		n := float64(w.period)
		w.avgGain = (w.avgGain*(n-1) + gain) / n
		w.avgLoss = (w.avgLoss*(n-1) + loss) / n
	}

	w.anchorClose = w.lastClose
	w.lastClose = close
}

// Replace updates the close of the most recently added bar in place,
// reapplying the contribution from avgGain/avgLoss as they stood before that
// bar's change was applied. This never touches bar count or stability.
func (w *Wilder) Replace(close float64) {
	if w.count == 0 {
		return
	}
	if w.count == 1 {
		w.lastClose = close
		return
	}

	change := close - w.anchorClose
	gain, loss := split(change)

	if w.count == 2 {
		w.avgGain, w.avgLoss = gain, loss
	} else {
		n := float64(w.period)
		w.avgGain = (w.avgGainBeforeLast*(n-1) + gain) / n
		w.avgLoss = (w.avgLossBeforeLast*(n-1) + loss) / n
	}

	w.lastClose = close
}

// IsStable reports whether enough bars have been observed (period + 1
// closes) for Value to be meaningful.
func (w *Wilder) IsStable() bool {
	return w.count >= w.period+1
}

// Value returns the current RSI reading, or nil if not yet stable.
func (w *Wilder) Value() *float64 {
	if !w.IsStable() {
		return nil
	}
	var rsi float64
	switch {
	case w.avgLoss == 0 && w.avgGain == 0:
		rsi = 50
	case w.avgLoss == 0:
		rsi = 100
	default:
		rs := w.avgGain / w.avgLoss
		rsi = 100 - 100/(1+rs)
	}
	return &rsi
}

// LastClose returns the most recently fed (or replaced) close.
func (w *Wilder) LastClose() float64 { return w.lastClose }

func split(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}
