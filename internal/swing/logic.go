// Package swing implements the RSI-driven swing strategy: a pure state
// machine (§4.5) plus the engine that wires it to the trackers, order
// coordinator, and exchange adapter (§4.6).
package swing

import "math"

// Action is an intent the pure step function emits for the engine to carry
// out against the order coordinator.
type Action string

const (
	ActionNone          Action = ""
	ActionOpenShort     Action = "OPEN_SHORT"
	ActionOpenLong      Action = "OPEN_LONG"
	ActionClosePosition Action = "CLOSE_POSITION"
)

// State is the swing machine's pure state, per §3's "Swing state".
type State struct {
	PrevRSI         *float64
	ArmedShortEntry bool
	ArmedShortExit  bool
	ArmedLongEntry  bool
	ArmedLongExit   bool
}

// Config is the subset of strategy configuration the pure step function
// reads.
type Config struct {
	Direction string // "long", "short", "both" — see model.Direction
	RSIHigh   float64
	RSILow    float64
}

// Event is one sample fed into the step function.
type Event struct {
	RSI         *float64
	PositionAmt float64
	PnL         float64
}

const flatEpsilon = 1e-8

func crossUp(prev, next, threshold float64) bool {
	return prev <= threshold && next > threshold
}

func crossDown(prev, next, threshold float64) bool {
	return prev >= threshold && next < threshold
}

func allowsShort(direction string) bool { return direction == "short" || direction == "both" }
func allowsLong(direction string) bool  { return direction == "long" || direction == "both" }

// Step advances the swing state machine by one sample, per §4.5. It is pure:
// no I/O, no clock, no hidden state. It returns the next state and at most
// one action.
func Step(state State, cfg Config, event Event) (State, Action) {
	if event.RSI == nil || math.IsNaN(*event.RSI) || math.IsInf(*event.RSI, 0) {
		return state, ActionNone
	}
	rsi := *event.RSI

	if state.PrevRSI == nil {
		next := state
		next.PrevRSI = &rsi
		return next, ActionNone
	}
	prev := *state.PrevRSI

	next := state
	action := ActionNone

	switch {
	case math.Abs(event.PositionAmt) <= flatEpsilon:
		next.ArmedShortExit = false
		next.ArmedLongExit = false

		firedShort := false
		if allowsShort(cfg.Direction) {
			if crossUp(prev, rsi, cfg.RSIHigh) {
				next.ArmedShortEntry = true
			}
			if next.ArmedShortEntry && crossDown(prev, rsi, cfg.RSIHigh) {
				firedShort = true
				next.ArmedShortEntry = false
				next.ArmedLongEntry = false
			}
		} else {
			next.ArmedShortEntry = false
		}

		firedLong := false
		if allowsLong(cfg.Direction) {
			if crossDown(prev, rsi, cfg.RSILow) {
				next.ArmedLongEntry = true
			}
			if next.ArmedLongEntry && crossUp(prev, rsi, cfg.RSILow) {
				firedLong = true
				next.ArmedShortEntry = false
				next.ArmedLongEntry = false
			}
		} else {
			next.ArmedLongEntry = false
		}

		switch {
		case firedShort && firedLong:
			action = ActionNone
		case firedShort:
			action = ActionOpenShort
		case firedLong:
			action = ActionOpenLong
		}

	case event.PositionAmt < -flatEpsilon:
		next.ArmedShortEntry = false
		next.ArmedLongEntry = false
		next.ArmedLongExit = false

		if crossDown(prev, rsi, cfg.RSILow) {
			next.ArmedShortExit = true
		}
		if next.ArmedShortExit && crossUp(prev, rsi, cfg.RSILow) && event.PnL > 0 {
			action = ActionClosePosition
			next.ArmedShortExit = false
		}

	default: // event.PositionAmt > flatEpsilon
		next.ArmedShortEntry = false
		next.ArmedLongEntry = false
		next.ArmedShortExit = false

		if crossUp(prev, rsi, cfg.RSIHigh) {
			next.ArmedLongExit = true
		}
		if next.ArmedLongExit && crossDown(prev, rsi, cfg.RSIHigh) && event.PnL > 0 {
			action = ActionClosePosition
			next.ArmedLongExit = false
		}
	}

	next.PrevRSI = &rsi
	return next, action
}
