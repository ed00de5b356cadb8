package swing

import "testing"

func ptr(f float64) *float64 { return &f }

func TestShortEntryArmAndFire(t *testing.T) {
	cfg := Config{Direction: "short", RSIHigh: 70, RSILow: 30}
	state := State{}

	state, action := Step(state, cfg, Event{RSI: ptr(69)})
	if action != ActionNone || state.ArmedShortEntry {
		t.Fatalf("first sample must not arm or fire anything, got action=%v armed=%v", action, state.ArmedShortEntry)
	}

	state, action = Step(state, cfg, Event{RSI: ptr(71)})
	if action != ActionNone {
		t.Fatalf("expected no action on arming cross, got %v", action)
	}
	if !state.ArmedShortEntry {
		t.Fatalf("expected short entry to be armed after crossing above rsi_high")
	}

	state, action = Step(state, cfg, Event{RSI: ptr(69)})
	if action != ActionOpenShort {
		t.Fatalf("expected OPEN_SHORT on crossing back below rsi_high while armed, got %v", action)
	}
	if state.ArmedShortEntry {
		t.Fatalf("expected the entry arm to be cleared after firing")
	}
}

func TestLongEntryArmAndFire(t *testing.T) {
	cfg := Config{Direction: "long", RSIHigh: 70, RSILow: 30}
	state := State{}

	state, _ = Step(state, cfg, Event{RSI: ptr(31)})
	state, action := Step(state, cfg, Event{RSI: ptr(29)})
	if action != ActionNone || !state.ArmedLongEntry {
		t.Fatalf("expected arm with no action, got action=%v armed=%v", action, state.ArmedLongEntry)
	}

	state, action = Step(state, cfg, Event{RSI: ptr(31)})
	if action != ActionOpenLong {
		t.Fatalf("expected OPEN_LONG, got %v", action)
	}
	if state.ArmedLongEntry {
		t.Fatalf("expected the entry arm to be cleared after firing")
	}
}

func TestShortExitRequiresProfit(t *testing.T) {
	cfg := Config{Direction: "short", RSIHigh: 70, RSILow: 30}
	state := State{PrevRSI: ptr(40)}

	state, action := Step(state, cfg, Event{RSI: ptr(31), PositionAmt: -1, PnL: -1})
	if action != ActionNone {
		t.Fatalf("unexpected action: %v", action)
	}

	state, action = Step(state, cfg, Event{RSI: ptr(29), PositionAmt: -1, PnL: -1})
	if action != ActionNone || !state.ArmedShortExit {
		t.Fatalf("expected short exit armed with no action, got action=%v armed=%v", action, state.ArmedShortExit)
	}

	state, action = Step(state, cfg, Event{RSI: ptr(31), PositionAmt: -1, PnL: 0})
	if action != ActionNone || !state.ArmedShortExit {
		t.Fatalf("expected no close while pnl is not positive; arm must remain: action=%v armed=%v", action, state.ArmedShortExit)
	}

	state, action = Step(state, cfg, Event{RSI: ptr(29), PositionAmt: -1, PnL: 0})
	if action != ActionNone {
		t.Fatalf("unexpected action: %v", action)
	}

	state, action = Step(state, cfg, Event{RSI: ptr(31), PositionAmt: -1, PnL: 0.01})
	if action != ActionClosePosition {
		t.Fatalf("expected CLOSE_POSITION once pnl turns positive on the up-cross, got %v", action)
	}
	if state.ArmedShortExit {
		t.Fatalf("expected the exit arm to be cleared after firing")
	}
}

func TestEntryArmsClearedOnPositionAppearance(t *testing.T) {
	cfg := Config{Direction: "short", RSIHigh: 70, RSILow: 30}
	state := State{PrevRSI: ptr(69), ArmedShortEntry: true}

	state, action := Step(state, cfg, Event{RSI: ptr(68), PositionAmt: -1, PnL: 0})
	if action != ActionNone {
		t.Fatalf("expected no action, got %v", action)
	}
	if state.ArmedShortEntry || state.ArmedLongEntry {
		t.Fatalf("expected both entry arms cleared once a position appears")
	}
}

func TestNilRSIIsNoop(t *testing.T) {
	cfg := Config{Direction: "both", RSIHigh: 70, RSILow: 30}
	state := State{PrevRSI: ptr(50), ArmedShortEntry: true}

	next, action := Step(state, cfg, Event{RSI: nil})
	if action != ActionNone {
		t.Fatalf("expected no action for nil rsi")
	}
	if next != state {
		t.Fatalf("expected unchanged state for nil rsi")
	}
}

func TestDirectionGatesEntriesButNotExits(t *testing.T) {
	cfg := Config{Direction: "long", RSIHigh: 70, RSILow: 30}
	state := State{}

	state, _ = Step(state, cfg, Event{RSI: ptr(69)})
	state, action := Step(state, cfg, Event{RSI: ptr(71)})
	if action != ActionNone || state.ArmedShortEntry {
		t.Fatalf("short entries must stay disarmed when direction=long, got action=%v armed=%v", action, state.ArmedShortEntry)
	}

	// Exits are evaluated regardless of configured direction: a long exit
	// still arms even though this config only permits short entries.
	shortOnly := Config{Direction: "short", RSIHigh: 70, RSILow: 30}
	state = State{PrevRSI: ptr(69)}
	state, action = Step(state, shortOnly, Event{RSI: ptr(71), PositionAmt: 1, PnL: 1})
	if action != ActionNone {
		t.Fatalf("arming should not fire yet, got %v", action)
	}
	if !state.ArmedLongExit {
		t.Fatalf("expected long exit to arm")
	}
}
