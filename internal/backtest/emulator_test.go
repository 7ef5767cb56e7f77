package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"options-core/internal/broker"
	"options-core/internal/dedupe"
	"options-core/internal/risk"
)

func barAt(t time.Time, instrument string, o, h, l, c float64) Bar {
	return Bar{Time: t, InstrumentKey: instrument, Open: o, High: h, Low: l, Close: c}
}

func TestRunSettlesStopsAndTargets(t *testing.T) {
	day := time.Date(2026, 3, 10, 10, 0, 0, 0, risk.IST)
	enterAlways := func(bar Bar, pos *Position) Decision {
		return Decision{Enter: true, Qty: 75, StopLoss: bar.Close - 10, Target: bar.Close + 20}
	}
	gates := Gates{StartEquity: 100000} // all gates off

	bars := []Bar{
		barAt(day, "I1", 100, 102, 99, 100),                      // enter at 100, stop 90, target 120
		barAt(day.Add(5*time.Minute), "I1", 100, 121, 100, 120),  // target hit, re-enter at 120
		barAt(day.Add(10*time.Minute), "I1", 120, 121, 119, 120), // holding
		barAt(day.Add(15*time.Minute), "I1", 118, 118, 109, 110), // stop 110 hit, re-enter at 110
	}

	sum, err := New(gates, enterAlways).Run(bars)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.OrdersPlaced != 3 || sum.Trades != 2 {
		t.Fatalf("orders=%d trades=%d, want 3/2", sum.OrdersPlaced, sum.Trades)
	}
	if sum.Wins != 1 || sum.Losses != 1 || sum.StopLosses != 1 {
		t.Fatalf("wins=%d losses=%d stops=%d", sum.Wins, sum.Losses, sum.StopLosses)
	}
	// +20*75 on the target, -10*75 on the stop.
	if want := 750.0; sum.NetPnL != want {
		t.Fatalf("netPnL = %.2f, want %.2f", sum.NetPnL, want)
	}
	if sum.EndEquity != 100750 {
		t.Fatalf("endEquity = %.2f", sum.EndEquity)
	}
}

func TestLockoutAfterTwoStopsResetsNextDay(t *testing.T) {
	day := time.Date(2026, 3, 10, 10, 0, 0, 0, risk.IST)
	// Enters only at full price so the stopped-out bar does not re-enter.
	enterAlways := func(bar Bar, pos *Position) Decision {
		if bar.Close < 100 {
			return Decision{}
		}
		return Decision{Enter: true, Qty: 1, StopLoss: bar.Close - 1}
	}
	gates := Gates{
		StartEquity: 100000,
		UseLockout:  true, MaxStopLossPerDay: 2,
	}

	var bars []Bar
	// Four enter/stop cycles on the same day, spaced past any cooldown.
	for i := 0; i < 4; i++ {
		base := day.Add(time.Duration(i) * time.Hour)
		bars = append(bars,
			barAt(base, "I1", 100, 101, 100, 100),
			barAt(base.Add(5*time.Minute), "I1", 100, 100, 98, 99),
		)
	}
	// Next day: entries work again.
	bars = append(bars, barAt(day.Add(24*time.Hour), "I1", 100, 101, 100, 100))

	e := New(gates, enterAlways)
	sum, err := e.Run(bars)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Cycles 1 and 2 stop out; cycles 3 and 4 are locked out; day two enters.
	if sum.StopLosses != 2 {
		t.Fatalf("stopLosses = %d, want 2", sum.StopLosses)
	}
	if got := sum.Blocked[risk.ReasonReentryDisabled]; got != 2 {
		t.Fatalf("lockout blocks = %d, want 2", got)
	}
	if sum.OrdersPlaced != 3 {
		t.Fatalf("ordersPlaced = %d, want 3 (two day-one entries plus day-two)", sum.OrdersPlaced)
	}
	if sum.Days != 2 {
		t.Fatalf("days = %d, want 2", sum.Days)
	}
}

func TestDailyLossCapBlocksRestOfDay(t *testing.T) {
	day := time.Date(2026, 3, 10, 10, 0, 0, 0, risk.IST)
	enterAlways := func(bar Bar, pos *Position) Decision {
		return Decision{Enter: true, Qty: 100, StopLoss: bar.Close - 20}
	}
	gates := Gates{
		StartEquity:  100000,
		UseLossGuard: true, CapPct: 3, // cap amount 3000
	}

	bars := []Bar{
		barAt(day, "I1", 100, 101, 100, 100),                 // enter at 100, stop 80
		barAt(day.Add(5*time.Minute), "I1", 95, 95, 75, 80),  // stop: -2000, re-enter at 80
		barAt(day.Add(10*time.Minute), "I1", 80, 81, 80, 80), // holding
		barAt(day.Add(15*time.Minute), "I1", 70, 70, 55, 60), // stop: -2000, loss 4000 >= cap, blocked
		barAt(day.Add(20*time.Minute), "I1", 60, 61, 60, 60), // blocked
		barAt(day.Add(25*time.Minute), "I2", 50, 51, 50, 50), // blocked, cap is global
	}

	sum, err := New(gates, enterAlways).Run(bars)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.OrdersPlaced != 2 {
		t.Fatalf("ordersPlaced = %d, want 2", sum.OrdersPlaced)
	}
	if got := sum.Blocked[risk.ReasonDailyLossBreach]; got != 3 {
		t.Fatalf("loss blocks = %d, want 3", got)
	}
}

func TestGateTogglesMatchFeatureFlags(t *testing.T) {
	at := time.Date(2026, 3, 10, 10, 0, 0, 0, risk.IST)

	e := New(Gates{StartEquity: 100000}, nil) // everything off
	e.RecordStopLoss(at, "I1")
	e.RecordStopLoss(at, "I1")
	for i := 0; i < 50; i++ {
		e.NoteOrderPlaced(at)
	}
	if d := e.CheckEntry(at.Add(time.Second), "I1"); !d.Allowed {
		t.Fatalf("all gates off must always allow, got %+v", d)
	}

	on := New(Gates{
		StartEquity: 100000,
		UseCooldown: true, CooldownMin: 15,
	}, nil)
	on.RecordStopLoss(at, "I1")
	if d := on.CheckEntry(at.Add(time.Minute), "I1"); d.Allowed || d.Reason != risk.ReasonSLCooldown {
		t.Fatalf("cooldown gate on: %+v", d)
	}
}

// parityHarness drives the live governor and the emulator through the same
// event sequence and requires identical verdicts.
type parityHarness struct {
	t   *testing.T
	gov *risk.Governor
	emu *Emulator
	at  time.Time
	seq int
}

func newParityHarness(t *testing.T) *parityHarness {
	t.Helper()
	h := &parityHarness{
		t:  t,
		at: time.Date(2026, 3, 10, 10, 0, 0, 0, risk.IST),
	}
	params := risk.DefaultParams()
	params.MaxSpreadPct = 0 // no quote feed on either side

	h.gov = risk.NewGovernor(risk.Config{
		Params: params,
		Store:  dedupe.NewMemoryWithClock(func() time.Time { return h.at }),
	})
	h.gov.SetClock(func() time.Time { return h.at })
	h.gov.SetDayStartEquity(100000)

	h.emu = New(GatesFromParams(params, 100000), nil)
	return h
}

func (h *parityHarness) attempt(instrument string) risk.Decision {
	h.t.Helper()
	live, err := h.gov.CheckOrder(context.Background(), broker.OrderRequest{
		InstrumentKey: instrument,
		Symbol:        instrument,
		Side:          broker.SideBuy,
		Type:          broker.TypeMarket,
		Qty:           1,
	})
	if err != nil {
		h.t.Fatalf("live check: %v", err)
	}
	sim := h.emu.CheckEntry(h.at, instrument)
	if live.Allowed != sim.Allowed || (!live.Allowed && live.Reason != sim.Reason) {
		h.t.Fatalf("parity broken at %s for %s: live=%+v sim=%+v",
			h.at.Format(time.RFC3339), instrument, live, sim)
	}
	return live
}

func (h *parityHarness) place() {
	h.gov.NoteOrderPlaced(context.Background())
	h.emu.NoteOrderPlaced(h.at)
}

func (h *parityHarness) stopLoss(instrument string) {
	h.t.Helper()
	h.seq++
	if err := h.gov.RecordStopLoss(context.Background(), instrument,
		fmt.Sprintf("fill-%d", h.seq)); err != nil {
		h.t.Fatalf("live record: %v", err)
	}
	h.emu.RecordStopLoss(h.at, instrument)
}

func (h *parityHarness) dayLoss(loss float64) {
	h.gov.ObserveDayPnL(-loss)
	h.emu.dayLoss = loss
}

func TestEmulatorMatchesLiveGateDecisions(t *testing.T) {
	h := newParityHarness(t)

	// Fresh morning: entries flow.
	if d := h.attempt("I1"); !d.Allowed {
		t.Fatalf("fresh day should allow: %+v", d)
	}

	// Fill the per-minute budget and hit the throttle on both sides.
	for i := 0; i < risk.DefaultParams().MaxOrdersPerMinute; i++ {
		h.place()
	}
	h.at = h.at.Add(10 * time.Second)
	if d := h.attempt("I2"); d.Allowed || d.Reason != risk.ReasonThrottled {
		t.Fatalf("expected THROTTLED on both, got %+v", d)
	}

	// The next minute bucket frees both.
	h.at = h.at.Add(70 * time.Second)
	if d := h.attempt("I2"); !d.Allowed {
		t.Fatalf("expected allow after bucket roll: %+v", d)
	}

	// First stop-loss: cooldown bites, then expires, on both.
	h.stopLoss("I2")
	h.at = h.at.Add(5 * time.Minute)
	if d := h.attempt("I2"); d.Allowed || d.Reason != risk.ReasonSLCooldown {
		t.Fatalf("expected SL_COOLDOWN on both, got %+v", d)
	}
	h.at = h.at.Add(11 * time.Minute)
	if d := h.attempt("I2"); !d.Allowed {
		t.Fatalf("expected allow after cooldown: %+v", d)
	}

	// Second stop-loss locks the instrument out for the day, on both;
	// other instruments are untouched.
	h.stopLoss("I2")
	h.at = h.at.Add(16 * time.Minute)
	if d := h.attempt("I2"); d.Allowed || d.Reason != risk.ReasonReentryDisabled {
		t.Fatalf("expected REENTRY_DISABLED on both, got %+v", d)
	}
	if d := h.attempt("I3"); !d.Allowed {
		t.Fatalf("lockout must be per-instrument: %+v", d)
	}

	// Day loss through the cap denies everywhere, on both.
	h.dayLoss(3100) // cap is 3% of 100k
	if d := h.attempt("I3"); d.Allowed || d.Reason != risk.ReasonDailyLossBreach {
		t.Fatalf("expected DAILY_LOSS_BREACH on both, got %+v", d)
	}

	// Day rollover re-arms everything, on both.
	h.at = h.at.Add(24 * time.Hour)
	h.dayLoss(0)
	if d := h.attempt("I2"); !d.Allowed {
		t.Fatalf("expected allow after rollover: %+v", d)
	}
}
