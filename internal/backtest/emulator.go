// Package backtest replays historical bars through the same entry gates the
// live risk governor enforces. It is a parity oracle: given the inputs the
// live gates would see, it must produce the same allow/deny decisions. It
// holds state across bars but performs no I/O.
package backtest

import (
	"fmt"
	"time"

	"options-core/internal/risk"
)

// Bar is one historical OHLC bar for a single instrument.
type Bar struct {
	Time          time.Time `json:"time"`
	InstrumentKey string    `json:"instrument_key"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Close         float64   `json:"close"`
	Volume        int64     `json:"volume"`
}

// Decision is a strategy's verdict for one bar.
type Decision struct {
	Enter    bool
	Qty      int64
	StopLoss float64 // absolute price, required when entering
	Target   float64 // absolute price, 0 disables
}

// StrategyFunc decides entries bar by bar. pos is nil when the instrument is
// flat; the emulator never asks for an entry while a position is open.
type StrategyFunc func(bar Bar, pos *Position) Decision

// Position is an open simulated long.
type Position struct {
	InstrumentKey string
	Qty           int64
	EntryPrice    float64
	StopLoss      float64
	Target        float64
	OpenedAt      time.Time
}

// Gates holds the risk-parity configuration. Each gate is independently
// toggleable so a backtest can match the live feature flags exactly.
type Gates struct {
	StartEquity float64

	UseLossGuard bool
	CapPct       float64

	UseThrottle        bool
	MaxOrdersPerMinute int

	UseCooldown bool
	CooldownMin int

	UseLockout        bool
	MaxStopLossPerDay int
}

// GatesFromParams derives the backtest gate configuration from the live risk
// parameters, keeping the two rule sets in lockstep.
func GatesFromParams(p risk.Params, startEquity float64) Gates {
	return Gates{
		StartEquity:        startEquity,
		UseLossGuard:       p.UseLossGuard,
		CapPct:             p.BaseCapPct,
		UseThrottle:        p.UseThrottle,
		MaxOrdersPerMinute: p.MaxOrdersPerMinute,
		UseCooldown:        p.UseCooldown,
		CooldownMin:        p.StopLossCooldownMin,
		UseLockout:         p.UseLockout,
		MaxStopLossPerDay:  p.MaxStopLossPerDay,
	}
}

// Summary is the replay result: performance plus per-reason block counts.
type Summary struct {
	Bars          int                 `json:"bars"`
	Days          int                 `json:"days"`
	OrdersPlaced  int                 `json:"orders_placed"`
	OrdersBlocked int                 `json:"orders_blocked"`
	Blocked       map[risk.Reason]int `json:"blocked_by_reason"`
	Trades        int                 `json:"trades"`
	Wins          int                 `json:"wins"`
	Losses        int                 `json:"losses"`
	StopLosses    int                 `json:"stop_losses"`
	NetPnL        float64             `json:"net_pnl"`
	EndEquity     float64             `json:"end_equity"`
}

// Emulator replays bars against the live gate rules. Day state resets on IST
// day rollover detected from bar timestamps, never from the wall clock.
type Emulator struct {
	gates    Gates
	strategy StrategyFunc

	day       string
	dayLoss   float64
	tripped   bool
	buckets   map[int64]int
	lastSL    map[string]time.Time
	slCount   map[string]int
	positions map[string]*Position

	summary Summary
}

// New creates an emulator.
func New(gates Gates, strategy StrategyFunc) *Emulator {
	return &Emulator{
		gates:     gates,
		strategy:  strategy,
		buckets:   make(map[int64]int),
		lastSL:    make(map[string]time.Time),
		slCount:   make(map[string]int),
		positions: make(map[string]*Position),
		summary: Summary{
			Blocked:   make(map[risk.Reason]int),
			EndEquity: gates.StartEquity,
		},
	}
}

// Run replays the bar stream and returns the summary. Bars must be in
// timestamp order.
func (e *Emulator) Run(bars []Bar) (Summary, error) {
	for i, bar := range bars {
		if bar.Time.IsZero() || bar.InstrumentKey == "" {
			return Summary{}, fmt.Errorf("bar %d: timestamp and instrument are required", i)
		}
		e.Step(bar)
	}
	return e.summary, nil
}

// Step advances the emulation by one bar.
func (e *Emulator) Step(bar Bar) {
	e.rollover(bar.Time)
	e.summary.Bars++

	pos := e.positions[bar.InstrumentKey]
	if pos != nil {
		e.settle(bar, pos)
		pos = e.positions[bar.InstrumentKey]
	}
	if pos != nil {
		return // still holding; no new entry for this instrument
	}
	if e.strategy == nil {
		return
	}

	d := e.strategy(bar, nil)
	if !d.Enter {
		return
	}
	if d.Qty <= 0 || d.StopLoss <= 0 {
		return
	}

	if verdict := e.CheckEntry(bar.Time, bar.InstrumentKey); !verdict.Allowed {
		e.summary.OrdersBlocked++
		e.summary.Blocked[verdict.Reason]++
		return
	}

	e.NoteOrderPlaced(bar.Time)
	e.positions[bar.InstrumentKey] = &Position{
		InstrumentKey: bar.InstrumentKey,
		Qty:           d.Qty,
		EntryPrice:    bar.Close,
		StopLoss:      d.StopLoss,
		Target:        d.Target,
		OpenedAt:      bar.Time,
	}
	e.summary.OrdersPlaced++
}

// settle checks an open position against the bar's range. A bar that spans
// both stop and target settles at the stop; intrabar ordering is unknowable
// and the pessimistic read matches the live governor's loss accounting.
func (e *Emulator) settle(bar Bar, pos *Position) {
	switch {
	case bar.Low <= pos.StopLoss:
		e.closePosition(bar.Time, pos, pos.StopLoss)
		e.RecordStopLoss(bar.Time, pos.InstrumentKey)
	case pos.Target > 0 && bar.High >= pos.Target:
		e.closePosition(bar.Time, pos, pos.Target)
	}
}

func (e *Emulator) closePosition(at time.Time, pos *Position, price float64) {
	pnl := (price - pos.EntryPrice) * float64(pos.Qty)
	e.summary.Trades++
	e.summary.NetPnL += pnl
	e.summary.EndEquity += pnl
	if pnl >= 0 {
		e.summary.Wins++
	} else {
		e.summary.Losses++
		e.dayLoss += -pnl
		// The loss sweep is where the breaker trips, same as the live
		// reconciliation.
		if cap := e.capAmount(); e.gates.UseLossGuard && cap > 0 && e.dayLoss >= cap {
			e.tripped = true
		}
	}
	delete(e.positions, pos.InstrumentKey)
}

// CheckEntry runs the four entry gates in the live governor's order: rate
// throttle, stop-loss cooldown, re-entry lockout, daily loss cap. First
// failure wins and denial has no side effects.
func (e *Emulator) CheckEntry(at time.Time, instrumentKey string) risk.Decision {
	e.rollover(at)

	if e.gates.UseThrottle && e.gates.MaxOrdersPerMinute > 0 {
		if e.buckets[at.Unix()/60] >= e.gates.MaxOrdersPerMinute {
			return risk.Decision{Allowed: false, Reason: risk.ReasonThrottled}
		}
	}

	if e.gates.UseCooldown && e.gates.CooldownMin > 0 {
		if last, ok := e.lastSL[instrumentKey]; ok {
			if at.Sub(last) < time.Duration(e.gates.CooldownMin)*time.Minute {
				return risk.Decision{Allowed: false, Reason: risk.ReasonSLCooldown}
			}
		}
	}

	if e.gates.UseLockout && e.gates.MaxStopLossPerDay > 0 {
		if e.slCount[instrumentKey] >= e.gates.MaxStopLossPerDay {
			return risk.Decision{Allowed: false, Reason: risk.ReasonReentryDisabled}
		}
	}

	if e.gates.UseLossGuard {
		if cap := e.capAmount(); e.tripped || (cap > 0 && e.dayLoss >= cap) {
			return risk.Decision{Allowed: false, Reason: risk.ReasonDailyLossBreach}
		}
	}

	return risk.Decision{Allowed: true}
}

// NoteOrderPlaced advances the simulated per-minute order bucket.
func (e *Emulator) NoteOrderPlaced(at time.Time) {
	e.buckets[at.Unix()/60]++
}

// RecordStopLoss mirrors the live governor's stop-loss bookkeeping: cooldown
// timestamp plus today's per-instrument count.
func (e *Emulator) RecordStopLoss(at time.Time, instrumentKey string) {
	e.lastSL[instrumentKey] = at
	e.slCount[instrumentKey]++
	e.summary.StopLosses++
}

// Summary returns the running totals.
func (e *Emulator) Summary() Summary { return e.summary }

func (e *Emulator) capAmount() float64 {
	return e.gates.CapPct / 100 * e.gates.StartEquity
}

// rollover resets day-scoped state when the bar's IST date changes.
func (e *Emulator) rollover(at time.Time) {
	day := at.In(risk.IST).Format("2006-01-02")
	if day == e.day {
		return
	}
	e.day = day
	e.dayLoss = 0
	e.tripped = false
	e.buckets = make(map[int64]int)
	e.slCount = make(map[string]int)
	e.summary.Days++
}
