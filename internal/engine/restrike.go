package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"options-core/internal/advice"
	"options-core/internal/broker"
	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/internal/risk"
)

// volBand is the volatility regime derived from ATR percentage.
type volBand string

const (
	bandQuiet    volBand = "quiet"
	bandNormal   volBand = "normal"
	bandVolatile volBand = "volatile"
)

// RotationParams tune the re-strike rotation and trailing exits. RollUnderlying
// and RollQty drive the fresh legs generated after a batch of exits.
type RotationParams struct {
	Interval          time.Duration `yaml:"interval"`
	CutoffTime        string        `yaml:"cutoff_time"` // HH:MM IST, no rotations after
	MaxPerHour        int           `yaml:"max_per_hour"`
	StrikeStep        float64       `yaml:"strike_step"`
	StrikeShiftSteps  int           `yaml:"strike_shift_steps"`
	DirectionFlipMin  float64       `yaml:"direction_flip_min"`
	ATRQuietPct       float64       `yaml:"atr_quiet_pct"`
	ATRVolatilePct    float64       `yaml:"atr_volatile_pct"`
	DefaultExitTTLMin int           `yaml:"default_exit_ttl_min"`
	TrailDistancePct  float64       `yaml:"trail_distance_pct"`
	RollUnderlying    string        `yaml:"roll_underlying"`
	RollQty           int64         `yaml:"roll_qty"` // one lot of the roll underlying
}

// DefaultRotationParams returns the standard rotation tuning.
func DefaultRotationParams() RotationParams {
	return RotationParams{
		Interval:          5 * time.Minute,
		CutoffTime:        "15:00",
		MaxPerHour:        4,
		StrikeStep:        50,
		StrikeShiftSteps:  2,
		DirectionFlipMin:  0.3,
		ATRQuietPct:       0.4,
		ATRVolatilePct:    1.2,
		DefaultExitTTLMin: 60,
		TrailDistancePct:  20,
		RollUnderlying:    "NIFTY",
		RollQty:           75,
	}
}

// AdviceCreator is the slice of the advice lifecycle the rotator uses to
// synthesize exit advices.
type AdviceCreator interface {
	Create(ctx context.Context, d advice.Draft) (*advice.Advice, error)
}

// StopLossRecorder receives confirmed stop-loss fills.
type StopLossRecorder interface {
	RecordStopLoss(ctx context.Context, instrumentKey, fillKey string) error
}

// leg is the entry snapshot for one EXECUTED long advice; triggers are
// evaluated against it.
type leg struct {
	adviceID      string
	instrumentKey string
	symbol        string
	underlying    string
	qty           int64
	entryStrike   float64
	entryDir      float64
	entryBand     volBand
	enteredAt     time.Time
}

// ExitPlan tracks the protective stop/target orders for one leg. Expiry
// forces a close; the plan is dropped once neither order is working.
type ExitPlan struct {
	InstrumentKey string
	Symbol        string
	Qty           int64
	InitialStop   float64
	LiveStop      float64
	Target        float64
	CreatedAt     time.Time
	ExpiresAt     time.Time
	StopOrderID   string
	TargetOrderID string

	highWater float64
}

// Rotator owns the re-strike rotation and the trailing-exit book. All state
// is process-local and per-engine; on start the engine replays the EXECUTED
// advice list through Register so legs survive a restart.
type Rotator struct {
	params   RotationParams
	advices  AdviceCreator
	orders   broker.Client
	signals  market.SignalReader
	quotes   market.QuoteReader
	recorder StopLossRecorder
	bus      *events.Bus
	// signalGen rolls into fresh legs after a batch of exits; best-effort.
	signalGen func(ctx context.Context) error
	now       func() time.Time

	mu        sync.Mutex
	legs      map[string]*leg      // by instrument key
	plans     map[string]*ExitPlan // by instrument key
	lastRun   time.Time
	rotations []time.Time // rolling hour window
}

// NewRotator wires a rotation sub-routine.
func NewRotator(params RotationParams, advices AdviceCreator, orders broker.Client,
	signals market.SignalReader, quotes market.QuoteReader, recorder StopLossRecorder,
	bus *events.Bus, signalGen func(ctx context.Context) error) *Rotator {
	return &Rotator{
		params:    params,
		advices:   advices,
		orders:    orders,
		signals:   signals,
		quotes:    quotes,
		recorder:  recorder,
		bus:       bus,
		signalGen: signalGen,
		now:       time.Now,
		legs:      make(map[string]*leg),
		plans:     make(map[string]*ExitPlan),
	}
}

// SetClock overrides the rotator clock; used by tests.
func (r *Rotator) SetClock(now func() time.Time) { r.now = now }

// Register snapshots entry context for an executed BUY advice and, when its
// reason encodes exit hints, places the protective stop/target orders.
func (r *Rotator) Register(ctx context.Context, a *advice.Advice) {
	if a.Side != broker.SideBuy || a.Status != advice.StatusExecuted {
		return
	}
	underlying := underlyingOf(a.Symbol)
	now := r.now()

	l := &leg{
		adviceID:      a.ID,
		instrumentKey: a.InstrumentKey,
		symbol:        a.Symbol,
		underlying:    underlying,
		qty:           a.Qty,
		enteredAt:     now,
	}
	if r.signals != nil {
		if strike, err := r.signals.ATMStrike(ctx, underlying); err == nil {
			l.entryStrike = strike
		}
		if dir, err := r.signals.Direction(ctx, underlying); err == nil {
			l.entryDir = dir
		}
		if atr, err := r.signals.ATRPct(ctx, underlying); err == nil {
			l.entryBand = r.bandOf(atr)
		}
	}

	r.mu.Lock()
	r.legs[a.InstrumentKey] = l
	r.mu.Unlock()

	hints, ok := advice.ParseExitHints(a.Reason)
	if !ok || !hints.HasStop() {
		return
	}
	r.openExitPlan(ctx, a, hints)
}

func (r *Rotator) openExitPlan(ctx context.Context, a *advice.Advice, hints advice.ExitHints) {
	now := r.now()
	ttl := hints.TTLMinutes
	if ttl <= 0 {
		ttl = r.params.DefaultExitTTLMin
	}
	plan := &ExitPlan{
		InstrumentKey: a.InstrumentKey,
		Symbol:        a.Symbol,
		Qty:           a.Qty,
		InitialStop:   hints.StopLoss,
		LiveStop:      hints.StopLoss,
		Target:        hints.TakeProfit,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(ttl) * time.Minute),
	}

	stopRes, err := r.orders.PlaceOrder(ctx, broker.OrderRequest{
		InstrumentKey: a.InstrumentKey,
		Symbol:        a.Symbol,
		Side:          broker.SideSell,
		Type:          broker.TypeStopLossMarket,
		Qty:           a.Qty,
		TriggerPrice:  hints.StopLoss,
		Product:       a.Product,
		Validity:      broker.ValidityDay,
		Tag:           "exit-stop:" + a.ID,
	})
	if err != nil {
		log.Printf("restrike: stop order for %s failed: %v", a.InstrumentKey, err)
	} else {
		plan.StopOrderID = stopRes.OrderID
	}

	if hints.TakeProfit > 0 {
		tgtRes, err := r.orders.PlaceOrder(ctx, broker.OrderRequest{
			InstrumentKey: a.InstrumentKey,
			Symbol:        a.Symbol,
			Side:          broker.SideSell,
			Type:          broker.TypeLimit,
			Qty:           a.Qty,
			LimitPrice:    hints.TakeProfit,
			Product:       a.Product,
			Validity:      broker.ValidityDay,
			Tag:           "exit-target:" + a.ID,
		})
		if err != nil {
			log.Printf("restrike: target order for %s failed: %v", a.InstrumentKey, err)
		} else {
			plan.TargetOrderID = tgtRes.OrderID
		}
	}

	r.mu.Lock()
	r.plans[a.InstrumentKey] = plan
	r.mu.Unlock()
}

// Evaluate runs one rotation pass: at most once per interval, never past the
// cutoff, bounded by the hourly cap. Each leg is evaluated independently so
// one bad instrument cannot block the others.
func (r *Rotator) Evaluate(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	if !r.lastRun.IsZero() && now.Sub(r.lastRun) < r.params.Interval {
		r.mu.Unlock()
		return 0
	}
	if cutoff, ok := parseHHMM(r.params.CutoffTime); ok {
		ist := now.In(risk.IST)
		if ist.Hour()*60+ist.Minute() >= cutoff {
			r.mu.Unlock()
			return 0
		}
	}
	r.lastRun = now
	candidates := make([]*leg, 0, len(r.legs))
	for _, l := range r.legs {
		candidates = append(candidates, l)
	}
	r.mu.Unlock()

	exited := 0
	for _, l := range candidates {
		trigger, err := r.checkTriggers(ctx, l)
		if err != nil {
			log.Printf("restrike: trigger check for %s failed: %v", l.instrumentKey, err)
			continue
		}
		if trigger == "" {
			continue
		}
		if !r.takeRotationSlot(now) {
			log.Printf("restrike: hourly rotation cap reached, %s (%s) deferred", l.instrumentKey, trigger)
			break
		}
		if err := r.exitLeg(ctx, l, trigger); err != nil {
			log.Printf("restrike: exit for %s failed: %v", l.instrumentKey, err)
			continue
		}
		exited++
	}

	if exited > 0 && r.signalGen != nil {
		if err := r.signalGen(ctx); err != nil {
			log.Printf("restrike: signal generation after %d exits failed: %v", exited, err)
		}
	}
	return exited
}

// checkTriggers returns the name of the first firing trigger, or "".
func (r *Rotator) checkTriggers(ctx context.Context, l *leg) (string, error) {
	if r.signals == nil {
		return "", nil
	}

	strike, err := r.signals.ATMStrike(ctx, l.underlying)
	if err != nil {
		return "", fmt.Errorf("atm strike: %w", err)
	}
	if l.entryStrike > 0 && r.params.StrikeStep > 0 {
		shift := math.Abs(strike-l.entryStrike) / r.params.StrikeStep
		if shift >= float64(r.params.StrikeShiftSteps) {
			return fmt.Sprintf("strike_shift:%.0f", shift), nil
		}
	}

	dir, err := r.signals.Direction(ctx, l.underlying)
	if err != nil {
		return "", fmt.Errorf("direction: %w", err)
	}
	if l.entryDir != 0 && dir*l.entryDir < 0 && math.Abs(dir) >= r.params.DirectionFlipMin {
		return "direction_flip", nil
	}

	atr, err := r.signals.ATRPct(ctx, l.underlying)
	if err != nil {
		return "", fmt.Errorf("atr: %w", err)
	}
	if l.entryBand != "" {
		if band := r.bandOf(atr); band != l.entryBand {
			return fmt.Sprintf("vol_regime:%s>%s", l.entryBand, band), nil
		}
	}
	return "", nil
}

// takeRotationSlot claims one rotation against the rolling hourly cap.
func (r *Rotator) takeRotationSlot(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	kept := r.rotations[:0]
	for _, t := range r.rotations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.rotations = kept
	if r.params.MaxPerHour > 0 && len(r.rotations) >= r.params.MaxPerHour {
		return false
	}
	r.rotations = append(r.rotations, now)
	return true
}

// exitLeg synthesizes a SELL advice to flatten one leg and forgets it.
func (r *Rotator) exitLeg(ctx context.Context, l *leg, trigger string) error {
	_, err := r.advices.Create(ctx, advice.Draft{
		InstrumentKey: l.instrumentKey,
		Symbol:        l.symbol,
		Side:          string(broker.SideSell),
		OrderType:     string(broker.TypeMarket),
		Qty:           l.qty,
		Reason:        "restrike:" + trigger,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.legs, l.instrumentKey)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.TopicRestrikeExit, map[string]any{
			"instrument_key": l.instrumentKey,
			"trigger":        trigger,
		})
	}
	log.Printf("restrike: exiting %s (%s)", l.instrumentKey, trigger)
	return nil
}

// ManagePlans trails live stops, force-closes expired plans and drops plans
// whose orders are all done. Runs every tick; each plan is independent.
func (r *Rotator) ManagePlans(ctx context.Context) {
	r.mu.Lock()
	plans := make([]*ExitPlan, 0, len(r.plans))
	for _, p := range r.plans {
		plans = append(plans, p)
	}
	r.mu.Unlock()

	now := r.now()
	for _, p := range plans {
		if err := r.managePlan(ctx, p, now); err != nil {
			log.Printf("restrike: plan %s: %v", p.InstrumentKey, err)
		}
	}
}

func (r *Rotator) managePlan(ctx context.Context, p *ExitPlan, now time.Time) error {
	if now.After(p.ExpiresAt) {
		if _, err := r.advices.Create(ctx, advice.Draft{
			InstrumentKey: p.InstrumentKey,
			Symbol:        p.Symbol,
			Side:          string(broker.SideSell),
			OrderType:     string(broker.TypeMarket),
			Qty:           p.Qty,
			Reason:        "exit:ttl_expired",
		}); err != nil && !errors.Is(err, advice.ErrDuplicate) {
			return fmt.Errorf("force close: %w", err)
		}
		r.dropPlan(p.InstrumentKey)
		log.Printf("restrike: plan %s expired, force closing", p.InstrumentKey)
		return nil
	}

	stopWorking := false
	if p.StopOrderID != "" {
		w, err := r.orders.IsWorking(ctx, p.StopOrderID)
		if err != nil {
			return fmt.Errorf("stop status: %w", err)
		}
		stopWorking = w
	}
	targetWorking := false
	if p.TargetOrderID != "" {
		w, err := r.orders.IsWorking(ctx, p.TargetOrderID)
		if err != nil {
			return fmt.Errorf("target status: %w", err)
		}
		targetWorking = w
	}

	if !stopWorking && !targetWorking {
		// Both legs done. A last price at or under the live stop means the
		// stop filled; count it against the instrument.
		if p.StopOrderID != "" && r.quotes != nil && r.recorder != nil {
			if q, err := r.quotes.Quote(ctx, p.InstrumentKey); err == nil && q.Last <= p.LiveStop {
				if err := r.recorder.RecordStopLoss(ctx, p.InstrumentKey, p.StopOrderID); err != nil {
					log.Printf("restrike: record stop-loss for %s: %v", p.InstrumentKey, err)
				}
			}
		}
		r.dropPlan(p.InstrumentKey)
		r.mu.Lock()
		delete(r.legs, p.InstrumentKey)
		r.mu.Unlock()
		return nil
	}

	// Trail the stop behind the high-water mark while the stop still works.
	if stopWorking && r.params.TrailDistancePct > 0 && r.quotes != nil {
		q, err := r.quotes.Quote(ctx, p.InstrumentKey)
		if err != nil {
			return nil // trailing is best-effort
		}
		r.mu.Lock()
		if q.Last > p.highWater {
			p.highWater = q.Last
		}
		newStop := p.highWater * (1 - r.params.TrailDistancePct/100)
		trail := newStop > p.LiveStop
		r.mu.Unlock()
		if trail {
			if err := r.orders.AmendPrice(ctx, p.StopOrderID, newStop); err != nil {
				return fmt.Errorf("trail stop: %w", err)
			}
			r.mu.Lock()
			p.LiveStop = newStop
			r.mu.Unlock()
			log.Printf("restrike: trailed stop for %s to %.2f", p.InstrumentKey, newStop)
		}
	}
	return nil
}

func (r *Rotator) dropPlan(instrumentKey string) {
	r.mu.Lock()
	delete(r.plans, instrumentKey)
	r.mu.Unlock()
}

// Legs returns the tracked instrument keys; used by state reporting.
func (r *Rotator) Legs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.legs))
	for k := range r.legs {
		out = append(out, k)
	}
	return out
}

// Plans returns a copy of the live exit plans.
func (r *Rotator) Plans() []ExitPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ExitPlan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, *p)
	}
	return out
}

func (r *Rotator) bandOf(atrPct float64) volBand {
	switch {
	case atrPct < r.params.ATRQuietPct:
		return bandQuiet
	case atrPct > r.params.ATRVolatilePct:
		return bandVolatile
	default:
		return bandNormal
	}
}

// underlyingOf extracts the underlying name from an option symbol, the
// leading letters before the first digit ("NIFTY24MAR22000CE" -> "NIFTY").
func underlyingOf(symbol string) string {
	for i, c := range symbol {
		if c >= '0' && c <= '9' {
			return symbol[:i]
		}
	}
	return symbol
}

// parseHHMM converts "HH:MM" to minute-of-day.
func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
