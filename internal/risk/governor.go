// Package risk owns the day-scoped risk state and is the sole arbiter of
// whether an order, or the engine loop as a whole, may proceed.
package risk

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"options-core/internal/broker"
	"options-core/internal/dedupe"
	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/pkg/db"
)

// IST is the trading-day timezone; all day rollovers key off it.
var IST = time.FixedZone("IST", 5*3600+30*60)

const (
	keyOrdersBucket = "risk:orders:" // + unix-minute bucket
	keySLLast       = "risk:sl:last:"
	keySLCount      = "risk:sl:count:" // + day + ":" + instrument
	keySLSeen       = "risk:sl:seen:"  // + fill key
)

// Governor evaluates pre-trade gates against day-scoped risk state. Counters
// that must survive restarts (stop-loss cooldowns, rate buckets) live in the
// dedupe store; everything else is in-process behind one mutex.
type Governor struct {
	params    Params
	store     dedupe.Store
	quotes    market.QuoteReader
	portfolio market.PortfolioReader
	database  *db.Database // optional audit trail
	bus       *events.Bus  // optional risk alerts
	seen      *dedupe.SeenCache
	now       func() time.Time

	mu             sync.Mutex
	day            string
	dayStartEquity float64
	dayLoss        float64 // absolute, always >= 0
	tripped        bool
	capPct         float64
	ordersPlaced   int64
	localOrders    []time.Time // fallback window when the store is down
}

// Config wires a Governor.
type Config struct {
	Params    Params
	Store     dedupe.Store
	Quotes    market.QuoteReader
	Portfolio market.PortfolioReader
	Database  *db.Database
	Bus       *events.Bus
}

// NewGovernor creates a governor with the day baseline seeded from the
// portfolio snapshot when available.
func NewGovernor(cfg Config) *Governor {
	g := &Governor{
		params:    cfg.Params,
		store:     cfg.Store,
		quotes:    cfg.Quotes,
		portfolio: cfg.Portfolio,
		database:  cfg.Database,
		bus:       cfg.Bus,
		seen:      dedupe.NewSeenCache(),
		now:       time.Now,
		capPct:    cfg.Params.BaseCapPct,
	}
	g.day = g.now().In(IST).Format("2006-01-02")

	if g.portfolio != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if snap, err := g.portfolio.Snapshot(ctx); err == nil {
			g.dayStartEquity = snap.Equity
		}
	}
	return g
}

// SetClock overrides the governor clock; used by tests.
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
	// Re-seed the day marker from the injected clock so the first check does
	// not see a spurious rollover from the construction-time wall clock.
	g.day = now().In(IST).Format("2006-01-02")
}

// SetDayStartEquity seeds the day baseline directly.
func (g *Governor) SetDayStartEquity(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dayStartEquity = equity
}

// rolloverLocked resets day state when the IST day has changed.
// Caller must hold g.mu.
func (g *Governor) rolloverLocked() {
	today := g.now().In(IST).Format("2006-01-02")
	if today == g.day {
		return
	}
	log.Printf("risk: day rollover %s -> %s, resetting day state (loss=%.2f tripped=%v)",
		g.day, today, g.dayLoss, g.tripped)
	g.day = today
	g.dayLoss = 0
	g.tripped = false
	g.ordersPlaced = 0
	g.localOrders = nil
	g.capPct = g.params.BaseCapPct

	// The new day's baseline comes from the next portfolio read outside this
	// lock (refreshCap or Reconcile); blocking on the feed here would stall
	// every concurrent check. A zero baseline keeps the loss gate permissive
	// until then.
	g.dayStartEquity = 0
}

// CheckOrder runs the sequential pre-trade gates; the first failing gate wins
// and no gate has side effects on denial. Gates 1-4 surface store errors to
// the caller (failing the check); the market-hygiene and loss gates degrade
// to permissive when their live feeds cannot be read.
func (g *Governor) CheckOrder(ctx context.Context, req broker.OrderRequest) (Decision, error) {
	g.mu.Lock()
	g.rolloverLocked()
	g.mu.Unlock()

	// 1. Blacklist.
	for _, blocked := range g.params.BlockedSymbols {
		if blocked != "" && (strings.Contains(req.InstrumentKey, blocked) || strings.Contains(req.Symbol, blocked)) {
			return deny(ReasonSymbolBlocked, req.Symbol), nil
		}
	}

	// 2. Order-rate throttle.
	if g.params.UseThrottle && g.params.MaxOrdersPerMinute > 0 {
		count, err := g.ordersInWindow(ctx)
		if err != nil {
			// Store unavailable: fall back to the in-process window.
			log.Printf("risk: throttle store read failed, using local window: %v", err)
			count = g.localWindowCount()
		}
		if count >= int64(g.params.MaxOrdersPerMinute) {
			return deny(ReasonThrottled,
				fmt.Sprintf("%d orders in window, cap %d", count, g.params.MaxOrdersPerMinute)), nil
		}
	}

	// Entry gates below apply to risk-increasing orders only; exits must
	// always be able to flatten open risk.
	if req.Side != broker.SideBuy {
		return allow(), nil
	}

	// 3. Stop-loss cooldown.
	if g.params.UseCooldown && g.params.StopLossCooldownMin > 0 {
		val, ok, err := g.store.Get(ctx, keySLLast+req.InstrumentKey)
		if err != nil {
			return Decision{}, fmt.Errorf("cooldown read: %w", err)
		}
		if ok {
			last, err := time.Parse(time.RFC3339, val)
			if err != nil {
				return Decision{}, fmt.Errorf("cooldown entry corrupt for %s: %w", req.InstrumentKey, err)
			}
			since := g.now().Sub(last)
			cooldown := time.Duration(g.params.StopLossCooldownMin) * time.Minute
			if since < cooldown {
				return deny(ReasonSLCooldown,
					fmt.Sprintf("%.0fm since stop-loss, cooldown %dm", since.Minutes(), g.params.StopLossCooldownMin)), nil
			}
		}
	}

	// 4. Re-entry lockout after repeated stop-losses.
	if g.params.UseLockout && g.params.MaxStopLossPerDay > 0 {
		val, ok, err := g.store.Get(ctx, g.slCountKey(req.InstrumentKey))
		if err != nil {
			return Decision{}, fmt.Errorf("lockout read: %w", err)
		}
		if ok {
			n, _ := strconv.ParseInt(val, 10, 64)
			if n >= int64(g.params.MaxStopLossPerDay) {
				return deny(ReasonReentryDisabled,
					fmt.Sprintf("%d stop-losses today on %s", n, req.InstrumentKey)), nil
			}
		}
	}

	// 5. Market hygiene: wide spreads are rejected, but a dead quote feed
	// must never block an order.
	if g.params.MaxSpreadPct > 0 && g.quotes != nil {
		if q, err := g.quotes.Quote(ctx, req.InstrumentKey); err == nil {
			if sp := q.SpreadPct(); sp > g.params.MaxSpreadPct {
				return deny(ReasonSlippageHigh,
					fmt.Sprintf("spread %.2f%% > %.2f%%", sp, g.params.MaxSpreadPct)), nil
			}
		} else {
			log.Printf("risk: quote read failed for %s, spread gate permissive: %v", req.InstrumentKey, err)
		}
	}

	// 6. Daily loss guard against the dynamic cap.
	if g.params.UseLossGuard {
		g.refreshCap(ctx)

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.tripped {
			return deny(ReasonDailyLossBreach, "circuit breaker tripped"), nil
		}
		if cap := g.capAmountLocked(); cap > 0 && g.dayLoss >= cap {
			return deny(ReasonDailyLossBreach,
				fmt.Sprintf("day loss %.2f >= cap %.2f (%.2f%%)", g.dayLoss, cap, g.capPct)), nil
		}
	}

	return allow(), nil
}

// NoteOrderPlaced advances the rate window. Called exactly once after each
// successful broker placement; safe for concurrent use.
func (g *Governor) NoteOrderPlaced(ctx context.Context) {
	now := g.now()

	if _, err := g.store.Incr(ctx, g.bucketKey(now), time.Minute); err != nil {
		log.Printf("risk: order counter incr failed: %v", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.ordersPlaced++
	// Keep the local fallback window current even when the store works.
	cutoff := now.Add(-time.Minute)
	kept := g.localOrders[:0]
	for _, t := range g.localOrders {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.localOrders = append(kept, now)
}

// GlobalPreCheck is the coarse once-per-tick gate: it blocks the whole tick
// when the day's risk budget is spent, not just one order.
func (g *Governor) GlobalPreCheck(ctx context.Context) Decision {
	g.mu.Lock()
	g.rolloverLocked()
	tripped := g.tripped
	lossPct := g.lossPctLocked()
	g.mu.Unlock()

	if tripped {
		return deny(ReasonDailyLossBreach, "circuit breaker tripped")
	}
	if g.params.UseLossGuard && lossPct >= 100 {
		return deny(ReasonDailyLossBreach, fmt.Sprintf("daily loss at %.0f%% of cap", lossPct))
	}

	if g.params.UseThrottle && g.params.MaxOrdersPerMinute > 0 {
		count, err := g.ordersInWindow(ctx)
		if err != nil {
			count = g.localWindowCount()
		}
		if count >= int64(g.params.MaxOrdersPerMinute) {
			return deny(ReasonThrottled, "orders-per-minute budget exhausted")
		}
	}

	if g.params.MaxOpenLots > 0 && g.portfolio != nil {
		if snap, err := g.portfolio.Snapshot(ctx); err == nil {
			if snap.PositionsCount >= g.params.MaxOpenLots {
				return deny(ReasonLotsCap,
					fmt.Sprintf("%d open positions, cap %d", snap.PositionsCount, g.params.MaxOpenLots))
			}
		}
	}

	return allow()
}

// RecomputeDynamicCap derives the drawdown cap percentage from live
// portfolio signals, clamped to configured bounds. Idempotent and cheap.
func (g *Governor) RecomputeDynamicCap(snap market.PortfolioSnapshot) float64 {
	pct := g.params.BaseCapPct
	if snap.PositionsCount > 10 {
		pct += 0.5
	}
	if snap.DayPnLPct < 0 {
		pct -= 0.5
	}
	if snap.TotalPnLPct > 10 {
		pct += 0.5
	}
	if pct < g.params.MinCapPct {
		pct = g.params.MinCapPct
	}
	if pct > g.params.MaxCapPct {
		pct = g.params.MaxCapPct
	}
	return pct
}

// refreshCap recomputes the cap from the latest snapshot; on read failure the
// previous cap is kept, never a blocked order.
func (g *Governor) refreshCap(ctx context.Context) {
	if g.portfolio == nil {
		return
	}
	snap, err := g.portfolio.Snapshot(ctx)
	if err != nil {
		log.Printf("risk: portfolio snapshot failed, keeping cap %.2f%%: %v", g.capPct, err)
		return
	}
	pct := g.RecomputeDynamicCap(snap)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.capPct = pct
	if g.dayStartEquity == 0 {
		g.dayStartEquity = snap.Equity
	}
}

// RecordStopLoss records a physical stop-loss fill exactly once. fillKey is
// the broker order id of the stop order; both observation paths (order-status
// and trade-confirmation callbacks) must derive the same key, and the seen
// gate makes a duplicate invocation harmless.
func (g *Governor) RecordStopLoss(ctx context.Context, instrumentKey, fillKey string) error {
	seenKey := keySLSeen + fillKey
	if g.seen.Seen(seenKey) {
		return nil
	}
	won, err := g.store.SetIfAbsent(ctx, seenKey, "1", 24*time.Hour)
	if err != nil {
		return fmt.Errorf("stop-loss seen gate: %w", err)
	}
	g.seen.Mark(seenKey, 24*time.Hour)
	if !won {
		return nil
	}

	now := g.now()
	if err := g.store.Set(ctx, keySLLast+instrumentKey, now.Format(time.RFC3339), 24*time.Hour); err != nil {
		return fmt.Errorf("record stop-loss timestamp: %w", err)
	}
	count, err := g.store.Incr(ctx, g.slCountKey(instrumentKey), ttlUntilMidnight(now))
	if err != nil {
		return fmt.Errorf("record stop-loss count: %w", err)
	}

	log.Printf("risk: stop-loss recorded for %s (today: %d)", instrumentKey, count)
	if g.bus != nil {
		g.bus.Publish(events.TopicStopLoss, map[string]any{
			"instrument_key": instrumentKey,
			"count_today":    count,
		})
	}
	return nil
}

// ObserveDayPnL feeds the latest day P&L figure into the loss accumulator.
func (g *Governor) ObserveDayPnL(dayPnL float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	if dayPnL < 0 {
		g.dayLoss = -dayPnL
	} else {
		g.dayLoss = 0
	}
}

// Reconcile refreshes the loss figure from the portfolio snapshot, recomputes
// the cap, and trips the circuit breaker when the cap is breached. This is
// the only ARMED->TRIPPED transition; TRIPPED->ARMED happens only on day
// rollover. Run it on a fixed cadence.
func (g *Governor) Reconcile(ctx context.Context) {
	if g.portfolio == nil {
		return
	}
	snap, err := g.portfolio.Snapshot(ctx)
	if err != nil {
		log.Printf("risk: reconcile snapshot failed: %v", err)
		return
	}
	pct := g.RecomputeDynamicCap(snap)

	g.mu.Lock()
	g.rolloverLocked()
	g.capPct = pct
	if g.dayStartEquity == 0 {
		g.dayStartEquity = snap.Equity
	}
	if snap.DayPnL < 0 {
		g.dayLoss = -snap.DayPnL
	} else {
		g.dayLoss = 0
	}
	justTripped := false
	if cap := g.capAmountLocked(); !g.tripped && cap > 0 && g.dayLoss >= cap {
		g.tripped = true
		justTripped = true
	}
	summary := g.summaryLocked()
	g.mu.Unlock()

	if justTripped {
		log.Printf("risk: circuit breaker TRIPPED, day loss %.2f >= cap %.2f (%.2f%% of %.2f)",
			summary.DayLoss, summary.CapAmount, summary.CapPct, summary.DayStartEquity)
		if g.bus != nil {
			g.bus.Publish(events.TopicRiskAlert, summary)
		}
	}

	if g.database != nil {
		if err := g.database.UpsertRiskDay(ctx, db.RiskDay{
			Date:           summary.Day,
			DayStartEquity: summary.DayStartEquity,
			DayLoss:        summary.DayLoss,
			CapPct:         summary.CapPct,
			Tripped:        summary.Tripped,
			OrdersPlaced:   summary.OrdersPlaced,
		}); err != nil {
			log.Printf("risk: audit upsert failed: %v", err)
		}
	}
}

// Tripped reports whether the circuit breaker is tripped.
func (g *Governor) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.tripped
}

// Summary returns the externally observable day risk state.
func (g *Governor) Summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.summaryLocked()
}

func (g *Governor) summaryLocked() Summary {
	s := Summary{
		Day:            g.day,
		DayStartEquity: g.dayStartEquity,
		DayLoss:        g.dayLoss,
		CapPct:         g.capPct,
		CapAmount:      g.capAmountLocked(),
		LossPct:        g.lossPctLocked(),
		Tripped:        g.tripped,
		OrdersPlaced:   g.ordersPlaced,
		OrdersInWindow: g.localWindowCountLocked(),
		AsOf:           g.now(),
	}
	return s
}

func (g *Governor) capAmountLocked() float64 {
	return g.capPct / 100 * g.dayStartEquity
}

func (g *Governor) lossPctLocked() float64 {
	cap := g.capAmountLocked()
	if cap <= 0 {
		return 0
	}
	return g.dayLoss / cap * 100
}

func (g *Governor) bucketKey(t time.Time) string {
	return keyOrdersBucket + strconv.FormatInt(t.Unix()/60, 10)
}

func (g *Governor) slCountKey(instrumentKey string) string {
	return keySLCount + g.now().In(IST).Format("2006-01-02") + ":" + instrumentKey
}

func (g *Governor) ordersInWindow(ctx context.Context) (int64, error) {
	val, ok, err := g.store.Get(ctx, g.bucketKey(g.now()))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("order counter corrupt: %w", err)
	}
	return n, nil
}

func (g *Governor) localWindowCount() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.localWindowCountLocked()
}

func (g *Governor) localWindowCountLocked() int64 {
	cutoff := g.now().Add(-time.Minute)
	var n int64
	for _, t := range g.localOrders {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// ttlUntilMidnight returns the duration until the next IST midnight.
func ttlUntilMidnight(now time.Time) time.Duration {
	ist := now.In(IST)
	next := time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IST).AddDate(0, 0, 1)
	return next.Sub(ist)
}
