package risk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"options-core/internal/broker"
	"options-core/internal/dedupe"
	"options-core/internal/market"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) Set(t time.Time)         { c.t = t }

type fakePortfolio struct {
	snap  market.PortfolioSnapshot
	err   error
	calls int
}

func (p *fakePortfolio) Snapshot(ctx context.Context) (market.PortfolioSnapshot, error) {
	p.calls++
	return p.snap, p.err
}

type fakeQuotes struct {
	quote market.Quote
	err   error
}

func (q *fakeQuotes) Quote(ctx context.Context, instrumentKey string) (market.Quote, error) {
	return q.quote, q.err
}

func buyReq(instrument string) broker.OrderRequest {
	return broker.OrderRequest{
		InstrumentKey: instrument,
		Symbol:        instrument,
		Side:          broker.SideBuy,
		Type:          broker.TypeLimit,
		Qty:           75,
	}
}

func newTestGovernor(t *testing.T, clock *fakeClock, portfolio *fakePortfolio) *Governor {
	t.Helper()
	g := NewGovernor(Config{
		Params:    DefaultParams(),
		Store:     dedupe.NewMemoryWithClock(clock.Now),
		Portfolio: portfolio,
	})
	g.SetClock(clock.Now)
	return g
}

func TestCircuitBreakerTripsAndResetsOnRollover(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	portfolio := &fakePortfolio{snap: market.PortfolioSnapshot{
		Equity: 100000, DayPnL: -1000, DayPnLPct: -1, PositionsCount: 2,
	}}
	g := newTestGovernor(t, clock, portfolio)
	g.SetDayStartEquity(100000)

	ctx := context.Background()

	g.Reconcile(ctx)
	if g.Tripped() {
		t.Fatalf("breaker tripped at 1k loss against base cap of 2.5%% of 100k")
	}
	if d, err := g.CheckOrder(ctx, buyReq("NIFTY24MAR22000CE")); err != nil || !d.Allowed {
		t.Fatalf("expected allow below cap, got %+v err=%v", d, err)
	}

	// Loss crosses the cap: base 3.0 minus 0.5 for a losing day is 2.5% of
	// 100k equity, so 2600 breaches it.
	portfolio.snap.DayPnL = -2600
	g.Reconcile(ctx)
	if !g.Tripped() {
		t.Fatalf("breaker must trip when day loss exceeds cap")
	}

	d, err := g.CheckOrder(ctx, buyReq("NIFTY24MAR22000CE"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonDailyLossBreach {
		t.Fatalf("expected DAILY_LOSS_BREACH while tripped, got %+v", d)
	}

	// Exits still pass while tripped.
	sell := buyReq("NIFTY24MAR22000CE")
	sell.Side = broker.SideSell
	if d, err := g.CheckOrder(ctx, sell); err != nil || !d.Allowed {
		t.Fatalf("sell must bypass the loss gate, got %+v err=%v", d, err)
	}

	// A new trading day re-arms the breaker without any explicit reset.
	clock.Advance(24 * time.Hour)
	portfolio.snap.DayPnL = 0
	if g.Tripped() {
		t.Fatalf("breaker must re-arm on day rollover")
	}
	if d, err := g.CheckOrder(ctx, buyReq("NIFTY24MAR22000CE")); err != nil || !d.Allowed {
		t.Fatalf("expected allow on fresh day, got %+v err=%v", d, err)
	}
}

func TestThrottleDeniesOverCapAndRollsWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	g := newTestGovernor(t, clock, &fakePortfolio{snap: market.PortfolioSnapshot{Equity: 100000}})
	g.SetDayStartEquity(100000)
	ctx := context.Background()

	for i := 0; i < g.params.MaxOrdersPerMinute; i++ {
		d, err := g.CheckOrder(ctx, buyReq(fmt.Sprintf("INSTR-%d", i)))
		if err != nil || !d.Allowed {
			t.Fatalf("order %d should pass, got %+v err=%v", i, d, err)
		}
		g.NoteOrderPlaced(ctx)
	}

	d, err := g.CheckOrder(ctx, buyReq("INSTR-over"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonThrottled {
		t.Fatalf("order %d in the same window must be THROTTLED, got %+v",
			g.params.MaxOrdersPerMinute+1, d)
	}

	// Next minute bucket: the window has rolled.
	clock.Advance(61 * time.Second)
	if d, err := g.CheckOrder(ctx, buyReq("INSTR-next")); err != nil || !d.Allowed {
		t.Fatalf("expected allow after window roll, got %+v err=%v", d, err)
	}
}

func TestThrottleFallsBackToLocalWindowOnStoreError(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	g := NewGovernor(Config{
		Params:    DefaultParams(),
		Store:     failingStore{},
		Portfolio: &fakePortfolio{snap: market.PortfolioSnapshot{Equity: 100000}},
	})
	g.SetClock(clock.Now)
	g.SetDayStartEquity(100000)
	g.params.UseCooldown = false
	g.params.UseLockout = false
	ctx := context.Background()

	for i := 0; i < g.params.MaxOrdersPerMinute; i++ {
		g.NoteOrderPlaced(ctx)
	}
	d, err := g.CheckOrder(ctx, buyReq("INSTR"))
	if err != nil {
		t.Fatalf("throttle store errors must not fail the check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonThrottled {
		t.Fatalf("local window must still throttle, got %+v", d)
	}
}

type failingStore struct{}

func (failingStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (failingStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.New("store down")
}
func (failingStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("store down")
}
func (failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("store down")
}

func TestStopLossCooldownExpires(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	g := newTestGovernor(t, clock, &fakePortfolio{snap: market.PortfolioSnapshot{Equity: 100000}})
	g.SetDayStartEquity(100000)
	ctx := context.Background()
	const instrument = "NIFTY24MAR22000CE"

	if err := g.RecordStopLoss(ctx, instrument, "order-1"); err != nil {
		t.Fatalf("record stop-loss: %v", err)
	}

	d, err := g.CheckOrder(ctx, buyReq(instrument))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonSLCooldown {
		t.Fatalf("re-entry inside cooldown must be SL_COOLDOWN, got %+v", d)
	}

	// Other instruments are unaffected.
	if d, err := g.CheckOrder(ctx, buyReq("NIFTY24MAR22100CE")); err != nil || !d.Allowed {
		t.Fatalf("cooldown must be per-instrument, got %+v err=%v", d, err)
	}

	clock.Advance(time.Duration(g.params.StopLossCooldownMin)*time.Minute + time.Second)
	if d, err := g.CheckOrder(ctx, buyReq(instrument)); err != nil || !d.Allowed {
		t.Fatalf("expected allow after cooldown expiry, got %+v err=%v", d, err)
	}
}

func TestTwoStopLossesLockInstrumentForTheDay(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	g := newTestGovernor(t, clock, &fakePortfolio{snap: market.PortfolioSnapshot{Equity: 100000}})
	g.SetDayStartEquity(100000)
	ctx := context.Background()
	const instrument = "BANKNIFTY24MAR48000PE"

	if err := g.RecordStopLoss(ctx, instrument, "order-1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Duplicate observation of the same fill must not count twice.
	if err := g.RecordStopLoss(ctx, instrument, "order-1"); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}

	// Past cooldown, one stop-loss still allows re-entry.
	clock.Advance(time.Duration(g.params.StopLossCooldownMin)*time.Minute + time.Second)
	if d, err := g.CheckOrder(ctx, buyReq(instrument)); err != nil || !d.Allowed {
		t.Fatalf("one stop-loss must not lock out, got %+v err=%v", d, err)
	}

	if err := g.RecordStopLoss(ctx, instrument, "order-2"); err != nil {
		t.Fatalf("record: %v", err)
	}
	clock.Advance(time.Duration(g.params.StopLossCooldownMin)*time.Minute + time.Second)

	d, err := g.CheckOrder(ctx, buyReq(instrument))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonReentryDisabled {
		t.Fatalf("second stop-loss must lock the instrument, got %+v", d)
	}

	// Lockout clears on the next trading day.
	clock.Advance(24 * time.Hour)
	if d, err := g.CheckOrder(ctx, buyReq(instrument)); err != nil || !d.Allowed {
		t.Fatalf("lockout must clear on rollover, got %+v err=%v", d, err)
	}
}

func TestBlacklistAndSpreadGates(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	g := NewGovernor(Config{
		Params: DefaultParams(),
		Store:  dedupe.NewMemoryWithClock(clock.Now),
		Quotes: &fakeQuotes{quote: market.Quote{Bid: 100, Ask: 105}}, // ~4.9% spread
		Portfolio: &fakePortfolio{snap: market.PortfolioSnapshot{
			Equity: 100000,
		}},
	})
	g.SetClock(clock.Now)
	g.SetDayStartEquity(100000)
	g.params.BlockedSymbols = []string{"FINNIFTY"}
	ctx := context.Background()

	d, err := g.CheckOrder(ctx, buyReq("FINNIFTY24MAR21000CE"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonSymbolBlocked {
		t.Fatalf("expected SYMBOL_BLOCKED, got %+v", d)
	}

	d, err = g.CheckOrder(ctx, buyReq("NIFTY24MAR22000CE"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Reason != ReasonSlippageHigh {
		t.Fatalf("wide spread must deny with SLIPPAGE_HIGH, got %+v", d)
	}
}

func TestSpreadGatePermissiveWhenQuotesDown(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	g := NewGovernor(Config{
		Params:    DefaultParams(),
		Store:     dedupe.NewMemoryWithClock(clock.Now),
		Quotes:    &fakeQuotes{err: errors.New("feed down")},
		Portfolio: &fakePortfolio{snap: market.PortfolioSnapshot{Equity: 100000}},
	})
	g.SetClock(clock.Now)
	g.SetDayStartEquity(100000)

	if d, err := g.CheckOrder(context.Background(), buyReq("NIFTY24MAR22000CE")); err != nil || !d.Allowed {
		t.Fatalf("dead quote feed must not block orders, got %+v err=%v", d, err)
	}
}

func TestRecomputeDynamicCap(t *testing.T) {
	g := NewGovernor(Config{Params: DefaultParams(), Store: dedupe.NewMemory()})

	cases := []struct {
		name string
		snap market.PortfolioSnapshot
		want float64
	}{
		{"baseline", market.PortfolioSnapshot{PositionsCount: 5, DayPnLPct: 1, TotalPnLPct: 5}, 3.0},
		{"many positions losing day strong total",
			market.PortfolioSnapshot{PositionsCount: 12, DayPnLPct: -1, TotalPnLPct: 15}, 3.5},
		{"losing day only", market.PortfolioSnapshot{PositionsCount: 3, DayPnLPct: -2, TotalPnLPct: 2}, 2.5},
		{"all bonuses", market.PortfolioSnapshot{PositionsCount: 15, DayPnLPct: 2, TotalPnLPct: 20}, 4.0},
	}
	for _, tc := range cases {
		if got := g.RecomputeDynamicCap(tc.snap); got != tc.want {
			t.Errorf("%s: cap = %.2f, want %.2f", tc.name, got, tc.want)
		}
	}

	// Clamping.
	g.params.BaseCapPct = 1.2
	if got := g.RecomputeDynamicCap(market.PortfolioSnapshot{DayPnLPct: -5}); got != g.params.MinCapPct {
		t.Errorf("cap must clamp to min, got %.2f", got)
	}
	g.params.BaseCapPct = 4.8
	if got := g.RecomputeDynamicCap(market.PortfolioSnapshot{PositionsCount: 20, TotalPnLPct: 30}); got != g.params.MaxCapPct {
		t.Errorf("cap must clamp to max, got %.2f", got)
	}
}

func TestGlobalPreCheckBlocksOnOpenLotsCap(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	portfolio := &fakePortfolio{snap: market.PortfolioSnapshot{
		Equity: 100000, PositionsCount: 25,
	}}
	g := newTestGovernor(t, clock, portfolio)
	g.SetDayStartEquity(100000)

	d := g.GlobalPreCheck(context.Background())
	if d.Allowed || d.Reason != ReasonLotsCap {
		t.Fatalf("expected LOTS_CAP at 25 positions, got %+v", d)
	}

	portfolio.snap.PositionsCount = 5
	if d := g.GlobalPreCheck(context.Background()); !d.Allowed {
		t.Fatalf("expected allow at 5 positions, got %+v", d)
	}
}

func TestRolloverReseedsEquityFromNextSnapshot(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, IST))
	portfolio := &fakePortfolio{snap: market.PortfolioSnapshot{Equity: 100000}}
	g := newTestGovernor(t, clock, portfolio)
	g.SetDayStartEquity(100000)

	reads := portfolio.calls
	clock.Advance(24 * time.Hour)

	// Rollover itself must not touch the portfolio feed; the state lock is
	// held across it and a blocking read there would stall concurrent checks.
	sum := g.Summary()
	if portfolio.calls != reads {
		t.Fatalf("rollover read the portfolio %d times, want 0", portfolio.calls-reads)
	}
	if sum.DayStartEquity != 0 {
		t.Fatalf("baseline = %.2f right after rollover, want 0 until the next snapshot", sum.DayStartEquity)
	}

	// The next reconciliation reseeds the baseline outside the lock.
	portfolio.snap.Equity = 120000
	g.Reconcile(context.Background())
	if got := g.Summary().DayStartEquity; got != 120000 {
		t.Fatalf("baseline = %.2f after reconcile, want 120000", got)
	}
}
