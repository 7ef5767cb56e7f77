// Package market defines the read-only market and portfolio contracts the
// risk and rotation layers depend on. Implementations wrap the broker's data
// feeds; the core only sees these interfaces.
package market

import "context"

// Quote is a best bid/ask snapshot for one instrument.
type Quote struct {
	InstrumentKey string
	Bid           float64
	Ask           float64
	Last          float64
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price.
func (q Quote) SpreadPct() float64 {
	mid := (q.Bid + q.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 100
}

// QuoteReader serves live quotes. Read failures are expected; risk gates that
// depend on it degrade to permissive rather than blocking orders.
type QuoteReader interface {
	Quote(ctx context.Context, instrumentKey string) (Quote, error)
}

// PortfolioSnapshot carries the live portfolio signals the dynamic drawdown
// cap is derived from.
type PortfolioSnapshot struct {
	Equity         float64 // day-start equity baseline
	DayPnL         float64 // signed; losses negative
	DayPnLPct      float64
	TotalPnLPct    float64
	PositionsCount int
}

// PortfolioReader serves the portfolio/broker snapshot.
type PortfolioReader interface {
	Snapshot(ctx context.Context) (PortfolioSnapshot, error)
}

// SignalReader serves the derived signals the re-strike rotation evaluates.
type SignalReader interface {
	// ATMStrike returns the current at-the-money strike for an underlying.
	ATMStrike(ctx context.Context, underlying string) (float64, error)
	// Direction returns a signed directional score for an underlying.
	Direction(ctx context.Context, underlying string) (float64, error)
	// ATRPct returns the ATR as a percentage of spot for an underlying.
	ATRPct(ctx context.Context, underlying string) (float64, error)
}
