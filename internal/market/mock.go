package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
)

// Mock is a deterministic-enough random-walk source implementing all three
// reader contracts for local development and dry runs.
type Mock struct {
	StartPrice float64
	StrikeStep float64

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

// NewMock creates a mock source seeded for repeatability.
func NewMock(seed int64) *Mock {
	return &Mock{
		StartPrice: 22000,
		StrikeStep: 50,
		rng:        rand.New(rand.NewSource(seed)),
		prices:     make(map[string]float64),
	}
}

func (m *Mock) step(key string) float64 {
	p, ok := m.prices[key]
	if !ok {
		p = m.StartPrice
	}
	p += (m.rng.Float64()*2 - 1) * m.StartPrice * 0.0005
	m.prices[key] = p
	return p
}

func (m *Mock) Quote(ctx context.Context, instrumentKey string) (Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.step(instrumentKey)
	half := p * 0.0004 // ~8 bps spread
	return Quote{
		InstrumentKey: instrumentKey,
		Bid:           p - half,
		Ask:           p + half,
		Last:          p,
	}, nil
}

func (m *Mock) Snapshot(ctx context.Context) (PortfolioSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pnl := (m.rng.Float64()*2 - 1) * 500
	return PortfolioSnapshot{
		Equity:         500000,
		DayPnL:         pnl,
		DayPnLPct:      pnl / 5000,
		TotalPnLPct:    m.rng.Float64() * 12,
		PositionsCount: m.rng.Intn(6),
	}, nil
}

func (m *Mock) ATMStrike(ctx context.Context, underlying string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.step(underlying)
	return math.Round(p/m.StrikeStep) * m.StrikeStep, nil
}

func (m *Mock) Direction(ctx context.Context, underlying string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.rng.Float64()*2 - 1), nil
}

func (m *Mock) ATRPct(ctx context.Context, underlying string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return 0.2 + m.rng.Float64()*0.8, nil
}
