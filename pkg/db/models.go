package db

import "time"

// Advice is the persisted row for a trade recommendation. Typed enums live in
// the advice package; rows carry validated strings.
type Advice struct {
	ID            string
	InstrumentKey string
	Symbol        string
	Side          string
	OrderType     string
	Qty           int64
	LimitPrice    *float64
	TriggerPrice  *float64
	Product       string
	Validity      string
	Status        string
	Reason        string
	BrokerOrderID string
	CreatedAt     *time.Time
	UpdatedAt     *time.Time
}

// RiskDay is the audited day-scoped risk snapshot.
type RiskDay struct {
	Date           string
	DayStartEquity float64
	DayLoss        float64
	CapPct         float64
	Tripped        bool
	OrdersPlaced   int64
	UpdatedAt      time.Time
}

// EngineRun records one engine start/stop cycle.
type EngineRun struct {
	ID         string
	InstanceID string
	StartedAt  time.Time
	StoppedAt  *time.Time
	Ticks      int64
	LastError  string
}
