package risk

import "time"

// Reason identifies why a gate denied an order or a tick.
type Reason string

const (
	ReasonSymbolBlocked   Reason = "SYMBOL_BLOCKED"
	ReasonThrottled       Reason = "THROTTLED"
	ReasonSLCooldown      Reason = "SL_COOLDOWN"
	ReasonReentryDisabled Reason = "REENTRY_DISABLED"
	ReasonSlippageHigh    Reason = "SLIPPAGE_HIGH"
	ReasonDailyLossBreach Reason = "DAILY_LOSS_BREACH"
	ReasonLotsCap         Reason = "LOTS_CAP"
)

// Decision is the result of a gate evaluation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r Reason, detail string) Decision {
	return Decision{Allowed: false, Reason: r, Detail: detail}
}

// Params defines risk governance parameters. Loaded from YAML; every gate is
// independently toggleable so live and backtest can run the same flag set.
type Params struct {
	// Blacklist
	BlockedSymbols []string `yaml:"blocked_symbols"`

	// Order-rate throttle
	MaxOrdersPerMinute int `yaml:"max_orders_per_minute"`

	// Stop-loss cooldown and re-entry lockout
	StopLossCooldownMin int `yaml:"stoploss_cooldown_min"`
	MaxStopLossPerDay   int `yaml:"max_stoploss_per_day"`

	// Market hygiene
	MaxSpreadPct float64 `yaml:"max_spread_pct"`

	// Dynamic drawdown cap, percent of day-start equity
	BaseCapPct float64 `yaml:"base_cap_pct"`
	MinCapPct  float64 `yaml:"min_cap_pct"`
	MaxCapPct  float64 `yaml:"max_cap_pct"`

	// Global pre-check
	MaxOpenLots int `yaml:"max_open_lots"`

	// Feature toggles
	UseThrottle  bool `yaml:"use_throttle"`
	UseCooldown  bool `yaml:"use_cooldown"`
	UseLockout   bool `yaml:"use_lockout"`
	UseLossGuard bool `yaml:"use_loss_guard"`
}

// DefaultParams returns the default risk configuration.
func DefaultParams() Params {
	return Params{
		BlockedSymbols:      nil,
		MaxOrdersPerMinute:  10,
		StopLossCooldownMin: 15,
		MaxStopLossPerDay:   2,
		MaxSpreadPct:        1.5,
		BaseCapPct:          3.0,
		MinCapPct:           1.0,
		MaxCapPct:           5.0,
		MaxOpenLots:         20,
		UseThrottle:         true,
		UseCooldown:         true,
		UseLockout:          true,
		UseLossGuard:        true,
	}
}

// Summary is the externally observable day risk state.
type Summary struct {
	Day            string    `json:"day"`
	DayStartEquity float64   `json:"day_start_equity"`
	DayLoss        float64   `json:"day_loss"`
	CapPct         float64   `json:"cap_pct"`
	CapAmount      float64   `json:"cap_amount"`
	LossPct        float64   `json:"loss_pct"` // day loss as % of cap amount
	Tripped        bool      `json:"tripped"`
	OrdersPlaced   int64     `json:"orders_placed"`
	OrdersInWindow int64     `json:"orders_in_window"`
	AsOf           time.Time `json:"as_of"`
}
