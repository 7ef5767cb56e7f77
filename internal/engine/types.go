// Package engine runs the tick loop that drives advice execution and the
// re-strike rotation. One engine instance owns its ticker; ticks never
// overlap and a slow tick coalesces rather than queueing.
package engine

import "time"

// State is the externally observable engine state. Mutated only by the loop,
// read by the operational API and the event stream.
type State struct {
	Running      bool       `json:"running"`
	InstanceID   string     `json:"instance_id"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastTickAt   *time.Time `json:"last_tick_at,omitempty"`
	Ticks        int64      `json:"ticks"`
	LastExecuted int        `json:"last_executed"`
	LastSkip     string     `json:"last_skip,omitempty"` // reason the last tick was aborted
	LastError    string     `json:"last_error,omitempty"`
	AsOf         time.Time  `json:"as_of"`
}

// Config holds the loop cadence and per-tick budgets.
type Config struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ScanLimit         int           `yaml:"scan_limit"`
	MaxExecPerTick    int           `yaml:"max_exec_per_tick"`
}

// DefaultConfig returns the standard loop cadence.
func DefaultConfig() Config {
	return Config{
		TickInterval:      2 * time.Second,
		ReconcileInterval: 15 * time.Second,
		ScanLimit:         20,
		MaxExecPerTick:    3,
	}
}
