package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"options-core/internal/advice"
	"options-core/internal/engine"
	"options-core/internal/risk"
)

// Params bundles the tunable trading parameters loaded from one YAML file.
// Missing sections keep their built-in defaults.
type Params struct {
	Risk     risk.Params           `yaml:"risk"`
	Rotation engine.RotationParams `yaml:"rotation"`
	Windows  advice.EntryWindows   `yaml:"entry_windows"`
}

// DefaultParams returns the built-in parameter set.
func DefaultParams() Params {
	return Params{
		Risk:     risk.DefaultParams(),
		Rotation: engine.DefaultRotationParams(),
		Windows:  advice.DefaultEntryWindows(),
	}
}

// LoadParams reads the YAML parameter file at path, layered over the
// defaults. An empty path returns the defaults unchanged.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read params file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Params{}, fmt.Errorf("parse params file %s: %w", path, err)
	}
	if err := validateParams(p); err != nil {
		return Params{}, fmt.Errorf("params file %s: %w", path, err)
	}
	return p, nil
}

func validateParams(p Params) error {
	if p.Risk.MinCapPct <= 0 || p.Risk.MaxCapPct < p.Risk.MinCapPct {
		return fmt.Errorf("cap bounds must satisfy 0 < min <= max, got [%.2f, %.2f]",
			p.Risk.MinCapPct, p.Risk.MaxCapPct)
	}
	if p.Risk.BaseCapPct < p.Risk.MinCapPct || p.Risk.BaseCapPct > p.Risk.MaxCapPct {
		return fmt.Errorf("base cap %.2f outside [%.2f, %.2f]",
			p.Risk.BaseCapPct, p.Risk.MinCapPct, p.Risk.MaxCapPct)
	}
	if p.Risk.MaxOrdersPerMinute < 0 || p.Risk.MaxStopLossPerDay < 0 {
		return fmt.Errorf("rate and lockout caps must not be negative")
	}
	if p.Rotation.Interval < 0 || p.Rotation.MaxPerHour < 0 {
		return fmt.Errorf("rotation interval and hourly cap must not be negative")
	}
	if p.Rotation.RollUnderlying == "" || p.Rotation.RollQty <= 0 {
		return fmt.Errorf("roll underlying and quantity are required, got %q/%d",
			p.Rotation.RollUnderlying, p.Rotation.RollQty)
	}
	return nil
}
