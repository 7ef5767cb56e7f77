package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParamsEmptyPathUsesDefaults(t *testing.T) {
	p, err := LoadParams("")
	if err != nil {
		t.Fatalf("LoadParams returned error: %v", err)
	}
	if p.Risk.MaxOrdersPerMinute != 10 || p.Risk.BaseCapPct != 3.0 {
		t.Fatalf("unexpected defaults: %+v", p.Risk)
	}
	if !p.Risk.UseThrottle || !p.Risk.UseLossGuard {
		t.Fatalf("gate toggles should default on: %+v", p.Risk)
	}
	if p.Rotation.RollUnderlying != "NIFTY" || p.Rotation.RollQty != 75 {
		t.Fatalf("unexpected roll defaults: %+v", p.Rotation)
	}
}

func TestLoadParamsLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	yaml := `
risk:
  max_orders_per_minute: 4
  base_cap_pct: 2.0
  blocked_symbols: ["BANKNIFTY"]
rotation:
  max_per_hour: 2
  roll_underlying: BANKNIFTY
  roll_qty: 15
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write params file: %v", err)
	}

	p, err := LoadParams(path)
	if err != nil {
		t.Fatalf("LoadParams returned error: %v", err)
	}
	if p.Risk.MaxOrdersPerMinute != 4 || p.Risk.BaseCapPct != 2.0 {
		t.Errorf("file values not applied: %+v", p.Risk)
	}
	if len(p.Risk.BlockedSymbols) != 1 || p.Risk.BlockedSymbols[0] != "BANKNIFTY" {
		t.Errorf("blocked symbols not applied: %v", p.Risk.BlockedSymbols)
	}
	if p.Rotation.MaxPerHour != 2 {
		t.Errorf("rotation cap not applied: %+v", p.Rotation)
	}
	if p.Rotation.RollUnderlying != "BANKNIFTY" || p.Rotation.RollQty != 15 {
		t.Errorf("roll overrides not applied: %+v", p.Rotation)
	}
	// Untouched sections keep their defaults.
	if p.Risk.MaxStopLossPerDay != 2 {
		t.Errorf("expected default lockout cap 2, got %d", p.Risk.MaxStopLossPerDay)
	}
	if p.Windows.SessionOpen != "09:15" {
		t.Errorf("entry windows should keep defaults, got %+v", p.Windows)
	}
}

func TestLoadParamsRejectsBadCapBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	yaml := `
risk:
  min_cap_pct: 5.0
  max_cap_pct: 1.0
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write params file: %v", err)
	}

	if _, err := LoadParams(path); err == nil {
		t.Fatalf("inverted cap bounds should be rejected")
	}
}

func TestLoadParamsRejectsZeroRollQty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	yaml := `
rotation:
  roll_qty: 0
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write params file: %v", err)
	}

	if _, err := LoadParams(path); err == nil {
		t.Fatalf("zero roll quantity should be rejected")
	}
}

func TestLoadParamsMissingFileFails(t *testing.T) {
	if _, err := LoadParams(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file should be an error")
	}
}
