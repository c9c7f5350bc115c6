package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_Values(t *testing.T) {
	c := Default()
	if c.PortfolioID != "BASE_PORTFOLIO" {
		t.Errorf("PortfolioID = %q, want BASE_PORTFOLIO", c.PortfolioID)
	}
	if len(c.Portfolio.Strategies) != 0 {
		t.Errorf("expected no strategies by default, got %d", len(c.Portfolio.Strategies))
	}
}

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_ParsesStrategies(t *testing.T) {
	path := writeTempConfig(t, `{
		"portfolio_id": "DEMO",
		"portfolio": {
			"strategies": {
				"TF1": {
					"type": "TrendFollowingStrategy",
					"enabled_live": true,
					"default_allocation": 0.6,
					"config": {
						"weight": 1.0, "risk_target": 0.2, "idm": 1.5,
						"ema_windows": [[16, 64], [32, 128]],
						"vol_lookback_short": 22, "vol_lookback_long": 66
					}
				},
				"TF2": {
					"type": "TrendFollowingFastStrategy",
					"enabled_live": false,
					"default_allocation": 0.4
				}
			}
		},
		"database": {"name": "tradecore.db"},
		"email": {"to_emails": ["a@example.com"]}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PortfolioID != "DEMO" {
		t.Errorf("PortfolioID = %q, want DEMO", cfg.PortfolioID)
	}
	if len(cfg.Portfolio.Strategies) != 2 {
		t.Fatalf("expected 2 strategies, got %d", len(cfg.Portfolio.Strategies))
	}
	tf1 := cfg.Portfolio.Strategies["TF1"]
	if len(tf1.Config.EMAWindows) != 2 || tf1.Config.EMAWindows[0] != [2]int{16, 64} {
		t.Errorf("unexpected EMA windows: %+v", tf1.Config.EMAWindows)
	}
}

func TestEnabledAllocations_NormalizesAndFilters(t *testing.T) {
	cfg := Default()
	cfg.Portfolio.Strategies = map[string]StrategyEntry{
		"A": {Type: TrendFollowing, EnabledLive: true, DefaultAllocation: 0.3},
		"B": {Type: TrendFollowingFast, EnabledLive: true, DefaultAllocation: 0.1},
		"C": {Type: TrendFollowingSlow, EnabledLive: false, DefaultAllocation: 0.6},
	}
	allocs, err := cfg.EnabledAllocations()
	if err != nil {
		t.Fatalf("EnabledAllocations: %v", err)
	}
	if _, ok := allocs["C"]; ok {
		t.Error("disabled strategy C should be excluded")
	}
	sum := allocs["A"] + allocs["B"]
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("allocations sum to %v, want 1.0", sum)
	}
	if allocs["A"] <= allocs["B"] {
		t.Errorf("A (0.3) should outweigh B (0.1), got A=%v B=%v", allocs["A"], allocs["B"])
	}
}

func TestEnabledAllocations_NoneEnabledIsConfigError(t *testing.T) {
	cfg := Default()
	_, err := cfg.EnabledAllocations()
	if err == nil {
		t.Fatal("expected error when no strategy is enabled")
	}
}

func TestEnabledAllocations_ZeroWeightsSplitEvenly(t *testing.T) {
	cfg := Default()
	cfg.Portfolio.Strategies = map[string]StrategyEntry{
		"A": {Type: TrendFollowing, EnabledLive: true},
		"B": {Type: TrendFollowing, EnabledLive: true},
	}
	allocs, err := cfg.EnabledAllocations()
	if err != nil {
		t.Fatalf("EnabledAllocations: %v", err)
	}
	if allocs["A"] != 0.5 || allocs["B"] != 0.5 {
		t.Errorf("expected even split, got %+v", allocs)
	}
}
