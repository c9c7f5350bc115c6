package portfolio

import (
	"context"
	"math/rand"
	"testing"

	"tradecore/internal/money"
	"tradecore/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	err := r.Load(context.Background(), staticRows{rows: []registry.Instrument{
		{Symbol: "ES", Multiplier: 50, InitialMargin: money.MustFromFloat(12000), MaintenanceMargin: money.MustFromFloat(11000)},
		{Symbol: "NQ", Multiplier: 20, InitialMargin: money.MustFromFloat(17000), MaintenanceMargin: money.MustFromFloat(15000)},
	}})
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	return r
}

type staticRows struct{ rows []registry.Instrument }

func (s staticRows) LoadInstruments(context.Context) ([]registry.Instrument, error) { return s.rows, nil }

func noRiskNoOptimizeConfig() Config {
	cfg := DefaultConfig()
	cfg.ReservedCapitalPct = 0
	cfg.Optimizer.Enabled = false
	cfg.Risk.Enabled = false
	return cfg
}

func TestCombinedStrategyID_InvariantUnderPermutation(t *testing.T) {
	a := CombinedStrategyID([]string{"fast", "slow", "base"})
	b := CombinedStrategyID([]string{"slow", "base", "fast"})
	if a != b {
		t.Errorf("CombinedStrategyID not permutation-invariant: %q vs %q", a, b)
	}
	if a != "LIVE_base_fast_slow" {
		t.Errorf("CombinedStrategyID = %q, want LIVE_base_fast_slow", a)
	}
}

func TestRun_PhaseA_AggregatesWeighted(t *testing.T) {
	m := New(noRiskNoOptimizeConfig(), testRegistry(t))
	strategies := []StrategyInput{
		{ID: "s1", Allocation: 0.6, Positions: map[string]int{"ES": 10}},
		{ID: "s2", Allocation: 0.4, Positions: map[string]int{"ES": -5}},
	}
	result, err := m.Run(strategies, nil, 1_000_000, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 0.6*10 + 0.4*-5 = 4.0
	if result.PortfolioPositions["ES"] != 4 {
		t.Errorf("PortfolioPositions[ES] = %d, want 4", result.PortfolioPositions["ES"])
	}
}

func TestRun_ReservedCapitalReducesAggregate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Optimizer.Enabled = false
	cfg.Risk.Enabled = false
	cfg.ReservedCapitalPct = 0.5
	m := New(cfg, testRegistry(t))
	strategies := []StrategyInput{
		{ID: "s1", Allocation: 1.0, Positions: map[string]int{"ES": 10}},
	}
	result, err := m.Run(strategies, nil, 1_000_000, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.PortfolioPositions["ES"] != 5 {
		t.Errorf("PortfolioPositions[ES] with 50%% reserve = %d, want 5", result.PortfolioPositions["ES"])
	}
}

func TestOptimize_StaysWithinBandOfPrior(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Risk.Enabled = false
	cfg.ReservedCapitalPct = 0
	cfg.Optimizer.CostPenaltyScalar = 100 // huge penalty: should barely move off prior
	m := New(cfg, testRegistry(t))
	strategies := []StrategyInput{{ID: "s1", Allocation: 1.0, Positions: map[string]int{"ES": 50}}}
	prior := map[string]int{"ES": 0}
	result, err := m.Run(strategies, prior, 1_000_000, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.PortfolioPositions["ES"] != 0 {
		t.Errorf("with huge turnover penalty, position should stay near prior 0, got %d", result.PortfolioPositions["ES"])
	}
}

func TestRiskManage_MissingMetadataIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Optimizer.Enabled = false
	cfg.ReservedCapitalPct = 0
	m := New(cfg, testRegistry(t))
	strategies := []StrategyInput{{ID: "s1", Allocation: 1.0, Positions: map[string]int{"ZZUNKNOWN": 10}}}
	prices := map[string]float64{"ZZUNKNOWN": 100}
	_, err := m.Run(strategies, nil, 1_000_000, prices)
	if err == nil {
		t.Fatal("expected MetadataError for unknown instrument during leverage computation")
	}
}

func TestRiskManage_BreachScalesDownPositions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Optimizer.Enabled = false
	cfg.ReservedCapitalPct = 0
	cfg.Risk.MaxGrossLeverage = 0.01 // force a breach
	m := New(cfg, testRegistry(t))
	strategies := []StrategyInput{{ID: "s1", Allocation: 1.0, Positions: map[string]int{"ES": 100}}}
	prices := map[string]float64{"ES": 4000}
	result, err := m.Run(strategies, nil, 1_000_000, prices)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.RecommendedScale >= 1.0 {
		t.Errorf("expected RecommendedScale < 1.0 on gross leverage breach, got %v", result.RecommendedScale)
	}
	if result.PortfolioPositions["ES"] >= 100 {
		t.Errorf("expected scaled-down position < 100, got %d", result.PortfolioPositions["ES"])
	}
}

func TestRiskManage_SkipsCovarianceWithFewerThanTwoQualified(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Optimizer.Enabled = false
	cfg.ReservedCapitalPct = 0
	m := New(cfg, testRegistry(t))
	strategies := []StrategyInput{{ID: "s1", Allocation: 1.0, Positions: map[string]int{"ES": 5}}}
	prices := map[string]float64{"ES": 4000}
	result, err := m.Run(strategies, nil, 1_000_000, prices)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, b := range result.Breaches {
		if b == "var_limit" || b == "max_correlation" {
			t.Errorf("unexpected covariance-derived breach %q with <2 qualifying strategies", b)
		}
	}
}

func TestAllocateBackToStrategies_ProportionalToRawContribution(t *testing.T) {
	m := New(noRiskNoOptimizeConfig(), testRegistry(t))
	strategies := []StrategyInput{
		{ID: "s1", Allocation: 0.75, Positions: map[string]int{"ES": 8}},
		{ID: "s2", Allocation: 0.25, Positions: map[string]int{"ES": 8}},
	}
	result, err := m.Run(strategies, nil, 1_000_000, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	total := 0
	for _, breakdown := range result.StrategyPositions {
		total += breakdown["ES"]
	}
	if total != result.PortfolioPositions["ES"] {
		t.Errorf("strategy breakdown sums to %d, want %d", total, result.PortfolioPositions["ES"])
	}
}

func TestCovarianceAndWeights_DeterministicGivenFixedSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	lookback := 30
	s1 := make([]float64, lookback)
	s2 := make([]float64, lookback)
	for i := range s1 {
		s1[i] = rng.NormFloat64() * 0.01
		s2[i] = rng.NormFloat64() * 0.01
	}
	strategies := []StrategyInput{
		{ID: "a", Allocation: 0.5, Returns: s1},
		{ID: "b", Allocation: 0.5, Returns: s2},
	}
	cov, weights := covarianceAndWeights(strategies, lookback)
	if n, _ := cov.Dims(); n != 2 {
		t.Fatalf("expected 2x2 covariance matrix, got %dx%d", n, n)
	}
	if weights[0] != 0.5 || weights[1] != 0.5 {
		t.Errorf("weights = %v, want [0.5 0.5]", weights)
	}
}
