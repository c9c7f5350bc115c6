package orchestrator

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradecore/internal/bars"
	"tradecore/internal/money"
	"tradecore/internal/portfolio"
	"tradecore/internal/registry"
)

type staticRegistry struct{ rows []registry.Instrument }

func (s staticRegistry) LoadInstruments(context.Context) ([]registry.Instrument, error) {
	return s.rows, nil
}

// trendingBars synthesizes a steadily rising daily close series for one
// symbol, enough to saturate short EMA/vol-lookback windows so the
// strategy engine produces a non-zero forecast on the first live run.
type trendingBars struct{}

func (trendingBars) LoadBars(_ context.Context, symbols []string, start, end time.Time) ([]bars.Bar, error) {
	var out []bars.Bar
	for _, sym := range symbols {
		price := 100.0
		d := start
		for !d.After(end) {
			if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
				price += 0.5
				out = append(out, bars.Bar{
					Symbol:    sym,
					Timestamp: d,
					Open:      money.MustFromFloat(price),
					High:      money.MustFromFloat(price + 1),
					Low:       money.MustFromFloat(price - 1),
					Close:     money.MustFromFloat(price),
					Volume:    1000,
				})
			}
			d = d.AddDate(0, 0, 1)
		}
	}
	return out, nil
}

func testConfigPath(t *testing.T, portfolioID string, strategyIDs ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	body := `{"portfolio_id": "` + portfolioID + `", "portfolio": {"strategies": {`
	for i, id := range strategyIDs {
		if i > 0 {
			body += ","
		}
		body += `"` + id + `": {
			"type": "TrendFollowingStrategy",
			"enabled_live": true,
			"default_allocation": 1.0,
			"config": {
				"weight": 1.0, "risk_target": 0.2, "idm": 1.0,
				"ema_windows": [[2, 4]],
				"vol_lookback_short": 4, "vol_lookback_long": 8
			}
		}`
	}
	body += `}}}`

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestOrchestrator(t *testing.T, strategyIDs ...string) *Orchestrator {
	t.Helper()
	cfgPath := testConfigPath(t, "TEST_PORT", strategyIDs...)
	deps := Dependencies{
		RegistrySource: staticRegistry{rows: []registry.Instrument{
			{Symbol: "ES", Multiplier: 50, InitialMargin: money.MustFromFloat(12000), MaintenanceMargin: money.MustFromFloat(11000)},
		}},
		BarSource:     trendingBars{},
		ResultsDBPath: filepath.Join(t.TempDir(), "results.db"),
		CSVDir:        t.TempDir(),
	}
	o, err := New(cfgPath, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestRun_FirstDayHasNoFinalization(t *testing.T) {
	o := newTestOrchestrator(t, "TF1")
	runDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	if err := o.Run(context.Background(), runDate); err != nil {
		t.Fatalf("Run: %v", err)
	}

	combined := portfolio.CombinedStrategyID([]string{"TF1"})
	value, had, err := o.store.LoadPortfolioValue(combined, "TEST_PORT", runDate)
	if err != nil {
		t.Fatalf("LoadPortfolioValue: %v", err)
	}
	if !had {
		t.Fatal("expected a live_results row to exist for the run date")
	}
	if value.Sign() <= 0 {
		t.Errorf("CurrentPortfolioValue = %s, want positive", value)
	}
}

func TestRun_SecondDayFinalizesPriorDay(t *testing.T) {
	o := newTestOrchestrator(t, "TF1")
	day1 := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	if err := o.Run(context.Background(), day1); err != nil {
		t.Fatalf("Run day1: %v", err)
	}
	if err := o.Run(context.Background(), day2); err != nil {
		t.Fatalf("Run day2: %v", err)
	}

	combined := portfolio.CombinedStrategyID([]string{"TF1"})
	value, had, err := o.store.LoadPortfolioValue(combined, "TEST_PORT", day1)
	if err != nil {
		t.Fatalf("LoadPortfolioValue day1: %v", err)
	}
	if !had {
		t.Fatal("expected day1's live_results row to still exist after day2 runs")
	}
	if value.Cmp(money.MustFromFloat(InitialCapital)) == 0 {
		t.Error("expected day1's portfolio value to be rewritten by settlement-lag finalization, not left at the opening balance")
	}
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, "TF1")
	runDate := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	if err := o.Run(context.Background(), runDate); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := o.Run(context.Background(), runDate); err != nil {
		t.Fatalf("Run rerun: %v", err)
	}

	count, err := o.store.CountLiveResultRows("TEST_PORT", runDate)
	if err != nil {
		t.Fatalf("CountLiveResultRows: %v", err)
	}
	// One row per book: the combined portfolio plus each enabled strategy.
	if count != 2 {
		t.Errorf("expected 2 live_results rows after rerun (no duplicates), got %d", count)
	}
}

func TestCombinedStrategyID_IsDeterministicAcrossInputOrder(t *testing.T) {
	if got, want := portfolio.CombinedStrategyID([]string{"TF2", "TF1"}), portfolio.CombinedStrategyID([]string{"TF1", "TF2"}); got != want {
		t.Errorf("combined id depends on input order: %q != %q", got, want)
	}
}

func TestTrendingBars_SanityNotZero(t *testing.T) {
	b, err := trendingBars{}.LoadBars(context.Background(), []string{"ES"}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("expected synthesized bars")
	}
	if math.Abs(b[len(b)-1].Close.Float64()-b[0].Close.Float64()) < 1 {
		t.Error("expected a trending close series")
	}
}
