package pnl

import (
	"context"
	"testing"
	"time"

	"tradecore/internal/apperr"
	"tradecore/internal/money"
	"tradecore/internal/registry"
)

type staticRows struct{ rows []registry.Instrument }

func (s staticRows) LoadInstruments(context.Context) ([]registry.Instrument, error) { return s.rows, nil }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	err := r.Load(context.Background(), staticRows{rows: []registry.Instrument{
		{Symbol: "ES", Multiplier: 50, InitialMargin: money.MustFromFloat(12000), MaintenanceMargin: money.MustFromFloat(11000)},
	}})
	if err != nil {
		t.Fatalf("registry.Load: %v", err)
	}
	return r
}

func TestFinalizePreviousDay_BookedPnLMatchesSettlementLagFormula(t *testing.T) {
	m := New(testRegistry(t))
	prev := map[string]int{"ES": 3}
	t1 := map[string]money.Decimal{"ES": money.MustFromFloat(4000)}
	t2 := map[string]money.Decimal{"ES": money.MustFromFloat(3990)}
	result, err := m.FinalizePreviousDay(prev, t1, t2, money.MustFromFloat(500000), money.Zero, time.Now())
	if err != nil {
		t.Fatalf("FinalizePreviousDay: %v", err)
	}
	if result.Skipped {
		t.Fatal("expected finalization to run, got Skipped=true")
	}
	// 3 * (4000-3990) * 50 = 1500
	want := money.MustFromFloat(1500)
	if result.FinalizedDailyPnL.Cmp(want) != 0 {
		t.Errorf("FinalizedDailyPnL = %s, want %s", result.FinalizedDailyPnL, want)
	}
	pos := result.FinalizedPositions["ES"]
	if pos.RealizedPnL.Cmp(want) != 0 {
		t.Errorf("Position.RealizedPnL = %s, want %s", pos.RealizedPnL, want)
	}
	if !pos.UnrealizedPnL.IsZero() {
		t.Error("UnrealizedPnL must be zero for a futures position")
	}
}

func TestFinalizePreviousDay_NoPriorPositionsSkips(t *testing.T) {
	m := New(testRegistry(t))
	result, err := m.FinalizePreviousDay(nil, nil, nil, money.MustFromFloat(500000), money.Zero, time.Now())
	if err != nil {
		t.Fatalf("FinalizePreviousDay: %v", err)
	}
	if !result.Skipped {
		t.Error("expected Skipped=true with no prior positions")
	}
}

func TestFinalizePreviousDay_EmptyT2MapSkipsEntirely(t *testing.T) {
	m := New(testRegistry(t))
	prev := map[string]int{"ES": 3}
	t1 := map[string]money.Decimal{"ES": money.MustFromFloat(4000)}
	result, err := m.FinalizePreviousDay(prev, t1, map[string]money.Decimal{}, money.MustFromFloat(500000), money.Zero, time.Now())
	if err != nil {
		t.Fatalf("FinalizePreviousDay: %v", err)
	}
	if !result.Skipped {
		t.Error("expected Skipped=true with empty T-2 map (weekend boundary)")
	}
}

func TestFinalizePreviousDay_MissingT1IsError(t *testing.T) {
	m := New(testRegistry(t))
	prev := map[string]int{"ES": 3}
	t2 := map[string]money.Decimal{"ES": money.MustFromFloat(3990)}
	_, err := m.FinalizePreviousDay(prev, map[string]money.Decimal{}, t2, money.MustFromFloat(500000), money.Zero, time.Now())
	if apperr.KindOf(err) != apperr.DataNotFound {
		t.Errorf("expected DataNotFound for missing T-1 close, got %v", err)
	}
}

func TestFinalizePreviousDay_CommissionsSubtractedFromDailyPnL(t *testing.T) {
	m := New(testRegistry(t))
	prev := map[string]int{"ES": 3}
	t1 := map[string]money.Decimal{"ES": money.MustFromFloat(4000)}
	t2 := map[string]money.Decimal{"ES": money.MustFromFloat(3990)}
	result, err := m.FinalizePreviousDay(prev, t1, t2, money.MustFromFloat(500000), money.MustFromFloat(7.5), time.Now())
	if err != nil {
		t.Fatalf("FinalizePreviousDay: %v", err)
	}
	want := money.MustFromFloat(1492.5)
	if result.FinalizedDailyPnL.Cmp(want) != 0 {
		t.Errorf("FinalizedDailyPnL = %s, want %s", result.FinalizedDailyPnL, want)
	}
}

func TestInitializePositions_PlaceholderZeroPnL(t *testing.T) {
	m := New(testRegistry(t))
	positions := map[string]int{"ES": 5, "NQ": 0}
	t1 := map[string]money.Decimal{"ES": money.MustFromFloat(4000)}
	out, err := m.InitializePositions(time.Now(), positions, t1)
	if err != nil {
		t.Fatalf("InitializePositions: %v", err)
	}
	if _, ok := out["NQ"]; ok {
		t.Error("zero-quantity position should be omitted")
	}
	pos := out["ES"]
	if !pos.RealizedPnL.IsZero() {
		t.Error("new position must have placeholder zero realized PnL")
	}
	if pos.AveragePrice.Cmp(money.MustFromFloat(4000)) != 0 {
		t.Errorf("AveragePrice = %s, want 4000", pos.AveragePrice)
	}
}

func TestInitializePositions_MissingT1IsError(t *testing.T) {
	m := New(testRegistry(t))
	_, err := m.InitializePositions(time.Now(), map[string]int{"ES": 5}, map[string]money.Decimal{})
	if apperr.KindOf(err) != apperr.DataNotFound {
		t.Errorf("expected DataNotFound, got %v", err)
	}
}
