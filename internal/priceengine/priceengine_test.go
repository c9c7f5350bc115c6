package priceengine

import (
	"testing"
	"time"

	"tradecore/internal/apperr"
	"tradecore/internal/bars"
	"tradecore/internal/money"
)

func day(n int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestUpdateFromBars_FillsPreviousAndTwoDaysAgo(t *testing.T) {
	m := New()
	all := []bars.Bar{
		{Symbol: "ES", Timestamp: day(0), Close: money.MustFromFloat(3980)},
		{Symbol: "ES", Timestamp: day(1), Close: money.MustFromFloat(3990)},
		{Symbol: "ES", Timestamp: day(2), Close: money.MustFromFloat(4000)},
	}
	if err := m.UpdateFromBars(all, day(2)); err != nil {
		t.Fatalf("UpdateFromBars: %v", err)
	}
	prev, err := m.PreviousDay("ES")
	if err != nil {
		t.Fatalf("PreviousDay: %v", err)
	}
	if prev.Float64() != 4000 {
		t.Errorf("PreviousDay = %v, want 4000", prev.Float64())
	}
	two, err := m.TwoDaysAgo("ES")
	if err != nil {
		t.Fatalf("TwoDaysAgo: %v", err)
	}
	if two.Float64() != 3990 {
		t.Errorf("TwoDaysAgo = %v, want 3990", two.Float64())
	}
}

func TestUpdateFromBars_IgnoresFutureBars(t *testing.T) {
	m := New()
	all := []bars.Bar{
		{Symbol: "ES", Timestamp: day(1), Close: money.MustFromFloat(3990)},
		{Symbol: "ES", Timestamp: day(5), Close: money.MustFromFloat(4500)},
	}
	if err := m.UpdateFromBars(all, day(1)); err != nil {
		t.Fatalf("UpdateFromBars: %v", err)
	}
	prev, _ := m.PreviousDay("ES")
	if prev.Float64() != 3990 {
		t.Errorf("PreviousDay = %v, want 3990 (future bar must be excluded)", prev.Float64())
	}
}

func TestUnknownSymbol_ReturnsDataNotFound(t *testing.T) {
	m := New()
	_, err := m.PreviousDay("ZZ")
	if apperr.KindOf(err) != apperr.DataNotFound {
		t.Errorf("expected DataNotFound, got %v", err)
	}
}

func TestValidatePrice_RejectsOutOfRange(t *testing.T) {
	m := New()
	all := []bars.Bar{
		{Symbol: "ES", Timestamp: day(1), Close: money.MustFromFloat(1e7)},
	}
	err := m.UpdateFromBars(all, day(1))
	if apperr.KindOf(err) != apperr.InvalidData {
		t.Errorf("expected InvalidData, got %v", err)
	}
}

func TestShiftPrices_AdvancesWithoutNewData(t *testing.T) {
	m := New()
	all := []bars.Bar{
		{Symbol: "ES", Timestamp: day(0), Close: money.MustFromFloat(3980)},
		{Symbol: "ES", Timestamp: day(1), Close: money.MustFromFloat(3990)},
	}
	_ = m.UpdateFromBars(all, day(1))
	m.current["ES"] = money.MustFromFloat(4000)

	m.ShiftPrices()

	prev, _ := m.PreviousDay("ES")
	if prev.Float64() != 4000 {
		t.Errorf("PreviousDay after shift = %v, want 4000", prev.Float64())
	}
	two, _ := m.TwoDaysAgo("ES")
	if two.Float64() != 3990 {
		t.Errorf("TwoDaysAgo after shift = %v, want 3990", two.Float64())
	}
}

func TestAdvance_SequentialReplay(t *testing.T) {
	m := New()
	if err := m.Advance(map[string]bars.Bar{"ES": {Symbol: "ES", Close: money.MustFromFloat(100)}}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := m.Advance(map[string]bars.Bar{"ES": {Symbol: "ES", Close: money.MustFromFloat(101)}}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	cur, _ := m.Current("ES")
	prev, _ := m.PreviousDay("ES")
	if cur.Float64() != 101 || prev.Float64() != 100 {
		t.Errorf("got current=%v previous=%v, want 101/100", cur.Float64(), prev.Float64())
	}
}
