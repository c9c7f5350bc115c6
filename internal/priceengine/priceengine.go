// Package priceengine keeps three aligned per-symbol price snapshots
// (current, previous day, two days ago) in sync as the daily pipeline
// advances.
package priceengine

import (
	"sort"
	"time"

	"tradecore/internal/apperr"
	"tradecore/internal/bars"
	"tradecore/internal/logger"
	"tradecore/internal/money"
)

const (
	minValidPrice = 1e-4
	maxValidPrice = 1e6
)

// Manager holds the three aligned price snapshots.
type Manager struct {
	current    map[string]money.Decimal
	previous   map[string]money.Decimal
	twoDaysAgo map[string]money.Decimal
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{
		current:    make(map[string]money.Decimal),
		previous:   make(map[string]money.Decimal),
		twoDaysAgo: make(map[string]money.Decimal),
	}
}

func validatePrice(symbol string, p money.Decimal) error {
	f := p.Float64()
	if f <= minValidPrice || f >= maxValidPrice {
		return apperr.New(apperr.InvalidData, "priceengine.validatePrice",
			symbol+": price out of range (10^-4, 10^6)")
	}
	return nil
}

// UpdateFromBars is the primary daily-batch entry point: for each
// symbol, bars are grouped and sorted ascending; the last bar with
// timestamp <= targetDate fills PreviousDay, the second-to-last fills
// TwoDaysAgo. A symbol present in allBars but with no bar at or before
// targetDate is skipped with a warning (missing series are tolerated);
// an out-of-range price aborts the whole call.
//
// This direct re-derivation (rather than shifting cached state) holds
// the invariant that previous_day_prices[s] equals the close of the
// latest bar <= target date for every symbol present in the input,
// independent of whatever UpdateFromBars computed on a prior call. A
// distinct sequential-advance mode, used for backtest-style replay
// where bars arrive one day at a time, is implemented separately as
// Advance below — the two behaviors cannot both be the literal meaning
// of one re-derive-from-window call without contradicting that
// invariant.
func (m *Manager) UpdateFromBars(allBars []bars.Bar, targetDate time.Time) error {
	bySymbol := bars.GroupBySymbol(allBars)
	for symbol, series := range bySymbol {
		filtered := make([]bars.Bar, 0, len(series))
		for _, b := range series {
			if !b.Timestamp.After(targetDate) {
				filtered = append(filtered, b)
			}
		}
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].Timestamp.Before(filtered[j].Timestamp) })

		if len(filtered) == 0 {
			logger.Warn("PriceManager", "no bars at or before %s for %s", targetDate.Format("2006-01-02"), symbol)
			continue
		}

		last := filtered[len(filtered)-1]
		if err := validatePrice(symbol, last.Close); err != nil {
			return err
		}
		m.previous[symbol] = last.Close

		if len(filtered) >= 2 {
			prev := filtered[len(filtered)-2]
			if err := validatePrice(symbol, prev.Close); err != nil {
				return err
			}
			m.twoDaysAgo[symbol] = prev.Close
		} else {
			logger.Warn("PriceManager", "only one bar available for %s, two-days-ago price unset", symbol)
		}
	}
	return nil
}

// Advance implements the sequential-replay / single-new-bar path: shift
// current->previous->two_days_ago per symbol present in newBars, then
// set current to the supplied close. Used by a backtest driver stepping
// one day at a time rather than re-ingesting a full window each call.
func (m *Manager) Advance(newBars map[string]bars.Bar) error {
	for symbol, b := range newBars {
		if err := validatePrice(symbol, b.Close); err != nil {
			return err
		}
		if prev, ok := m.previous[symbol]; ok {
			m.twoDaysAgo[symbol] = prev
		}
		if cur, ok := m.current[symbol]; ok {
			m.previous[symbol] = cur
		}
		m.current[symbol] = b.Close
	}
	return nil
}

// ShiftPrices advances the cached snapshots without new data — the
// weekend/holiday rollover case where no bar exists for a calendar day.
func (m *Manager) ShiftPrices() {
	for symbol, prev := range m.previous {
		m.twoDaysAgo[symbol] = prev
	}
	for symbol, cur := range m.current {
		m.previous[symbol] = cur
	}
}

// Current returns T's close for symbol, or DataNotFound.
func (m *Manager) Current(symbol string) (money.Decimal, error) {
	return lookup(m.current, symbol)
}

// PreviousDay returns T-1's close for symbol, or DataNotFound.
func (m *Manager) PreviousDay(symbol string) (money.Decimal, error) {
	return lookup(m.previous, symbol)
}

// TwoDaysAgo returns T-2's close for symbol, or DataNotFound.
func (m *Manager) TwoDaysAgo(symbol string) (money.Decimal, error) {
	return lookup(m.twoDaysAgo, symbol)
}

// PreviousDaySnapshot returns a copy of the full previous-day price map,
// for components (MarginManager, ExecutionManager) that need to look up
// many symbols at once without round-tripping through PreviousDay.
func (m *Manager) PreviousDaySnapshot() map[string]money.Decimal {
	return clone(m.previous)
}

// TwoDaysAgoSnapshot returns a copy of the full two-days-ago price map.
func (m *Manager) TwoDaysAgoSnapshot() map[string]money.Decimal {
	return clone(m.twoDaysAgo)
}

func lookup(set map[string]money.Decimal, symbol string) (money.Decimal, error) {
	v, ok := set[symbol]
	if !ok {
		return money.Decimal{}, apperr.New(apperr.DataNotFound, "priceengine.lookup", "no price for "+symbol)
	}
	return v, nil
}

func clone(src map[string]money.Decimal) map[string]money.Decimal {
	out := make(map[string]money.Decimal, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
