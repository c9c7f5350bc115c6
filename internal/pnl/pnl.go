// Package pnl implements the two-day settlement-lag model where a
// position's realized PnL is only ever booked on the next run, from the
// T-2 -> T-1 price move, and is never sourced from strategy-internal
// state.
package pnl

import (
	"time"

	"tradecore/internal/apperr"
	"tradecore/internal/logger"
	"tradecore/internal/money"
	"tradecore/internal/registry"
)

// Position is the persisted row shape: unrealized_pnl is always zero
// for this futures-only model.
type Position struct {
	Symbol        string
	Quantity      int
	AveragePrice  money.Decimal
	RealizedPnL   money.Decimal
	UnrealizedPnL money.Decimal
	LastUpdate    time.Time
}

// FinalizationResult is the output of FinalizePreviousDay.
type FinalizationResult struct {
	FinalizedPositions      map[string]Position
	FinalizedDailyPnL       money.Decimal
	FinalizedPortfolioValue money.Decimal
	// Skipped is true when there was nothing to finalize: no prior
	// positions (first trading day) or an empty T-2 map (weekend/holiday
	// boundary) — edge cases, not errors.
	Skipped bool
}

// Manager computes settlement-lag PnL. It is the sole writer of
// realized_pnl: no strategy-computed PnL ever reaches this package's
// output.
type Manager struct {
	registry *registry.Registry
}

// New returns a Manager bound to an instrument registry (needed for the
// per-symbol multiplier in the booked-PnL formula).
func New(reg *registry.Registry) *Manager {
	return &Manager{registry: reg}
}

// FinalizePreviousDay finalizes D-1: for each D-1 position with
// quantity q, booked_pnl = q * (t1Close[s] - t2Close[s]) * multiplier(s).
// t1Date is D-1's calendar date, stamped onto the finalized positions'
// LastUpdate.
//
// If prevPositions is empty (first trading day) or t2Close is empty
// (weekend/holiday boundary — the whole map, not just one symbol), this
// returns Skipped=true and leaves D-1 PnL at zero. A symbol missing only
// from t2Close individually is skipped with a warning and proceeds;
// a symbol missing from t1Close is an error, since T-1 is always
// required.
func (m *Manager) FinalizePreviousDay(prevPositions map[string]int, t1Close, t2Close map[string]money.Decimal, prevPortfolioValue, commissions money.Decimal, t1Date time.Time) (*FinalizationResult, error) {
	if len(prevPositions) == 0 {
		return &FinalizationResult{Skipped: true, FinalizedPortfolioValue: prevPortfolioValue}, nil
	}
	if len(t2Close) == 0 {
		return &FinalizationResult{Skipped: true, FinalizedPortfolioValue: prevPortfolioValue}, nil
	}

	finalized := make(map[string]Position)
	sumBooked := money.Zero

	for symbol, q := range prevPositions {
		if q == 0 {
			continue
		}
		t1, ok := t1Close[symbol]
		if !ok {
			return nil, apperr.New(apperr.DataNotFound, "pnl.FinalizePreviousDay", "no T-1 close for "+symbol)
		}
		t2, ok := t2Close[symbol]
		if !ok {
			logger.Warn("PnLManager", "no T-2 close for %s, skipping finalization for this symbol", symbol)
			continue
		}
		multiplier, err := m.registry.Multiplier(symbol)
		if err != nil {
			return nil, apperr.Wrap(apperr.Metadata, "pnl.FinalizePreviousDay", err)
		}

		move := t1.Sub(t2)
		booked := move.MulInt64(int64(q)).Mul(money.MustFromFloat(multiplier))
		sumBooked = sumBooked.Add(booked)

		finalized[symbol] = Position{
			Symbol:        symbol,
			Quantity:      q,
			AveragePrice:  t2, // entry = T-2 close, exit = T-1 close
			RealizedPnL:   booked,
			UnrealizedPnL: money.Zero,
			LastUpdate:    t1Date,
		}
	}

	dailyPnL := sumBooked.Sub(commissions)
	return &FinalizationResult{
		FinalizedPositions:      finalized,
		FinalizedDailyPnL:       dailyPnL,
		FinalizedPortfolioValue: prevPortfolioValue.Add(dailyPnL),
	}, nil
}

// InitializePositions is the second entry point: T positions are opened
// at the T-1 close with a zero-PnL placeholder, finalized only by the
// next run. Zero-quantity positions are omitted.
func (m *Manager) InitializePositions(date time.Time, positions map[string]int, t1Close map[string]money.Decimal) (map[string]Position, error) {
	out := make(map[string]Position)
	for symbol, q := range positions {
		if q == 0 {
			continue
		}
		price, ok := t1Close[symbol]
		if !ok {
			return nil, apperr.New(apperr.DataNotFound, "pnl.InitializePositions", "no T-1 close for "+symbol)
		}
		out[symbol] = Position{
			Symbol:        symbol,
			Quantity:      q,
			AveragePrice:  price,
			RealizedPnL:   money.Zero,
			UnrealizedPnL: money.Zero,
			LastUpdate:    date,
		}
	}
	return out, nil
}
