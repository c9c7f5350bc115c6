// Package bars defines the immutable daily price bar and the loader
// that supplies a historical window of it. The underlying bar source —
// a database table, a CSV loader, a market-data vendor feed — is
// treated as an external collaborator; this package only depends on
// the narrow BarSource interface it needs.
package bars

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"tradecore/internal/apperr"
	"tradecore/internal/money"
)

// Bar is one symbol's OHLCV for a single UTC day boundary. Immutable
// after ingestion; uniqueness is (Symbol, Timestamp).
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      money.Decimal
	High      money.Decimal
	Low       money.Decimal
	Close     money.Decimal
	Volume    int64
}

// WindowDays is the historical window width MarketDataLoader supplies.
const WindowDays = 300

// BarSource is the narrow interface the daily core consumes from its
// data store; CSV I/O, the DB driver, and vendor feeds implement it.
type BarSource interface {
	// LoadBars returns bars for symbols in [start, end], ascending by
	// timestamp, grouped in no particular symbol order.
	LoadBars(ctx context.Context, symbols []string, start, end time.Time) ([]Bar, error)
}

// Loader supplies a WindowDays window of daily bars ending at T-1
// (historical replay) or T (live run).
type Loader struct {
	source BarSource
	group  singleflight.Group
}

// NewLoader builds a Loader over the given source.
func NewLoader(source BarSource) *Loader {
	return &Loader{source: source}
}

// LoadWindow returns WindowDays of bars for symbols ending at asOf
// (inclusive). Concurrent calls for the same (symbols-key, asOf) collapse
// onto a single underlying fetch via singleflight.
func (l *Loader) LoadWindow(ctx context.Context, symbols []string, asOf time.Time) ([]Bar, error) {
	key := windowKey(symbols, asOf)
	start := asOf.AddDate(0, 0, -WindowDays)

	v, err, _ := l.group.Do(key, func() (any, error) {
		got, err := l.source.LoadBars(ctx, symbols, start, asOf)
		if err != nil {
			return nil, apperr.Wrap(apperr.Database, "bars.Loader.LoadWindow", err)
		}
		return got, nil
	})
	if err != nil {
		return nil, err
	}
	out := v.([]Bar)

	sorted := make([]Bar, len(out))
	copy(sorted, out)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Symbol != sorted[j].Symbol {
			return sorted[i].Symbol < sorted[j].Symbol
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted, nil
}

func windowKey(symbols []string, asOf time.Time) string {
	key := asOf.Format("2006-01-02")
	for _, s := range symbols {
		key += "|" + s
	}
	return key
}

// GroupBySymbol splits a flat, already-sorted bar slice into
// per-symbol ascending series.
func GroupBySymbol(all []Bar) map[string][]Bar {
	out := make(map[string][]Bar)
	for _, b := range all {
		out[b.Symbol] = append(out[b.Symbol], b)
	}
	for sym, series := range out {
		sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
		out[sym] = series
	}
	return out
}
