// Package marketdata is the concrete collaborator behind registry.Source
// and bars.BarSource: a read-only sqlite store for contract metadata and
// daily OHLCV bars, opened the same way the results store is, but never
// written to by the daily core.
package marketdata

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"tradecore/internal/apperr"
	"tradecore/internal/bars"
	"tradecore/internal/registry"
)

// Store wraps a read-only connection to the instrument/bar reference
// database, implementing both registry.Source and bars.BarSource.
type Store struct {
	db *sql.DB
}

// Open connects to the sqlite file at path. Missing instruments/bars
// tables surface as query errors on first use rather than at Open time.
func Open(path string) (*Store, error) {
	dsn := path + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "marketdata.Open", err)
	}
	if err := db.Ping(); err != nil {
		return nil, apperr.Wrap(apperr.Database, "marketdata.Open", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// LoadInstruments implements registry.Source.
func (s *Store) LoadInstruments(ctx context.Context) ([]registry.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, multiplier, tick_size, initial_margin,
		maintenance_margin, commission_per_contract, trading_hours, expiry FROM instruments`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "marketdata.LoadInstruments", err)
	}
	defer rows.Close()

	var out []registry.Instrument
	for rows.Next() {
		var inst registry.Instrument
		var expiry sql.NullTime
		if err := rows.Scan(&inst.Symbol, &inst.Multiplier, &inst.TickSize, &inst.InitialMargin,
			&inst.MaintenanceMargin, &inst.CommissionPerContract, &inst.TradingHours, &expiry); err != nil {
			return nil, apperr.Wrap(apperr.Database, "marketdata.LoadInstruments", err)
		}
		if expiry.Valid {
			inst.Expiry = &expiry.Time
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// LoadBars implements bars.BarSource: every bar for symbols within
// [start, end], ascending by timestamp.
func (s *Store) LoadBars(ctx context.Context, symbols []string, start, end time.Time) ([]bars.Bar, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	query := `SELECT symbol, timestamp, open, high, low, close, volume FROM bars
		WHERE symbol IN (` + placeholders(len(symbols)) + `) AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC`

	args := make([]any, 0, len(symbols)+2)
	for _, s := range symbols {
		args = append(args, s)
	}
	args = append(args, start, end)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "marketdata.LoadBars", err)
	}
	defer rows.Close()

	var out []bars.Bar
	for rows.Next() {
		var b bars.Bar
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, apperr.Wrap(apperr.Database, "marketdata.LoadBars", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
