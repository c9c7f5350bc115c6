// Package results is the idempotent sqlite persistence layer for
// positions, executions, signals, per-day results and the equity curve,
// schema-versioned with a simple version-probe migration.
package results

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tradecore/internal/apperr"
	"tradecore/internal/execution"
	"tradecore/internal/logger"
	"tradecore/internal/money"
	"tradecore/internal/pnl"
)

// LiveResultRow is the aggregated per (strategy_id, portfolio_id, date)
// row persisted once per book per run.
type LiveResultRow struct {
	StrategyID             string
	PortfolioID            string
	Date                   time.Time
	DailyPnL               money.Decimal
	DailyRealizedPnL       money.Decimal
	DailyUnrealizedPnL     money.Decimal
	DailyTransactionCosts  money.Decimal
	DailyReturn            float64
	TotalPnL               money.Decimal
	TotalRealizedPnL       money.Decimal
	TotalCumulativeReturn  float64
	TotalAnnualizedReturn  float64
	CurrentPortfolioValue  money.Decimal
	PortfolioLeverage      float64
	EquityToMarginRatio    float64
	MarginCushion          float64
	GrossNotional          float64
	NetNotional            float64
	MarginPosted           float64
	CashAvailable          money.Decimal
	ActivePositions        int
}

// Store wraps the sqlite connection and owns schema migration.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the sqlite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "results.Open", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, apperr.Wrap(apperr.Database, "results.Open", err)
	}
	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, apperr.Wrap(apperr.Database, "results.Open", err)
	}
	logger.Success("ResultsManager", "opened %s", path)
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	version := 0
	s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS positions (
				strategy_id     TEXT NOT NULL,
				strategy_name   TEXT NOT NULL,
				portfolio_id    TEXT NOT NULL,
				symbol          TEXT NOT NULL,
				date            TEXT NOT NULL,
				quantity        INTEGER NOT NULL,
				average_price   TEXT NOT NULL,
				realized_pnl    TEXT NOT NULL,
				unrealized_pnl  TEXT NOT NULL,
				last_update     TEXT NOT NULL,
				PRIMARY KEY (strategy_id, portfolio_id, symbol, date)
			);

			CREATE TABLE IF NOT EXISTS executions (
				order_id                TEXT PRIMARY KEY,
				strategy_id             TEXT NOT NULL,
				strategy_name           TEXT NOT NULL,
				portfolio_id            TEXT NOT NULL,
				symbol                  TEXT NOT NULL,
				date                    TEXT NOT NULL,
				side                    TEXT NOT NULL,
				quantity                INTEGER NOT NULL,
				fill_price              TEXT NOT NULL,
				commission              TEXT NOT NULL,
				impact_cost             TEXT NOT NULL,
				total_transaction_costs TEXT NOT NULL,
				execution_time          TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_executions_date ON executions(strategy_id, portfolio_id, date);

			CREATE TABLE IF NOT EXISTS signals (
				strategy_id   TEXT NOT NULL,
				strategy_name TEXT NOT NULL,
				portfolio_id  TEXT NOT NULL,
				symbol        TEXT NOT NULL,
				date          TEXT NOT NULL,
				forecast      REAL NOT NULL,
				position      INTEGER NOT NULL,
				PRIMARY KEY (strategy_id, portfolio_id, symbol, date)
			);

			CREATE TABLE IF NOT EXISTS live_results (
				strategy_id               TEXT NOT NULL,
				portfolio_id              TEXT NOT NULL,
				date                      TEXT NOT NULL,
				daily_pnl                 TEXT NOT NULL,
				daily_realized_pnl        TEXT NOT NULL,
				daily_unrealized_pnl      TEXT NOT NULL,
				daily_transaction_costs   TEXT NOT NULL,
				daily_return              REAL NOT NULL,
				total_pnl                 TEXT NOT NULL,
				total_realized_pnl        TEXT NOT NULL,
				total_cumulative_return   REAL NOT NULL,
				total_annualized_return   REAL NOT NULL,
				current_portfolio_value   TEXT NOT NULL,
				portfolio_leverage        REAL NOT NULL,
				equity_to_margin_ratio    REAL NOT NULL,
				margin_cushion            REAL NOT NULL,
				gross_notional            REAL NOT NULL,
				net_notional              REAL NOT NULL,
				margin_posted             REAL NOT NULL,
				cash_available            TEXT NOT NULL,
				active_positions          INTEGER NOT NULL,
				PRIMARY KEY (strategy_id, portfolio_id, date)
			);

			CREATE TABLE IF NOT EXISTS equity_curve (
				strategy_id  TEXT NOT NULL,
				portfolio_id TEXT NOT NULL,
				date         TEXT NOT NULL,
				equity       TEXT NOT NULL,
				PRIMARY KEY (strategy_id, portfolio_id, date)
			);

			CREATE TABLE IF NOT EXISTS live_run_metadata (
				portfolio_id TEXT NOT NULL,
				date         TEXT NOT NULL,
				run_id       TEXT NOT NULL,
				created_at   TEXT NOT NULL,
				PRIMARY KEY (portfolio_id, date)
			);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

func dateKey(d time.Time) string { return d.UTC().Format("2006-01-02") }

// WritePositions idempotently replaces all position rows for
// (strategyID, portfolioID, date) with positions: delete then insert,
// inside one transaction.
func (s *Store) WritePositions(strategyID, strategyName, portfolioID string, date time.Time, positions map[string]pnl.Position) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.WritePositions", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM positions WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		strategyID, portfolioID, dateKey(date)); err != nil {
		return apperr.Wrap(apperr.Database, "results.WritePositions", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO positions
		(strategy_id, strategy_name, portfolio_id, symbol, date, quantity, average_price, realized_pnl, unrealized_pnl, last_update)
		VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.WritePositions", err)
	}
	defer stmt.Close()

	for symbol, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		if _, err := stmt.Exec(strategyID, strategyName, portfolioID, symbol, dateKey(date),
			p.Quantity, p.AveragePrice.String(), p.RealizedPnL.String(), p.UnrealizedPnL.String(), p.LastUpdate.UTC().Format(time.RFC3339)); err != nil {
			return apperr.Wrap(apperr.Database, "results.WritePositions", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Database, "results.WritePositions", err)
	}
	return nil
}

// WriteExecutions idempotently replaces the execution rows for
// (strategyID, portfolioID, date) — delete-by-date then insert, which
// subsumes the order_id-level delete since order_id is itself a
// deterministic function of (strategy, portfolio, symbol, date, side,
// qty).
func (s *Store) WriteExecutions(strategyID, strategyName, portfolioID string, date time.Time, reports []execution.ExecutionReport) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteExecutions", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM executions WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		strategyID, portfolioID, dateKey(date)); err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteExecutions", err)
	}

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO executions
		(order_id, strategy_id, strategy_name, portfolio_id, symbol, date, side, quantity, fill_price, commission, impact_cost, total_transaction_costs, execution_time)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteExecutions", err)
	}
	defer stmt.Close()

	for _, r := range reports {
		if _, err := stmt.Exec(r.OrderID, strategyID, strategyName, portfolioID, r.Symbol, dateKey(date),
			string(r.Side), r.Quantity, r.FillPrice.String(), r.Commission.String(), r.ImpactCost.String(),
			r.TotalTransactionCosts.String(), r.ExecutionTime.UTC().Format(time.RFC3339)); err != nil {
			return apperr.Wrap(apperr.Database, "results.WriteExecutions", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteExecutions", err)
	}
	return nil
}

// SignalRow is one strategy's per-symbol forecast/position snapshot.
type SignalRow struct {
	Symbol   string
	Forecast float64
	Position int
}

// WriteSignals idempotently replaces the signal rows for (strategyID,
// portfolioID, date).
func (s *Store) WriteSignals(strategyID, strategyName, portfolioID string, date time.Time, signals []SignalRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteSignals", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM signals WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		strategyID, portfolioID, dateKey(date)); err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteSignals", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO signals (strategy_id, strategy_name, portfolio_id, symbol, date, forecast, position) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteSignals", err)
	}
	defer stmt.Close()

	for _, sig := range signals {
		if _, err := stmt.Exec(strategyID, strategyName, portfolioID, sig.Symbol, dateKey(date), sig.Forecast, sig.Position); err != nil {
			return apperr.Wrap(apperr.Database, "results.WriteSignals", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteSignals", err)
	}
	return nil
}

// WriteLiveResultRow idempotently replaces the per-day result row
// (delete-then-insert keyed by strategy_id, portfolio_id, date).
func (s *Store) WriteLiveResultRow(row LiveResultRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteLiveResultRow", err)
	}
	defer tx.Rollback()

	key := dateKey(row.Date)
	if _, err := tx.Exec(`DELETE FROM live_results WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		row.StrategyID, row.PortfolioID, key); err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteLiveResultRow", err)
	}

	if _, err := tx.Exec(`INSERT INTO live_results (
			strategy_id, portfolio_id, date, daily_pnl, daily_realized_pnl, daily_unrealized_pnl,
			daily_transaction_costs, daily_return, total_pnl, total_realized_pnl, total_cumulative_return,
			total_annualized_return, current_portfolio_value, portfolio_leverage, equity_to_margin_ratio,
			margin_cushion, gross_notional, net_notional, margin_posted, cash_available, active_positions
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.StrategyID, row.PortfolioID, key, row.DailyPnL.String(), row.DailyRealizedPnL.String(), row.DailyUnrealizedPnL.String(),
		row.DailyTransactionCosts.String(), row.DailyReturn, row.TotalPnL.String(), row.TotalRealizedPnL.String(), row.TotalCumulativeReturn,
		row.TotalAnnualizedReturn, row.CurrentPortfolioValue.String(), row.PortfolioLeverage, row.EquityToMarginRatio,
		row.MarginCushion, row.GrossNotional, row.NetNotional, row.MarginPosted, row.CashAvailable.String(), row.ActivePositions,
	); err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteLiveResultRow", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteLiveResultRow", err)
	}
	return nil
}

// WriteEquityCurvePoint idempotently replaces the equity curve point for
// (strategyID, portfolioID, date).
func (s *Store) WriteEquityCurvePoint(strategyID, portfolioID string, date time.Time, equity money.Decimal) error {
	_, err := s.db.Exec(`INSERT INTO equity_curve (strategy_id, portfolio_id, date, equity) VALUES (?,?,?,?)
		ON CONFLICT(strategy_id, portfolio_id, date) DO UPDATE SET equity = excluded.equity`,
		strategyID, portfolioID, dateKey(date), equity.String())
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.WriteEquityCurvePoint", err)
	}
	return nil
}

// UpdateFinalizedDay performs the post-finalization step: update D-1's
// per-day row with finalized PnL and recomputed cumulative
// totals, preserving previously-stored margin metrics untouched, then
// update D-1's equity curve point. daily_pnl is recomputed as
// dailyRealizedPnL minus the daily_transaction_costs already stored in
// that row.
func (s *Store) UpdateFinalizedDay(strategyID, portfolioID string, finalizedDate time.Time, dailyRealizedPnL, totalPnL, totalRealizedPnL, portfolioValue money.Decimal, totalCumulativeReturn, totalAnnualizedReturn float64) error {
	key := dateKey(finalizedDate)

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.UpdateFinalizedDay", err)
	}
	defer tx.Rollback()

	var dailyCosts string
	row := tx.QueryRow(`SELECT daily_transaction_costs FROM live_results WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		strategyID, portfolioID, key)
	if err := row.Scan(&dailyCosts); err != nil {
		return apperr.Wrap(apperr.Database, "results.UpdateFinalizedDay", err)
	}
	costs, err := parseDecimalString(dailyCosts)
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.UpdateFinalizedDay", err)
	}
	dailyPnL := dailyRealizedPnL.Sub(costs)

	_, err = tx.Exec(`UPDATE live_results SET
			daily_realized_pnl = ?, daily_pnl = ?,
			total_pnl = ?, total_realized_pnl = ?, current_portfolio_value = ?,
			total_cumulative_return = ?, total_annualized_return = ?
		WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		dailyRealizedPnL.String(), dailyPnL.String(),
		totalPnL.String(), totalRealizedPnL.String(), portfolioValue.String(),
		totalCumulativeReturn, totalAnnualizedReturn, strategyID, portfolioID, key)
	if err != nil {
		return apperr.Wrap(apperr.Database, "results.UpdateFinalizedDay", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Database, "results.UpdateFinalizedDay", err)
	}
	return s.WriteEquityCurvePoint(strategyID, portfolioID, finalizedDate, portfolioValue)
}

func parseDecimalString(s string) (money.Decimal, error) {
	var d money.Decimal
	if err := d.Scan(s); err != nil {
		return money.Decimal{}, err
	}
	return d, nil
}

// EnsureRunMetadata maintains a supplemented run-metadata record: a
// per-(portfolio, date) run identifier, created once and
// reused on reruns for the same day (idempotent, unlike order_id it need
// not be deterministic — it is a non-deterministic uuid used purely for
// operational tracing, so github.com/google/uuid is appropriate here).
func (s *Store) EnsureRunMetadata(portfolioID string, date time.Time) (string, error) {
	key := dateKey(date)
	var runID string
	err := s.db.QueryRow(`SELECT run_id FROM live_run_metadata WHERE portfolio_id = ? AND date = ?`, portfolioID, key).Scan(&runID)
	if err == nil {
		return runID, nil
	}
	if err != sql.ErrNoRows {
		return "", apperr.Wrap(apperr.Database, "results.EnsureRunMetadata", err)
	}

	runID = uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO live_run_metadata (portfolio_id, date, run_id, created_at) VALUES (?,?,?,?)`,
		portfolioID, key, runID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", apperr.Wrap(apperr.Database, "results.EnsureRunMetadata", err)
	}
	return runID, nil
}

// LoadPositions reads back the position book for (strategyID,
// portfolioID, date), keyed by symbol, the collaborator read side of
// WritePositions.
func (s *Store) LoadPositions(strategyID, portfolioID string, date time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT symbol, quantity FROM positions WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		strategyID, portfolioID, dateKey(date))
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "results.LoadPositions", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var symbol string
		var qty int
		if err := rows.Scan(&symbol, &qty); err != nil {
			return nil, apperr.Wrap(apperr.Database, "results.LoadPositions", err)
		}
		out[symbol] = qty
	}
	return out, nil
}

// LoadPortfolioValue reads back current_portfolio_value for
// (strategyID, portfolioID, date), or (zero, false, nil) if no row
// exists yet — the first-trading-day case.
func (s *Store) LoadPortfolioValue(strategyID, portfolioID string, date time.Time) (money.Decimal, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT current_portfolio_value FROM live_results WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		strategyID, portfolioID, dateKey(date)).Scan(&raw)
	if err == sql.ErrNoRows {
		return money.Zero, false, nil
	}
	if err != nil {
		return money.Zero, false, apperr.Wrap(apperr.Database, "results.LoadPortfolioValue", err)
	}
	v, err := parseDecimalString(raw)
	if err != nil {
		return money.Zero, false, apperr.Wrap(apperr.Database, "results.LoadPortfolioValue", err)
	}
	return v, true, nil
}

// LoadTotalRealizedPnL returns the cumulative total_realized_pnl already
// stored for (strategyID, portfolioID, date), or zero if no row exists
// yet (the first trading day has no prior cumulative to carry forward).
func (s *Store) LoadTotalRealizedPnL(strategyID, portfolioID string, date time.Time) (money.Decimal, error) {
	var raw string
	err := s.db.QueryRow(`SELECT total_realized_pnl FROM live_results WHERE strategy_id = ? AND portfolio_id = ? AND date = ?`,
		strategyID, portfolioID, dateKey(date)).Scan(&raw)
	if err == sql.ErrNoRows {
		return money.Zero, nil
	}
	if err != nil {
		return money.Zero, apperr.Wrap(apperr.Database, "results.LoadTotalRealizedPnL", err)
	}
	v, err := parseDecimalString(raw)
	if err != nil {
		return money.Zero, apperr.Wrap(apperr.Database, "results.LoadTotalRealizedPnL", err)
	}
	return v, nil
}

// CountLiveResultRows reports how many live_results rows exist for
// portfolioID on date, across every book (strategy or combined) — used to
// confirm a rerun replaces rather than duplicates a day's rows.
func (s *Store) CountLiveResultRows(portfolioID string, date time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM live_results WHERE portfolio_id = ? AND date = ?`,
		portfolioID, dateKey(date)).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(apperr.Database, "results.CountLiveResultRows", err)
	}
	return count, nil
}

// LoadRecentDailyReturns returns up to n of the most recent daily_return
// values for (strategyID, portfolioID), oldest first — the Returns series
// PortfolioManager's Phase C needs, sourced from this store's own
// history rather than invented.
func (s *Store) LoadRecentDailyReturns(strategyID, portfolioID string, n int) ([]float64, error) {
	rows, err := s.db.Query(`SELECT daily_return FROM live_results WHERE strategy_id = ? AND portfolio_id = ? ORDER BY date DESC LIMIT ?`,
		strategyID, portfolioID, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "results.LoadRecentDailyReturns", err)
	}
	defer rows.Close()

	var reversed []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, apperr.Wrap(apperr.Database, "results.LoadRecentDailyReturns", err)
		}
		reversed = append(reversed, v)
	}
	out := make([]float64, len(reversed))
	for i, v := range reversed {
		out[len(reversed)-1-i] = v
	}
	return out, nil
}
