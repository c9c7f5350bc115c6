// Package orchestrator wires the daily cycle's components in a fixed
// dependency order and runs one calendar invocation: load config, open
// the results database, build the pipeline components, then run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"tradecore/internal/apperr"
	"tradecore/internal/bars"
	"tradecore/internal/calendar"
	"tradecore/internal/config"
	"tradecore/internal/execution"
	"tradecore/internal/logger"
	"tradecore/internal/margin"
	"tradecore/internal/money"
	"tradecore/internal/pnl"
	"tradecore/internal/portfolio"
	"tradecore/internal/priceengine"
	"tradecore/internal/registry"
	"tradecore/internal/results"
	"tradecore/internal/strategy"
)

// InitialCapital is the daily core's starting equity for a brand-new
// portfolio (no prior live_results row). config.json carries no such
// field, so this is an orchestrator-level constant rather than a
// configuration surface.
const InitialCapital = 500000.0

// Dependencies are the collaborators this package treats as external:
// the instrument metadata table, the market-data/bar store, and the
// sqlite file the results layer persists to.
type Dependencies struct {
	RegistrySource registry.Source
	BarSource      bars.BarSource
	ResultsDBPath  string
	CSVDir         string // defaults to apps/strategies/results
	ImpactSpan     float64
}

// Orchestrator holds the components built once per process and reused
// across runs (the registry singleton, the results store connection).
type Orchestrator struct {
	deps       Dependencies
	cfg        *config.Config
	reg        *registry.Registry
	store      *results.Store
	priceMgr   *priceengine.Manager
	execMgr    *execution.Manager
	marginMgr  *margin.Manager
	pnlMgr     *pnl.Manager
	portfolioM *portfolio.Manager
}

// New loads config.json, opens the results store, and builds (but does
// not yet load) the instrument registry.
func New(configPath string, deps Dependencies) (*Orchestrator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := cfg.EnabledAllocations(); err != nil {
		return nil, err
	}

	dbPath := deps.ResultsDBPath
	if dbPath == "" {
		dbPath = cfg.Database.Name
	}
	if dbPath == "" {
		dbPath = "tradecore.db"
	}
	store, err := results.Open(dbPath)
	if err != nil {
		return nil, err
	}

	csvDir := deps.CSVDir
	if csvDir == "" {
		csvDir = filepath.Join("apps", "strategies", "results")
	}
	deps.CSVDir = csvDir

	reg := registry.New()
	return &Orchestrator{
		deps:       deps,
		cfg:        cfg,
		reg:        reg,
		store:      store,
		priceMgr:   priceengine.New(),
		execMgr:    execution.New(reg, deps.ImpactSpan),
		marginMgr:  margin.New(reg),
		pnlMgr:     pnl.New(reg),
		portfolioM: portfolio.New(portfolio.DefaultConfig(), reg),
	}, nil
}

// Close releases the results store connection.
func (o *Orchestrator) Close() error { return o.store.Close() }

// EmailRecipients exposes config.json's email.to_emails to the CLI layer,
// the one field of the email collaborator's config the core itself reads.
func (o *Orchestrator) EmailRecipients() []string { return o.cfg.Email.ToEmails }

// Run executes one full daily cycle for runDate: loads the registry
// (once), loads the bar window, runs every enabled strategy, reconciles
// through the portfolio manager, computes margin, finalizes D-1 PnL,
// generates executions, and persists everything in that fixed order.
// Returns a non-nil error only for failures the caller must abort the
// process for; recoverable conditions are logged and absorbed
// internally by the component that owns them.
func (o *Orchestrator) Run(ctx context.Context, runDate time.Time) error {
	if !logger.Ready() {
		logger.Init("info")
	}
	logger.Section(fmt.Sprintf("daily cycle %s", runDate.Format("2006-01-02")))

	if !o.reg.Loaded() {
		if err := o.reg.Load(ctx, o.deps.RegistrySource); err != nil {
			return err
		}
		logger.Success("Orchestrator", "instrument registry loaded (%d symbols)", len(o.reg.Symbols()))
	}

	allocations, err := o.cfg.EnabledAllocations()
	if err != nil {
		return err
	}
	strategyIDs := make([]string, 0, len(allocations))
	for id := range allocations {
		strategyIDs = append(strategyIDs, id)
	}
	sort.Strings(strategyIDs)

	universe := o.reg.Symbols()
	loader := bars.NewLoader(o.deps.BarSource)
	window, err := loader.LoadWindow(ctx, universe, runDate)
	if err != nil {
		return err
	}
	if err := o.priceMgr.UpdateFromBars(window, runDate); err != nil {
		return err
	}
	t1Snapshot := o.priceMgr.PreviousDaySnapshot()
	t2Snapshot := o.priceMgr.TwoDaysAgoSnapshot()

	for _, b := range window {
		o.execMgr.UpdateMarketData(b.Symbol, b.Volume, b.Close)
	}

	engines := make(map[string]*strategy.Engine, len(strategyIDs))
	strategyInputs := make([]portfolio.StrategyInput, 0, len(strategyIDs))
	combinedID := portfolio.CombinedStrategyID(strategyIDs)

	for _, id := range strategyIDs {
		entry := o.cfg.Portfolio.Strategies[id]
		eng := strategy.New(id, entry.Config, o.reg, InitialCapital, allocations[id])
		if err := eng.OnData(window); err != nil {
			return err
		}
		engines[id] = eng

		returns, err := o.store.LoadRecentDailyReturns(id, o.cfg.PortfolioID, o.riskLookback())
		if err != nil {
			return err
		}
		strategyInputs = append(strategyInputs, portfolio.StrategyInput{
			ID:         id,
			Allocation: allocations[id],
			Positions:  eng.Positions(),
			Returns:    returns,
		})
	}

	priorPortfolioPositions, err := o.store.LoadPositions(combinedID, o.cfg.PortfolioID, previousTradingDay(runDate))
	if err != nil {
		return err
	}
	prevPortfolioValue, hadPrevValue, err := o.store.LoadPortfolioValue(combinedID, o.cfg.PortfolioID, previousTradingDay(runDate))
	if err != nil {
		return err
	}
	if !hadPrevValue {
		prevPortfolioValue = money.MustFromFloat(InitialCapital)
	}

	prices := make(map[string]float64, len(t1Snapshot))
	for symbol, p := range t1Snapshot {
		prices[symbol] = p.Float64()
	}

	portResult, err := o.portfolioM.Run(strategyInputs, priorPortfolioPositions, prevPortfolioValue.Float64(), prices)
	if err != nil {
		return err
	}
	if len(portResult.Breaches) > 0 {
		logger.Warn("Orchestrator", "Phase C breaches: %v (recommended_scale=%.4f)", portResult.Breaches, portResult.RecommendedScale)
	}

	marginSnap, err := o.marginMgr.Compute(portResult.PortfolioPositions, t1Snapshot, prevPortfolioValue.Float64())
	if err != nil {
		return err
	}
	logger.Info("Orchestrator", "%s", marginSnap.Summary(o.cfg.PortfolioID))

	finalization, err := o.pnlMgr.FinalizePreviousDay(priorPortfolioPositions, t1Snapshot, t2Snapshot, prevPortfolioValue, money.Zero, previousTradingDay(runDate))
	if err != nil {
		return err
	}

	newPositions, err := o.pnlMgr.InitializePositions(runDate, portResult.PortfolioPositions, t1Snapshot)
	if err != nil {
		return err
	}

	var commissionsTotal money.Decimal
	combinedExecs, err := o.execMgr.Generate(combinedID, o.cfg.PortfolioID, portResult.PortfolioPositions, priorPortfolioPositions, t1Snapshot, runDate)
	if err != nil {
		return err
	}
	for _, r := range combinedExecs {
		commissionsTotal = commissionsTotal.Add(r.TotalTransactionCosts)
	}

	if err := o.store.WritePositions(combinedID, combinedID, o.cfg.PortfolioID, runDate, newPositions); err != nil {
		return err
	}
	if err := o.store.WriteExecutions(combinedID, combinedID, o.cfg.PortfolioID, runDate, combinedExecs); err != nil {
		return err
	}

	for _, id := range strategyIDs {
		eng := engines[id]
		priorStrategyPositions, err := o.store.LoadPositions(id, o.cfg.PortfolioID, previousTradingDay(runDate))
		if err != nil {
			return err
		}
		finalPositions := portResult.StrategyPositions[id]

		execs, err := o.execMgr.Generate(id, o.cfg.PortfolioID, finalPositions, priorStrategyPositions, t1Snapshot, runDate)
		if err != nil {
			return err
		}
		if err := o.store.WriteExecutions(id, id, o.cfg.PortfolioID, runDate, execs); err != nil {
			return err
		}

		strategyPnLPositions, err := o.pnlMgr.InitializePositions(runDate, finalPositions, t1Snapshot)
		if err != nil {
			return err
		}
		if err := o.store.WritePositions(id, id, o.cfg.PortfolioID, runDate, strategyPnLPositions); err != nil {
			return err
		}

		var signals []results.SignalRow
		for _, symbol := range eng.Symbols() {
			signals = append(signals, results.SignalRow{
				Symbol:   symbol,
				Forecast: eng.GetForecast(symbol),
				Position: eng.GetPosition(symbol),
			})
		}
		if err := o.store.WriteSignals(id, id, o.cfg.PortfolioID, runDate, signals); err != nil {
			return err
		}

		stratExecCommissions := money.Zero
		for _, r := range execs {
			stratExecCommissions = stratExecCommissions.Add(r.TotalTransactionCosts)
		}
		stratMarginSnap, err := o.marginMgr.Compute(finalPositions, t1Snapshot, prevPortfolioValue.Float64())
		if err != nil {
			return err
		}
		stratFinalization, err := o.pnlMgr.FinalizePreviousDay(priorStrategyPositions, t1Snapshot, t2Snapshot, prevPortfolioValue, money.Zero, previousTradingDay(runDate))
		if err != nil {
			return err
		}
		if err := o.writeDailyResultRow(runDate, id, stratExecCommissions, stratMarginSnap, stratFinalization, prevPortfolioValue); err != nil {
			return err
		}
		if err := o.finalizePreviousDayRow(id, stratFinalization, previousTradingDay(runDate)); err != nil {
			return err
		}
	}

	if err := o.writeDailyResultRow(runDate, combinedID, commissionsTotal, marginSnap, finalization, prevPortfolioValue); err != nil {
		return err
	}
	if err := o.finalizePreviousDayRow(combinedID, finalization, previousTradingDay(runDate)); err != nil {
		return err
	}

	if _, err := o.store.EnsureRunMetadata(o.cfg.PortfolioID, runDate); err != nil {
		return err
	}

	if err := o.writeCSVSnapshots(runDate, newPositions, finalization); err != nil {
		return err
	}

	logger.Success("Orchestrator", "daily cycle complete for %s", runDate.Format("2006-01-02"))
	return nil
}

// riskLookback exposes Phase C's configured lookback period to the
// return-series fetch above.
func (o *Orchestrator) riskLookback() int {
	return portfolio.DefaultConfig().Risk.LookbackPeriod
}

// writeDailyResultRow builds and persists today's live_results row for one
// book (a single strategy or the combined portfolio). Today's daily_pnl is
// commission drag only — the settlement-lag model books mark to market a
// day late, through finalizePreviousDayRow below.
func (o *Orchestrator) writeDailyResultRow(runDate time.Time, strategyID string, commissions money.Decimal, marginSnap *margin.Snapshot, finalization *pnl.FinalizationResult, prevPortfolioValue money.Decimal) error {
	dailyPnL := money.Zero.Sub(commissions)
	currentValue := prevPortfolioValue.Add(dailyPnL)

	var dailyReturn float64
	if prevEquity := prevPortfolioValue.Float64(); prevEquity != 0 {
		dailyReturn = dailyPnL.Float64() / prevEquity
	}

	row := results.LiveResultRow{
		StrategyID:            strategyID,
		PortfolioID:           o.cfg.PortfolioID,
		Date:                  runDate,
		DailyPnL:              dailyPnL,
		DailyReturn:           dailyReturn,
		DailyTransactionCosts: commissions,
		TotalPnL:              currentValue.Sub(money.MustFromFloat(InitialCapital)),
		CurrentPortfolioValue: currentValue,
		PortfolioLeverage:     marginSnap.GrossLeverage,
		EquityToMarginRatio:   marginSnap.EquityToMarginRatio,
		MarginCushion:         marginSnap.MarginCushion,
		GrossNotional:         marginSnap.GrossNotional,
		NetNotional:           marginSnap.NetNotional,
		MarginPosted:          marginSnap.TotalPostedMargin,
		CashAvailable:         currentValue,
		ActivePositions:       marginSnap.ActivePositions,
	}
	if !finalization.Skipped {
		tradingDays := calendar.TradingDaysBetween(liveStartDate(runDate), runDate, nil)
		row.TotalCumulativeReturn = currentValue.Sub(money.MustFromFloat(InitialCapital)).Float64() / InitialCapital
		row.TotalAnnualizedReturn = calendar.AnnualizedReturnPercent(row.TotalCumulativeReturn, tradingDays)
	}
	return o.store.WriteLiveResultRow(row)
}

// finalizePreviousDayRow rewrites the prior day's live_results row in place
// once settlement-lag PnL for that day is known, and persists the
// just-finalized position book under its own date key.
func (o *Orchestrator) finalizePreviousDayRow(strategyID string, finalization *pnl.FinalizationResult, finalizedDate time.Time) error {
	if finalization.Skipped {
		return nil
	}
	if err := o.store.WritePositions(strategyID, strategyID, o.cfg.PortfolioID, finalizedDate, finalization.FinalizedPositions); err != nil {
		return err
	}
	tradingDays := calendar.TradingDaysBetween(liveStartDate(finalizedDate), finalizedDate, nil)
	cumulative := finalization.FinalizedPortfolioValue.Sub(money.MustFromFloat(InitialCapital)).Float64() / InitialCapital
	annualized := calendar.AnnualizedReturnPercent(cumulative, tradingDays)

	priorRealized, err := o.store.LoadTotalRealizedPnL(strategyID, o.cfg.PortfolioID, previousTradingDay(finalizedDate))
	if err != nil {
		return err
	}
	totalRealizedPnL := priorRealized.Add(finalization.FinalizedDailyPnL)

	return o.store.UpdateFinalizedDay(strategyID, o.cfg.PortfolioID, finalizedDate,
		finalization.FinalizedDailyPnL, finalization.FinalizedPortfolioValue.Sub(money.MustFromFloat(InitialCapital)),
		totalRealizedPnL, finalization.FinalizedPortfolioValue, cumulative, annualized)
}

func previousTradingDay(d time.Time) time.Time {
	prev := d.AddDate(0, 0, -1)
	for prev.Weekday() == time.Saturday || prev.Weekday() == time.Sunday {
		prev = prev.AddDate(0, 0, -1)
	}
	return prev
}

// liveStartDate is a placeholder until run metadata's live_start_date is
// threaded through; using the run date itself as the start yields n=0
// trading days on day one, clamped to 1 by calendar.AnnualizedReturnPercent,
// which is the conservative degenerate case rather than a fabricated
// history.
func liveStartDate(runDate time.Time) time.Time { return runDate }

func (o *Orchestrator) writeCSVSnapshots(runDate time.Time, todayPositions map[string]pnl.Position, finalization *pnl.FinalizationResult) error {
	dir := filepath.Join(o.deps.CSVDir, o.cfg.PortfolioID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.Database, "orchestrator.writeCSVSnapshots", err)
	}

	if err := writePositionsCSV(filepath.Join(dir, "positions_today.csv"), todayPositions); err != nil {
		return err
	}
	if !finalization.Skipped {
		if err := writePositionsCSV(filepath.Join(dir, "positions_finalized_previous.csv"), finalization.FinalizedPositions); err != nil {
			return err
		}
	}
	return nil
}
