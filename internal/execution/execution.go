// Package execution turns a strategy's position delta into synthetic
// ExecutionReports priced at the T-1 close, with a deterministic
// order_id so reruns are idempotent.
package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"tradecore/internal/apperr"
	"tradecore/internal/money"
	"tradecore/internal/registry"
)

// Side is the execution direction.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ExecutionReport is one synthetic fill.
type ExecutionReport struct {
	OrderID               string
	StrategyID            string
	PortfolioID           string
	Symbol                string
	Side                  Side
	Quantity              int
	FillPrice             money.Decimal
	Commission            money.Decimal
	ImpactCost            money.Decimal
	TotalTransactionCosts money.Decimal
	ExecutionTime         time.Time
}

// impactCoefficient scales the square-root market-impact term (a common
// execution-cost model: cost ∝ volatility · √(size / average volume)).
// No venue microstructure data is available to this core, so this stays
// a coarse estimate rather than a calibrated fit.
const impactCoefficient = 0.10

type symbolStats struct {
	volumeEWMA     float64
	lastClose      money.Decimal
	haveLastClose  bool
	volatilityEWMA float64 // EWMA of squared daily return
}

// Manager generates execution reports and tracks the rolling volume/
// volatility state behind the impact-cost term.
type Manager struct {
	registry   *registry.Registry
	impactSpan float64
	stats      map[string]*symbolStats
}

// New returns a Manager. impactSpan is the EWMA span (in days) used by
// UpdateMarketData for both the volume and volatility rollups.
func New(reg *registry.Registry, impactSpan float64) *Manager {
	if impactSpan <= 0 {
		impactSpan = 20
	}
	return &Manager{registry: reg, impactSpan: impactSpan, stats: make(map[string]*symbolStats)}
}

// UpdateMarketData maintains the rolling EWMA of volume and of squared
// daily return (a volatility proxy) used by the impact term.
func (m *Manager) UpdateMarketData(symbol string, volume int64, close money.Decimal) {
	st, ok := m.stats[symbol]
	if !ok {
		st = &symbolStats{}
		m.stats[symbol] = st
	}
	alpha := 2.0 / (m.impactSpan + 1)

	if st.volumeEWMA == 0 {
		st.volumeEWMA = float64(volume)
	} else {
		st.volumeEWMA += alpha * (float64(volume) - st.volumeEWMA)
	}

	if st.haveLastClose && !st.lastClose.IsZero() {
		ret := close.Float64()/st.lastClose.Float64() - 1
		sq := ret * ret
		if st.volatilityEWMA == 0 {
			st.volatilityEWMA = sq
		} else {
			st.volatilityEWMA += alpha * (sq - st.volatilityEWMA)
		}
	}
	st.lastClose = close
	st.haveLastClose = true
}

// Generate builds the execution reports implied by moving from
// priorPositions to newPositions for one strategy, priced at prevCloses
// (required to be the T-1 close for every symbol touched).
func (m *Manager) Generate(strategyID, portfolioID string, newPositions, priorPositions map[string]int, prevCloses map[string]money.Decimal, executionTime time.Time) ([]ExecutionReport, error) {
	symbols := unionSymbols(newPositions, priorPositions)
	var reports []ExecutionReport

	for _, symbol := range symbols {
		qNew := newPositions[symbol]
		qOld := priorPositions[symbol]
		delta := qNew - qOld
		if delta == 0 {
			continue
		}

		price, ok := prevCloses[symbol]
		if !ok {
			return nil, apperr.New(apperr.DataNotFound, "execution.Generate", "no T-1 close for "+symbol)
		}

		if sign(qNew)*sign(qOld) < 0 {
			closeSide := Buy
			if qOld > 0 {
				closeSide = Sell
			}
			reports = append(reports, m.buildReport(strategyID, portfolioID, symbol, closeSide, abs(qOld), price, executionTime))

			openSide := Buy
			if qNew < 0 {
				openSide = Sell
			}
			reports = append(reports, m.buildReport(strategyID, portfolioID, symbol, openSide, abs(qNew), price, executionTime))
			continue
		}

		side := Sell
		if delta > 0 {
			side = Buy
		}
		reports = append(reports, m.buildReport(strategyID, portfolioID, symbol, side, abs(delta), price, executionTime))
	}
	return reports, nil
}

func (m *Manager) buildReport(strategyID, portfolioID, symbol string, side Side, qty int, price money.Decimal, executionTime time.Time) ExecutionReport {
	commissionPerContract := money.Zero
	if inst, err := m.registry.Get(symbol); err == nil {
		commissionPerContract = inst.CommissionPerContract
	}
	commission := commissionPerContract.MulInt64(int64(qty))
	impact := m.impactCost(symbol, qty, price)
	total := commission.Add(impact)

	return ExecutionReport{
		OrderID:               OrderID(strategyID, portfolioID, symbol, executionTime, side, qty),
		StrategyID:            strategyID,
		PortfolioID:           portfolioID,
		Symbol:                symbol,
		Side:                  side,
		Quantity:              qty,
		FillPrice:             price,
		Commission:            commission,
		ImpactCost:            impact,
		TotalTransactionCosts: total,
		ExecutionTime:         executionTime,
	}
}

func (m *Manager) impactCost(symbol string, qty int, price money.Decimal) money.Decimal {
	st, ok := m.stats[symbol]
	if !ok || st.volumeEWMA <= 0 {
		return money.Zero
	}
	vol := math.Sqrt(st.volatilityEWMA)
	sizeRatio := math.Sqrt(math.Abs(float64(qty)) / st.volumeEWMA)
	perContract := impactCoefficient * vol * sizeRatio * price.Float64()
	return money.MustFromFloat(perContract * math.Abs(float64(qty)))
}

// OrderID is a pure, deterministic function: a stable hash of
// (strategy, portfolio, symbol, date, side, rounded qty), so replays
// produce identical ids and a pre-insert delete-by-order_id removes
// stale rows.
func OrderID(strategyID, portfolioID, symbol string, date time.Time, side Side, qty int) string {
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%d", strategyID, portfolioID, symbol, date.UTC().Format("2006-01-02"), side, qty)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func unionSymbols(a, b map[string]int) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
