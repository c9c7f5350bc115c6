// Package margin implements per-symbol notional and margin aggregation,
// priced at the T-1 close (the beginning-of-day model shared with the
// execution package).
package margin

import (
	"fmt"
	"sort"
	"strings"

	"tradecore/internal/apperr"
	"tradecore/internal/logger"
	"tradecore/internal/money"
	"tradecore/internal/registry"
)

// Snapshot is the aggregate margin/leverage picture for one portfolio on
// one day, feeding a daily result row.
type Snapshot struct {
	GrossNotional          float64
	NetNotional            float64
	TotalPostedMargin      float64
	MaintenanceRequirement float64
	GrossLeverage          float64 // gross_notional / equity
	EquityToMarginRatio    float64 // gross_notional / posted_margin, 0 if posted == 0
	MarginCushion          float64 // (equity - maintenance) / equity
	ActivePositions        int
	Warnings               []string
}

// Manager computes Snapshots from a position book and prior-day closes.
type Manager struct {
	registry *registry.Registry
}

// New returns a Manager bound to an instrument registry.
func New(reg *registry.Registry) *Manager {
	return &Manager{registry: reg}
}

// Compute builds the margin snapshot for positions priced at
// previousCloses (T-1), against equity. Missing instrument metadata for
// any non-zero position aborts with MetadataError; a non-positive
// margin value on an instrument that IS present is InvalidData.
func (m *Manager) Compute(positions map[string]int, previousCloses map[string]money.Decimal, equity float64) (*Snapshot, error) {
	snap := &Snapshot{}

	symbols := make([]string, 0, len(positions))
	for s, q := range positions {
		if q != 0 {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		q := positions[symbol]
		price, ok := previousCloses[symbol]
		if !ok {
			return nil, apperr.New(apperr.DataNotFound, "margin.Compute", "no T-1 close for "+symbol)
		}
		inst, err := m.registry.Get(symbol)
		if err != nil {
			return nil, apperr.Wrap(apperr.Metadata, "margin.Compute", err)
		}
		if inst.InitialMargin.Sign() <= 0 || inst.MaintenanceMargin.Sign() <= 0 {
			return nil, apperr.New(apperr.InvalidData, "margin.Compute", "non-positive margin metadata for "+symbol)
		}

		notional := float64(q) * price.Float64() * inst.Multiplier
		snap.GrossNotional += abs(notional)
		snap.NetNotional += notional
		snap.TotalPostedMargin += absInt(q) * inst.InitialMargin.Float64()
		snap.MaintenanceRequirement += absInt(q) * inst.MaintenanceMargin.Float64()
		snap.ActivePositions++
	}

	if snap.ActivePositions > 0 && snap.TotalPostedMargin <= 0 {
		return nil, apperr.New(apperr.InvalidData, "margin.Compute", "posted margin must be positive with active positions")
	}

	if equity > 0 {
		snap.GrossLeverage = snap.GrossNotional / equity
		snap.MarginCushion = (equity - snap.MaintenanceRequirement) / equity
	}
	if snap.TotalPostedMargin > 0 {
		snap.EquityToMarginRatio = snap.GrossNotional / snap.TotalPostedMargin
	}

	if snap.ActivePositions > 0 {
		switch {
		case snap.EquityToMarginRatio > 4:
			snap.Warnings = append(snap.Warnings, "equity_to_margin_ratio exceeds 4")
			logger.Warn("MarginManager", "equity_to_margin_ratio %.2f exceeds 4", snap.EquityToMarginRatio)
		case snap.EquityToMarginRatio > 1:
			snap.Warnings = append(snap.Warnings, "equity_to_margin_ratio exceeds 1")
			logger.Warn("MarginManager", "equity_to_margin_ratio %.2f exceeds 1", snap.EquityToMarginRatio)
		}
	}

	return snap, nil
}

// Summary renders a human-readable multi-line margin report: a
// plain-text rendering, not a persisted row.
func (s *Snapshot) Summary(portfolioID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Margin summary for %s\n", portfolioID)
	fmt.Fprintf(&b, "  active positions:        %d\n", s.ActivePositions)
	fmt.Fprintf(&b, "  gross notional:           %.2f\n", s.GrossNotional)
	fmt.Fprintf(&b, "  net notional:             %.2f\n", s.NetNotional)
	fmt.Fprintf(&b, "  posted margin:            %.2f\n", s.TotalPostedMargin)
	fmt.Fprintf(&b, "  maintenance requirement:  %.2f\n", s.MaintenanceRequirement)
	fmt.Fprintf(&b, "  gross leverage:           %.2fx\n", s.GrossLeverage)
	fmt.Fprintf(&b, "  equity/margin ratio:      %.2f\n", s.EquityToMarginRatio)
	fmt.Fprintf(&b, "  margin cushion:           %.2f\n", s.MarginCushion)
	for _, w := range s.Warnings {
		fmt.Fprintf(&b, "  WARNING: %s\n", w)
	}
	return b.String()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func absInt(v int) float64 {
	if v < 0 {
		return float64(-v)
	}
	return float64(v)
}
