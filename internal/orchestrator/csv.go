package orchestrator

import (
	"encoding/csv"
	"os"
	"sort"
	"strconv"

	"tradecore/internal/apperr"
	"tradecore/internal/pnl"
)

// writePositionsCSV renders one of the two per-run file outputs: a flat
// snapshot of a position book, sorted by symbol for a stable diff across
// reruns. This is the one CSV-writing concern the core owns directly, so
// encoding/csv is the right tool rather than a dedicated report layer.
func writePositionsCSV(path string, positions map[string]pnl.Position) error {
	f, err := os.Create(path)
	if err != nil {
		return apperr.Wrap(apperr.Database, "orchestrator.writePositionsCSV", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"symbol", "quantity", "average_price", "realized_pnl", "unrealized_pnl", "last_update"}); err != nil {
		return apperr.Wrap(apperr.Database, "orchestrator.writePositionsCSV", err)
	}

	symbols := make([]string, 0, len(positions))
	for s := range positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, s := range symbols {
		p := positions[s]
		row := []string{
			p.Symbol,
			strconv.Itoa(p.Quantity),
			p.AveragePrice.String(),
			p.RealizedPnL.String(),
			p.UnrealizedPnL.String(),
			p.LastUpdate.UTC().Format("2006-01-02"),
		}
		if err := w.Write(row); err != nil {
			return apperr.Wrap(apperr.Database, "orchestrator.writePositionsCSV", err)
		}
	}
	return w.Error()
}
