// Package registry implements a read-only, process-wide singleton
// catalog of contract multiplier, tick size, margin requirements,
// commission and trading calendar. The instrument metadata table itself
// is a collaborator behind the narrow Source interface below.
package registry

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"tradecore/internal/apperr"
	"tradecore/internal/money"
)

// Instrument is the catalog entry for one root symbol.
type Instrument struct {
	Symbol                string
	Multiplier            float64
	TickSize              float64
	InitialMargin         money.Decimal
	MaintenanceMargin     money.Decimal
	CommissionPerContract money.Decimal
	TradingHours          string
	Expiry                *time.Time
}

// Source is the collaborator that supplies instrument rows — the
// instrument metadata table.
type Source interface {
	LoadInstruments(ctx context.Context) ([]Instrument, error)
}

var rollSuffix = regexp.MustCompile(`\.(v|c)\.\d+$`)

// NormalizeSymbol strips a roll suffix (".v.N", ".c.N") to find the
// registry root; the full symbol is preserved by callers for storage
// keys.
func NormalizeSymbol(symbol string) string {
	return rollSuffix.ReplaceAllString(symbol, "")
}

// fallbackMultipliers is a hardcoded per-root point-value table, used
// only when the registry Source has no row for a symbol — a
// best-effort fallback, not a substitute for real metadata.
var fallbackMultipliers = []struct {
	contains string
	value    float64
}{
	{"NQ", 20.0},
	{"YM", 5.0},
	{"RTY", 50.0},
	{"CL", 1000.0},
	{"RB", 42000.0},
	{"HG", 25000.0},
	{"GC", 100.0},
	{"SI", 5000.0},
	{"ZC", 50.0},
	{"ZS", 50.0},
	{"ZM", 100.0},
	{"ZL", 60000.0},
	{"ZW", 50.0},
	{"ZR", 2000.0},
}

func fallbackMultiplier(symbol string) (float64, bool) {
	if strings.HasPrefix(symbol, "6") {
		return 100000.0, true // currency futures
	}
	for _, f := range fallbackMultipliers {
		if strings.Contains(symbol, f.contains) {
			return f.value, true
		}
	}
	return 0, false
}

// Registry is the process-wide instrument catalog singleton.
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
	loaded      atomic.Bool
	group       singleflight.Group
}

// New returns an empty, unloaded Registry.
func New() *Registry {
	return &Registry{instruments: make(map[string]Instrument)}
}

// Load fetches the catalog from source exactly once; a concurrent
// duplicate call collapses onto the in-flight load via singleflight
// instead of re-querying the source. The registry is a process-wide
// read-only singleton, initialized before any strategy is created and
// published via a fence — here, the atomic.Bool Loaded flag.
func (r *Registry) Load(ctx context.Context, source Source) error {
	if r.loaded.Load() {
		return nil
	}
	_, err, _ := r.group.Do("load", func() (any, error) {
		rows, err := source.LoadInstruments(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.Database, "registry.Load", err)
		}
		r.mu.Lock()
		for _, inst := range rows {
			if inst.Multiplier <= 0 {
				r.mu.Unlock()
				return nil, apperr.New(apperr.InvalidData, "registry.Load", "non-positive multiplier for "+inst.Symbol)
			}
			if inst.MaintenanceMargin.Cmp(inst.InitialMargin) > 0 {
				r.mu.Unlock()
				return nil, apperr.New(apperr.InvalidData, "registry.Load", "maintenance margin exceeds initial margin for "+inst.Symbol)
			}
			r.instruments[NormalizeSymbol(inst.Symbol)] = inst
		}
		r.mu.Unlock()
		r.loaded.Store(true)
		return nil, nil
	})
	return err
}

// Loaded reports whether Load has completed at least once.
func (r *Registry) Loaded() bool { return r.loaded.Load() }

// Get returns the full catalog entry for symbol (after roll-suffix
// normalization), or a MetadataError.
func (r *Registry) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[NormalizeSymbol(symbol)]
	if !ok {
		return Instrument{}, apperr.New(apperr.Metadata, "registry.Get", "instrument not found: "+symbol)
	}
	return inst, nil
}

// Symbols returns the sorted set of root symbols currently catalogued,
// the instrument universe the orchestrator loads bars for.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instruments))
	for s := range r.instruments {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Multiplier returns the contract multiplier for symbol, falling back
// to the hardcoded point-value table when the registry has no row,
// before finally raising MetadataError.
func (r *Registry) Multiplier(symbol string) (float64, error) {
	inst, err := r.Get(symbol)
	if err == nil {
		return inst.Multiplier, nil
	}
	if v, ok := fallbackMultiplier(NormalizeSymbol(symbol)); ok {
		return v, nil
	}
	return 0, apperr.New(apperr.Metadata, "registry.Multiplier", "no multiplier available for "+symbol)
}
