// Package strategy implements one trend-following forecast engine
// shared by all three configuration variants (TrendFollowingStrategy /
// …Fast… / …Slow…), parameterized by config.StrategyParams rather than
// three separate implementations.
package strategy

import (
	"math"
	"sort"
	"sync"

	"tradecore/internal/bars"
	"tradecore/internal/config"
	"tradecore/internal/logger"
	"tradecore/internal/money"
	"tradecore/internal/registry"
)

// fdmTable is the forecast diversification multiplier keyed by the
// number of active EMA pairs contributing to a combined forecast.
// Mirrors the shape of the standard trend-following FDM table for small
// rule counts; values beyond the table extend with the last entry.
var fdmTable = map[int]float64{
	1: 1.00,
	2: 1.03,
	3: 1.08,
	4: 1.13,
	5: 1.19,
	6: 1.26,
	7: 1.34,
	8: 1.42,
}

func fdmFor(activePairs int) float64 {
	if activePairs <= 0 {
		return 1.0
	}
	if v, ok := fdmTable[activePairs]; ok {
		return v
	}
	max := 1.0
	for _, v := range fdmTable {
		if v > max {
			max = v
		}
	}
	return max
}

const (
	forecastClamp  = 20.0
	normTargetMean = 10.0
	annualizeDays  = 252.0
)

type emaPairState struct {
	window        config.EMAWindow
	fastEMA       float64
	slowEMA       float64
	initialized   bool
	runningAbsAvg float64 // EWMA of |raw forecast|, used to normalize to mean |x| ~= 10
}

type symbolState struct {
	closes      []float64
	returns     []float64
	pairs       []emaPairState
	forecast    float64
	position    int
	unknownMult bool // true once the registry has told us this symbol has no multiplier
}

// Engine is one strategy's stateful forecast + position computation.
type Engine struct {
	mu         sync.Mutex
	id         string
	params     config.StrategyParams
	registry   *registry.Registry
	capitalAll float64 // capital_allocation: total capital * this strategy's normalized weight
	symbols    map[string]*symbolState
}

// New returns an Engine for strategyID, parameterized by params. capital
// is total trading capital; allocation is this strategy's normalized
// share of it (from config.Config.EnabledAllocations).
func New(strategyID string, params config.StrategyParams, reg *registry.Registry, capital, allocation float64) *Engine {
	return &Engine{
		id:         strategyID,
		params:     params,
		registry:   reg,
		capitalAll: capital * allocation,
		symbols:    make(map[string]*symbolState),
	}
}

func (e *Engine) longestSlowWindow() int {
	longest := 0
	for _, w := range e.params.EMAWindows {
		if w[1] > longest {
			longest = w[1]
		}
	}
	return longest
}

// OnData is the ingestion path: bars for one or more symbols, appended
// to each symbol's history and folded into forecast and
// position state. Bars must be supplied in chronological order per
// symbol; out-of-order input across separate calls quietly violates the
// EMA recursion (no lookahead-detection is performed here — MarketData
// ordering is the caller's contract).
func (e *Engine) OnData(bs []bars.Bar) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	grouped := bars.GroupBySymbol(bs)
	for symbol, series := range grouped {
		st, ok := e.symbols[symbol]
		if !ok {
			st = &symbolState{pairs: make([]emaPairState, len(e.params.EMAWindows))}
			for i, w := range e.params.EMAWindows {
				st.pairs[i].window = w
			}
			e.symbols[symbol] = st
		}
		for _, b := range series {
			e.ingestOne(symbol, st, b)
		}
	}
	return nil
}

func (e *Engine) ingestOne(symbol string, st *symbolState, b bars.Bar) {
	price := b.Close.Float64()
	if len(st.closes) > 0 {
		prev := st.closes[len(st.closes)-1]
		if prev != 0 {
			st.returns = append(st.returns, price/prev-1)
		}
	}
	st.closes = append(st.closes, price)

	longestSlow := e.longestSlowWindow()
	if len(st.closes) < longestSlow {
		st.forecast = 0
		st.position = 0
		return
	}
	sigma := blendedAnnualVol(st.returns, e.params.VolLookbackShort, e.params.VolLookbackLong)

	multiplier, err := e.registry.Multiplier(symbol)
	if err != nil {
		if !st.unknownMult {
			logger.Warn("StrategyEngine", "%s: no instrument metadata for %s, forecast forced to 0", e.id, symbol)
			st.unknownMult = true
		}
		st.forecast = 0
		st.position = 0
		return
	}
	st.unknownMult = false

	active := 0
	sumForecast := 0.0
	for i := range st.pairs {
		p := &st.pairs[i]
		updateEMA(p, price)
		if sigma <= 0 || price <= 0 {
			continue
		}
		raw := (p.fastEMA - p.slowEMA) / (price * sigma / 16)
		normalized := normalizeForecast(p, raw)
		sumForecast += normalized
		active++
	}

	combined := 0.0
	if active > 0 {
		combined = (sumForecast / float64(active)) * fdmFor(active)
	}
	combined = clamp(combined, -forecastClamp, forecastClamp)
	st.forecast = combined

	if sigma <= 0 || price <= 0 || multiplier <= 0 {
		st.position = 0
		return
	}

	targetRaw := combined * e.capitalAll * e.params.RiskTarget * e.params.IDM * e.params.Weight /
		(normTargetMean * price * sigma * multiplier)

	if e.params.UsePositionBuffering {
		buffer := 0.1 * e.capitalAll * e.params.RiskTarget / (price * sigma * multiplier)
		st.position = applyBuffer(targetRaw, buffer, st.position)
	} else {
		st.position = bankersRound(targetRaw)
	}
}

func updateEMA(p *emaPairState, price float64) {
	if !p.initialized {
		p.fastEMA = price
		p.slowEMA = price
		p.initialized = true
		return
	}
	alphaFast := 2.0 / float64(p.window[0]+1)
	alphaSlow := 2.0 / float64(p.window[1]+1)
	p.fastEMA += alphaFast * (price - p.fastEMA)
	p.slowEMA += alphaSlow * (price - p.slowEMA)
}

// normalizeForecast scales raw so its long-run mean |x| tracks ~10, via
// an EWMA of |raw| with a span of 4x the pair's slow window (a slow
// enough span that normalization reacts to regime changes, not single
// days), then clamps to [-20, 20].
func normalizeForecast(p *emaPairState, raw float64) float64 {
	span := float64(4 * p.window[1])
	if span < 2 {
		span = 2
	}
	alpha := 2.0 / (span + 1)
	abs := math.Abs(raw)
	if p.runningAbsAvg == 0 {
		p.runningAbsAvg = abs
	} else {
		p.runningAbsAvg += alpha * (abs - p.runningAbsAvg)
	}
	if p.runningAbsAvg <= 0 {
		return 0
	}
	scaled := raw * (normTargetMean / p.runningAbsAvg)
	return clamp(scaled, -forecastClamp, forecastClamp)
}

// blendedAnnualVol computes sigma = sqrt(0.5*(sigma_short^2 + sigma_long^2))
// annualized by sqrt(252). Returns 0 if there is not enough return
// history for either lookback.
func blendedAnnualVol(returns []float64, short, long int) float64 {
	if len(returns) < short || len(returns) < long {
		return 0
	}
	sigmaShort := stdev(lastN(returns, short))
	sigmaLong := stdev(lastN(returns, long))
	daily := math.Sqrt(0.5 * (sigmaShort*sigmaShort + sigmaLong*sigmaLong))
	return daily * math.Sqrt(annualizeDays)
}

func lastN(x []float64, n int) []float64 {
	if n > len(x) {
		n = len(x)
	}
	return x[len(x)-n:]
}

func stdev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	variance := 0.0
	for _, v := range x {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(x) - 1)
	return math.Sqrt(variance)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// applyBuffer keeps prior whenever it lies within the buffer band around
// targetRaw; otherwise snaps to the nearer edge of the band and rounds.
func applyBuffer(targetRaw, halfWidth float64, prior int) int {
	lower := targetRaw - halfWidth
	upper := targetRaw + halfWidth
	p := float64(prior)
	if p >= lower && p <= upper {
		return prior
	}
	if p < lower {
		return bankersRound(lower)
	}
	return bankersRound(upper)
}

// bankersRound rounds to the nearest integer, ties to even ("banker's
// rounding").
func bankersRound(v float64) int {
	return int(money.BankersRound(v))
}

// GetForecast returns the most recent forecast for symbol. An unknown
// symbol or a symbol with insufficient history yields 0, never an
// error.
func (e *Engine) GetForecast(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[symbol]
	if !ok {
		return 0
	}
	return st.forecast
}

// GetPosition returns the most recent rounded target position for symbol.
func (e *Engine) GetPosition(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.symbols[symbol]
	if !ok {
		return 0
	}
	return st.position
}

// Positions returns a snapshot of every symbol's current rounded
// position, for PortfolioManager aggregation.
func (e *Engine) Positions() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.symbols))
	for symbol, st := range e.symbols {
		out[symbol] = st.position
	}
	return out
}

// Symbols returns the tracked symbol set in sorted order, for
// deterministic iteration by callers.
func (e *Engine) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ID returns the strategy identifier this Engine was constructed with.
func (e *Engine) ID() string { return e.id }
