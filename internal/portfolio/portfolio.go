// Package portfolio aggregates each enabled strategy's rounded positions
// into one combined book (Phase A), optionally smooths the aggregate
// against turnover (Phase B), and optionally de-risks it against
// portfolio-level limits using a sample covariance of strategy returns
// (Phase C).
package portfolio

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tradecore/internal/apperr"
	"tradecore/internal/logger"
	"tradecore/internal/money"
	"tradecore/internal/registry"
)

// StrategyInput is one enabled strategy's contribution to a portfolio run.
type StrategyInput struct {
	ID         string
	Allocation float64 // normalized share of allocable capital, Σ over strategies == 1
	Positions  map[string]int
	// Returns is a recent daily return series for this strategy, oldest
	// first, used only by Phase C. A series shorter than the configured
	// lookback excludes the strategy from the covariance estimate rather
	// than failing the run.
	Returns []float64
}

// OptimizerConfig is Phase B's tuning.
type OptimizerConfig struct {
	Enabled              bool
	CostPenaltyScalar    float64
	MaxIterations        int
	ConvergenceThreshold float64
}

// RiskConfig is Phase C's tuning.
type RiskConfig struct {
	Enabled          bool
	LookbackPeriod   int
	ConfidenceLevel  float64
	VarLimit         float64
	JumpRiskLimit    float64
	MaxCorrelation   float64
	MaxGrossLeverage float64
	MaxNetLeverage   float64
}

// Config bundles all three phases' knobs. None of these appear in
// config.json, which only exposes per-strategy numerics — they are
// engine-internal defaults, not user-configurable surface.
type Config struct {
	ReservedCapitalPct float64
	Optimizer          OptimizerConfig
	Risk               RiskConfig
}

// DefaultConfig returns the stated defaults: 10% reserved capital,
// Phase C at lookback_period=252, confidence_level=0.99.
func DefaultConfig() Config {
	return Config{
		ReservedCapitalPct: 0.10,
		Optimizer: OptimizerConfig{
			Enabled:              true,
			CostPenaltyScalar:    0.05,
			MaxIterations:        50,
			ConvergenceThreshold: 0.01,
		},
		Risk: RiskConfig{
			Enabled:          true,
			LookbackPeriod:   252,
			ConfidenceLevel:  0.99,
			VarLimit:         0.02,
			JumpRiskLimit:    0.05,
			MaxCorrelation:   0.85,
			MaxGrossLeverage: 4.0,
			MaxNetLeverage:   2.0,
		},
	}
}

// Manager runs the three-phase reconciliation for one daily cycle.
type Manager struct {
	cfg      Config
	registry *registry.Registry
}

// New returns a Manager bound to cfg and an instrument registry (needed
// by Phase C for per-symbol notional via Multiplier).
func New(cfg Config, reg *registry.Registry) *Manager {
	return &Manager{cfg: cfg, registry: reg}
}

// Result is the output of one Run: the combined book, each strategy's
// post-scaling share of it, and anything Phase C flagged.
type Result struct {
	CombinedStrategyID string
	PortfolioPositions map[string]int
	StrategyPositions  map[string]map[string]int
	RecommendedScale   float64
	Breaches           []string
}

// CombinedStrategyID is a pure function: "LIVE_" + the sorted strategy
// ids joined by "_". Invariant under the input order.
func CombinedStrategyID(strategyIDs []string) string {
	sorted := append([]string(nil), strategyIDs...)
	sort.Strings(sorted)
	return "LIVE_" + strings.Join(sorted, "_")
}

// Run executes Phase A, then Phase B and Phase C if enabled. strategies
// need not be pre-sorted; Run processes them in lexicographic id order
// for deterministic output regardless of input order. prices and equity
// are only required when Phase C is enabled.
func (m *Manager) Run(strategies []StrategyInput, priorPositions map[string]int, equity float64, prices map[string]float64) (*Result, error) {
	sorted := append([]StrategyInput(nil), strategies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	ids := make([]string, len(sorted))
	for i, s := range sorted {
		ids[i] = s.ID
	}

	aggregated := m.aggregate(sorted)

	final := aggregated
	if m.cfg.Optimizer.Enabled {
		final = m.optimize(aggregated, priorPositions)
	}

	result := &Result{
		CombinedStrategyID: CombinedStrategyID(ids),
		PortfolioPositions: final,
		RecommendedScale:   1.0,
	}

	if m.cfg.Risk.Enabled {
		scale, breaches, err := m.riskManage(sorted, final, equity, prices)
		if err != nil {
			return nil, err
		}
		result.RecommendedScale = scale
		result.Breaches = breaches
		if scale < 1.0 {
			result.PortfolioPositions = scalePositions(final, scale)
		}
	}

	result.StrategyPositions = allocateBackToStrategies(sorted, result.PortfolioPositions)
	return result, nil
}

// aggregate implements Phase A: for each symbol, Σ allocation_i ·
// position_i(s), sign-preserving, with reserved capital held back from
// the allocable total.
func (m *Manager) aggregate(strategies []StrategyInput) map[string]int {
	allocable := 1.0 - m.cfg.ReservedCapitalPct
	raw := make(map[string]float64)
	for _, s := range strategies {
		for symbol, qty := range s.Positions {
			raw[symbol] += s.Allocation * float64(qty)
		}
	}
	out := make(map[string]int, len(raw))
	for symbol, v := range raw {
		out[symbol] = int(money.BankersRound(v * allocable))
	}
	return out
}

// optimize implements Phase B: minimize tracking error to target subject
// to an L1 turnover penalty against priorPositions, via coordinate
// descent. Each symbol is independent under an L1-turnover penalty (no
// cross-symbol term), so the per-symbol proximal step
//
//	q* = prior + softThreshold(target-prior, costPenaltyScalar/2)
//
// is the closed-form minimizer; the loop below still iterates up to
// MaxIterations and checks ConvergenceThreshold, converging on the
// first pass in practice.
func (m *Manager) optimize(target map[string]int, prior map[string]int) map[string]int {
	symbols := unionKeys(target, prior)
	current := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		current[s] = float64(prior[s])
	}

	halfPenalty := m.cfg.Optimizer.CostPenaltyScalar / 2
	for iter := 0; iter < m.cfg.Optimizer.MaxIterations; iter++ {
		maxDelta := 0.0
		for _, s := range symbols {
			t := float64(target[s])
			p := float64(prior[s])
			next := p + softThreshold(t-p, halfPenalty)
			delta := math.Abs(next - current[s])
			if delta > maxDelta {
				maxDelta = delta
			}
			current[s] = next
		}
		if maxDelta <= m.cfg.Optimizer.ConvergenceThreshold {
			break
		}
	}

	out := make(map[string]int, len(current))
	for s, v := range current {
		out[s] = int(money.BankersRound(v))
	}
	return out
}

func softThreshold(x, t float64) float64 {
	if x > t {
		return x - t
	}
	if x < -t {
		return x + t
	}
	return 0
}

// riskManage implements Phase C: sample covariance of strategy returns
// over the lookback, VaR/jump-risk/correlation/leverage limit checks,
// and a scalar <= 1 that would restore feasibility. Breaches are
// reported, never fatal, unless instrument metadata required for
// leverage is missing.
func (m *Manager) riskManage(strategies []StrategyInput, positions map[string]int, equity float64, prices map[string]float64) (float64, []string, error) {
	qualified := make([]StrategyInput, 0, len(strategies))
	for _, s := range strategies {
		if len(s.Returns) >= m.cfg.Risk.LookbackPeriod {
			qualified = append(qualified, s)
		}
	}

	var breaches []string
	scale := 1.0

	if len(qualified) >= 2 {
		cov, weights := covarianceAndWeights(qualified, m.cfg.Risk.LookbackPeriod)
		portVar := quadraticForm(cov, weights)
		if portVar < 0 {
			portVar = 0
		}
		z := zScoreFor(m.cfg.Risk.ConfidenceLevel)
		varEstimate := z * math.Sqrt(portVar) * equity
		if varEstimate > m.cfg.Risk.VarLimit*equity {
			breaches = append(breaches, "var_limit")
			scale = math.Min(scale, (m.cfg.Risk.VarLimit*equity)/varEstimate)
		}

		jumpRisk := jumpRiskPercentile(qualified, weights, m.cfg.Risk.LookbackPeriod)
		if jumpRisk > m.cfg.Risk.JumpRiskLimit {
			breaches = append(breaches, "jump_risk_limit")
			scale = math.Min(scale, m.cfg.Risk.JumpRiskLimit/jumpRisk)
		}

		if maxCorr := maxPairwiseCorrelation(cov); maxCorr > m.cfg.Risk.MaxCorrelation {
			breaches = append(breaches, "max_correlation")
		}
	} else {
		logger.Warn("PortfolioManager", "fewer than 2 strategies qualify for Phase C covariance (lookback=%d); skipping VaR/correlation checks", m.cfg.Risk.LookbackPeriod)
	}

	grossNotional, netNotional, metadataMissing := notional(positions, prices, m.registry)
	if metadataMissing {
		return 0, nil, apperr.New(apperr.Metadata, "portfolio.riskManage", "instrument metadata missing for leverage computation")
	}
	if equity > 0 {
		gross := grossNotional / equity
		net := math.Abs(netNotional) / equity
		if gross > m.cfg.Risk.MaxGrossLeverage {
			breaches = append(breaches, "max_gross_leverage")
			scale = math.Min(scale, m.cfg.Risk.MaxGrossLeverage/gross)
		}
		if net > m.cfg.Risk.MaxNetLeverage {
			breaches = append(breaches, "max_net_leverage")
			scale = math.Min(scale, m.cfg.Risk.MaxNetLeverage/net)
		}
	}

	if scale < 0 {
		scale = 0
	}
	return scale, breaches, nil
}

// covarianceAndWeights builds the sample covariance matrix of qualifying
// strategies' trailing returns (gonum/stat), and their allocation weights
// renormalized to sum to 1 among just those strategies.
func covarianceAndWeights(strategies []StrategyInput, lookback int) (*mat.SymDense, []float64) {
	n := len(strategies)
	data := mat.NewDense(lookback, n, nil)
	for col, s := range strategies {
		window := s.Returns[len(s.Returns)-lookback:]
		for row, v := range window {
			data.Set(row, col, v)
		}
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	totalAlloc := 0.0
	for _, s := range strategies {
		totalAlloc += s.Allocation
	}
	weights := make([]float64, n)
	for i, s := range strategies {
		if totalAlloc > 0 {
			weights[i] = s.Allocation / totalAlloc
		} else {
			weights[i] = 1.0 / float64(n)
		}
	}
	return &cov, weights
}

func quadraticForm(cov *mat.SymDense, w []float64) float64 {
	n := len(w)
	wVec := mat.NewVecDense(n, w)
	var tmp mat.VecDense
	tmp.MulVec(cov, wVec)
	return mat.Dot(wVec, &tmp)
}

func maxPairwiseCorrelation(cov *mat.SymDense) float64 {
	n, _ := cov.Dims()
	max := 0.0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			si := math.Sqrt(cov.At(i, i))
			sj := math.Sqrt(cov.At(j, j))
			if si <= 0 || sj <= 0 {
				continue
			}
			corr := math.Abs(cov.At(i, j) / (si * sj))
			if corr > max {
				max = corr
			}
		}
	}
	return max
}

// jumpRiskPercentile estimates the portfolio's 99th-percentile single-day
// drop by blending qualifying strategies' trailing returns with their
// covariance weights, then reading the 1st percentile (worst loss) of the
// resulting portfolio-return series.
func jumpRiskPercentile(strategies []StrategyInput, weights []float64, lookback int) float64 {
	portfolioReturns := make([]float64, lookback)
	for t := 0; t < lookback; t++ {
		sum := 0.0
		for i, s := range strategies {
			window := s.Returns[len(s.Returns)-lookback:]
			sum += weights[i] * window[t]
		}
		portfolioReturns[t] = sum
	}
	sorted := append([]float64(nil), portfolioReturns...)
	sort.Float64s(sorted)
	idx := int(math.Floor(0.01 * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	worst := sorted[idx]
	if worst > 0 {
		return 0
	}
	return -worst
}

// zScoreFor returns the one-sided normal quantile for the given
// confidence level. Only 95% and 99% are tabulated; anything else falls
// back to the 99% value as a conservative default.
func zScoreFor(confidence float64) float64 {
	switch {
	case math.Abs(confidence-0.95) < 1e-9:
		return 1.6449
	case math.Abs(confidence-0.99) < 1e-9:
		return 2.3263
	default:
		return 2.3263
	}
}

// notional returns gross (Σ|q|·price·multiplier) and net (Σ q·price·
// multiplier) notional across positions. metadataMissing is true if any
// non-zero position's symbol has no instrument multiplier.
func notional(positions map[string]int, prices map[string]float64, reg *registry.Registry) (gross, net float64, metadataMissing bool) {
	for symbol, qty := range positions {
		if qty == 0 {
			continue
		}
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		mult, err := reg.Multiplier(symbol)
		if err != nil {
			return 0, 0, true
		}
		value := float64(qty) * price * mult
		gross += math.Abs(value)
		net += value
	}
	return gross, net, false
}

func scalePositions(positions map[string]int, scale float64) map[string]int {
	out := make(map[string]int, len(positions))
	for symbol, qty := range positions {
		out[symbol] = int(money.BankersRound(float64(qty) * scale))
	}
	return out
}

// allocateBackToStrategies implements get_strategy_positions(): each
// strategy's final share of symbol s is its proportion of the
// pre-scaling aggregate raw contribution, applied to the final portfolio
// quantity — so Phase B/C adjustments are distributed proportionally
// rather than attributed to one strategy.
func allocateBackToStrategies(strategies []StrategyInput, final map[string]int) map[string]map[string]int {
	out := make(map[string]map[string]int, len(strategies))
	for _, s := range strategies {
		out[s.ID] = make(map[string]int)
	}
	for symbol, finalQty := range final {
		if finalQty == 0 {
			continue
		}
		totalRaw := 0.0
		rawByStrategy := make(map[string]float64, len(strategies))
		for _, s := range strategies {
			contribution := s.Allocation * float64(s.Positions[symbol])
			rawByStrategy[s.ID] = contribution
			totalRaw += contribution
		}
		if totalRaw == 0 {
			continue
		}
		for _, s := range strategies {
			share := rawByStrategy[s.ID] / totalRaw * float64(finalQty)
			if rounded := int(money.BankersRound(share)); rounded != 0 {
				out[s.ID][symbol] = rounded
			}
		}
	}
	return out
}

func unionKeys(a, b map[string]int) []string {
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
