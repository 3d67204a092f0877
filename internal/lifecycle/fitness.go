package lifecycle

import (
	"math"

	"github.com/shopspring/decimal"
)

// Metric selects the fitness function used for ranking.
type Metric string

const (
	MetricProfitFactor Metric = "profit_factor"
	MetricROI          Metric = "roi"
	MetricSharpe       Metric = "sharpe"
)

// profitFactorCap bounds the score of agents with wins and no losses so a
// single lucky trade cannot dominate the ranking forever.
const profitFactorCap = 1000.0

// Fitness scores an agent under the selected metric. Higher is better.
func Fitness(a *Agent, markPrice decimal.Decimal, metric Metric) float64 {
	switch metric {
	case MetricROI:
		return roi(a, markPrice)
	case MetricSharpe:
		return sharpe(a)
	default:
		return profitFactor(a)
	}
}

// profitFactor is gross profit over gross loss across closed trade legs.
// No closed legs scores zero; wins with zero losses are capped.
func profitFactor(a *Agent) float64 {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, t := range a.Ledger().History() {
		if t.RealizedPnL == nil {
			continue
		}
		if t.RealizedPnL.IsNegative() {
			grossLoss = grossLoss.Add(t.RealizedPnL.Abs())
		} else {
			grossProfit = grossProfit.Add(*t.RealizedPnL)
		}
	}
	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return 0
		}
		return profitFactorCap
	}
	pf, _ := grossProfit.Div(grossLoss).Float64()
	return math.Min(pf, profitFactorCap)
}

// roi is the marked return on the agent's initial capital.
func roi(a *Agent, markPrice decimal.Decimal) float64 {
	initial := a.Ledger().InitialCapital()
	if !initial.IsPositive() {
		return 0
	}
	r, _ := a.Ledger().Balance(markPrice).Sub(initial).Div(initial).Float64()
	return r
}

// sharpe is mean over standard deviation of the agent's per-cycle return
// series. Fewer than two observations, or a flat series, scores zero.
func sharpe(a *Agent) float64 {
	n := len(a.returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range a.returns {
		sum += r
	}
	mean := sum / float64(n)

	var variance float64
	for _, r := range a.returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(n)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance)
}
