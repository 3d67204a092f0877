// Package pool implements the shared capital reservoir. Every unit of
// capital in the system is either available here or held inside a live
// agent's ledger; the reconcile check enforces that, and a failure means
// capital was created or destroyed, which is always a bug.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evosim/evosim/pkg/metrics"
)

// ErrInvalidAmount rejects non-positive invest/reclaim amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// toleranceRatio bounds the acceptable conservation discrepancy relative to
// total invested capital.
var toleranceRatio = decimal.New(1, -6)

// CapitalPool tracks all capital ever invested, allocated to agents, and
// reclaimed from them. Totals are monotonic; available never goes negative.
type CapitalPool struct {
	mu sync.Mutex

	invested  decimal.Decimal
	allocated decimal.Decimal
	reclaimed decimal.Decimal

	logger *zap.Logger
}

// NewCapitalPool creates an empty pool.
func NewCapitalPool(logger *zap.Logger) *CapitalPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CapitalPool{logger: logger.Named("capital-pool")}
}

// Invest adds outside capital to the pool. There is no upper bound.
func (p *CapitalPool) Invest(amount decimal.Decimal, sourceTag string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: invest %s", ErrInvalidAmount, amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invested = p.invested.Add(amount)
	p.publishLocked()
	p.logger.Info("capital invested",
		zap.String("amount", amount.String()),
		zap.String("source", sourceTag),
		zap.String("available", p.availableLocked().String()))
	return nil
}

// Withdraw allocates up to the requested amount and returns what was
// actually granted. It never blocks and never goes negative; a dry pool
// grants zero, and the caller must handle partial or zero allocation.
func (p *CapitalPool) Withdraw(requested decimal.Decimal, purposeTag string) decimal.Decimal {
	if !requested.IsPositive() {
		return decimal.Zero
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	granted := decimal.Min(requested, p.availableLocked())
	if !granted.IsPositive() {
		return decimal.Zero
	}
	p.allocated = p.allocated.Add(granted)
	p.publishLocked()
	p.logger.Debug("capital withdrawn",
		zap.String("requested", requested.String()),
		zap.String("granted", granted.String()),
		zap.String("purpose", purposeTag))
	return granted
}

// Reclaim returns capital to the pool: residuals of eliminated or retired
// agents and breeding taxes.
func (p *CapitalPool) Reclaim(amount decimal.Decimal, sourceTag string) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: reclaim %s", ErrInvalidAmount, amount)
	}
	if amount.IsZero() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reclaimed = p.reclaimed.Add(amount)
	p.publishLocked()
	p.logger.Debug("capital reclaimed",
		zap.String("amount", amount.String()),
		zap.String("source", sourceTag))
	return nil
}

// Available returns invested - allocated + reclaimed.
func (p *CapitalPool) Available() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked()
}

// Invested returns total capital ever invested.
func (p *CapitalPool) Invested() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invested
}

// Allocated returns total capital ever allocated to agents.
func (p *CapitalPool) Allocated() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Reclaimed returns total capital ever reclaimed from agents.
func (p *CapitalPool) Reclaimed() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reclaimed
}

func (p *CapitalPool) availableLocked() decimal.Decimal {
	return p.invested.Sub(p.allocated).Add(p.reclaimed)
}

func (p *CapitalPool) publishLocked() {
	metrics.PoolInvested.Set(p.invested.InexactFloat64())
	metrics.PoolAvailable.Set(p.availableLocked().InexactFloat64())
	metrics.PoolReclaimed.Set(p.reclaimed.InexactFloat64())
}

// ReconcileReport is the outcome of a conservation check.
type ReconcileReport struct {
	Passed      bool            `json:"passed"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
	Tolerance   decimal.Decimal `json:"tolerance"`
}

// Reconcile verifies global conservation: capital held by live agents plus
// the pool's available balance must equal everything ever invested adjusted
// by net trading pnl and fees paid to the market. The caller supplies the
// live capital sum at the current mark price, net pnl (realized plus
// unrealized of live agents), and the fees not already netted into that
// pnl, all derived from the ledgers. Tolerance is 1e-6 x invested.
func (p *CapitalPool) Reconcile(liveCapital, netPnL, fees decimal.Decimal) ReconcileReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	expected := p.invested.Add(netPnL).Sub(fees)
	actual := liveCapital.Add(p.availableLocked())
	discrepancy := expected.Sub(actual)

	tolerance := p.invested.Mul(toleranceRatio)
	if tolerance.LessThan(toleranceRatio) {
		tolerance = toleranceRatio
	}

	report := ReconcileReport{
		Passed:      discrepancy.Abs().LessThanOrEqual(tolerance),
		Discrepancy: discrepancy,
		Tolerance:   tolerance,
	}
	if !report.Passed {
		metrics.ReconciliationFailures.Inc()
		p.logger.Error("conservation check failed",
			zap.String("discrepancy", discrepancy.String()),
			zap.String("expected", expected.String()),
			zap.String("actual", actual.String()))
	}
	return report
}
