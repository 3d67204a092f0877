package ledger

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PublicLedger is the system-wide, append-only mirror of every trade record.
// It serves audits and statistics only; agent decision paths never read it,
// so no information leaks between agents.
type PublicLedger struct {
	mu      sync.RWMutex
	records []TradeRecord
	index   map[uuid.UUID]int
	voided  map[uuid.UUID]bool
	logger  *zap.Logger
}

// NewPublicLedger creates an empty public ledger.
func NewPublicLedger(logger *zap.Logger) *PublicLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublicLedger{
		index:  make(map[uuid.UUID]int),
		voided: make(map[uuid.UUID]bool),
		logger: logger.Named("public-ledger"),
	}
}

// Append mirrors a trade record. Records are never replaced; a duplicate
// trade id is rejected.
func (p *PublicLedger) Append(t TradeRecord) error {
	if !t.Amount.IsPositive() || !t.Price.IsPositive() {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[t.TradeID]; ok {
		return ErrDuplicateTrade
	}
	p.index[t.TradeID] = len(p.records)
	p.records = append(p.records, t.clone())
	return nil
}

// Len returns the number of live (non-voided) records.
func (p *PublicLedger) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records) - len(p.voided)
}

// RecordsForAgent returns copies of the live records mirrored for one agent.
func (p *PublicLedger) RecordsForAgent(agentID uuid.UUID) []TradeRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []TradeRecord
	for i := range p.records {
		if p.records[i].AgentID != agentID || p.voided[p.records[i].TradeID] {
			continue
		}
		out = append(out, p.records[i].clone())
	}
	return out
}

// Totals returns system-wide realized pnl and fees over live records.
// Only closed legs carry pnl; open legs are skipped, never defaulted to zero.
func (p *PublicLedger) Totals() (realized, fees decimal.Decimal) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for i := range p.records {
		if p.voided[p.records[i].TradeID] {
			continue
		}
		fees = fees.Add(p.records[i].Fee)
		if p.records[i].RealizedPnL != nil {
			realized = realized.Add(*p.records[i].RealizedPnL)
		}
	}
	return realized, fees
}

// OpenFees returns the fees paid on legs whose pnl is not yet realized.
// Close-leg fees are already netted into realized pnl, so conservation
// checks must subtract only these.
func (p *PublicLedger) OpenFees() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fees := decimal.Zero
	for i := range p.records {
		if p.voided[p.records[i].TradeID] {
			continue
		}
		if p.records[i].RealizedPnL == nil {
			fees = fees.Add(p.records[i].Fee)
		}
	}
	return fees
}

// correct overwrites a mirrored record's realized pnl from the authoritative
// private copy. Reconciliation only.
func (p *PublicLedger) correct(tradeID uuid.UUID, pnl *decimal.Decimal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.index[tradeID]
	if !ok {
		return false
	}
	if pnl != nil {
		v := *pnl
		p.records[i].RealizedPnL = &v
	} else {
		p.records[i].RealizedPnL = nil
	}
	p.logger.Warn("public record corrected from private ledger",
		zap.String("trade_id", tradeID.String()))
	return true
}

// void marks a mirrored record that has no private counterpart. The slice
// stays append-only; voided records are just excluded from audit totals.
func (p *PublicLedger) void(tradeID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[tradeID]; !ok {
		return false
	}
	if p.voided[tradeID] {
		return false
	}
	p.voided[tradeID] = true
	p.logger.Warn("public record voided, no private counterpart",
		zap.String("trade_id", tradeID.String()))
	return true
}
