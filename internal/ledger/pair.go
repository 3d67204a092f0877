package ledger

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/evosim/evosim/pkg/metrics"
)

// LedgerPair binds one agent's private ledger to the shared public ledger.
// A successful RecordTrade lands in both or in neither.
type LedgerPair struct {
	private *PrivateLedger
	public  *PublicLedger
	logger  *zap.Logger
}

// NewLedgerPair wires a private ledger to the shared public ledger.
func NewLedgerPair(private *PrivateLedger, public *PublicLedger, logger *zap.Logger) *LedgerPair {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerPair{private: private, public: public, logger: logger.Named("ledger-pair")}
}

// Private returns the agent-authoritative side of the pair.
func (p *LedgerPair) Private() *PrivateLedger { return p.private }

// RecordTrade appends to the private ledger and mirrors into the public
// ledger in one logical transaction. If the mirror fails the private append
// is rolled back and the error surfaced.
func (p *LedgerPair) RecordTrade(t *TradeRecord, role CallerRole) error {
	snap := p.private.snapshot()
	if err := p.private.RecordTrade(t, role); err != nil {
		return err
	}
	if err := p.public.Append(*t); err != nil {
		p.private.restore(snap)
		p.logger.Error("public mirror failed, private append rolled back",
			zap.String("trade_id", t.TradeID.String()), zap.Error(err))
		return fmt.Errorf("public mirror failed: %w", err)
	}
	metrics.TradesRecorded.Inc()
	return nil
}
