package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// pnlEpsilon is the tolerance for realized-pnl drift between the private
// history and its public mirror.
var pnlEpsilon = decimal.New(1, -9)

// MismatchKind classifies one reconciliation finding.
type MismatchKind string

const (
	MismatchMissingInPublic  MismatchKind = "missing_in_public"
	MismatchMissingInPrivate MismatchKind = "missing_in_private"
	MismatchPnLDrift         MismatchKind = "pnl_drift"
)

// MismatchAction is one corrective step taken during reconciliation. The
// private ledger is the source of truth for an agent's own state, so every
// correction re-syncs the public mirror from the private history.
type MismatchAction struct {
	Kind    MismatchKind `json:"kind"`
	TradeID uuid.UUID    `json:"trade_id"`
}

// ReconciliationReport summarizes one reconciliation pass.
type ReconciliationReport struct {
	AgentID uuid.UUID        `json:"agent_id"`
	Checked int              `json:"checked"`
	Actions []MismatchAction `json:"actions"`
}

// Clean reports whether the pass found nothing to correct.
func (r *ReconciliationReport) Clean() bool { return len(r.Actions) == 0 }

// Reconcile compares the private history against the public mirror for the
// same agent and corrects the mirror in place. Running it twice with no
// intervening trades yields zero actions the second time.
func (p *LedgerPair) Reconcile() ReconciliationReport {
	agentID := p.private.AgentID()
	report := ReconciliationReport{AgentID: agentID}

	private := p.private.History()
	mirrored := p.public.RecordsForAgent(agentID)

	byID := make(map[uuid.UUID]*TradeRecord, len(mirrored))
	for i := range mirrored {
		byID[mirrored[i].TradeID] = &mirrored[i]
	}

	seen := make(map[uuid.UUID]bool, len(private))
	for i := range private {
		rec := &private[i]
		seen[rec.TradeID] = true
		report.Checked++

		pub, ok := byID[rec.TradeID]
		if !ok {
			if err := p.public.Append(*rec); err == nil {
				report.Actions = append(report.Actions, MismatchAction{
					Kind:    MismatchMissingInPublic,
					TradeID: rec.TradeID,
				})
			}
			continue
		}
		if pnlDrifts(rec.RealizedPnL, pub.RealizedPnL) {
			if p.public.correct(rec.TradeID, rec.RealizedPnL) {
				report.Actions = append(report.Actions, MismatchAction{
					Kind:    MismatchPnLDrift,
					TradeID: rec.TradeID,
				})
			}
		}
	}

	for i := range mirrored {
		if seen[mirrored[i].TradeID] {
			continue
		}
		report.Checked++
		if p.public.void(mirrored[i].TradeID) {
			report.Actions = append(report.Actions, MismatchAction{
				Kind:    MismatchMissingInPrivate,
				TradeID: mirrored[i].TradeID,
			})
		}
	}

	if !report.Clean() {
		p.logger.Warn("reconciliation corrected public mirror",
			zap.String("agent_id", agentID.String()),
			zap.Int("actions", len(report.Actions)))
	}
	return report
}

func pnlDrifts(private, public *decimal.Decimal) bool {
	if (private == nil) != (public == nil) {
		return true
	}
	if private == nil {
		return false
	}
	return private.Sub(*public).Abs().GreaterThan(pnlEpsilon)
}
