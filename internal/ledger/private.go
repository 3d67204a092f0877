// Package ledger implements the double-entry bookkeeping layer: a private
// ledger per agent (authoritative for that agent's state) mirrored into a
// system-wide public ledger used only for audits.
//
// Invariant: cash plus the entry value of open positions always equals the
// sum of all signed cash flows in the trade history. A ledger in isolation
// never creates or destroys value; only recorded trades move it.
package ledger

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Position is an open exposure at a volume-weighted entry price.
type Position struct {
	Amount     decimal.Decimal `json:"amount"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// IsOpen reports whether any exposure remains.
func (p Position) IsOpen() bool { return p.Amount.IsPositive() }

// PrivateLedger records one agent's trades and maintains its cash and
// position balances. Shorts post full entry notional as margin, so marked
// value of a short is margin plus unrealized pnl.
type PrivateLedger struct {
	mu sync.Mutex

	agentID        uuid.UUID
	cash           decimal.Decimal
	long           Position
	short          Position
	history        []TradeRecord
	initialCapital decimal.Decimal

	// running aggregates over the history, kept for fitness and audits
	feesPaid decimal.Decimal
	realized decimal.Decimal

	logger *zap.Logger
}

// NewPrivateLedger creates a ledger seeded with the agent's initial capital.
// Initial capital is immutable after creation.
func NewPrivateLedger(agentID uuid.UUID, initialCapital decimal.Decimal, logger *zap.Logger) *PrivateLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrivateLedger{
		agentID:        agentID,
		cash:           initialCapital,
		initialCapital: initialCapital,
		logger:         logger.Named("ledger").With(zap.String("agent_id", agentID.String())),
	}
}

// AgentID returns the owning agent's id.
func (l *PrivateLedger) AgentID() uuid.UUID { return l.agentID }

// InitialCapital returns the capital the ledger was created with.
func (l *PrivateLedger) InitialCapital() decimal.Decimal { return l.initialCapital }

// RecordTrade appends a trade and updates cash and positions atomically.
// Only the owning agent and the system may write. Close legs get their
// realized pnl computed and set on the record before it is stored.
func (l *PrivateLedger) RecordTrade(t *TradeRecord, role CallerRole) error {
	if role != RoleAgent && role != RoleSystem {
		return fmt.Errorf("%w: role %s cannot write trades", ErrUnauthorizedCaller, role)
	}
	if t == nil || !t.Amount.IsPositive() || !t.Price.IsPositive() {
		return ErrInvalidAmount
	}
	if t.AgentID != l.agentID {
		return fmt.Errorf("%w: trade belongs to agent %s", ErrUnauthorizedCaller, t.AgentID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	notional := t.Notional()

	switch t.Side {
	case SideBuy:
		cost := notional.Add(t.Fee)
		if l.cash.LessThan(cost) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, cost, l.cash)
		}
		l.cash = l.cash.Sub(cost)
		l.long = extend(l.long, t.Amount, t.Price)
		t.PositionSide = PositionLong
		t.RealizedPnL = nil

	case SideShort:
		// full entry notional posted as margin
		cost := notional.Add(t.Fee)
		if l.cash.LessThan(cost) {
			return fmt.Errorf("%w: need %s margin, have %s", ErrInsufficientBalance, cost, l.cash)
		}
		l.cash = l.cash.Sub(cost)
		l.short = extend(l.short, t.Amount, t.Price)
		t.PositionSide = PositionShort
		t.RealizedPnL = nil

	case SideSell:
		if !l.long.IsOpen() || l.long.Amount.LessThan(t.Amount) {
			return fmt.Errorf("%w: long %s, close %s", ErrNoOpenPosition, l.long.Amount, t.Amount)
		}
		pnl := t.Price.Sub(l.long.EntryPrice).Mul(t.Amount).Sub(t.Fee)
		l.cash = l.cash.Add(notional).Sub(t.Fee)
		l.long.Amount = l.long.Amount.Sub(t.Amount)
		if l.long.Amount.IsZero() {
			l.long.EntryPrice = decimal.Zero
		}
		t.PositionSide = PositionLong
		t.RealizedPnL = &pnl
		l.realized = l.realized.Add(pnl)

	case SideCover:
		if !l.short.IsOpen() || l.short.Amount.LessThan(t.Amount) {
			return fmt.Errorf("%w: short %s, cover %s", ErrNoOpenPosition, l.short.Amount, t.Amount)
		}
		// release margin and settle pnl
		margin := l.short.EntryPrice.Mul(t.Amount)
		pnl := l.short.EntryPrice.Sub(t.Price).Mul(t.Amount).Sub(t.Fee)
		settled := l.cash.Add(margin).Add(pnl)
		if settled.IsNegative() {
			// bankruptcy bound: the loss cannot exceed the posted margin plus
			// remaining cash. Cash floors at zero and the recorded pnl matches
			// the actual cash move, keeping conservation exact.
			pnl = l.cash.Add(margin).Neg()
			settled = decimal.Zero
			l.logger.Warn("cover loss capped at bankruptcy bound",
				zap.String("trade_id", t.TradeID.String()),
				zap.String("pnl", pnl.String()))
		}
		l.cash = settled
		l.short.Amount = l.short.Amount.Sub(t.Amount)
		if l.short.Amount.IsZero() {
			l.short.EntryPrice = decimal.Zero
		}
		t.PositionSide = PositionShort
		t.RealizedPnL = &pnl
		l.realized = l.realized.Add(pnl)

	default:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidAmount, t.Side)
	}

	l.feesPaid = l.feesPaid.Add(t.Fee)
	l.history = append(l.history, t.clone())

	l.logger.Debug("trade recorded",
		zap.String("trade_id", t.TradeID.String()),
		zap.String("side", string(t.Side)),
		zap.String("amount", t.Amount.String()),
		zap.String("price", t.Price.String()),
		zap.String("cash", l.cash.String()),
	)
	return nil
}

// ledgerSnapshot captures the mutable state needed to roll back one append.
type ledgerSnapshot struct {
	cash       decimal.Decimal
	long       Position
	short      Position
	feesPaid   decimal.Decimal
	realized   decimal.Decimal
	historyLen int
}

// snapshot captures state before a write. Only the ledger pair uses it, to
// roll the private append back when the public mirror fails.
func (l *PrivateLedger) snapshot() ledgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ledgerSnapshot{
		cash:       l.cash,
		long:       l.long,
		short:      l.short,
		feesPaid:   l.feesPaid,
		realized:   l.realized,
		historyLen: len(l.history),
	}
}

// restore rewinds the ledger to a snapshot taken before the failed write.
func (l *PrivateLedger) restore(s ledgerSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = s.cash
	l.long = s.long
	l.short = s.short
	l.feesPaid = s.feesPaid
	l.realized = s.realized
	if len(l.history) > s.historyLen {
		l.history = l.history[:s.historyLen]
	}
}

// Balance returns cash plus open positions marked at the supplied price.
// The ledger never fetches market data itself.
func (l *PrivateLedger) Balance(markPrice decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(markPrice)
}

func (l *PrivateLedger) balanceLocked(markPrice decimal.Decimal) decimal.Decimal {
	total := l.cash
	if l.long.IsOpen() {
		total = total.Add(l.long.Amount.Mul(markPrice))
	}
	if l.short.IsOpen() {
		// posted margin plus unrealized: amount * (2*entry - mark)
		marked := l.short.EntryPrice.Mul(decimal.NewFromInt(2)).Sub(markPrice)
		total = total.Add(l.short.Amount.Mul(marked))
	}
	return total
}

// UnrealizedPnL returns the open-position pnl at the supplied mark price.
func (l *PrivateLedger) UnrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	pnl := decimal.Zero
	if l.long.IsOpen() {
		pnl = pnl.Add(markPrice.Sub(l.long.EntryPrice).Mul(l.long.Amount))
	}
	if l.short.IsOpen() {
		pnl = pnl.Add(l.short.EntryPrice.Sub(markPrice).Mul(l.short.Amount))
	}
	return pnl
}

// Cash returns the current cash balance.
func (l *PrivateLedger) Cash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// LongPosition returns a copy of the open long position.
func (l *PrivateLedger) LongPosition() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.long
}

// ShortPosition returns a copy of the open short position.
func (l *PrivateLedger) ShortPosition() Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.short
}

// History returns a copy of the append-only trade history.
func (l *PrivateLedger) History() []TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TradeRecord, 0, len(l.history))
	for i := range l.history {
		out = append(out, l.history[i].clone())
	}
	return out
}

// FeesPaid returns cumulative fees across the history.
func (l *PrivateLedger) FeesPaid() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.feesPaid
}

// RealizedPnL returns cumulative realized pnl across closed legs.
func (l *PrivateLedger) RealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}

// WithdrawCapital removes up to amount from cash and returns what was taken.
// System-only: used for breeding taxes and terminal liquidation, never by
// agents themselves.
func (l *PrivateLedger) WithdrawCapital(amount decimal.Decimal, role CallerRole) (decimal.Decimal, error) {
	if role != RoleSystem {
		return decimal.Zero, fmt.Errorf("%w: role %s cannot withdraw capital", ErrUnauthorizedCaller, role)
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	granted := decimal.Min(amount, l.cash)
	l.cash = l.cash.Sub(granted)
	return granted, nil
}

// DepositCapital adds system-sourced capital to cash (child funding).
func (l *PrivateLedger) DepositCapital(amount decimal.Decimal, role CallerRole) error {
	if role != RoleSystem {
		return fmt.Errorf("%w: role %s cannot deposit capital", ErrUnauthorizedCaller, role)
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = l.cash.Add(amount)
	return nil
}

func extend(p Position, amount, price decimal.Decimal) Position {
	if !p.IsOpen() {
		return Position{Amount: amount, EntryPrice: price}
	}
	total := p.Amount.Add(amount)
	weighted := p.Amount.Mul(p.EntryPrice).Add(amount.Mul(price))
	return Position{Amount: total, EntryPrice: weighted.Div(total)}
}
