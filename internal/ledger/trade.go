package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side identifies the direction of a trade leg.
type Side string

const (
	SideBuy   Side = "BUY"   // open or extend a long position
	SideSell  Side = "SELL"  // close or reduce a long position
	SideShort Side = "SHORT" // open or extend a short position
	SideCover Side = "COVER" // close or reduce a short position
)

// IsOpen reports whether the side opens exposure.
func (s Side) IsOpen() bool { return s == SideBuy || s == SideShort }

// PositionSide identifies which book a trade touches.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// CallerRole is the closed set of principals allowed to touch a ledger.
// Ledger writes are gated on it at the API boundary.
type CallerRole int

const (
	RoleAgent CallerRole = iota
	RoleSystem
	RoleAuditor
)

func (r CallerRole) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleSystem:
		return "system"
	case RoleAuditor:
		return "auditor"
	default:
		return "unknown"
	}
}

// TradeRecord is an immutable entry in the trade history. The matching engine
// creates it; the ledger pair appends it to exactly one private ledger and
// mirrors it into the public ledger.
type TradeRecord struct {
	TradeID      uuid.UUID        `json:"trade_id"`
	AgentID      uuid.UUID        `json:"agent_id"`
	Side         Side             `json:"side"`
	Amount       decimal.Decimal  `json:"amount"`
	Price        decimal.Decimal  `json:"price"`
	Fee          decimal.Decimal  `json:"fee"`
	Timestamp    time.Time        `json:"timestamp"`
	Confidence   float64          `json:"confidence"`
	RealizedPnL  *decimal.Decimal `json:"realized_pnl,omitempty"` // nil until the matching close leg completes
	IsReal       bool             `json:"is_real"`
	PositionSide PositionSide     `json:"position_side"`
}

// Notional returns amount x price.
func (t *TradeRecord) Notional() decimal.Decimal {
	return t.Amount.Mul(t.Price)
}

// clone returns a deep copy so stored history stays immutable.
func (t *TradeRecord) clone() TradeRecord {
	cp := *t
	if t.RealizedPnL != nil {
		pnl := *t.RealizedPnL
		cp.RealizedPnL = &pnl
	}
	return cp
}
