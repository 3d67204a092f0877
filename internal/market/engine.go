package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evosim/evosim/internal/ledger"
	"github.com/evosim/evosim/pkg/metrics"
)

// ErrInvalidOrderSize rejects non-positive order sizes before any book state
// changes.
var ErrInvalidOrderSize = errors.New("invalid order size")

// OrderStatus tracks an order through its life:
// submitted -> price discovered -> filled (partial|full) -> recorded.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPriceDiscovered OrderStatus = "PRICE_DISCOVERED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusUnfilled        OrderStatus = "UNFILLED"
	OrderStatusRecorded        OrderStatus = "RECORDED"
)

// CostBreakdown itemizes the adjustments applied on top of the raw
// volume-weighted fill price, in application order.
type CostBreakdown struct {
	Fee        decimal.Decimal `json:"fee"`
	SpreadCost decimal.Decimal `json:"spread_cost"`
	Slippage   decimal.Decimal `json:"slippage"`
	Impact     decimal.Decimal `json:"impact"`
}

// FillResult is the outcome of one market order. FilledAmount may be less
// than RequestedAmount (partial fill) or zero (no liquidity); the remainder
// is dropped, never rested. Callers must only record the filled portion.
type FillResult struct {
	OrderID         uuid.UUID       `json:"order_id"`
	AgentID         uuid.UUID       `json:"agent_id"`
	Side            ledger.Side     `json:"side"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	RawPrice        decimal.Decimal `json:"raw_price"`  // vwap of consumed levels
	ExecPrice       decimal.Decimal `json:"exec_price"` // raw price after cost adjustments
	Notional        decimal.Decimal `json:"notional"`   // filled x exec price
	Fee             decimal.Decimal `json:"fee"`
	Costs           CostBreakdown   `json:"costs"`
	Status          OrderStatus     `json:"status"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Filled reports whether any amount executed.
func (f *FillResult) Filled() bool { return f.FilledAmount.IsPositive() }

// Full reports whether the entire requested amount executed.
func (f *FillResult) Full() bool { return f.FilledAmount.Equal(f.RequestedAmount) }

// MarkRecorded transitions the result to its terminal state once the fill
// has been committed to the ledgers.
func (f *FillResult) MarkRecorded() { f.Status = OrderStatusRecorded }

// TradeRecord builds the ledger record for the filled portion. The matching
// engine is the only producer of trade records.
func (f *FillResult) TradeRecord(confidence float64) *ledger.TradeRecord {
	return &ledger.TradeRecord{
		TradeID:    f.OrderID,
		AgentID:    f.AgentID,
		Side:       f.Side,
		Amount:     f.FilledAmount,
		Price:      f.ExecPrice,
		Fee:        f.Fee,
		Timestamp:  f.Timestamp,
		Confidence: confidence,
		IsReal:     true,
	}
}

// Engine prices market orders against the book and applies the cost model:
// exchange fee, spread cost, size-dependent slippage, then quadratic market
// impact, in that order.
type Engine struct {
	params Params
	book   *OrderBook
	logger *zap.Logger
}

// NewEngine creates a matching engine over its own order book.
func NewEngine(params Params, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		params: params,
		book:   NewOrderBook(params, logger),
		logger: logger.Named("matching-engine"),
	}
}

// Book exposes the underlying order book.
func (e *Engine) Book() *OrderBook { return e.book }

// Tick advances the book to a new reference price and lets liquidity
// recover one step.
func (e *Engine) Tick(markPrice decimal.Decimal, cycle int64) {
	e.book.Tick(markPrice, cycle)
}

// SubmitOrder executes a market order. Buys and covers consume asks; sells
// and shorts consume bids. A book with no liquidity on the required side
// yields a zero fill, not an error.
func (e *Engine) SubmitOrder(agentID uuid.UUID, side ledger.Side, size decimal.Decimal) (*FillResult, error) {
	if !size.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrderSize, size)
	}

	result := &FillResult{
		OrderID:         uuid.New(),
		AgentID:         agentID,
		Side:            side,
		RequestedAmount: size,
		Status:          OrderStatusSubmitted,
		Timestamp:       time.Now(),
	}

	bookSide := AskSide
	if side == ledger.SideSell || side == ledger.SideShort {
		bookSide = BidSide
	}

	availableBefore := e.book.AvailableLiquidity(bookSide)
	filled, rawNotional := e.book.Consume(bookSide, size)
	if !filled.IsPositive() {
		result.Status = OrderStatusUnfilled
		e.logger.Debug("order unfilled, no liquidity",
			zap.String("agent_id", agentID.String()),
			zap.String("side", string(side)))
		return result, nil
	}

	result.RawPrice = rawNotional.Div(filled)
	result.Status = OrderStatusPriceDiscovered
	result.FilledAmount = filled

	e.applyCosts(result, availableBefore)

	result.Notional = result.FilledAmount.Mul(result.ExecPrice)
	result.Fee = result.Notional.Mul(e.params.FeeRate)
	result.Costs.Fee = result.Fee

	e.book.ApplyShock(result.Notional)

	if result.Full() {
		result.Status = OrderStatusFilled
	} else {
		result.Status = OrderStatusPartiallyFilled
	}

	metrics.OrdersFilled.WithLabelValues(string(side)).Inc()
	metrics.FillNotional.Add(result.Notional.InexactFloat64())

	e.logger.Debug("order filled",
		zap.String("agent_id", agentID.String()),
		zap.String("side", string(side)),
		zap.String("requested", size.String()),
		zap.String("filled", filled.String()),
		zap.String("exec_price", result.ExecPrice.String()))
	return result, nil
}

// applyCosts adjusts the raw vwap in fixed order: spread cost (half the
// configured spread), size slippage (filled over pre-trade liquidity), then
// market impact (quadratic in 1 - liquidity factor). Buys and covers pay
// up; sells and shorts receive less.
func (e *Engine) applyCosts(result *FillResult, availableBefore decimal.Decimal) {
	spreadCost := e.params.SpreadPct.Div(decimal.NewFromInt(2))

	slippage := decimal.Zero
	if availableBefore.IsPositive() {
		slippage = e.params.SlippageCoeff.Mul(result.FilledAmount.Div(availableBefore))
	}

	illiquidity := one.Sub(e.book.LiquidityFactor())
	impact := e.params.ImpactCoeff.Mul(illiquidity).Mul(illiquidity)

	adjustment := spreadCost.Add(slippage).Add(impact)
	switch result.Side {
	case ledger.SideBuy, ledger.SideCover:
		result.ExecPrice = result.RawPrice.Mul(one.Add(adjustment))
	default:
		result.ExecPrice = result.RawPrice.Mul(one.Sub(adjustment))
	}

	result.Costs.SpreadCost = spreadCost
	result.Costs.Slippage = slippage
	result.Costs.Impact = impact
}
