// Package market implements the synthetic order book and the matching/cost
// engine that turns agent order intents into priced fills.
package market

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/evosim/evosim/internal/config"
)

// minHalfSpread keeps best bid strictly below best ask even when the
// configured spread is zero.
var minHalfSpread = decimal.New(1, -5)

// minLiquidityFactor is the floor the liquidity factor can be shocked to.
var minLiquidityFactor = decimal.New(1, -1)

var one = decimal.NewFromInt(1)

// Params holds the book and cost model parameters in decimal form.
type Params struct {
	FeeRate        decimal.Decimal
	SpreadPct      decimal.Decimal
	TickPct        decimal.Decimal
	Depth          int
	LevelSize      decimal.Decimal
	SlippageCoeff  decimal.Decimal
	ImpactCoeff    decimal.Decimal
	ShockThreshold decimal.Decimal
	RecoveryRate   decimal.Decimal
}

// ParamsFromConfig converts the float configuration into decimals once.
func ParamsFromConfig(cfg config.MarketConfig) Params {
	return Params{
		FeeRate:        decimal.NewFromFloat(cfg.FeeRate),
		SpreadPct:      decimal.NewFromFloat(cfg.SpreadPct),
		TickPct:        decimal.NewFromFloat(cfg.TickPct),
		Depth:          cfg.Depth,
		LevelSize:      decimal.NewFromFloat(cfg.LevelSize),
		SlippageCoeff:  decimal.NewFromFloat(cfg.SlippageCoeff),
		ImpactCoeff:    decimal.NewFromFloat(cfg.ImpactCoeff),
		ShockThreshold: decimal.NewFromFloat(cfg.ShockThreshold),
		RecoveryRate:   decimal.NewFromFloat(cfg.RecoveryRate),
	}
}

// PriceLevel is one rung of the depth ladder.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func levelLess(a, b PriceLevel) bool { return a.Price.LessThan(b.Price) }

// BookSide identifies which half of the book an order consumes.
type BookSide int

const (
	BidSide BookSide = iota
	AskSide
)

// OrderBook is a synthetic depth ladder rebuilt around each reference price.
// Bids descend from just below the mark, asks ascend from just above it.
// Level sizes scale with a liquidity factor that large trades shock down and
// that recovers by a fixed fraction every tick.
//
// Invariants: best bid < best ask after every operation; sizes never
// negative.
type OrderBook struct {
	mu sync.RWMutex

	params          Params
	refPrice        decimal.Decimal
	liquidityFactor decimal.Decimal

	bids *btree.BTreeG[PriceLevel]
	asks *btree.BTreeG[PriceLevel]

	logger *zap.Logger
}

// NewOrderBook creates a book with full liquidity. Call Tick to build the
// first ladder.
func NewOrderBook(params Params, logger *zap.Logger) *OrderBook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderBook{
		params:          params,
		liquidityFactor: one,
		bids:            btree.NewBTreeG(levelLess),
		asks:            btree.NewBTreeG(levelLess),
		logger:          logger.Named("orderbook"),
	}
}

// Tick advances the book to a new reference price: one step of liquidity
// recovery, then a fresh ladder centered on the price.
func (b *OrderBook) Tick(markPrice decimal.Decimal, cycle int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.liquidityFactor.LessThan(one) {
		b.liquidityFactor = decimal.Min(one, b.liquidityFactor.Add(b.params.RecoveryRate))
	}
	b.refPrice = markPrice
	b.rebuildLocked()

	b.logger.Debug("book ticked",
		zap.Int64("cycle", cycle),
		zap.String("ref_price", markPrice.String()),
		zap.String("liquidity_factor", b.liquidityFactor.String()))
}

func (b *OrderBook) rebuildLocked() {
	b.bids.Clear()
	b.asks.Clear()

	halfSpread := decimal.Max(b.params.SpreadPct.Div(decimal.NewFromInt(2)), minHalfSpread)
	size := b.params.LevelSize.Mul(b.liquidityFactor)
	for i := 0; i < b.params.Depth; i++ {
		offset := halfSpread.Add(b.params.TickPct.Mul(decimal.NewFromInt(int64(i))))
		bid := b.refPrice.Mul(one.Sub(offset))
		ask := b.refPrice.Mul(one.Add(offset))
		if bid.IsPositive() {
			b.bids.Set(PriceLevel{Price: bid, Size: size})
		}
		b.asks.Set(PriceLevel{Price: ask, Size: size})
	}
}

// BestBid returns the highest bid level, if any.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Max()
}

// BestAsk returns the lowest ask level, if any.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Min()
}

// RefPrice returns the reference price of the last tick.
func (b *OrderBook) RefPrice() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.refPrice
}

// LiquidityFactor returns the current liquidity scale in (0, 1].
func (b *OrderBook) LiquidityFactor() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.liquidityFactor
}

// AvailableLiquidity returns the total resting size on one side.
func (b *OrderBook) AvailableLiquidity(side BookSide) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := decimal.Zero
	iter := func(level PriceLevel) bool {
		total = total.Add(level.Size)
		return true
	}
	if side == BidSide {
		b.bids.Scan(iter)
	} else {
		b.asks.Scan(iter)
	}
	return total
}

// Consume walks one side from best price outward, taking size until the
// order is filled or the side is exhausted. It returns the filled amount
// and the notional at raw ladder prices (for the volume-weighted average).
func (b *OrderBook) Consume(side BookSide, size decimal.Decimal) (filled, rawNotional decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := size
	var drained []PriceLevel
	var partial *PriceLevel

	walk := func(level PriceLevel) bool {
		if !remaining.IsPositive() {
			return false
		}
		take := decimal.Min(remaining, level.Size)
		filled = filled.Add(take)
		rawNotional = rawNotional.Add(take.Mul(level.Price))
		remaining = remaining.Sub(take)
		if take.Equal(level.Size) {
			drained = append(drained, level)
		} else {
			partial = &PriceLevel{Price: level.Price, Size: level.Size.Sub(take)}
		}
		return remaining.IsPositive()
	}

	if side == BidSide {
		b.bids.Reverse(walk)
	} else {
		b.asks.Scan(walk)
	}

	tree := b.asks
	if side == BidSide {
		tree = b.bids
	}
	for _, level := range drained {
		tree.Delete(level)
	}
	if partial != nil {
		tree.Set(*partial)
	}
	return filled, rawNotional
}

// ApplyShock reduces liquidity proportionally to traded notional over the
// base notional of the ladder, but only when the ratio exceeds the
// configured threshold. Small trades leave the book untouched.
func (b *OrderBook) ApplyShock(tradedNotional decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.baseNotionalLocked()
	if !base.IsPositive() {
		return
	}
	ratio := tradedNotional.Div(base)
	if ratio.LessThanOrEqual(b.params.ShockThreshold) {
		return
	}
	b.liquidityFactor = decimal.Max(minLiquidityFactor, b.liquidityFactor.Sub(ratio))
	b.logger.Debug("liquidity shock applied",
		zap.String("ratio", ratio.String()),
		zap.String("liquidity_factor", b.liquidityFactor.String()))
}

func (b *OrderBook) baseNotionalLocked() decimal.Decimal {
	depth := decimal.NewFromInt(int64(b.params.Depth))
	return b.params.LevelSize.Mul(depth).Mul(b.refPrice)
}
