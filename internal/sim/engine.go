// Package sim wires the market, ledgers, capital pool, and lifecycle manager
// into one simulation engine and enforces capital conservation at every
// evolution boundary.
package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evosim/evosim/internal/config"
	"github.com/evosim/evosim/internal/ledger"
	"github.com/evosim/evosim/internal/lifecycle"
	"github.com/evosim/evosim/internal/lifecycle/archive"
	"github.com/evosim/evosim/internal/market"
	"github.com/evosim/evosim/internal/pool"
)

var (
	// ErrUnknownAgent is returned for ids the population has never seen.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentNotAlive rejects orders from eliminated or retired agents.
	ErrAgentNotAlive = errors.New("agent not alive")

	// ErrConservationViolated means the reconcile check found capital created
	// or destroyed beyond tolerance. The engine halts; this is always a bug.
	ErrConservationViolated = errors.New("capital conservation violated")

	// ErrHalted rejects all activity after a conservation failure.
	ErrHalted = errors.New("simulation halted")
)

// PortfolioView is one agent's marked portfolio. Views are strictly
// per-agent; nothing in them derives from other agents' ledgers.
type PortfolioView struct {
	AgentID       uuid.UUID       `json:"agent_id"`
	Cash          decimal.Decimal `json:"cash"`
	Long          ledger.Position `json:"long"`
	Short         ledger.Position `json:"short"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalValue    decimal.Decimal `json:"total_value"`
}

// Engine is the simulation core. Submitting an order through it is the only
// path that moves capital between an agent and the market.
//
// The engine is driven from a single loop and is not safe for concurrent use.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	matcher *market.Engine
	public  *ledger.PublicLedger
	pool    *pool.CapitalPool
	manager *lifecycle.Manager
	store   *archive.Store

	cadence int64
	halted  bool
}

// New builds a fully wired engine: invests the configured capital into the
// pool, spawns the genesis population, and centers the book on the start
// price.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Lifecycle.CadenceCycles <= 0 {
		return nil, fmt.Errorf("lifecycle cadence must be positive, got %d", cfg.Lifecycle.CadenceCycles)
	}

	p := pool.NewCapitalPool(logger)
	if err := p.Invest(decimal.NewFromFloat(cfg.Pool.InitialInvest), "genesis"); err != nil {
		return nil, err
	}

	public := ledger.NewPublicLedger(logger)
	rng := rand.New(rand.NewSource(cfg.Seed))
	manager := lifecycle.NewManager(
		lifecycle.ParamsFromConfig(cfg.Lifecycle, cfg.Population), p, public, rng, logger)

	e := &Engine{
		cfg:     cfg,
		logger:  logger.Named("sim"),
		matcher: market.NewEngine(market.ParamsFromConfig(cfg.Market), logger),
		public:  public,
		pool:    p,
		manager: manager,
		cadence: int64(cfg.Lifecycle.CadenceCycles),
	}
	manager.SetExecutor(e)

	if cfg.Lifecycle.ArchivePath != "" {
		store, err := archive.Open(cfg.Lifecycle.ArchivePath, logger)
		if err != nil {
			return nil, err
		}
		e.store = store
		manager.SetArchiver(store)
	}

	if err := manager.SpawnGenesis(
		cfg.Population.GenesisAgents,
		decimal.NewFromFloat(cfg.Population.AgentCapital), 0); err != nil {
		return nil, err
	}

	e.matcher.Tick(decimal.NewFromFloat(cfg.StartPrice), 0)
	return e, nil
}

// Tick advances the market to a new reference price.
func (e *Engine) Tick(cycle int64, price decimal.Decimal) {
	e.matcher.Tick(price, cycle)
}

// SubmitOrder executes a market order for a live agent and records the
// filled portion in its ledger pair. Unfilled orders record nothing. A fill
// the ledger rejects (insufficient balance, no open position) is discarded
// and the error returned; no capital moved.
func (e *Engine) SubmitOrder(agentID uuid.UUID, side ledger.Side, size decimal.Decimal, confidence float64) (*market.FillResult, error) {
	if e.halted {
		return nil, ErrHalted
	}
	a, ok := e.manager.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if !a.Alive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAgentNotAlive, a.Name, a.State)
	}

	fill, err := e.matcher.SubmitOrder(agentID, side, size)
	if err != nil {
		return nil, err
	}
	if !fill.Filled() {
		return fill, nil
	}

	rec := fill.TradeRecord(confidence)
	if err := a.Pair.RecordTrade(rec, ledger.RoleAgent); err != nil {
		return fill, fmt.Errorf("fill discarded, ledger rejected it: %w", err)
	}
	fill.MarkRecorded()
	return fill, nil
}

// PortfolioView returns one agent's marked portfolio.
func (e *Engine) PortfolioView(agentID uuid.UUID, markPrice decimal.Decimal) (*PortfolioView, error) {
	a, ok := e.manager.Agent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	led := a.Ledger()
	return &PortfolioView{
		AgentID:       agentID,
		Cash:          led.Cash(),
		Long:          led.LongPosition(),
		Short:         led.ShortPosition(),
		UnrealizedPnL: led.UnrealizedPnL(markPrice),
		TotalValue:    led.Balance(markPrice),
	}, nil
}

// CloseAll liquidates an agent's open positions through the book. Whatever
// the book cannot absorb is settled directly at the reference price with no
// fee, marked as a synthetic trade, so terminal transitions never strand
// position value outside the ledgers.
func (e *Engine) CloseAll(a *lifecycle.Agent) error {
	led := a.Ledger()
	if long := led.LongPosition(); long.IsOpen() {
		if err := e.closeLeg(a, ledger.SideSell, long.Amount); err != nil {
			return err
		}
	}
	if short := led.ShortPosition(); short.IsOpen() {
		if err := e.closeLeg(a, ledger.SideCover, short.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) closeLeg(a *lifecycle.Agent, side ledger.Side, amount decimal.Decimal) error {
	fill, err := e.matcher.SubmitOrder(a.ID, side, amount)
	if err != nil {
		return err
	}
	remaining := amount
	if fill.Filled() {
		rec := fill.TradeRecord(0)
		if err := a.Pair.RecordTrade(rec, ledger.RoleSystem); err != nil {
			return err
		}
		fill.MarkRecorded()
		remaining = remaining.Sub(fill.FilledAmount)
	}
	if !remaining.IsPositive() {
		return nil
	}

	// book exhausted: settle the rest at the reference price
	settle := &ledger.TradeRecord{
		TradeID:   uuid.New(),
		AgentID:   a.ID,
		Side:      side,
		Amount:    remaining,
		Price:     e.matcher.Book().RefPrice(),
		Timestamp: time.Now(),
		IsReal:    false,
	}
	e.logger.Warn("book exhausted during forced close, settling at reference price",
		zap.String("agent_id", a.ID.String()),
		zap.String("side", string(side)),
		zap.String("amount", remaining.String()))
	return a.Pair.RecordTrade(settle, ledger.RoleSystem)
}

// RunLifecycleCycle runs the evolution cycle when the cadence is due and
// verifies conservation afterwards. Off-cadence cycles are a no-op. A failed
// conservation check halts the engine permanently.
func (e *Engine) RunLifecycleCycle(cycle int64, markPrice decimal.Decimal) (*lifecycle.CycleSummary, error) {
	if e.halted {
		return nil, ErrHalted
	}
	if cycle%e.cadence != 0 {
		return nil, nil
	}
	return e.runLifecycle(cycle, markPrice)
}

// ForceLifecycleCycle runs the evolution cycle immediately, ignoring the
// cadence. Used when portfolio risk demands intervention before the next
// scheduled cycle.
func (e *Engine) ForceLifecycleCycle(cycle int64, markPrice decimal.Decimal) (*lifecycle.CycleSummary, error) {
	if e.halted {
		return nil, ErrHalted
	}
	return e.runLifecycle(cycle, markPrice)
}

func (e *Engine) runLifecycle(cycle int64, markPrice decimal.Decimal) (*lifecycle.CycleSummary, error) {
	summary, err := e.manager.RunCycle(cycle, markPrice)
	if err != nil {
		return nil, err
	}

	// re-sync every live pair before auditing the books
	for _, a := range e.manager.AliveAgents() {
		a.Pair.Reconcile()
	}

	report := e.CheckConservation(markPrice)
	if !report.Passed {
		e.halted = true
		return summary, fmt.Errorf("%w: discrepancy %s exceeds tolerance %s",
			ErrConservationViolated, report.Discrepancy, report.Tolerance)
	}
	return summary, nil
}

// CheckConservation sums live capital and unrealized pnl at the mark and
// verifies the pool's conservation identity against the public ledger's
// audit totals. Realized pnl already nets out close-leg fees, so only
// open-leg fees enter the identity separately.
func (e *Engine) CheckConservation(markPrice decimal.Decimal) pool.ReconcileReport {
	live := decimal.Zero
	unrealized := decimal.Zero
	for _, a := range e.manager.AliveAgents() {
		live = live.Add(a.Ledger().Balance(markPrice))
		unrealized = unrealized.Add(a.Ledger().UnrealizedPnL(markPrice))
	}
	realized, _ := e.public.Totals()
	return e.pool.Reconcile(live, realized.Add(unrealized), e.public.OpenFees())
}

// Halted reports whether a conservation failure stopped the engine.
func (e *Engine) Halted() bool { return e.halted }

// Manager exposes the population manager.
func (e *Engine) Manager() *lifecycle.Manager { return e.manager }

// Pool exposes the capital pool.
func (e *Engine) Pool() *pool.CapitalPool { return e.pool }

// PublicLedger exposes the audit ledger.
func (e *Engine) PublicLedger() *ledger.PublicLedger { return e.public }

// Market exposes the matching engine.
func (e *Engine) Market() *market.Engine { return e.matcher }

// Close releases the retirement archive, if one is open.
func (e *Engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}
