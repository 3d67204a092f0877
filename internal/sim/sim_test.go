package sim

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evosim/evosim/internal/config"
	"github.com/evosim/evosim/internal/ledger"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// testConfig is a frictionless market (no spread, slippage, or impact, fee
// only) so capital flow assertions stay exact.
func testConfig() *config.Config {
	return &config.Config{
		LogLevel:   "error",
		Seed:       7,
		Cycles:     100,
		StartPrice: 50000,
		Market: config.MarketConfig{
			FeeRate:        0.001,
			SpreadPct:      0,
			TickPct:        0.0005,
			Depth:          10,
			LevelSize:      5,
			SlippageCoeff:  0,
			ImpactCoeff:    0,
			ShockThreshold: 0.1,
			RecoveryRate:   0.1,
		},
		Pool:       config.PoolConfig{InitialInvest: 100_000},
		Population: config.PopulationConfig{GenesisAgents: 8, AgentCapital: 10_000, ChildCapital: 10_000, MinChildCapital: 1_000},
		Lifecycle: config.LifecycleConfig{
			CadenceCycles:    5,
			EliteRatio:       0,
			EliminationRatio: 0,
			BreedingTaxRate:  0,
			RetirementAge:    1_000_000,
			RetirementAwards: 1_000_000,
			FitnessMetric:    "roi",
		},
	}
}

func TestNew_GenesisWiring(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Close()

	assert.Len(t, eng.Manager().AliveAgents(), 8)
	assert.True(t, eng.Pool().Available().Equal(dec("20000")))

	report := eng.CheckConservation(dec("50000"))
	assert.True(t, report.Passed, "discrepancy = %s", report.Discrepancy)
}

func TestNew_RejectsNonPositiveCadence(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.CadenceCycles = 0
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestSubmitOrder_RejectsUnknownAndDeadAgents(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.EliminationRatio = 1
	eng, err := New(cfg, nil)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.SubmitOrder(uuid.New(), ledger.SideBuy, dec("0.1"), 0.5)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	victim := eng.Manager().AliveAgents()[0]
	_, err = eng.ForceLifecycleCycle(1, dec("50000"))
	require.NoError(t, err)

	_, err = eng.SubmitOrder(victim.ID, ledger.SideBuy, dec("0.1"), 0.5)
	assert.ErrorIs(t, err, ErrAgentNotAlive)
}

func TestSubmitOrder_RecordsFilledPortionInBothLedgers(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Close()

	a := eng.Manager().AliveAgents()[0]
	eng.Tick(1, dec("50000"))

	fill, err := eng.SubmitOrder(a.ID, ledger.SideBuy, dec("0.1"), 0.8)
	require.NoError(t, err)
	assert.True(t, fill.Full())

	history := a.Ledger().History()
	require.Len(t, history, 1)
	assert.Equal(t, fill.OrderID, history[0].TradeID)
	assert.Len(t, eng.PublicLedger().RecordsForAgent(a.ID), 1)
}

func TestSubmitOrder_DiscardsFillTheLedgerRejects(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Close()

	a := eng.Manager().AliveAgents()[0]
	eng.Tick(1, dec("50000"))

	// one unit costs ~50000, far beyond the agent's 10000 cash
	_, err = eng.SubmitOrder(a.ID, ledger.SideBuy, dec("1"), 0.5)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// nothing moved: empty history, conservation intact
	assert.Empty(t, a.Ledger().History())
	assert.True(t, a.Ledger().Cash().Equal(dec("10000")))
	report := eng.CheckConservation(dec("50000"))
	assert.True(t, report.Passed, "discrepancy = %s", report.Discrepancy)
}

func TestPortfolioView_IsPerAgent(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Close()

	agents := eng.Manager().AliveAgents()
	eng.Tick(1, dec("50000"))
	_, err = eng.SubmitOrder(agents[0].ID, ledger.SideBuy, dec("0.1"), 0.5)
	require.NoError(t, err)

	// the trader's view reflects the position
	view, err := eng.PortfolioView(agents[0].ID, dec("50000"))
	require.NoError(t, err)
	assert.True(t, view.Long.IsOpen())

	// a bystander's view is untouched
	other, err := eng.PortfolioView(agents[1].ID, dec("50000"))
	require.NoError(t, err)
	assert.True(t, other.Cash.Equal(dec("10000")))
	assert.False(t, other.Long.IsOpen())

	_, err = eng.PortfolioView(uuid.New(), dec("50000"))
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRunLifecycleCycle_CadenceGatingAndForce(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Close()

	// off cadence: no-op
	summary, err := eng.RunLifecycleCycle(3, dec("50000"))
	require.NoError(t, err)
	assert.Nil(t, summary)

	// on cadence (every 5 cycles)
	summary, err = eng.RunLifecycleCycle(5, dec("50000"))
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, int64(5), summary.Cycle)

	// forced runs ignore the cadence
	summary, err = eng.ForceLifecycleCycle(7, dec("50000"))
	require.NoError(t, err)
	require.NotNil(t, summary)
}

// Follows one agent through the full capital flow: genesis funding, a fee-
// paying buy, an unrealized gain at a higher mark, then elimination with the
// residual reclaimed, conserving capital throughout.
func TestEngine_CapitalFlowThroughEliminationScenario(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.EliminationRatio = 1
	eng, err := New(cfg, nil)
	require.NoError(t, err)
	defer eng.Close()

	a := eng.Manager().AliveAgents()[0]

	// buy 0.1 at ~50000 with a 0.1% fee: cash drops to ~4995
	eng.Tick(1, dec("50000"))
	fill, err := eng.SubmitOrder(a.ID, ledger.SideBuy, dec("0.1"), 0.9)
	require.NoError(t, err)
	require.True(t, fill.Full())

	view, err := eng.PortfolioView(a.ID, dec("50000"))
	require.NoError(t, err)
	assert.InDelta(t, 4995, view.Cash.InexactFloat64(), 0.2)

	// mark at 55000: ~500 unrealized, total ~10495
	eng.Tick(2, dec("55000"))
	view, err = eng.PortfolioView(a.ID, dec("55000"))
	require.NoError(t, err)
	assert.InDelta(t, 500, view.UnrealizedPnL.InexactFloat64(), 0.2)
	assert.InDelta(t, 10495, view.TotalValue.InexactFloat64(), 0.2)

	// eliminate everyone; the trader's position is sold off at ~55000 and
	// its residual (~10489.5 after both fees) returns to the pool
	summary, err := eng.ForceLifecycleCycle(2, dec("55000"))
	require.NoError(t, err)
	assert.Len(t, summary.Eliminated, 8)
	assert.Empty(t, eng.Manager().AliveAgents())
	assert.True(t, a.Ledger().Cash().IsZero())

	// the seven idle agents returned exactly 10000 each
	residual := eng.Pool().Available().Sub(dec("90000"))
	assert.InDelta(t, 10489.5, residual.InexactFloat64(), 0.2)
	assert.False(t, eng.Halted())
}

func TestCloseAll_SettlesBeyondBookDepth(t *testing.T) {
	cfg := testConfig()
	cfg.Market.Depth = 2
	cfg.Market.LevelSize = 0.001 // 0.002 per side
	eng, err := New(cfg, nil)
	require.NoError(t, err)
	defer eng.Close()

	a := eng.Manager().AliveAgents()[0]

	// accumulate more than one side of the book can absorb
	for cycle := int64(1); cycle <= 3; cycle++ {
		eng.Tick(cycle, dec("50000"))
		fill, err := eng.SubmitOrder(a.ID, ledger.SideBuy, dec("0.002"), 0.5)
		require.NoError(t, err)
		require.True(t, fill.Filled())
	}
	long := a.Ledger().LongPosition()
	require.True(t, long.Amount.GreaterThan(dec("0.002")))

	require.NoError(t, eng.CloseAll(a))

	// fully flat, with the overflow settled synthetically at the mark
	assert.False(t, a.Ledger().LongPosition().IsOpen())
	var synthetic bool
	for _, rec := range a.Ledger().History() {
		if !rec.IsReal {
			synthetic = true
		}
	}
	assert.True(t, synthetic, "expected a settlement record beyond book depth")

	report := eng.CheckConservation(dec("50000"))
	assert.True(t, report.Passed, "discrepancy = %s", report.Discrepancy)
}

func TestEngine_HaltsOnConservationViolation(t *testing.T) {
	eng, err := New(testConfig(), nil)
	require.NoError(t, err)
	defer eng.Close()

	// conjure capital out of thin air behind the pool's back
	a := eng.Manager().AliveAgents()[0]
	require.NoError(t, a.Ledger().DepositCapital(dec("1000"), ledger.RoleSystem))

	_, err = eng.ForceLifecycleCycle(1, dec("50000"))
	require.ErrorIs(t, err, ErrConservationViolated)
	assert.True(t, eng.Halted())

	// everything downstream is refused
	_, err = eng.SubmitOrder(a.ID, ledger.SideBuy, dec("0.1"), 0.5)
	assert.ErrorIs(t, err, ErrHalted)
	_, err = eng.RunLifecycleCycle(5, dec("50000"))
	assert.ErrorIs(t, err, ErrHalted)
}

func TestEngine_EvolutionRunConservesCapital(t *testing.T) {
	cfg := testConfig()
	cfg.Lifecycle.CadenceCycles = 5
	cfg.Lifecycle.EliteRatio = 0.25
	cfg.Lifecycle.EliminationRatio = 0.25
	cfg.Lifecycle.BreedingTaxRate = 0.05
	eng, err := New(cfg, nil)
	require.NoError(t, err)
	defer eng.Close()

	price := dec("50000")
	for cycle := int64(1); cycle <= 20; cycle++ {
		// drift the price so positions carry unrealized pnl
		price = price.Mul(dec("1.001"))
		eng.Tick(cycle, price)

		for i, a := range eng.Manager().AliveAgents() {
			if i%2 != 0 {
				continue
			}
			// ignore per-order errors: unaffordable fills are discarded
			eng.SubmitOrder(a.ID, ledger.SideBuy, dec("0.01"), 0.5) //nolint:errcheck
		}

		summary, err := eng.RunLifecycleCycle(cycle, price)
		require.NoError(t, err, "cycle %d", cycle)
		if summary != nil {
			report := eng.CheckConservation(price)
			assert.True(t, report.Passed, "cycle %d discrepancy = %s", cycle, report.Discrepancy)
		}
	}
	assert.False(t, eng.Halted())
	assert.NotEmpty(t, eng.Manager().AliveAgents())
}
