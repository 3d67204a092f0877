package pool

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestInvest_RejectsNonPositive(t *testing.T) {
	p := NewCapitalPool(nil)

	assert.ErrorIs(t, p.Invest(dec("0"), "test"), ErrInvalidAmount)
	assert.ErrorIs(t, p.Invest(dec("-100"), "test"), ErrInvalidAmount)
	assert.True(t, p.Invested().IsZero())
}

func TestWithdraw_PartialAndZero(t *testing.T) {
	p := NewCapitalPool(nil)
	require.NoError(t, p.Invest(dec("100"), "genesis"))

	// full grant
	granted := p.Withdraw(dec("60"), "agent")
	assert.True(t, granted.Equal(dec("60")))
	assert.True(t, p.Available().Equal(dec("40")))

	// partial grant, capped at available
	granted = p.Withdraw(dec("100"), "agent")
	assert.True(t, granted.Equal(dec("40")), "granted = %s", granted)
	assert.True(t, p.Available().IsZero())

	// dry pool grants zero, not an error
	granted = p.Withdraw(dec("1"), "agent")
	assert.True(t, granted.IsZero())
	assert.False(t, p.Available().IsNegative())
}

func TestReclaim_IncreasesAvailable(t *testing.T) {
	p := NewCapitalPool(nil)
	require.NoError(t, p.Invest(dec("100"), "genesis"))
	p.Withdraw(dec("100"), "agent")

	require.NoError(t, p.Reclaim(dec("30"), "elimination"))
	assert.True(t, p.Available().Equal(dec("30")))
	assert.True(t, p.Reclaimed().Equal(dec("30")))

	assert.ErrorIs(t, p.Reclaim(dec("-1"), "bad"), ErrInvalidAmount)
	require.NoError(t, p.Reclaim(dec("0"), "noop"))
	assert.True(t, p.Reclaimed().Equal(dec("30")))
}

func TestTotalsAreMonotonic(t *testing.T) {
	p := NewCapitalPool(nil)
	require.NoError(t, p.Invest(dec("1000"), "a"))
	require.NoError(t, p.Invest(dec("500"), "b"))
	assert.True(t, p.Invested().Equal(dec("1500")))

	p.Withdraw(dec("400"), "x")
	p.Withdraw(dec("100"), "y")
	assert.True(t, p.Allocated().Equal(dec("500")))
	assert.True(t, p.Available().Equal(dec("1000")))
}

func TestReconcile_PassesWhenConserved(t *testing.T) {
	p := NewCapitalPool(nil)
	require.NoError(t, p.Invest(dec("100000"), "genesis"))

	// 80k allocated out to agents, no trading yet
	p.Withdraw(dec("80000"), "agents")
	report := p.Reconcile(dec("80000"), decimal.Zero, decimal.Zero)
	assert.True(t, report.Passed, "discrepancy = %s", report.Discrepancy)

	// agents net +500 unrealized and paid 5 in fees
	report = p.Reconcile(dec("80495"), dec("500"), dec("5"))
	assert.True(t, report.Passed, "discrepancy = %s", report.Discrepancy)
}

func TestReconcile_FailsOnCreatedCapital(t *testing.T) {
	p := NewCapitalPool(nil)
	require.NoError(t, p.Invest(dec("100000"), "genesis"))
	p.Withdraw(dec("80000"), "agents")

	// an agent claims 1000 more than the system ever gave it
	report := p.Reconcile(dec("81000"), decimal.Zero, decimal.Zero)
	assert.False(t, report.Passed)
	assert.True(t, report.Discrepancy.Equal(dec("-1000")), "discrepancy = %s", report.Discrepancy)
}

func TestReconcile_ToleranceScalesWithInvested(t *testing.T) {
	p := NewCapitalPool(nil)
	require.NoError(t, p.Invest(dec("1000000"), "genesis"))
	p.Withdraw(dec("1000000"), "agents")

	// within 1e-6 * invested
	report := p.Reconcile(dec("1000000.5"), decimal.Zero, decimal.Zero)
	assert.True(t, report.Passed, "discrepancy = %s", report.Discrepancy)

	report = p.Reconcile(dec("1000002"), decimal.Zero, decimal.Zero)
	assert.False(t, report.Passed)
}

func TestConservationAcrossLifecycleFlows(t *testing.T) {
	p := NewCapitalPool(nil)
	require.NoError(t, p.Invest(dec("100000"), "genesis"))

	// allocate to 8 agents
	live := decimal.Zero
	for i := 0; i < 8; i++ {
		live = live.Add(p.Withdraw(dec("10000"), "genesis-agent"))
	}
	assert.True(t, live.Equal(dec("80000")))

	// one agent eliminated, residual reclaimed
	live = live.Sub(dec("10000"))
	require.NoError(t, p.Reclaim(dec("10000"), "elimination"))

	// breeding: tax 200 from a parent, child funded with 5000
	live = live.Sub(dec("200"))
	require.NoError(t, p.Reclaim(dec("200"), "breeding-tax"))
	child := p.Withdraw(dec("5000"), "breeding")
	live = live.Add(child)

	report := p.Reconcile(live, decimal.Zero, decimal.Zero)
	assert.True(t, report.Passed, "discrepancy = %s", report.Discrepancy)
}
