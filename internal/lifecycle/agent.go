// Package lifecycle implements the evolutionary population manager: fitness
// ranking, breeding, elimination, and retirement of trading agents, with all
// capital movement flowing through the shared pool.
package lifecycle

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evosim/evosim/internal/ledger"
)

// State is an agent's lifecycle state. Eliminated and retired are terminal.
type State string

const (
	StateAlive      State = "ALIVE"
	StateEliminated State = "ELIMINATED" // failure-terminal: culled for low fitness
	StateRetired    State = "RETIRED"    // success-terminal: archived with awards
)

// Agent is a lifecycle entity. Its trading behavior lives outside the core;
// the genome is carried opaquely for breeding and the retirement archive.
type Agent struct {
	ID         uuid.UUID
	Name       string
	Generation int
	BirthCycle int64
	Awards     int
	State      State
	Genome     map[string]float64

	// Pair binds the agent's private ledger to the public mirror. All fills
	// are recorded through it.
	Pair *ledger.LedgerPair

	// per-lifecycle-cycle return series, input to the Sharpe metric
	returns     []float64
	lastBalance decimal.Decimal
}

// Ledger returns the agent-authoritative private ledger.
func (a *Agent) Ledger() *ledger.PrivateLedger { return a.Pair.Private() }

// Alive reports whether the agent is still in the active population.
func (a *Agent) Alive() bool { return a.State == StateAlive }

// Age returns the agent's age in cycles.
func (a *Agent) Age(cycle int64) int64 { return cycle - a.BirthCycle }

// observeBalance appends one period return to the rolling series.
func (a *Agent) observeBalance(balance decimal.Decimal) {
	if a.lastBalance.IsPositive() {
		r, _ := balance.Sub(a.lastBalance).Div(a.lastBalance).Float64()
		a.returns = append(a.returns, r)
	}
	a.lastBalance = balance
}
