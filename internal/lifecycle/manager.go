package lifecycle

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evosim/evosim/internal/config"
	"github.com/evosim/evosim/internal/ledger"
	"github.com/evosim/evosim/internal/lifecycle/archive"
	"github.com/evosim/evosim/internal/pool"
	"github.com/evosim/evosim/pkg/metrics"
)

// ErrExecutorNotSet is returned when a cycle runs before the position
// executor has been wired in.
var ErrExecutorNotSet = errors.New("lifecycle executor not set")

// Executor liquidates an agent's open positions ahead of a terminal
// transition. The matching engine side implements it.
type Executor interface {
	CloseAll(a *Agent) error
}

// Archiver persists retired agents. The sqlite store implements it; a nil
// archiver disables archiving.
type Archiver interface {
	Append(rec *archive.RetiredAgentRecord) error
}

// Params holds the knobs of one evolution cycle.
type Params struct {
	EliteRatio       float64
	EliminationRatio float64
	BreedingTaxRate  decimal.Decimal
	ChildCapital     decimal.Decimal
	MinChildCapital  decimal.Decimal
	RetirementAge    int64
	RetirementAwards int
	Metric           Metric

	// GenomeFactory seeds genesis agents. Children inherit mutated copies of
	// their parents' genomes instead.
	GenomeFactory func(rng *rand.Rand) map[string]float64
}

// ParamsFromConfig converts the loaded configuration into manager params.
func ParamsFromConfig(lc config.LifecycleConfig, pc config.PopulationConfig) Params {
	return Params{
		EliteRatio:       lc.EliteRatio,
		EliminationRatio: lc.EliminationRatio,
		BreedingTaxRate:  decimal.NewFromFloat(lc.BreedingTaxRate),
		ChildCapital:     decimal.NewFromFloat(pc.ChildCapital),
		MinChildCapital:  decimal.NewFromFloat(pc.MinChildCapital),
		RetirementAge:    lc.RetirementAge,
		RetirementAwards: lc.RetirementAwards,
		Metric:           Metric(lc.FitnessMetric),
	}
}

// CycleSummary reports what one evolution cycle did.
type CycleSummary struct {
	Cycle      int64
	Population int
	Eliminated []uuid.UUID
	Bred       []uuid.UUID
	Retired    []uuid.UUID
	Best       uuid.UUID
}

// Manager owns the agent population and runs the evolution cycle: rank by
// fitness, eliminate the bottom, breed the elite, retire the old and
// decorated. All capital released or granted moves through the pool; the
// manager itself never creates or destroys value.
//
// The manager is driven from a single simulation loop and is not safe for
// concurrent use.
type Manager struct {
	params  Params
	pool    *pool.CapitalPool
	public  *ledger.PublicLedger
	exec    Executor
	archive Archiver
	rng     *rand.Rand
	logger  *zap.Logger

	agents []*Agent // insertion order
	byID   map[uuid.UUID]*Agent
	seq    int
}

// NewManager creates a manager over an empty population. The executor is
// wired separately to break the construction cycle with the engine.
func NewManager(params Params, p *pool.CapitalPool, public *ledger.PublicLedger, rng *rand.Rand, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.GenomeFactory == nil {
		params.GenomeFactory = DefaultGenomeFactory
	}
	return &Manager{
		params: params,
		pool:   p,
		public: public,
		rng:    rng,
		logger: logger.Named("lifecycle"),
		byID:   make(map[uuid.UUID]*Agent),
	}
}

// SetExecutor wires the position executor.
func (m *Manager) SetExecutor(exec Executor) { m.exec = exec }

// SetArchiver wires the retirement archive.
func (m *Manager) SetArchiver(a Archiver) { m.archive = a }

// DefaultGenomeFactory draws a small random strategy parameter set. The core
// treats the genome as opaque; these names exist only for the archive.
func DefaultGenomeFactory(rng *rand.Rand) map[string]float64 {
	return map[string]float64{
		"aggression":     rng.Float64(),
		"risk_tolerance": rng.Float64(),
		"patience":       rng.Float64(),
		"contrarian":     rng.Float64(),
	}
}

// SpawnGenesis funds n agents from the pool. A dry pool stops the spawn
// early; partial grants below the requested capital still produce an agent.
func (m *Manager) SpawnGenesis(n int, capital decimal.Decimal, cycle int64) error {
	for i := 0; i < n; i++ {
		granted := m.pool.Withdraw(capital, "genesis")
		if !granted.IsPositive() {
			return fmt.Errorf("pool exhausted after %d of %d genesis agents", i, n)
		}
		m.spawn(m.params.GenomeFactory(m.rng), 0, cycle, granted)
	}
	m.publishPopulation()
	return nil
}

func (m *Manager) spawn(genome map[string]float64, generation int, cycle int64, capital decimal.Decimal) *Agent {
	id := uuid.New()
	name := fmt.Sprintf("agent-%04d", m.seq)
	m.seq++

	priv := ledger.NewPrivateLedger(id, capital, m.logger)
	a := &Agent{
		ID:          id,
		Name:        name,
		Generation:  generation,
		BirthCycle:  cycle,
		State:       StateAlive,
		Genome:      genome,
		Pair:        ledger.NewLedgerPair(priv, m.public, m.logger),
		lastBalance: capital,
	}
	m.agents = append(m.agents, a)
	m.byID[a.ID] = a

	m.logger.Info("agent spawned",
		zap.String("agent_id", id.String()),
		zap.String("name", name),
		zap.Int("generation", generation),
		zap.String("capital", capital.String()))
	return a
}

// Agent looks up an agent by id.
func (m *Manager) Agent(id uuid.UUID) (*Agent, bool) {
	a, ok := m.byID[id]
	return a, ok
}

// AliveAgents returns the active population in insertion order.
func (m *Manager) AliveAgents() []*Agent {
	var out []*Agent
	for _, a := range m.agents {
		if a.Alive() {
			out = append(out, a)
		}
	}
	return out
}

// Agents returns the whole population, terminal states included.
func (m *Manager) Agents() []*Agent {
	out := make([]*Agent, len(m.agents))
	copy(out, m.agents)
	return out
}

// RunCycle executes one evolution cycle at the given mark price, in fixed
// order: rank, eliminate, breed, retire.
func (m *Manager) RunCycle(cycle int64, markPrice decimal.Decimal) (*CycleSummary, error) {
	if m.exec == nil {
		return nil, ErrExecutorNotSet
	}

	summary := &CycleSummary{Cycle: cycle}

	alive := m.AliveAgents()
	for _, a := range alive {
		a.observeBalance(a.Ledger().Balance(markPrice))
	}

	ranked := m.rank(alive, markPrice)
	if len(ranked) > 0 {
		best := ranked[0]
		best.Awards++
		summary.Best = best.ID
	}

	if err := m.eliminate(ranked, summary); err != nil {
		return nil, err
	}
	if err := m.breed(ranked, markPrice, cycle, summary); err != nil {
		return nil, err
	}
	if err := m.retire(cycle, markPrice, summary); err != nil {
		return nil, err
	}

	summary.Population = len(m.AliveAgents())
	m.publishPopulation()

	m.logger.Info("evolution cycle complete",
		zap.Int64("cycle", cycle),
		zap.Int("population", summary.Population),
		zap.Int("eliminated", len(summary.Eliminated)),
		zap.Int("bred", len(summary.Bred)),
		zap.Int("retired", len(summary.Retired)))
	return summary, nil
}

// rank orders agents by descending fitness. The sort is stable, so equal
// scores keep insertion order and reruns are deterministic.
func (m *Manager) rank(alive []*Agent, markPrice decimal.Decimal) []*Agent {
	type scored struct {
		agent *Agent
		score float64
	}
	scores := make([]scored, 0, len(alive))
	for _, a := range alive {
		scores = append(scores, scored{agent: a, score: Fitness(a, markPrice, m.params.Metric)})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	ranked := make([]*Agent, 0, len(scores))
	for _, s := range scores {
		ranked = append(ranked, s.agent)
	}
	return ranked
}

// eliminate culls the bottom fraction of the ranking: positions are force
// closed and all residual capital returns to the pool.
func (m *Manager) eliminate(ranked []*Agent, summary *CycleSummary) error {
	k := int(float64(len(ranked)) * m.params.EliminationRatio)
	for i := len(ranked) - k; i < len(ranked); i++ {
		a := ranked[i]
		if err := m.terminate(a, StateEliminated, "elimination"); err != nil {
			return err
		}
		summary.Eliminated = append(summary.Eliminated, a.ID)
		metrics.LifecycleEvents.WithLabelValues("eliminated").Inc()
	}
	return nil
}

// breed grants pool capital to a mutated child per elite parent. Parents pay
// the breeding tax back into the pool first. A dry pool yields no child: a
// grant below the minimum child capital is returned and breeding is skipped
// silently.
func (m *Manager) breed(ranked []*Agent, markPrice decimal.Decimal, cycle int64, summary *CycleSummary) error {
	var elites []*Agent
	e := int(float64(len(ranked)) * m.params.EliteRatio)
	for _, a := range ranked[:min(e, len(ranked))] {
		if a.Alive() {
			elites = append(elites, a)
		}
	}

	for _, parent := range elites {
		if m.params.BreedingTaxRate.IsPositive() {
			tax := m.params.BreedingTaxRate.Mul(parent.Ledger().Balance(markPrice))
			if tax.IsPositive() {
				taken, err := parent.Ledger().WithdrawCapital(tax, ledger.RoleSystem)
				if err != nil {
					return fmt.Errorf("breeding tax on %s: %w", parent.Name, err)
				}
				if err := m.pool.Reclaim(taken, "breeding_tax"); err != nil {
					return err
				}
			}
		}

		granted := m.pool.Withdraw(m.params.ChildCapital, "breeding")
		if granted.LessThan(m.params.MinChildCapital) {
			if granted.IsPositive() {
				if err := m.pool.Reclaim(granted, "breeding_refund"); err != nil {
					return err
				}
			}
			m.logger.Debug("pool too dry to breed", zap.String("parent", parent.Name))
			continue
		}

		genome := m.offspring(parent, elites)
		child := m.spawn(genome, parent.Generation+1, cycle, granted)
		summary.Bred = append(summary.Bred, child.ID)
		metrics.LifecycleEvents.WithLabelValues("bred").Inc()
	}
	return nil
}

// offspring builds a child genome: uniform crossover with a random second
// elite when one exists, then gaussian mutation on every parameter.
func (m *Manager) offspring(parent *Agent, elites []*Agent) map[string]float64 {
	other := parent
	if len(elites) > 1 {
		for other == parent {
			other = elites[m.rng.Intn(len(elites))]
		}
	}

	child := make(map[string]float64, len(parent.Genome))
	for k, v := range parent.Genome {
		if ov, ok := other.Genome[k]; ok && m.rng.Float64() < 0.5 {
			v = ov
		}
		child[k] = v * (1 + 0.1*m.rng.NormFloat64())
	}
	return child
}

// retire moves agents past the age or award threshold into the archive.
func (m *Manager) retire(cycle int64, markPrice decimal.Decimal, summary *CycleSummary) error {
	for _, a := range m.AliveAgents() {
		byAge := a.Age(cycle) >= m.params.RetirementAge
		byAwards := a.Awards >= m.params.RetirementAwards
		if !byAge && !byAwards {
			continue
		}
		reason := "age"
		if byAwards {
			reason = "awards"
		}

		// capture stats at the mark before liquidation costs touch them
		rec := &archive.RetiredAgentRecord{
			AgentID:      a.ID.String(),
			Name:         a.Name,
			Generation:   a.Generation,
			BirthCycle:   a.BirthCycle,
			RetiredCycle: cycle,
			Reason:       reason,
			Awards:       a.Awards,
			FinalBalance: a.Ledger().Balance(markPrice).String(),
			ROI:          roi(a, markPrice),
			ProfitFactor: profitFactor(a),
			Genome:       archive.EncodeGenome(a.Genome),
		}

		if err := m.terminate(a, StateRetired, "retirement"); err != nil {
			return err
		}
		if m.archive != nil {
			if err := m.archive.Append(rec); err != nil {
				return err
			}
		}
		summary.Retired = append(summary.Retired, a.ID)
		metrics.LifecycleEvents.WithLabelValues("retired").Inc()
	}
	return nil
}

// terminate force-closes an agent's positions, sweeps its cash back into the
// pool, and marks the terminal state.
func (m *Manager) terminate(a *Agent, state State, reason string) error {
	if err := m.exec.CloseAll(a); err != nil {
		return fmt.Errorf("force close %s: %w", a.Name, err)
	}
	cash := a.Ledger().Cash()
	if cash.IsPositive() {
		residual, err := a.Ledger().WithdrawCapital(cash, ledger.RoleSystem)
		if err != nil {
			return err
		}
		if err := m.pool.Reclaim(residual, reason); err != nil {
			return err
		}
	}
	a.State = state

	m.logger.Info("agent terminated",
		zap.String("agent_id", a.ID.String()),
		zap.String("name", a.Name),
		zap.String("state", string(state)),
		zap.String("reclaimed", cash.String()))
	return nil
}

func (m *Manager) publishPopulation() {
	counts := map[State]int{StateAlive: 0, StateEliminated: 0, StateRetired: 0}
	for _, a := range m.agents {
		counts[a.State]++
	}
	for state, n := range counts {
		metrics.PopulationSize.WithLabelValues(string(state)).Set(float64(n))
	}
}
