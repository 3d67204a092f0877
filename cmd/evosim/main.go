package main

import (
	"flag"
	"math/rand"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evosim/evosim/internal/config"
	"github.com/evosim/evosim/internal/ledger"
	"github.com/evosim/evosim/internal/lifecycle"
	"github.com/evosim/evosim/internal/sim"
	"github.com/evosim/evosim/pkg/logger"
	"github.com/evosim/evosim/pkg/metrics"
)

// criticalDrawdown is the balance-to-initial-capital ratio below which the
// evolution cycle is forced ahead of its cadence.
var criticalDrawdown = decimal.RequireFromString("0.5")

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync() //nolint:errcheck

	engine, err := sim.New(cfg, log)
	if err != nil {
		log.Fatal("failed to build simulation engine", zap.Error(err))
	}
	defer engine.Close() //nolint:errcheck

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	if err := run(engine, cfg, log); err != nil {
		log.Error("simulation aborted", zap.Error(err))
		os.Exit(1)
	}

	log.Info("simulation complete",
		zap.Int("alive", len(engine.Manager().AliveAgents())),
		zap.String("pool_available", engine.Pool().Available().String()),
		zap.String("pool_reclaimed", engine.Pool().Reclaimed().String()),
		zap.Int("public_records", engine.PublicLedger().Len()))
}

// run drives the simulation: a random-walk price path, genome-driven order
// intents per agent, and the evolution cycle on its cadence, forced early
// when drawdown turns critical.
func run(engine *sim.Engine, cfg *config.Config, log *zap.Logger) error {
	rng := rand.New(rand.NewSource(cfg.Seed + 1))
	price := decimal.NewFromFloat(cfg.StartPrice)

	for cycle := int64(1); cycle <= cfg.Cycles; cycle++ {
		price = nextPrice(price, rng)
		engine.Tick(cycle, price)

		for _, a := range engine.Manager().AliveAgents() {
			side, size, confidence := decide(a, rng, price)
			if side == "" {
				continue
			}
			if _, err := engine.SubmitOrder(a.ID, side, size, confidence); err != nil {
				// unaffordable intents are skipped, anything else is fatal
				if engine.Halted() {
					return err
				}
				log.Debug("order rejected", zap.String("agent", a.Name), zap.Error(err))
			}
		}

		summary, err := engine.RunLifecycleCycle(cycle, price)
		if err != nil {
			return err
		}
		if summary == nil && drawdownCritical(engine, price) {
			log.Warn("critical drawdown, forcing evolution cycle", zap.Int64("cycle", cycle))
			summary, err = engine.ForceLifecycleCycle(cycle, price)
			if err != nil {
				return err
			}
		}
		if summary != nil {
			log.Info("evolution cycle",
				zap.Int64("cycle", summary.Cycle),
				zap.Int("population", summary.Population),
				zap.Int("eliminated", len(summary.Eliminated)),
				zap.Int("bred", len(summary.Bred)),
				zap.Int("retired", len(summary.Retired)),
				zap.String("price", price.String()))
		}
	}
	return nil
}

// serveMetrics exposes the prometheus collectors for scraping.
func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}

// nextPrice takes one step of a geometric random walk, floored well above
// zero so the book always has a sane reference.
func nextPrice(price decimal.Decimal, rng *rand.Rand) decimal.Decimal {
	step := decimal.NewFromFloat(1 + 0.002*rng.NormFloat64())
	next := price.Mul(step)
	if floor := decimal.NewFromInt(1); next.LessThan(floor) {
		return floor
	}
	return next
}

// decide turns an agent's genome into a (possibly empty) order intent. This
// is deliberately dumb: the simulator evolves capital allocation, not
// trading signals, so the driver only needs to be genome-sensitive enough
// for selection pressure to bite.
func decide(a *lifecycle.Agent, rng *rand.Rand, price decimal.Decimal) (ledger.Side, decimal.Decimal, float64) {
	aggression := a.Genome["aggression"]
	if rng.Float64() > 0.1+0.4*aggression {
		return "", decimal.Zero, 0
	}
	confidence := rng.Float64()
	led := a.Ledger()

	// flatten an open position about half the time
	if long := led.LongPosition(); long.IsOpen() && rng.Float64() < 0.5 {
		return ledger.SideSell, long.Amount, confidence
	}
	if short := led.ShortPosition(); short.IsOpen() && rng.Float64() < 0.5 {
		return ledger.SideCover, short.Amount, confidence
	}

	risk := 0.05 + 0.2*a.Genome["risk_tolerance"]
	budget := led.Cash().Mul(decimal.NewFromFloat(risk))
	size := budget.Div(price)
	if !size.IsPositive() {
		return "", decimal.Zero, 0
	}
	if rng.Float64() < 0.5+0.3*(a.Genome["contrarian"]-0.5) {
		return ledger.SideBuy, size, confidence
	}
	return ledger.SideShort, size, confidence
}

// drawdownCritical reports whether any live agent has lost more than half
// its initial capital at the current mark.
func drawdownCritical(engine *sim.Engine, price decimal.Decimal) bool {
	for _, a := range engine.Manager().AliveAgents() {
		threshold := a.Ledger().InitialCapital().Mul(criticalDrawdown)
		if a.Ledger().Balance(price).LessThan(threshold) {
			return true
		}
	}
	return false
}
