// Package config loads simulation configuration from an optional YAML file
// with environment overrides (EVOSIM_ prefix) and defaults for every knob.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// MarketConfig holds order book and cost model parameters.
type MarketConfig struct {
	FeeRate        float64 `mapstructure:"fee_rate"`        // exchange fee as fraction of notional
	SpreadPct      float64 `mapstructure:"spread_pct"`      // full bid-ask spread as fraction of price
	TickPct        float64 `mapstructure:"tick_pct"`        // spacing between adjacent price levels
	Depth          int     `mapstructure:"depth"`           // price levels per side
	LevelSize      float64 `mapstructure:"level_size"`      // base size per price level
	SlippageCoeff  float64 `mapstructure:"slippage_coeff"`  // slippage per unit of consumed liquidity
	ImpactCoeff    float64 `mapstructure:"impact_coeff"`    // quadratic market impact coefficient
	ShockThreshold float64 `mapstructure:"shock_threshold"` // traded notional / base liquidity ratio that triggers a shock
	RecoveryRate   float64 `mapstructure:"recovery_rate"`   // liquidity recovered per cycle
}

// PoolConfig holds capital pool parameters.
type PoolConfig struct {
	InitialInvest float64 `mapstructure:"initial_invest"`
}

// PopulationConfig holds genesis population parameters.
type PopulationConfig struct {
	GenesisAgents   int     `mapstructure:"genesis_agents"`
	AgentCapital    float64 `mapstructure:"agent_capital"`
	ChildCapital    float64 `mapstructure:"child_capital"`
	MinChildCapital float64 `mapstructure:"min_child_capital"`
}

// LifecycleConfig holds evolution manager parameters.
type LifecycleConfig struct {
	CadenceCycles    int     `mapstructure:"cadence_cycles"`
	EliteRatio       float64 `mapstructure:"elite_ratio"`
	EliminationRatio float64 `mapstructure:"elimination_ratio"`
	BreedingTaxRate  float64 `mapstructure:"breeding_tax_rate"`
	RetirementAge    int64   `mapstructure:"retirement_age"`    // cycles
	RetirementAwards int     `mapstructure:"retirement_awards"` // cumulative awards threshold
	FitnessMetric    string  `mapstructure:"fitness_metric"`    // profit_factor | roi | sharpe
	ArchivePath      string  `mapstructure:"archive_path"`
}

// Config is the root configuration for the simulator.
type Config struct {
	LogLevel    string           `mapstructure:"log_level"`
	MetricsAddr string           `mapstructure:"metrics_addr"` // empty disables the metrics listener
	Seed        int64            `mapstructure:"seed"`
	Cycles      int64            `mapstructure:"cycles"`
	StartPrice  float64          `mapstructure:"start_price"`
	Market      MarketConfig     `mapstructure:"market"`
	Pool        PoolConfig       `mapstructure:"pool"`
	Population  PopulationConfig `mapstructure:"population"`
	Lifecycle   LifecycleConfig  `mapstructure:"lifecycle"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("seed", 42)
	v.SetDefault("cycles", 1000)
	v.SetDefault("start_price", 50000.0)

	v.SetDefault("market.fee_rate", 0.001)
	v.SetDefault("market.spread_pct", 0.0005)
	v.SetDefault("market.tick_pct", 0.0005)
	v.SetDefault("market.depth", 20)
	v.SetDefault("market.level_size", 5.0)
	v.SetDefault("market.slippage_coeff", 0.01)
	v.SetDefault("market.impact_coeff", 0.005)
	v.SetDefault("market.shock_threshold", 0.10)
	v.SetDefault("market.recovery_rate", 0.10)

	v.SetDefault("pool.initial_invest", 1_000_000.0)

	v.SetDefault("population.genesis_agents", 20)
	v.SetDefault("population.agent_capital", 10_000.0)
	v.SetDefault("population.child_capital", 10_000.0)
	v.SetDefault("population.min_child_capital", 1_000.0)

	v.SetDefault("lifecycle.cadence_cycles", 50)
	v.SetDefault("lifecycle.elite_ratio", 0.2)
	v.SetDefault("lifecycle.elimination_ratio", 0.2)
	v.SetDefault("lifecycle.breeding_tax_rate", 0.0)
	v.SetDefault("lifecycle.retirement_age", 2000)
	v.SetDefault("lifecycle.retirement_awards", 10)
	v.SetDefault("lifecycle.fitness_metric", "profit_factor")
	v.SetDefault("lifecycle.archive_path", "evosim_archive.db")
}

// Load reads configuration from path (optional) and the environment.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EVOSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot produce a sane simulation.
func (c *Config) Validate() error {
	if c.Market.Depth <= 0 {
		return fmt.Errorf("market.depth must be positive, got %d", c.Market.Depth)
	}
	if c.Market.FeeRate < 0 || c.Market.SpreadPct < 0 {
		return fmt.Errorf("market fee and spread must be non-negative")
	}
	if c.Lifecycle.EliteRatio < 0 || c.Lifecycle.EliteRatio > 1 {
		return fmt.Errorf("lifecycle.elite_ratio must be in [0,1], got %f", c.Lifecycle.EliteRatio)
	}
	if c.Lifecycle.EliminationRatio < 0 || c.Lifecycle.EliminationRatio > 1 {
		return fmt.Errorf("lifecycle.elimination_ratio must be in [0,1], got %f", c.Lifecycle.EliminationRatio)
	}
	if c.Lifecycle.BreedingTaxRate < 0 || c.Lifecycle.BreedingTaxRate >= 1 {
		return fmt.Errorf("lifecycle.breeding_tax_rate must be in [0,1), got %f", c.Lifecycle.BreedingTaxRate)
	}
	if c.Lifecycle.CadenceCycles <= 0 {
		return fmt.Errorf("lifecycle.cadence_cycles must be positive, got %d", c.Lifecycle.CadenceCycles)
	}
	switch c.Lifecycle.FitnessMetric {
	case "profit_factor", "roi", "sharpe":
	default:
		return fmt.Errorf("unknown fitness metric %q", c.Lifecycle.FitnessMetric)
	}
	return nil
}
