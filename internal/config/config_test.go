package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 20, cfg.Market.Depth)
	assert.Equal(t, 0.001, cfg.Market.FeeRate)
	assert.Equal(t, 20, cfg.Population.GenesisAgents)
	assert.Equal(t, "profit_factor", cfg.Lifecycle.FitnessMetric)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Lifecycle.CadenceCycles)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("seed: 99\nmarket:\n  depth: 5\nlifecycle:\n  fitness_metric: sharpe\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(99), cfg.Seed)
	assert.Equal(t, 5, cfg.Market.Depth)
	assert.Equal(t, "sharpe", cfg.Lifecycle.FitnessMetric)
	// untouched keys keep their defaults
	assert.Equal(t, 0.001, cfg.Market.FeeRate)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Market.Depth = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Lifecycle.EliminationRatio = 1.5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Lifecycle.BreedingTaxRate = 1.0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Lifecycle.CadenceCycles = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Lifecycle.FitnessMetric = "luck"
	assert.Error(t, cfg.Validate())
}
