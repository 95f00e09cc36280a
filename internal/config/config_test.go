package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// writeConfigFile marshals the given document to a temp YAML file and
// returns its path.
func writeConfigFile(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "signalflux", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, 5000, cfg.Engine.CycleIntervalMS)
	assert.True(t, cfg.Trading.PaperMode)
	assert.Equal(t, "paper", cfg.Trading.Broker)
	assert.True(t, cfg.NATS.Enabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"app": map[string]any{"environment": "staging"},
		"engine": map[string]any{
			"cycle_interval_ms": 1000,
			"symbols": []map[string]any{
				{"symbol": "AAPL", "asset_class": "equity", "min_notional": 10},
			},
		},
		"trading": map[string]any{"auto_execute": true},
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.App.Environment)
	assert.Equal(t, 1000, cfg.Engine.CycleIntervalMS)
	require.Len(t, cfg.Engine.Symbols, 1)
	assert.Equal(t, "AAPL", cfg.Engine.Symbols[0].Symbol)
	assert.True(t, cfg.Trading.AutoExecute)

	// Untouched sections keep their defaults.
	assert.Equal(t, 0.05, cfg.Trading.ProfitTargetPct)
	assert.Equal(t, 10, cfg.Database.PoolSize)
}

func TestLoadRejectsOutOfRangeRisk(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"risk": map[string]any{"position_size_pct": 2.0},
	})

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk.position_size_pct")
}

func TestLoadRejectsBadSymbols(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"engine": map[string]any{
			"symbols": []map[string]any{
				{"symbol": "AAPL", "asset_class": "bond"},
				{"symbol": "AAPL", "asset_class": "equity"},
			},
		},
	})

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "asset_class")
	assert.Contains(t, err.Error(), "Duplicate symbol")
}

func TestLiveTradingRequiresCredentials(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"trading": map[string]any{
			"auto_execute": true,
			"paper_mode":   false,
			"broker":       "binance",
		},
		"brokers": map[string]any{
			"binance": map[string]any{"testnet": true},
		},
	})

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API credentials")
}
