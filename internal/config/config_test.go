package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8082", cfg.App.Port)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.True(t, cfg.App.IsDev())

	rate, err := cfg.Lending.FineRate()
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("BIBLIODIGIT_STORAGE_BACKEND", "memory")
	t.Setenv("BIBLIODIGIT_DIRECTORY_BACKEND", "memory")
	t.Setenv("BIBLIODIGIT_FINE_RATE_PER_DAY", "0.50")
	t.Setenv("BIBLIODIGIT_LENDING_POLICIES", "ADMIN:10/60,EXTERNAL:1/7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "10/60", cfg.Lending.Policies["ADMIN"])
	assert.Equal(t, "1/7", cfg.Lending.Policies["EXTERNAL"])

	rate, err := cfg.Lending.FineRate()
	require.NoError(t, err)
	assert.Equal(t, "0.5", rate.String())
}

func TestLoadRejectsInvalidCombination(t *testing.T) {
	t.Setenv("BIBLIODIGIT_STORAGE_BACKEND", "memory")
	t.Setenv("BIBLIODIGIT_DIRECTORY_BACKEND", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres directory requires")
}

func TestSeedFileRequiresMemoryBackend(t *testing.T) {
	t.Setenv("BIBLIODIGIT_MEMORY_SEED_FILE", "seed.json")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed file")

	t.Setenv("BIBLIODIGIT_STORAGE_BACKEND", "memory")
	t.Setenv("BIBLIODIGIT_DIRECTORY_BACKEND", "memory")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "seed.json", cfg.Storage.SeedFile)
}

func TestValidateRejectsNegativeFineRate(t *testing.T) {
	cfg := Config{
		Storage:   StorageConfig{Backend: BackendMemory, Directory: BackendMemory},
		Lending:   LendingConfig{FineRatePerDay: "-1"},
		RateLimit: RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}
