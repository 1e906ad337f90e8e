package pg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfigAppliesOptions(t *testing.T) {
	cfg, err := poolConfig("postgres://u:p@localhost:5432/commhub", PoolOptions{
		MaxConns:          20,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: 15 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(20), cfg.MaxConns)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLifetime)
	assert.Equal(t, time.Minute, cfg.MaxConnIdleTime)
	assert.Equal(t, 15*time.Second, cfg.HealthCheckPeriod)
}

func TestPoolConfigKeepsDefaultsForZeroOptions(t *testing.T) {
	def, err := poolConfig("postgres://localhost/commhub", PoolOptions{})
	require.NoError(t, err)
	assert.Positive(t, def.MaxConns)

	_, err = poolConfig("postgres://localhost:notaport/commhub", PoolOptions{})
	assert.Error(t, err)
}
