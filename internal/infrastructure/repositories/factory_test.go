package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peermesh/internal/infrastructure/repositories/memory"
	"peermesh/pkg/config"
)

func TestFactory_MemoryByDefault(t *testing.T) {
	f := NewRepositoryFactory(config.DefaultConfig(), zap.NewNop().Sugar())
	defer f.Close()

	assert.IsType(t, &memory.RosterStore{}, f.CreateRosterStore())
	assert.Nil(t, f.RedisClient())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	f := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	defer f.Close()

	store := f.CreateRosterStore()
	require.NotNil(t, store)
	assert.IsType(t, &memory.RosterStore{}, store)
}
