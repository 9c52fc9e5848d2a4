package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

const (
	modemsCacheKey      = "alarmnotifier:modems"
	systemStateCacheKey = "alarmnotifier:system_state"
)

// RedisCache is the read-through layer fronting pkg/repository for both
// modempool.Cache and systemstate.Cache — the method sets don't collide
// (GetModems/SetModems vs GetSystemState/SetSystemState), so one client
// serves both, matching the single-Redis-instance deployment spec.md §6
// assumes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache wraps an already-configured *redis.Client. ttl bounds how
// long a cached read is trusted before falling through to Postgres.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// GetModems implements modempool.Cache.
func (c *RedisCache) GetModems(ctx context.Context) ([]*model.Modem, bool) {
	raw, err := c.client.Get(ctx, modemsCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("modem cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var modems []*model.Modem
	if err := json.Unmarshal(raw, &modems); err != nil {
		c.logger.Warn("modem cache decode failed", zap.Error(err))
		return nil, false
	}
	return modems, true
}

// SetModems implements modempool.Cache.
func (c *RedisCache) SetModems(ctx context.Context, modems []*model.Modem) {
	raw, err := json.Marshal(modems)
	if err != nil {
		c.logger.Warn("modem cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, modemsCacheKey, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("modem cache write failed", zap.Error(err))
	}
}

// Invalidate implements modempool.Cache.
func (c *RedisCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, modemsCacheKey).Err(); err != nil {
		c.logger.Warn("modem cache invalidate failed", zap.Error(err))
	}
}

// GetSystemState implements systemstate.Cache.
func (c *RedisCache) GetSystemState(ctx context.Context) (*model.SystemState, bool) {
	raw, err := c.client.Get(ctx, systemStateCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("system state cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var state model.SystemState
	if err := json.Unmarshal(raw, &state); err != nil {
		c.logger.Warn("system state cache decode failed", zap.Error(err))
		return nil, false
	}
	return &state, true
}

// SetSystemState implements systemstate.Cache.
func (c *RedisCache) SetSystemState(ctx context.Context, state *model.SystemState) {
	raw, err := json.Marshal(state)
	if err != nil {
		c.logger.Warn("system state cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, systemStateCacheKey, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("system state cache write failed", zap.Error(err))
	}
}
