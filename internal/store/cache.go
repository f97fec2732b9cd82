package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/models"
)

// positionTTL bounds how long a stale entry can outlive its game if the
// session is never cleanly evicted.
const positionTTL = 24 * time.Hour

// RedisCache implements Cache over a shared Redis client. Writes are
// fire-and-forget: the session actor owns the authoritative state, so a
// cache failure costs observability, never correctness.
type RedisCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRedisCache(rdb *redis.Client, logger *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, log: logger}
}

func fenKey(gameID string) string  { return fmt.Sprintf("game:%s:fen", gameID) }
func turnKey(gameID string) string { return fmt.Sprintf("game:%s:turn", gameID) }

func (c *RedisCache) PutPosition(ctx context.Context, gameID, fen string) {
	if err := c.rdb.SetEx(ctx, fenKey(gameID), fen, positionTTL).Err(); err != nil {
		c.log.Warn("cache position write failed",
			zap.String("game_id", gameID), zap.Error(err))
	}
}

func (c *RedisCache) PutTurn(ctx context.Context, gameID string, turn models.Color) {
	if err := c.rdb.SetEx(ctx, turnKey(gameID), string(turn), positionTTL).Err(); err != nil {
		c.log.Warn("cache turn write failed",
			zap.String("game_id", gameID), zap.Error(err))
	}
}

func (c *RedisCache) GetPosition(ctx context.Context, gameID string) (string, bool) {
	val, err := c.rdb.Get(ctx, fenKey(gameID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.log.Warn("cache position read failed",
			zap.String("game_id", gameID), zap.Error(err))
		return "", false
	}
	return val, true
}

func (c *RedisCache) Clear(ctx context.Context, gameID string) {
	if err := c.rdb.Del(ctx, fenKey(gameID), turnKey(gameID)).Err(); err != nil {
		c.log.Warn("cache clear failed",
			zap.String("game_id", gameID), zap.Error(err))
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// NoopCache satisfies Cache when Redis is unavailable. The server keeps
// running; reconnect snapshots come straight from the session.
type NoopCache struct{}

func (NoopCache) PutPosition(context.Context, string, string)       {}
func (NoopCache) PutTurn(context.Context, string, models.Color)     {}
func (NoopCache) GetPosition(context.Context, string) (string, bool) { return "", false }
func (NoopCache) Clear(context.Context, string)                     {}
func (NoopCache) Ping(context.Context) error                        { return nil }
