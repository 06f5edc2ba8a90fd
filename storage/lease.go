package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vigil/config"
)

// LeaseStore grants short exclusive leases on rule evaluation windows so
// only one scheduler instance evaluates a given window at a time.
type LeaseStore interface {
	// Acquire attempts to take the lease named by key for the given owner.
	// Returns false when another owner already holds it.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees the lease if this owner still holds it.
	Release(ctx context.Context, key, owner string) error
}

// RedisLeaseStore implements LeaseStore on Redis SET NX.
type RedisLeaseStore struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

func NewRedisLeaseStore(cfg *config.Config, logger *zap.SugaredLogger) (*RedisLeaseStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Connected to Redis successfully")

	return &RedisLeaseStore{client: client, logger: logger}, nil
}

// NewRedisLeaseStoreFromClient wraps an existing client. Used by tests.
func NewRedisLeaseStoreFromClient(client *redis.Client, logger *zap.SugaredLogger) *RedisLeaseStore {
	return &RedisLeaseStore{client: client, logger: logger}
}

func (s *RedisLeaseStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, "vigil:lease:"+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// releaseScript deletes the lease only when the stored owner matches, so an
// expired lease re-acquired by another instance is never released by the
// original holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *RedisLeaseStore) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{"vigil:lease:" + key}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisLeaseStore) Close() error {
	return s.client.Close()
}

// LocalLeaseStore is the single-instance fallback used when Redis is
// disabled. Every acquire succeeds; the in-process concurrency governor is
// the only gate.
type LocalLeaseStore struct{}

func (LocalLeaseStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (LocalLeaseStore) Release(ctx context.Context, key, owner string) error {
	return nil
}
