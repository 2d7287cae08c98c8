package s3db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisIndexer is the Partition Manager's optional O(1) read-through cache
// (PartitionManager.WithAccelerator), storing each partition/value
// combination's id set in a Redis Set alongside the authoritative
// storage-backed ref keys. A cache miss or a Redis error always falls back
// to the storage scan in PartitionManager.ListPartition, so the accelerator
// only ever narrows latency — it is never the sole source of truth.
type RedisIndexer struct {
	redis      *redis.Client
	ownsClient bool // if true, Close() also closes the Redis client
}

// NewRedisIndexer wraps an existing Redis client the caller keeps owning.
func NewRedisIndexer(redis *redis.Client) *RedisIndexer {
	return &RedisIndexer{redis: redis}
}

// NewRedisIndexerWithOwnedClient wraps a Redis client the indexer closes
// itself when Close is called.
func NewRedisIndexerWithOwnedClient(redis *redis.Client) *RedisIndexer {
	return &RedisIndexer{redis: redis, ownsClient: true}
}

// Cache adds id to the cached set for one resource/partition/value combination.
func (r *RedisIndexer) Cache(ctx context.Context, resource, partition, cacheKey, id string) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.SAdd(ctx, r.setKey(resource, partition, cacheKey), id).Err()
}

// Invalidate removes id from the cached set for one resource/partition/value
// combination, called whenever the underlying document no longer belongs to
// that partition value (an update or a delete).
func (r *RedisIndexer) Invalidate(ctx context.Context, resource, partition, cacheKey, id string) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.SRem(ctx, r.setKey(resource, partition, cacheKey), id).Err()
}

// Query returns the cached id set for one resource/partition/value
// combination. An empty, non-error result means either a genuine miss or
// that the cache has never seen this combination — PartitionManager treats
// both the same and falls back to a storage scan.
func (r *RedisIndexer) Query(ctx context.Context, resource, partition, cacheKey string) ([]string, error) {
	if r.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}
	members, err := r.redis.SMembers(ctx, r.setKey(resource, partition, cacheKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return members, err
}

// setKey computes the Redis key backing one cached partition/value combination.
func (r *RedisIndexer) setKey(resource, partition, cacheKey string) string {
	return fmt.Sprintf("idx:%s:%s:%s", resource, partition, cacheKey)
}

// Close releases the indexer, closing the underlying Redis client if this
// indexer was constructed with NewRedisIndexerWithOwnedClient.
func (r *RedisIndexer) Close() error {
	if r.ownsClient && r.redis != nil {
		return r.redis.Close()
	}
	return nil
}
