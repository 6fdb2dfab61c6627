package matcher

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

type blockPair struct{ rider, driver string }

type MemoryBlocks struct {
	mu    sync.RWMutex
	pairs map[blockPair]struct{}
}

func NewMemoryBlocks() *MemoryBlocks {
	return &MemoryBlocks{pairs: make(map[blockPair]struct{})}
}

// Block records that one side blocked the other; the effect is symmetric.
func (b *MemoryBlocks) Block(riderID, driverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pairs[blockPair{riderID, driverID}] = struct{}{}
}

func (b *MemoryBlocks) Blocked(ctx context.Context, riderID, driverID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.pairs[blockPair{riderID, driverID}]
	return ok, nil
}

// RedisBlocks keeps one set per party: blocks:rider:<id> holds the drivers
// a rider blocked, blocks:driver:<id> the riders a driver blocked.
type RedisBlocks struct {
	client *redis.Client
}

func NewRedisBlocks(client *redis.Client) *RedisBlocks {
	return &RedisBlocks{client: client}
}

func (b *RedisBlocks) RiderBlocks(ctx context.Context, riderID, driverID string) error {
	return b.client.SAdd(ctx, "blocks:rider:"+riderID, driverID).Err()
}

func (b *RedisBlocks) DriverBlocks(ctx context.Context, driverID, riderID string) error {
	return b.client.SAdd(ctx, "blocks:driver:"+driverID, riderID).Err()
}

func (b *RedisBlocks) Blocked(ctx context.Context, riderID, driverID string) (bool, error) {
	pipe := b.client.Pipeline()
	byRider := pipe.SIsMember(ctx, "blocks:rider:"+riderID, driverID)
	byDriver := pipe.SIsMember(ctx, "blocks:driver:"+driverID, riderID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return byRider.Val() || byDriver.Val(), nil
}
