package client

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisViewDeduper marks the first view of a quote inside a window with SET NX.
type RedisViewDeduper struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisViewDeduper creates a deduper over an existing client.
func NewRedisViewDeduper(rdb *redis.Client) *RedisViewDeduper {
	return &RedisViewDeduper{rdb: rdb, prefix: "quotes:viewed:"}
}

// InitRedis opens a client and verifies the connection.
func InitRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (d *RedisViewDeduper) FirstView(ctx context.Context, quoteID string, window time.Duration) (bool, error) {
	return d.rdb.SetNX(ctx, d.prefix+quoteID, time.Now().UTC().Unix(), window).Result()
}

func (d *RedisViewDeduper) Forget(ctx context.Context, quoteID string) error {
	return d.rdb.Del(ctx, d.prefix+quoteID).Err()
}

// MemoryViewDeduper is the single-process fallback when Redis is not configured.
type MemoryViewDeduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock func() time.Time
}

func NewMemoryViewDeduper(clock func() time.Time) *MemoryViewDeduper {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryViewDeduper{seen: make(map[string]time.Time), clock: clock}
}

func (d *MemoryViewDeduper) FirstView(_ context.Context, quoteID string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if until, ok := d.seen[quoteID]; ok && now.Before(until) {
		return false, nil
	}
	d.seen[quoteID] = now.Add(window)

	// Drop stale marks so the map tracks only live windows
	for id, until := range d.seen {
		if !now.Before(until) {
			delete(d.seen, id)
		}
	}
	return true, nil
}

func (d *MemoryViewDeduper) Forget(_ context.Context, quoteID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, quoteID)
	return nil
}
