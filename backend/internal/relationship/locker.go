package relationship

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kgraph/backend/internal/graph"
	apperrors "kgraph/backend/pkg/errors"
	"kgraph/backend/pkg/logger"
)

// Locker serializes work on one ordered node pair. Lock blocks until the key
// is free or ctx is done and returns the function that releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// PairKey is the lock key of an ordered pair and edge type within an owner
func PairKey(ownerID, fromKey, toKey string, edgeType graph.EdgeType) string {
	return ownerID + "|" + fromKey + "|" + toKey + "|" + string(edgeType)
}

// ============================================================================
// In-process locks
// ============================================================================

// LocalLocker is a keyed mutex for a single process. Slots are dropped once
// nobody holds or waits for them.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, s)
		return nil, apperrors.NewContextTimeout("pair lock", 0, ctx.Err())
	}
}

func (l *LocalLocker) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held reports how many keys currently have holders or waiters
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// ============================================================================
// Redis locks
// ============================================================================

// Deletes the lock only if it still carries our token
var unlockScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds pair locks in Redis so several ingestion processes can
// share one graph. A lock expires after TTL even if its holder dies.
type RedisLocker struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedisLocker connects to addr and verifies the connection
func NewRedisLocker(ctx context.Context, addr string, ttl time.Duration) (*RedisLocker, error) {
	if addr == "" {
		return nil, apperrors.NewConfigMissingRequired("REDIS_ADDR")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperrors.NewExternalService("redis", "ping", err)
	}
	return NewRedisLockerFromClient(rdb, ttl), nil
}

// NewRedisLockerFromClient wraps an existing client
func NewRedisLockerFromClient(rdb *goredis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		rdb:    rdb,
		prefix: "kgraph:pairlock:",
		ttl:    ttl,
		poll:   25 * time.Millisecond,
		logger: logger.Named("redis_locker"),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperrors.NewContextTimeout("pair lock", 0, ctx.Err())
			}
			return nil, apperrors.NewExternalService("redis", "setnx", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.NewContextTimeout("pair lock", 0, ctx.Err())
		case <-time.After(l.poll):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done; release regardless
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(releaseCtx, l.rdb, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("Failed to release pair lock",
					zap.String("key", key),
					zap.Error(err),
				)
			}
		})
	}, nil
}

// Close closes the Redis client
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
