package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLeaseHeld is returned when another invocation holds the lease.
var ErrLeaseHeld = errors.New("lease held by another invocation")

// Lease is an acquired lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out time-bounded leases keyed by name.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX so that every process sharing
// the Redis instance contends for the same lease.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLeaseHeld)
	}
	return &redisLease{client: l.client, key: key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	once   sync.Once
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		if e := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); e != nil && !errors.Is(e, redis.Nil) {
			err = fmt.Errorf("failed to release lease %s: %w", l.key, e)
		}
	})
	return err
}

// LocalLocker is an in-process Locker, used when Redis is not configured.
type LocalLocker struct {
	mu     sync.Mutex
	held   map[string]localHold
	now    func() time.Time
	nextID uint64
}

type localHold struct {
	id      uint64
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, fmt.Errorf("%s: %w", key, ErrLeaseHeld)
	}
	l.nextID++
	l.held[key] = localHold{id: l.nextID, expires: now.Add(ttl)}
	return &localLease{locker: l, key: key, id: l.nextID}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	id     uint64
}

func (l *localLease) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	// an expired lease may have been taken over; leave the new holder alone
	if h, ok := l.locker.held[l.key]; ok && h.id == l.id {
		delete(l.locker.held, l.key)
	}
	return nil
}
