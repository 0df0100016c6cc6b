package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be acquired before the wait deadline.
var ErrLockTimeout = errors.New("lock wait timeout")

// Locker serialises critical sections by key. The returned release func must be called once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// OrderLockKey builds the lock key guarding a supplier order header.
func OrderLockKey(orderID int64) string {
	return fmt.Sprintf("supply:order:%d:lock", orderID)
}

// LineLockKey builds the lock key guarding a single order line.
func LineLockKey(lineID int64) string {
	return fmt.Sprintf("supply:line:%d:lock", lineID)
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisLocker constructs a RedisLocker. ttl bounds how long a crashed holder
// keeps the key; wait bounds how long Acquire polls.
func NewRedisLocker(client redis.UniversalClient, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

// Acquire polls until the key is free, the wait elapses or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redis locker not initialised")
	}
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				// ctx may already be cancelled by the time the caller releases.
				_ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// LocalLocker is an in-process keyed mutex for single-node deployments and tests.
// A key's slot is dropped once no holder or waiter references it.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localSlot
	wait  time.Duration
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker constructs a LocalLocker. A zero wait blocks until ctx is done.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localSlot), wait: wait}
}

func (l *LocalLocker) ref(key string) *localSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.locks[key]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.locks[key] = slot
	}
	slot.refs++
	return slot
}

func (l *LocalLocker) unref(key string, slot *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.locks, key)
	}
}

// Acquire blocks until the key is free.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	slot := l.ref(key)
	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.unref(key, slot)
			})
		}, nil
	case <-timeout:
		l.unref(key, slot)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	case <-ctx.Done():
		l.unref(key, slot)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// FallbackLocker uses primary and switches to fallback for a call when primary
// fails for any reason other than contention or the caller's context. Row
// locks and version checks in Postgres still serialise writers across nodes
// while the fallback is in use.
type FallbackLocker struct {
	primary  Locker
	fallback Locker
	logger   *slog.Logger
}

// NewFallbackLocker wraps primary with fallback.
func NewFallbackLocker(primary, fallback Locker, logger *slog.Logger) *FallbackLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackLocker{primary: primary, fallback: fallback, logger: logger}
}

// Acquire implements Locker.
func (l *FallbackLocker) Acquire(ctx context.Context, key string) (func(), error) {
	release, err := l.primary.Acquire(ctx, key)
	if err == nil {
		return release, nil
	}
	if errors.Is(err, ErrLockTimeout) || ctx.Err() != nil || l.fallback == nil {
		return nil, err
	}
	l.logger.Warn("distributed lock unavailable, using local lock", slog.String("key", key), slog.Any("error", err))
	return l.fallback.Acquire(ctx, key)
}
