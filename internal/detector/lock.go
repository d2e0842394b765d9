package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"

	"restosync/internal/constants"
	"restosync/internal/logger"
	pkgerrors "restosync/pkg/errors"
)

// keyedMutex serializes work per key inside one process. Entries are
// dropped once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refMutex{}}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Locker serializes entity updates across processes.
type Locker interface {
	Lock(ctx context.Context, entityID string) (release func(), err error)
}

type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	logger logger.Logger
}

func NewRedisLocker(client *redislock.Client, ttl time.Duration, log logger.Logger) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, logger: log}
}

// Lock waits up to the lock TTL for the entity lock. A lock held elsewhere
// for that long is reported as unavailable; a Redis failure degrades to
// in-process serialization only.
func (l *RedisLocker) Lock(ctx context.Context, entityID string) (func(), error) {
	key := constants.LockKeyPrefixEntity + entityID

	waitCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	lock, err := l.client.Obtain(waitCtx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(50 * time.Millisecond),
	})
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("message", "entity is locked by another writer")
	}
	if err != nil {
		l.logger.WarnwCtx(ctx, "Redis lock unavailable, continuing with in-process lock only",
			"entity_id", entityID,
			"error", err,
		)
		return func() {}, nil
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warnw("Failed to release entity lock", "entity_id", entityID, "error", err)
		}
	}, nil
}
