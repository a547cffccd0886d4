package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Per-circle distributed lock
// ============================================================================
//
// Balance-changing operations on one circle (contribution credit, disbursement
// debit, repayment credit) are serialized across service instances with a
// Redis lease keyed by circle id. Two different circles never share a key, so
// they never wait on each other.
//
// The lease is an optimisation on top of the store: the conditional
// `balance >= ?` update and the row lock stay authoritative even if a lease
// expires while its holder is still working.
//
//   acquire: SET key token NX PX ttl
//   release: Lua compare-and-delete on token, so an expired holder can never
//            delete a lease that has since been handed to somebody else
//
// ============================================================================

var ErrLockFailed = errors.New("could not acquire lock")

// Locker hands out exclusive leases on keys.
type Locker interface {
	Obtain(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock is a single Redis lease.
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock makes one non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock until it succeeds, ctx ends or maxRetries is spent.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// RedisLocker implements Locker with DistributedLock leases.
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	retryInterval := 50 * time.Millisecond
	maxRetries := int(ttl / retryInterval)
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string) (Lease, error) {
	lease := NewDistributedLock(l.client, key, uuid.NewString(), l.ttl)
	if err := lease.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, err
	}
	return lease, nil
}

// CircleKey is the lock key guarding one circle's fund.
func CircleKey(circleID int64) string {
	return fmt.Sprintf("circle:lock:%d", circleID)
}

// NopLocker grants every lease immediately. With it, correctness rests on the
// store alone; used by single-instance deployments and tests.
type NopLocker struct{}

func (NopLocker) Obtain(context.Context, string) (Lease, error) {
	return nopLease{}, nil
}

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }
