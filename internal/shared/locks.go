package shared

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// StockLockKey builds the redis key guarding one product's batches at a location.
func StockLockKey(productID, locationID int64) string {
	return fmt.Sprintf("inventory:stock:%d:%d:lock", productID, locationID)
}

// PurchaseOrderLockKey builds the redis key guarding one purchase order header.
func PurchaseOrderLockKey(headerID int64) string {
	return fmt.Sprintf("procurement:po:%d:lock", headerID)
}

// Locker serialises critical sections across processes. A nil *Locker is
// valid and grants every lock immediately; row locks still apply.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// LockerOption customises a Locker.
type LockerOption func(*Locker)

// WithRetryStrategy overrides how long Acquire waits for a busy key.
func WithRetryStrategy(s redislock.RetryStrategy) LockerOption {
	return func(l *Locker) { l.retry = s }
}

// NewLocker returns nil when client is nil.
func NewLocker(client *redis.Client, ttl time.Duration, opts ...LockerOption) *Locker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	l := &Locker{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(25*time.Millisecond), 40),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire obtains every key in sorted order so that overlapping requests
// cannot deadlock. The returned release func is always non-nil.
func (l *Locker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	if l == nil || len(keys) == 0 {
		return func() {}, nil
	}
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*redislock.Lock, 0, len(sorted))
	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(rctx)
		}
	}
	for _, key := range sorted {
		lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return func() {}, fmt.Errorf("%w: lock %s busy", ErrConcurrencyConflict, key)
			}
			return func() {}, fmt.Errorf("obtain lock %s: %w", key, err)
		}
		held = append(held, lock)
	}
	return release, nil
}
