package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPurchaseLock     = "payflow:reconcile:purchase:"
	defaultLockTTL      = 30 * time.Second
	defaultLockWait     = 5 * time.Second
	defaultLockInterval = 50 * time.Millisecond
)

type tryLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// PurchaseLock serializes reconciliation of one purchase across processes.
// It is advisory: when redis is down or the wait expires the caller proceeds
// and the ledger's conditional write still decides.
type PurchaseLock struct {
	locker   tryLocker
	log      *zap.Logger
	ttl      time.Duration
	wait     time.Duration
	interval time.Duration
}

func NewPurchaseLock(client *redis.Client, log *zap.Logger) *PurchaseLock {
	if client == nil {
		return nil
	}
	return newPurchaseLock(NewLocker(client), log)
}

func newPurchaseLock(locker tryLocker, log *zap.Logger) *PurchaseLock {
	return &PurchaseLock{
		locker:   locker,
		log:      log.Named("ratelimit.purchase_lock"),
		ttl:      defaultLockTTL,
		wait:     defaultLockWait,
		interval: defaultLockInterval,
	}
}

// Acquire waits for the lock up to the configured wait. The returned release
// func is always safe to call.
func (l *PurchaseLock) Acquire(ctx context.Context, purchaseID string) (func(), bool) {
	noop := func() {}
	if l == nil || l.locker == nil {
		return noop, false
	}

	key := keyPurchaseLock + purchaseID
	deadline := time.Now().Add(l.wait)
	for {
		token, ok, err := l.locker.TryLock(ctx, key, l.ttl)
		if err != nil {
			l.log.Warn("purchase lock unavailable", zap.String("purchase_id", purchaseID), zap.Error(err))
			return noop, false
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer cancel()
				if err := l.locker.Release(releaseCtx, key, token); err != nil {
					l.log.Warn("purchase lock release failed", zap.String("purchase_id", purchaseID), zap.Error(err))
				}
			}, true
		}
		if time.Now().After(deadline) {
			l.log.Debug("purchase lock wait expired", zap.String("purchase_id", purchaseID))
			return noop, false
		}

		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return noop, false
		case <-timer.C:
		}
	}
}
