package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payflow/internal/config"
)

const keyPurchaseUser = "payflow:ratelimit:purchases:%s"

type bucket interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error)
}

// PurchaseLimiter throttles purchase requests per user. A nil or disabled
// limiter allows everything.
type PurchaseLimiter struct {
	bucket bucket
	rate   float64
	burst  int
}

func NewPurchaseLimiter(cfg config.Config, client *redis.Client) *PurchaseLimiter {
	if client == nil || cfg.PurchaseRateLimit <= 0 {
		return nil
	}
	return newPurchaseLimiter(NewTokenBucket(client), cfg.PurchaseRateLimit)
}

func newPurchaseLimiter(b bucket, perMinute int) *PurchaseLimiter {
	return &PurchaseLimiter{
		bucket: b,
		rate:   float64(perMinute) / time.Minute.Seconds(),
		burst:  perMinute,
	}
}

func (l *PurchaseLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *PurchaseLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyPurchaseUser, strings.TrimSpace(userID)), l.rate, l.burst)
}
