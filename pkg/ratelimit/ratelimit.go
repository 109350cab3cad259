// Package ratelimit enforces per-tenant token budgets over a sliding
// one-minute window. The window state lives in redis so the budget holds
// across router replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter charges estimated token counts against a tenant's budget before a
// request is dispatched upstream.
type Limiter struct {
	budgets extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	budgets := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{budgets: budgets}
}

// NewTestLimiter accepts any store implementation, letting tests swap redis
// out for an in-memory fake.
func NewTestLimiter(budgets extratelimit.Limiter) *Limiter {
	return &Limiter{budgets: budgets}
}

func budgetKey(tenantID string) string {
	return fmt.Sprintf("tpm:tenant:%s", tenantID)
}

// Allow charges tokens against the tenant's window and reports whether the
// request may proceed.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	res, err := l.budgets.AllowN(ctx, budgetKey(tenantID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports the tenant's current window without charging it.
func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return l.budgets.Status(ctx, budgetKey(tenantID))
}
