package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitError carries the retry-after seconds a caller should surface
// as a 429, mirroring original_source/main.py's enforce_rate_limit
// raising HTTPException(429, ..., headers={"Retry-After": ...}).
type RateLimitError struct {
	Scope      string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("governor: rate limit exceeded for scope %q, retry after %ds", e.Scope, e.RetryAfter)
}

type rateLimitKey struct {
	keyHash string
	scope   string
}

type rateLimitEntry struct {
	windowStart int64
	count       int
}

// AuthoritativeRateLimiter is a durable, cross-process window counter.
// pkg/persistence's Postgres-backed rate_limit table and a Redis-backed
// store both satisfy it; RateLimiter treats whichever is configured as
// the authoritative half of the "both must pass" check.
type AuthoritativeRateLimiter interface {
	// CheckWindow increments the counter for (keyHash, scope) in the
	// window starting at windowStart and reports whether the result is
	// still within limit.
	CheckWindow(ctx context.Context, keyHash, scope string, limit int, windowStart, windowSeconds int64) (allowed bool, err error)
}

// RateLimiter enforces a fixed 60-second window per (owner_key_hash,
// scope) pair. It always checks an in-memory advisory window; when an
// AuthoritativeRateLimiter is configured it also checks a durable
// window and both must pass, per spec.md §4.7's "both must pass" rule.
type RateLimiter struct {
	windowSeconds int64

	mu      sync.Mutex
	entries map[rateLimitKey]*rateLimitEntry

	authoritative AuthoritativeRateLimiter
}

// NewRateLimiter builds an in-memory-only limiter. Call WithAuthoritative
// to add the durable authoritative check.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windowSeconds: 60,
		entries:       make(map[rateLimitKey]*rateLimitEntry),
	}
}

// WithAuthoritative attaches a durable authoritative backend. A nil
// store disables the authoritative check (ephemeral/advisory-only
// mode).
func (rl *RateLimiter) WithAuthoritative(store AuthoritativeRateLimiter) *RateLimiter {
	rl.authoritative = store
	return rl
}

// Check enforces limit requests per windowSeconds for (keyHash, scope).
// limit<=0 disables the check entirely, per spec.md's opt-in rate
// limits (RATE_LIMIT_*_PER_MIN defaulting to 0/unset).
func (rl *RateLimiter) Check(ctx context.Context, keyHash, scope string, limit int) (bool, int, error) {
	if limit <= 0 {
		return true, 0, nil
	}

	now := time.Now().Unix()
	windowStart := (now / rl.windowSeconds) * rl.windowSeconds
	retryAfter := int(windowStart + rl.windowSeconds - now)
	if retryAfter < 1 {
		retryAfter = 1
	}

	allowed := rl.checkLocal(keyHash, scope, limit, windowStart)

	if rl.authoritative != nil {
		durableAllowed, err := rl.authoritative.CheckWindow(ctx, keyHash, scope, limit, windowStart, rl.windowSeconds)
		if err != nil {
			return false, retryAfter, err
		}
		if !durableAllowed {
			allowed = false
		}
	}

	return allowed, retryAfter, nil
}

// Enforce wraps Check and returns a *RateLimitError on refusal, for
// callers that want enforce_rate_limit's raise-on-failure shape.
func (rl *RateLimiter) Enforce(ctx context.Context, keyHash, scope string, limit int) error {
	allowed, retryAfter, err := rl.Check(ctx, keyHash, scope, limit)
	if err != nil {
		return err
	}
	if !allowed {
		return &RateLimitError{Scope: scope, RetryAfter: retryAfter}
	}
	return nil
}

func (rl *RateLimiter) checkLocal(keyHash, scope string, limit int, windowStart int64) bool {
	key := rateLimitKey{keyHash: keyHash, scope: scope}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[key]
	if ok && entry.windowStart == windowStart {
		if entry.count >= limit {
			return false
		}
		entry.count++
		return true
	}
	rl.entries[key] = &rateLimitEntry{windowStart: windowStart, count: 1}
	return true
}

// RedisRateLimiter is an AuthoritativeRateLimiter backed by a single
// INCR+EXPIRE pair per window key.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter wraps client as an AuthoritativeRateLimiter.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) CheckWindow(ctx context.Context, keyHash, scope string, limit int, windowStart, windowSeconds int64) (bool, error) {
	redisKey := fmt.Sprintf("autoforge:ratelimit:%s:%s:%d", keyHash, scope, windowStart)

	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("governor: redis rate limit incr failed: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, time.Duration(windowSeconds)*time.Second).Err(); err != nil {
			return false, fmt.Errorf("governor: redis rate limit expire failed: %w", err)
		}
	}
	return int(count) <= limit, nil
}
