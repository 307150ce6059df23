package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Scope is what a rate limit budget belongs to.
type Scope string

const (
	ScopeRecipient Scope = "recipient"
	ScopeIP        Scope = "ip"
)

// RateKey identifies one budget, e.g. a single recipient's inbox.
type RateKey struct {
	Scope Scope
	ID    string
}

func RecipientKey(id string) RateKey { return RateKey{Scope: ScopeRecipient, ID: id} }

func IPKey(addr string) RateKey { return RateKey{Scope: ScopeIP, ID: addr} }

func (k RateKey) String() string {
	return string(k.Scope) + ":" + k.ID
}

// IsZero reports whether k names no budget.
func (k RateKey) IsZero() bool {
	return k.ID == ""
}

type RateLimitConfig struct {
	Limit  int           // requests per window for every scope
	Window time.Duration // sliding window length

	// ScopeLimits overrides Limit for individual scopes.
	ScopeLimits map[Scope]int
}

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time     // when the oldest counted request leaves the window
	RetryAfter time.Duration // zero when allowed
}

// slidingWindow trims the log, then counts and records the request in one
// step, so concurrent requests for a key cannot overshoot the limit. Scores
// are passed as strings; Lua would round them when formatting.
//
// KEYS[1] log key; ARGV: now (µs), cutoff (µs), limit, n, nonce, ttl (ms).
// Returns {allowed, count, oldest score (µs)}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)

local allowed = 0
if count + n <= limit then
	for i = 1, n do
		redis.call('ZADD', key, ARGV[1], ARGV[1] .. '-' .. ARGV[5] .. '-' .. i)
	end
	count = count + n
	allowed = 1
	redis.call('PEXPIRE', key, ARGV[6])
end

local oldest = tonumber(ARGV[1])
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RateLimiter is a Redis sliding-window log limiter.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

func (r *RateLimiter) Window() time.Duration {
	return r.config.Window
}

// LimitFor is the per-window budget of scope.
func (r *RateLimiter) LimitFor(scope Scope) int {
	if n, ok := r.config.ScopeLimits[scope]; ok && n > 0 {
		return n
	}
	return r.config.Limit
}

func (r *RateLimiter) Allow(ctx context.Context, key RateKey) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN admits n requests against key's budget, or none of them.
func (r *RateLimiter) AllowN(ctx context.Context, key RateKey, n int) (*RateLimitResult, error) {
	limit := r.LimitFor(key.Scope)
	now := r.now()
	window := r.config.Window.Microseconds()

	vals, err := slidingWindow.Run(ctx, r.client.rdb, []string{"herald:ratelimit:" + key.String()},
		strconv.FormatInt(now.UnixMicro(), 10),
		strconv.FormatInt(now.UnixMicro()-window, 10),
		limit,
		n,
		uuid.NewString(),
		(r.config.Window + time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", key, vals)
	}

	result := &RateLimitResult{
		Allowed:   vals[0] == 1,
		Limit:     limit,
		Remaining: max(0, limit-int(vals[1])),
		ResetAt:   time.UnixMicro(vals[2] + window),
	}
	if !result.Allowed {
		result.RetryAfter = max(result.ResetAt.Sub(now), 0)
		r.logger.Debug("rate limit exceeded",
			zap.String("scope", string(key.Scope)),
			zap.String("id", key.ID),
			zap.Int("limit", limit),
		)
	}
	return result, nil
}
