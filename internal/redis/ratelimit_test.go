package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var rateNow = time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC)

func newRateLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	now := rateNow
	limiter := NewRateLimiter(NewFromClient(rdb, zap.NewNop()), zap.NewNop(), cfg)
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRateKey(t *testing.T) {
	id := uuid.NewString()
	if got := RecipientKey(id).String(); got != "recipient:"+id {
		t.Errorf("recipient key = %q", got)
	}
	if got := IPKey("10.0.0.1").String(); got != "ip:10.0.0.1" {
		t.Errorf("ip key = %q", got)
	}
	if !RecipientKey("").IsZero() || IPKey("10.0.0.1").IsZero() {
		t.Error("IsZero should only hold for an empty id")
	}
}

func TestRateLimiter_RecipientBudget(t *testing.T) {
	limiter, _ := newRateLimiter(t, RateLimitConfig{Limit: 3, Window: time.Minute})
	ctx := context.Background()
	inbox := RecipientKey(uuid.NewString())

	for i := range 3 {
		res, err := limiter.Allow(ctx, inbox)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !res.Allowed || res.Remaining != 2-i || res.Limit != 3 {
			t.Fatalf("request %d = %+v", i, res)
		}
	}

	res, err := limiter.Allow(ctx, inbox)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("fourth request = %+v, want rejected", res)
	}
	if res.RetryAfter != time.Minute || !res.ResetAt.Equal(rateNow.Add(time.Minute)) {
		t.Errorf("retry after %v, reset %v", res.RetryAfter, res.ResetAt)
	}
}

func TestRateLimiter_RecipientsAreIndependent(t *testing.T) {
	limiter, _ := newRateLimiter(t, RateLimitConfig{Limit: 1, Window: time.Minute})
	ctx := context.Background()
	a, b := RecipientKey(uuid.NewString()), RecipientKey(uuid.NewString())

	if res, _ := limiter.Allow(ctx, a); !res.Allowed {
		t.Fatal("first request for a should pass")
	}
	if res, _ := limiter.Allow(ctx, a); res.Allowed {
		t.Fatal("a is over budget")
	}
	if res, _ := limiter.Allow(ctx, b); !res.Allowed {
		t.Fatal("b has its own budget")
	}
	// Same id under another scope is another budget.
	if res, _ := limiter.Allow(ctx, IPKey(a.ID)); !res.Allowed {
		t.Fatal("ip scope must not share the recipient budget")
	}
}

func TestRateLimiter_ScopeLimits(t *testing.T) {
	limiter, _ := newRateLimiter(t, RateLimitConfig{
		Limit:       5,
		Window:      time.Minute,
		ScopeLimits: map[Scope]int{ScopeIP: 2},
	})

	if got := limiter.LimitFor(ScopeRecipient); got != 5 {
		t.Errorf("recipient limit = %d, want 5", got)
	}
	if got := limiter.LimitFor(ScopeIP); got != 2 {
		t.Errorf("ip limit = %d, want 2", got)
	}

	ctx := context.Background()
	client := IPKey("203.0.113.7")
	for range 2 {
		limiter.Allow(ctx, client)
	}
	if res, _ := limiter.Allow(ctx, client); res.Allowed || res.Limit != 2 {
		t.Fatalf("third ip request = %+v, want rejected at limit 2", res)
	}
}

func TestRateLimiter_AllowNIsAllOrNothing(t *testing.T) {
	limiter, _ := newRateLimiter(t, RateLimitConfig{Limit: 10, Window: time.Minute})
	ctx := context.Background()
	inbox := RecipientKey(uuid.NewString())

	res, err := limiter.AllowN(ctx, inbox, 6)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Remaining != 4 {
		t.Fatalf("batch of 6 = %+v", res)
	}

	if res, _ = limiter.AllowN(ctx, inbox, 5); res.Allowed {
		t.Fatal("batch of 5 exceeds the remaining 4")
	}
	if res, _ = limiter.AllowN(ctx, inbox, 4); !res.Allowed || res.Remaining != 0 {
		t.Fatalf("rejected batch must not consume budget: %+v", res)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, now := newRateLimiter(t, RateLimitConfig{Limit: 2, Window: time.Minute})
	ctx := context.Background()
	inbox := RecipientKey(uuid.NewString())

	limiter.Allow(ctx, inbox)
	*now = now.Add(40 * time.Second)
	limiter.Allow(ctx, inbox)

	res, _ := limiter.Allow(ctx, inbox)
	if res.Allowed {
		t.Fatal("both requests are still in the window")
	}
	// The first request leaves the window at +60s, 20s from now.
	if res.RetryAfter != 20*time.Second {
		t.Errorf("retry after = %v, want 20s", res.RetryAfter)
	}

	*now = now.Add(21 * time.Second)
	if res, _ := limiter.Allow(ctx, inbox); !res.Allowed || res.Remaining != 0 {
		t.Fatalf("after the first request expires = %+v", res)
	}
}

func TestRateLimiter_ConcurrentRequestsRespectLimit(t *testing.T) {
	limiter, _ := newRateLimiter(t, RateLimitConfig{Limit: 5, Window: time.Minute})
	ctx := context.Background()
	inbox := RecipientKey(uuid.NewString())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Allow(ctx, inbox)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Errorf("allowed = %d, want exactly 5", allowed)
	}
}
