package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/redis"
)

// RateLimitMiddleware enforces the limiter's budget for the key keyFunc
// derives from the request. A nil limiter or a zero key lets the request
// through, and so does a Redis error.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) redis.RateKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key.IsZero() {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.String("key", key.String()), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(string(key.Scope))

				retryAfter := max(int(math.Ceil(result.RetryAfter.Seconds())), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeProblem(w, http.StatusTooManyRequests, ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: fmt.Sprintf("Rate limit of %d requests per %s exceeded for this %s.", result.Limit, limiter.Window(), key.Scope),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RecipientKeyFunc keys on the recipientID route parameter and falls back
// to the client IP on routes without one.
func RecipientKeyFunc(r *http.Request) redis.RateKey {
	if id := chi.URLParam(r, "recipientID"); id != "" {
		return redis.RecipientKey(id)
	}
	return IPKeyFunc(r)
}

// IPKeyFunc keys on the client IP: the first X-Forwarded-For hop, then
// X-Real-IP, then the connection's address.
func IPKeyFunc(r *http.Request) redis.RateKey {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return redis.IPKey(strings.TrimSpace(first))
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return redis.IPKey(ip)
	}
	return redis.IPKey(r.RemoteAddr)
}

// RequestLogger logs one line per completed request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			)
		})
	}
}
