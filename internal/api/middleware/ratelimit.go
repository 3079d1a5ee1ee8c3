package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/johnkord/rib/internal/api/errors"
	"github.com/johnkord/rib/internal/ratelimit"
)

// RateLimiter — middleware над in-process limiter. Идентичность клиента
// определяется через ClientID, поэтому middleware ставится после JWTAuth.
type RateLimiter struct {
	limiter    *ratelimit.Limiter
	trustProxy bool
	logger     *slog.Logger
}

// NewRateLimiter создаёт middleware-обёртку над limiter.
func NewRateLimiter(limiter *ratelimit.Limiter, trustProxy bool, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limiter:    limiter,
		trustProxy: trustProxy,
		logger:     logger.With(slog.String("component", "rate_limit")),
	}
}

// Check принимает решение по категории scope для клиента запроса и при
// отказе пишет 429. Возвращает true, если обработку можно продолжать.
func (rl *RateLimiter) Check(w http.ResponseWriter, r *http.Request, scope ratelimit.Scope) bool {
	if !rl.limiter.Enabled() {
		return true
	}

	client := ClientID(r, rl.trustProxy)
	d := rl.limiter.Admit(scope, client)
	WriteDecisionHeaders(w, d)
	if d.Allowed {
		return true
	}

	rl.logger.Info("Запрос отклонён rate limiter",
		slog.String("scope", string(scope)),
		slog.String("client", client),
		slog.Duration("retry_after", d.RetryAfter),
	)
	apierrors.RateLimited(w, fmt.Sprintf("Превышен лимит для действия %s", scope))
	return false
}

// Limit возвращает middleware, ограничивающий запросы категорией scope.
func (rl *RateLimiter) Limit(scope ratelimit.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Check(w, r, scope) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteDecisionHeaders выставляет X-RateLimit-* и, при отказе, Retry-After
// в секундах с округлением вверх.
func WriteDecisionHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(d.Reset), 10))
	}
	if !d.Allowed {
		h.Set("Retry-After", strconv.FormatInt(ceilSeconds(d.RetryAfter), 10))
	}
}

func ceilSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func ceilUnix(t time.Time) int64 {
	if t.Nanosecond() > 0 {
		return t.Unix() + 1
	}
	return t.Unix()
}
