package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/johnkord/rib/internal/ratelimit"
)

func newTestLimiter(t *testing.T, enabled bool, now func() time.Time) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeCreateThread: {Limit: 1, Window: 5 * time.Minute},
		ratelimit.ScopeCreateReply:  {Limit: 10, Window: time.Minute},
		ratelimit.ScopeUploadFile:   {Limit: 2, Window: time.Hour},
	}, ratelimit.WithEnabled(enabled), ratelimit.WithClock(now), ratelimit.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	return l
}

var noContent = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRateLimiter_Limit(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	now := base
	rl := NewRateLimiter(newTestLimiter(t, true, func() time.Time { return now }), false, testLogger())
	handler := rl.Limit(ratelimit.ScopeUploadFile)(noContent)

	do := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/images", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	for i := 0; i < 2; i++ {
		w := do("10.0.0.1:1000")
		if w.Code != http.StatusNoContent {
			t.Fatalf("запрос %d: ожидали 204, получили %d", i+1, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Errorf("запрос %d: X-RateLimit-Remaining = %q", i+1, got)
		}
	}

	now = base.Add(10 * time.Minute)
	w := do("10.0.0.1:1000")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("третий запрос: ожидали 429, получили %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", got)
	}
	// Слот освободится через 50 минут
	if got := w.Header().Get("Retry-After"); got != "3000" {
		t.Errorf("Retry-After = %q", got)
	}
	wantReset := strconv.FormatInt(base.Add(time.Hour).Unix()+1, 10)
	if got := w.Header().Get("X-RateLimit-Reset"); got != wantReset {
		t.Errorf("X-RateLimit-Reset: ожидали %s, получили %q", wantReset, got)
	}

	// Другой клиент не затронут
	if w := do("10.0.0.2:1000"); w.Code != http.StatusNoContent {
		t.Errorf("другой клиент: ожидали 204, получили %d", w.Code)
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(newTestLimiter(t, false, time.Now), false, testLogger())
	handler := rl.Limit(ratelimit.ScopeCreateThread)(noContent)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("запрос %d: ожидали 204, получили %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("выключенный limiter не выставляет заголовки")
		}
	}
}

func TestCeilSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{time.Second + time.Nanosecond, 2},
		{90 * time.Second, 90},
	}
	for _, tt := range tests {
		if got := ceilSeconds(tt.in); got != tt.want {
			t.Errorf("ceilSeconds(%v): ожидали %d, получили %d", tt.in, tt.want, got)
		}
	}
}
