package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func defaultRules() map[Scope]Rule {
	return map[Scope]Rule{
		ScopeCreateThread: {Limit: 1, Window: 5 * time.Minute},
		ScopeCreateReply:  {Limit: 10, Window: time.Minute},
		ScopeUploadFile:   {Limit: 5, Window: time.Hour},
	}
}

func newTestLimiter(t *testing.T, opts ...Option) *Limiter {
	t.Helper()
	l, err := New(defaultRules(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// TestAdmit_ReplyScenario — 10 ответов за 60s: 11-й отклоняется,
// после выхода первой отметки из окна слот освобождается.
func TestAdmit_ReplyScenario(t *testing.T) {
	l := newTestLimiter(t)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if d := l.AdmitAt(ScopeCreateReply, "A", t0); !d.Allowed {
			t.Fatalf("запрос %d: ожидалось Allowed", i+1)
		}
	}

	d := l.AdmitAt(ScopeCreateReply, "A", t0.Add(5*time.Second))
	if d.Allowed {
		t.Fatal("11-й запрос на t=5s: ожидалось Denied")
	}
	if d.RetryAfter != 55*time.Second {
		t.Errorf("RetryAfter: ожидалось 55s, получено %v", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining: ожидалось 0, получено %d", d.Remaining)
	}

	if d := l.AdmitAt(ScopeCreateReply, "A", t0.Add(61*time.Second)); !d.Allowed {
		t.Fatal("запрос на t=61s: ожидалось Allowed")
	}
}

func TestAdmit_LimitPlusOneWithinWindow(t *testing.T) {
	for sc, rule := range defaultRules() {
		t.Run(string(sc), func(t *testing.T) {
			l := newTestLimiter(t)
			t0 := time.Unix(1_700_000_000, 0)
			step := rule.Window / time.Duration(rule.Limit+1)

			for i := 0; i < rule.Limit; i++ {
				if d := l.AdmitAt(sc, "client", t0.Add(time.Duration(i)*step)); !d.Allowed {
					t.Fatalf("запрос %d: ожидалось Allowed", i+1)
				}
			}
			if d := l.AdmitAt(sc, "client", t0.Add(time.Duration(rule.Limit)*step)); d.Allowed {
				t.Fatalf("запрос %d: ожидалось Denied", rule.Limit+1)
			}
		})
	}
}

// Ровно через window после отметки она уже не учитывается.
func TestAdmit_WindowBoundary(t *testing.T) {
	l := newTestLimiter(t)
	t0 := time.Unix(1_700_000_000, 0)

	if !l.AdmitAt(ScopeCreateThread, "A", t0).Allowed {
		t.Fatal("первый тред: ожидалось Allowed")
	}
	if l.AdmitAt(ScopeCreateThread, "A", t0.Add(5*time.Minute-time.Nanosecond)).Allowed {
		t.Fatal("до конца окна: ожидалось Denied")
	}
	if !l.AdmitAt(ScopeCreateThread, "A", t0.Add(5*time.Minute)).Allowed {
		t.Fatal("ровно через окно: ожидалось Allowed")
	}
}

func TestAdmit_DeniedDoesNotMutate(t *testing.T) {
	l := newTestLimiter(t)
	t0 := time.Unix(1_700_000_000, 0)

	l.AdmitAt(ScopeCreateThread, "A", t0)
	// Серия отказов не должна сдвигать окно
	for i := 1; i <= 100; i++ {
		if l.AdmitAt(ScopeCreateThread, "A", t0.Add(time.Duration(i)*time.Second)).Allowed {
			t.Fatalf("отказ %d: ожидалось Denied", i)
		}
	}
	if !l.AdmitAt(ScopeCreateThread, "A", t0.Add(5*time.Minute)).Allowed {
		t.Fatal("после окна первой отметки: ожидалось Allowed")
	}
}

func TestAdmit_KeysIsolated(t *testing.T) {
	l := newTestLimiter(t)
	t0 := time.Unix(1_700_000_000, 0)

	if !l.AdmitAt(ScopeCreateThread, "A", t0).Allowed {
		t.Fatal("A: ожидалось Allowed")
	}
	if l.AdmitAt(ScopeCreateThread, "A", t0).Allowed {
		t.Fatal("A повторно: ожидалось Denied")
	}
	if !l.AdmitAt(ScopeCreateThread, "B", t0).Allowed {
		t.Fatal("B: другой клиент не должен зависеть от A")
	}
	if !l.AdmitAt(ScopeCreateReply, "A", t0).Allowed {
		t.Fatal("A reply: другая категория не должна зависеть от тредов")
	}
}

func TestAdmit_Bypass(t *testing.T) {
	l := newTestLimiter(t, WithEnabled(false))
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 1000; i++ {
		if !l.AdmitAt(ScopeCreateThread, fmt.Sprintf("c%d", i%3), now).Allowed {
			t.Fatalf("запрос %d: при выключенном limiter ожидалось Allowed", i)
		}
	}
	if n := l.Len(); n != 0 {
		t.Errorf("Len: при выключенном limiter учёт не ведётся, получено %d ключей", n)
	}
	if l.Enabled() {
		t.Error("Enabled: ожидалось false")
	}
}

func TestAdmit_BypassCounted(t *testing.T) {
	l := newTestLimiter(t, WithEnabled(false))
	counter := decisionsTotal.WithLabelValues(string(ScopeUploadFile), decisionBypassed)
	before := testutil.ToFloat64(counter)

	for i := 0; i < 3; i++ {
		l.Admit(ScopeUploadFile, "A")
	}
	if got := testutil.ToFloat64(counter) - before; got != 3 {
		t.Errorf("bypassed: ожидалось 3, получено %v", got)
	}
}

// stamps возвращает копию отметок ключа.
func stamps(l *Limiter, scope Scope, client string) []time.Time {
	key := string(scope) + ":" + client
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	win := sh.windows[key]
	if win == nil {
		return nil
	}
	return append([]time.Time(nil), win.ts...)
}

func assertSorted(t *testing.T, ts []time.Time) {
	t.Helper()
	for i := 1; i < len(ts); i++ {
		if ts[i].Before(ts[i-1]) {
			t.Fatalf("отметки не упорядочены: [%d]=%v раньше [%d]=%v", i, ts[i], i-1, ts[i-1])
		}
	}
}

// TestAdmit_LateCallerKeepsOrder — вызов с более ранним now, пришедший после
// конкурента, не нарушает порядок отметок.
func TestAdmit_LateCallerKeepsOrder(t *testing.T) {
	l := newTestLimiter(t)
	t0 := time.Unix(1_700_000_000, 0)

	l.AdmitAt(ScopeCreateReply, "A", t0.Add(30*time.Second))
	if !l.AdmitAt(ScopeCreateReply, "A", t0).Allowed {
		t.Fatal("второй запрос: ожидалось Allowed")
	}
	ts := stamps(l, ScopeCreateReply, "A")
	if len(ts) != 2 {
		t.Fatalf("ожидалось 2 отметки, получено %d", len(ts))
	}
	assertSorted(t, ts)

	// Обе отметки выходят из окна одновременно
	for i := 0; i < 8; i++ {
		l.AdmitAt(ScopeCreateReply, "A", t0.Add(40*time.Second))
	}
	d := l.AdmitAt(ScopeCreateReply, "A", t0.Add(50*time.Second))
	if d.Allowed {
		t.Fatal("11-й запрос: ожидалось Denied")
	}
	if d.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter: ожидалось 40s, получено %v", d.RetryAfter)
	}
	if d := l.AdmitAt(ScopeCreateReply, "A", t0.Add(90*time.Second)); !d.Allowed || d.Remaining != 1 {
		t.Errorf("t=90s: ожидалось Allowed с Remaining 1, получено %+v", d)
	}
}

func TestAdmit_ConcurrentClockOrder(t *testing.T) {
	var tick atomic.Int64
	base := time.Unix(1_700_000_000, 0)
	l, err := New(map[Scope]Rule{
		ScopeCreateThread: {Limit: 1, Window: time.Minute},
		ScopeCreateReply:  {Limit: 1000, Window: time.Hour},
		ScopeUploadFile:   {Limit: 1, Window: time.Minute},
	}, WithClock(func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Admit(ScopeCreateReply, "hot")
		}()
	}
	wg.Wait()

	ts := stamps(l, ScopeCreateReply, "hot")
	if len(ts) != 500 {
		t.Fatalf("ожидалось 500 отметок, получено %d", len(ts))
	}
	assertSorted(t, ts)
}

func TestAdmit_UsesClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(t, WithClock(func() time.Time { return now }))

	if !l.Admit(ScopeCreateThread, "A").Allowed {
		t.Fatal("первый вызов: ожидалось Allowed")
	}
	if l.Admit(ScopeCreateThread, "A").Allowed {
		t.Fatal("второй вызов: ожидалось Denied")
	}
	now = now.Add(5 * time.Minute)
	if !l.Admit(ScopeCreateThread, "A").Allowed {
		t.Fatal("после сдвига часов: ожидалось Allowed")
	}
}

func TestAdmit_UnknownScopeDenied(t *testing.T) {
	l := newTestLimiter(t)
	if l.AdmitAt(Scope("delete-board"), "A", time.Now()).Allowed {
		t.Error("неизвестная категория: ожидалось Denied")
	}
	if l.Len() != 0 {
		t.Error("неизвестная категория не должна создавать ключ")
	}
}

func TestAdmit_ConcurrentSameKey(t *testing.T) {
	l := newTestLimiter(t)
	now := time.Unix(1_700_000_000, 0)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.AdmitAt(ScopeCreateReply, "hot", now).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Errorf("допущено: ожидалось ровно 10, получено %d", got)
	}
}

func TestAdmit_ConcurrentManyKeys(t *testing.T) {
	l := newTestLimiter(t)
	now := time.Unix(1_700_000_000, 0)

	var wg sync.WaitGroup
	for c := 0; c < 50; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			client := fmt.Sprintf("client-%d", c)
			for i := 0; i < 5; i++ {
				if !l.AdmitAt(ScopeUploadFile, client, now).Allowed {
					t.Errorf("%s: запрос %d должен быть допущен", client, i+1)
				}
			}
			if l.AdmitAt(ScopeUploadFile, client, now).Allowed {
				t.Errorf("%s: 6-й запрос должен быть отклонён", client)
			}
		}(c)
	}
	wg.Wait()

	if n := l.Len(); n != 50 {
		t.Errorf("Len: ожидалось 50, получено %d", n)
	}
}

func TestSweep(t *testing.T) {
	l := newTestLimiter(t)
	t0 := time.Unix(1_700_000_000, 0)

	l.AdmitAt(ScopeCreateReply, "A", t0)
	l.AdmitAt(ScopeUploadFile, "A", t0)

	if removed := l.Sweep(t0.Add(time.Minute)); removed != 1 {
		t.Errorf("Sweep через 1m: ожидалось 1 удалённый ключ (reply), получено %d", removed)
	}
	if n := l.Len(); n != 1 {
		t.Errorf("Len: ожидалось 1, получено %d", n)
	}
	if removed := l.Sweep(t0.Add(time.Hour)); removed != 1 {
		t.Errorf("Sweep через 1h: ожидалось 1, получено %d", removed)
	}
	if n := l.Len(); n != 0 {
		t.Errorf("Len: ожидалось 0, получено %d", n)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[Scope]Rule)
	}{
		{"нулевой лимит", func(r map[Scope]Rule) { r[ScopeCreateReply] = Rule{Limit: 0, Window: time.Minute} }},
		{"нулевое окно", func(r map[Scope]Rule) { r[ScopeCreateReply] = Rule{Limit: 1} }},
		{"нет правила", func(r map[Scope]Rule) { delete(r, ScopeUploadFile) }},
		{"неизвестная категория", func(r map[Scope]Rule) { r["vote"] = Rule{Limit: 1, Window: time.Second} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := defaultRules()
			tt.mutate(rules)
			if _, err := New(rules); err == nil {
				t.Error("ожидалась ошибка конфигурации")
			}
		})
	}
}

func TestParseScope(t *testing.T) {
	if sc, ok := ParseScope("create-reply"); !ok || sc != ScopeCreateReply {
		t.Errorf("ParseScope(create-reply): получено %q, %v", sc, ok)
	}
	if _, ok := ParseScope("create-board"); ok {
		t.Error("ParseScope(create-board): ожидалось false")
	}
}
