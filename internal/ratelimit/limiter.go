// Пакет ratelimit — in-process rate limiter со скользящим окном (sliding-window log)
// для действий записи: создание треда, ответа, загрузка файла.
//
// Состояние хранится по ключу (scope, client) в 256 шардах, каждый шард под своим
// мьютексом: запросы разных клиентов не сериализуются друг с другом. Лимит действует
// в пределах одного процесса, при N репликах эффективная квота умножается на N.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scope — категория ограничиваемого действия.
type Scope string

const (
	ScopeCreateThread Scope = "create-thread"
	ScopeCreateReply  Scope = "create-reply"
	ScopeUploadFile   Scope = "upload-file"
)

// Scopes — все известные категории. Для каждой при создании Limiter нужно правило.
var Scopes = []Scope{ScopeCreateThread, ScopeCreateReply, ScopeUploadFile}

// ParseScope проверяет, что строка — известная категория.
func ParseScope(s string) (Scope, bool) {
	for _, sc := range Scopes {
		if string(sc) == s {
			return sc, true
		}
	}
	return "", false
}

// Rule — не более Limit допущенных событий за Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Decision — результат проверки. Allowed == false означает отказ (Denied).
// Остальные поля служат для заголовков ответа.
type Decision struct {
	Allowed bool
	// Limit правила; 0 при выключенном limiter
	Limit int
	// Сколько событий ещё допустимо в текущем окне
	Remaining int
	// Через сколько освободится ближайший слот (только при отказе)
	RetryAfter time.Duration
	// Момент освобождения ближайшего слота; нулевой, если окно пусто
	Reset time.Time
}

const shardCount = 256

// window — упорядоченные по времени отметки допущенных событий одного ключа.
type window struct {
	scope Scope
	ts    []time.Time
}

// prune удаляет отметки, для которых now - ts >= w.
func (win *window) prune(now time.Time, w time.Duration) {
	i := 0
	for i < len(win.ts) && now.Sub(win.ts[i]) >= w {
		i++
	}
	if i > 0 {
		n := copy(win.ts, win.ts[i:])
		win.ts = win.ts[:n]
	}
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter — sliding-window log limiter с шардированными блокировками.
type Limiter struct {
	rules   map[Scope]Rule
	enabled bool
	now     func() time.Time
	logger  *slog.Logger
	shards  [shardCount]*shard
}

// Option настраивает Limiter.
type Option func(*Limiter)

// WithEnabled задаёт глобальный выключатель. При false Admit всегда разрешает
// и не ведёт учёт.
func WithEnabled(enabled bool) Option {
	return func(l *Limiter) { l.enabled = enabled }
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger задаёт логгер.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New создаёт Limiter. Ошибка конфигурации (нет правила для известной
// категории, неизвестная категория, Limit < 1, Window <= 0) возвращается здесь,
// а не в момент обработки запроса.
func New(rules map[Scope]Rule, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		rules:   make(map[Scope]Rule, len(rules)),
		enabled: true,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "ratelimit"))

	for sc, r := range rules {
		if _, ok := ParseScope(string(sc)); !ok {
			return nil, fmt.Errorf("неизвестная категория %q", sc)
		}
		if r.Limit < 1 {
			return nil, fmt.Errorf("категория %s: лимит должен быть >= 1, получено %d", sc, r.Limit)
		}
		if r.Window <= 0 {
			return nil, fmt.Errorf("категория %s: окно должно быть положительным, получено %v", sc, r.Window)
		}
		l.rules[sc] = r
	}
	for _, sc := range Scopes {
		if _, ok := l.rules[sc]; !ok {
			return nil, fmt.Errorf("категория %s: правило не задано", sc)
		}
	}

	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return l, nil
}

// Enabled сообщает, включён ли учёт.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

// Rule возвращает правило категории.
func (l *Limiter) Rule(scope Scope) (Rule, bool) {
	r, ok := l.rules[scope]
	return r, ok
}

// Admit проверяет и учитывает событие на текущий момент.
func (l *Limiter) Admit(scope Scope, client string) Decision {
	return l.AdmitAt(scope, client, l.now())
}

// AdmitAt — sliding-window log для ключа (scope, client) на момент now:
// устаревшие отметки отбрасываются, при свободном слоте now добавляется и
// событие допускается. Отказ не меняет состояние.
//
// Отметки ключа упорядочены по времени: вызов, прочитавший часы раньше
// конкурента, но получивший блокировку позже, записывается отметкой конкурента.
func (l *Limiter) AdmitAt(scope Scope, client string, now time.Time) Decision {
	if !l.enabled {
		decisionsTotal.WithLabelValues(string(scope), decisionBypassed).Inc()
		return Decision{Allowed: true}
	}

	rule, ok := l.rules[scope]
	if !ok {
		l.logger.Error("Проверка для неизвестной категории", slog.String("scope", string(scope)))
		decisionsTotal.WithLabelValues(string(scope), decisionDenied).Inc()
		return Decision{Allowed: false}
	}

	key := string(scope) + ":" + client
	sh := l.shardFor(key)

	sh.mu.Lock()
	win := sh.windows[key]
	if win == nil {
		win = &window{scope: scope, ts: make([]time.Time, 0, rule.Limit)}
		sh.windows[key] = win
	}
	win.prune(now, rule.Window)

	d := Decision{Limit: rule.Limit}
	if len(win.ts) < rule.Limit {
		stamp := now
		if n := len(win.ts); n > 0 && stamp.Before(win.ts[n-1]) {
			stamp = win.ts[n-1]
		}
		win.ts = append(win.ts, stamp)
		d.Allowed = true
		d.Remaining = rule.Limit - len(win.ts)
	} else {
		d.RetryAfter = win.ts[0].Add(rule.Window).Sub(now)
	}
	d.Reset = win.ts[0].Add(rule.Window)
	sh.mu.Unlock()

	if d.Allowed {
		decisionsTotal.WithLabelValues(string(scope), decisionAllowed).Inc()
	} else {
		decisionsTotal.WithLabelValues(string(scope), decisionDenied).Inc()
	}
	return d
}

// Sweep удаляет ключи, у которых на момент now не осталось отметок внутри окна.
// Возвращает число удалённых ключей. На корректность не влияет, только на память.
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, win := range sh.windows {
			win.prune(now, l.rules[win.scope].Window)
			if len(win.ts) == 0 {
				delete(sh.windows, key)
				removed++
			}
		}
		total += len(sh.windows)
		sh.mu.Unlock()
	}
	trackedKeys.Set(float64(total))
	return removed
}

// Len возвращает число отслеживаемых ключей.
func (l *Limiter) Len() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// shardFor — FNV-1a по ключу, без аллокаций.
func (l *Limiter) shardFor(key string) *shard {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return l.shards[h%shardCount]
}
