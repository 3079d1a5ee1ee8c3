// sweeper.go — фоновая уборка.
//
// За один проход:
//  1. Удаляет из лимитера ключи без меток в окне
//  2. Удаляет временные файлы карантина старше QuarantineTTL (брошенные загрузки)
//  3. Удаляет завершённые WAL-записи
//
// Запускается как горутина с периодическим тикером (RIB_RL_SWEEP_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/johnkord/rib/internal/ratelimit"
	"github.com/johnkord/rib/internal/storage/objectstore"
	"github.com/johnkord/rib/internal/storage/wal"
)

// Prometheus метрики уборки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rib_sweep_runs_total",
		Help: "Общее количество проходов уборки",
	})

	// sweepRemovedTotal — удалённые элементы по виду (limiter_keys, quarantine, wal).
	sweepRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rib_sweep_removed_total",
		Help: "Общее количество элементов, удалённых уборкой",
	}, []string{"kind"})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rib_sweep_duration_seconds",
		Help:    "Длительность прохода уборки в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// SweepResult — результат одного прохода.
type SweepResult struct {
	LimiterKeys int
	Quarantine  int
	WALEntries  int
	Errors      int
	Duration    time.Duration
}

// SweeperService — сервис фоновой уборки.
type SweeperService struct {
	limiter       *ratelimit.Limiter
	store         *objectstore.ObjectStore
	walEngine     *wal.WAL
	quarantineTTL time.Duration
	interval      time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeperService создаёт сервис уборки.
func NewSweeperService(
	limiter *ratelimit.Limiter,
	store *objectstore.ObjectStore,
	walEngine *wal.WAL,
	quarantineTTL time.Duration,
	interval time.Duration,
	logger *slog.Logger,
) *SweeperService {
	return &SweeperService{
		limiter:       limiter,
		store:         store,
		walEngine:     walEngine,
		quarantineTTL: quarantineTTL,
		interval:      interval,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину уборки.
func (s *SweeperService) Start(ctx context.Context) {
	sCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sCtx)

	s.logger.Info("Уборка запущена",
		slog.String("interval", s.interval.String()),
		slog.String("quarantine_ttl", s.quarantineTTL.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт её завершения.
func (s *SweeperService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Уборка остановлена")
}

func (s *SweeperService) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce выполняет один проход уборки. Параллельные вызовы сериализуются.
func (s *SweeperService) RunOnce() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()
	result := &SweepResult{}

	if s.limiter != nil {
		result.LimiterKeys = s.limiter.Sweep(now)
	}

	removed, err := s.store.CleanQuarantine(now, s.quarantineTTL)
	if err != nil {
		result.Errors++
		s.logger.Error("Ошибка очистки карантина", slog.String("error", err.Error()))
	}
	result.Quarantine = removed

	cleaned, err := s.walEngine.CleanCommitted()
	if err != nil {
		result.Errors++
		s.logger.Error("Ошибка очистки WAL", slog.String("error", err.Error()))
	}
	result.WALEntries = cleaned

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepRemovedTotal.WithLabelValues("limiter_keys").Add(float64(result.LimiterKeys))
	sweepRemovedTotal.WithLabelValues("quarantine").Add(float64(result.Quarantine))
	sweepRemovedTotal.WithLabelValues("wal").Add(float64(result.WALEntries))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	level := slog.LevelDebug
	if result.Quarantine > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "Уборка завершена",
		slog.Int("limiter_keys", result.LimiterKeys),
		slog.Int("quarantine", result.Quarantine),
		slog.Int("wal", result.WALEntries),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}
