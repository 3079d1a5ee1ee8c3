// Точка входа rib-server — rate limiter и хранилище изображений имиджборды.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/johnkord/rib/internal/api/handlers"
	"github.com/johnkord/rib/internal/api/middleware"
	"github.com/johnkord/rib/internal/config"
	"github.com/johnkord/rib/internal/database"
	"github.com/johnkord/rib/internal/domain/mediatype"
	"github.com/johnkord/rib/internal/ratelimit"
	"github.com/johnkord/rib/internal/repository"
	"github.com/johnkord/rib/internal/server"
	"github.com/johnkord/rib/internal/service"
	"github.com/johnkord/rib/internal/storage/index"
	"github.com/johnkord/rib/internal/storage/objectstore"
	"github.com/johnkord/rib/internal/storage/wal"
)

// defaultServiceID — имя вершины графа зависимостей вне Kubernetes.
const defaultServiceID = "rib-server"

func main() {
	// 1. Конфигурация и логгер
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("rib-server запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("rate_limit", cfg.RateLimitEnabled),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("rib-server остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Хранилище объектов и WAL
	store, err := objectstore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("инициализация хранилища: %w", err)
	}
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		return fmt.Errorf("инициализация WAL: %w", err)
	}

	// Незавершённые транзакции прошлого запуска
	if _, err := service.RecoverWAL(store, walEngine, logger); err != nil {
		return fmt.Errorf("восстановление WAL: %w", err)
	}

	// 3. Реестр объектов: PostgreSQL или индекс в памяти
	var (
		registry service.ObjectRegistry
		idx      *index.Index
		dbCheck  handlers.ReadinessChecker
		dephDeps = service.DephealthParams{
			ServiceID:     serviceID(),
			Group:         cfg.DephealthGroup,
			JWKSURL:       cfg.JWKSUrl,
			CheckInterval: cfg.DephealthCheckInterval,
		}
	)
	if cfg.DatabaseURL != "" {
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg.DatabaseURL, logger); err != nil {
			return fmt.Errorf("миграции БД: %w", err)
		}
		pool, err := database.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("подключение к PostgreSQL: %w", err)
		}
		defer pool.Close()

		// Проверка здоровья PostgreSQL идёт через существующий пул соединений
		pgDB := stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		registry = repository.NewObjectRepository(pool)
		dbCheck = database.NewReadinessChecker(pool)
		dephDeps.DB = pgDB
		dephDeps.PGConnURL = cfg.DatabaseURL
	} else {
		idx = index.New(logger)
		if err := idx.BuildFromDir(store.ObjectsDir()); err != nil {
			return fmt.Errorf("построение индекса: %w", err)
		}
		registry = service.NewIndexRegistry(idx)
	}

	// 4. Rate limiter
	limiter, err := ratelimit.New(map[ratelimit.Scope]ratelimit.Rule{
		ratelimit.ScopeCreateThread: {Limit: cfg.ThreadRule.Limit, Window: cfg.ThreadRule.Window},
		ratelimit.ScopeCreateReply:  {Limit: cfg.ReplyRule.Limit, Window: cfg.ReplyRule.Window},
		ratelimit.ScopeUploadFile:   {Limit: cfg.UploadRule.Limit, Window: cfg.UploadRule.Window},
	}, ratelimit.WithEnabled(cfg.RateLimitEnabled), ratelimit.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("инициализация rate limiter: %w", err)
	}

	// 5. Политика типов
	policy, err := mediatype.NewPolicy(cfg.AllowedTypes)
	if err != nil {
		return fmt.Errorf("RIB_UPLOAD_ALLOWED_TYPES: %w", err)
	}
	if unknown := policy.Unknown(); len(unknown) > 0 {
		logger.Warn("Для части разрешённых типов нет сигнатуры, такие файлы не будут приняты",
			slog.String("types", strings.Join(unknown, ",")),
		)
	}

	// 6. Сервисы
	cache := service.NewObjectCache(registry, cfg.CacheSize, cfg.CacheTTL)
	uploadSvc := service.NewUploadService(store, walEngine, registry, policy, cfg.MaxUploadSize, logger)
	downloadSvc := service.NewDownloadService(store, cache, logger)
	reconcileSvc := service.NewReconcileService(store, walEngine, registry, cache, policy, cfg.ReconcileInterval, logger)
	sweeperSvc := service.NewSweeperService(limiter, store, walEngine, cfg.QuarantineTTL, cfg.SweepInterval, logger)

	// 7. JWT аутентификация (опционально)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			ClientTimeout:   10 * time.Second,
			RefreshInterval: 15 * time.Minute,
			JWTLeeway:       cfg.JWTLeeway,
		}, logger)
		if err != nil {
			return fmt.Errorf("инициализация JWT: %w", err)
		}
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("RIB_JWKS_URL не задан: все запросы анонимны, обслуживание недоступно")
	}

	// 8. topologymetrics — мониторинг зависимостей
	dephealthSvc, err := service.NewDephealthService(dephDeps, logger)
	if err != nil {
		logger.Warn("Мониторинг зависимостей не запущен", slog.String("reason", err.Error()))
		dephealthSvc = nil
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		dephealthSvc = nil
	}

	// 9. Фоновые процессы
	sweeperSvc.Start(ctx)
	reconcileSvc.Start(ctx)

	// 10. HTTP-сервер
	rl := middleware.NewRateLimiter(limiter, cfg.TrustProxyHeaders, logger)
	var idxCheck handlers.IndexReadinessChecker
	if idx != nil {
		idxCheck = idx
	}
	srv := server.New(cfg, logger, server.Handlers{
		Images:      handlers.NewImagesHandler(uploadSvc, downloadSvc, logger),
		RateLimit:   handlers.NewRateLimitHandler(rl),
		Health:      handlers.NewHealthHandler(cfg.DataDir, walEngine.Dir(), idxCheck, dbCheck),
		System:      handlers.NewSystemHandler(registry, limiter, policy, cfg.MaxUploadSize, cfg.DataDir, getDiskUsage, logger),
		Maintenance: handlers.NewMaintenanceHandler(reconcileSvc),
		Limiter:     rl,
		Auth:        jwtAuth,
	})
	runErr := srv.Run(ctx)

	// Остановка фоновых процессов
	logger.Info("Остановка фоновых процессов...")
	sweeperSvc.Stop()
	reconcileSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	return runErr
}

// serviceID — имя вершины графа: владелец пода из HOSTNAME или значение по умолчанию.
func serviceID() string {
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return parseOwnerName(hostname)
	}
	return defaultServiceID
}

// parseOwnerName извлекает имя Deployment или StatefulSet из hostname пода.
// Deployment: <name>-<replicaset hash>-<pod suffix>, StatefulSet: <name>-<ordinal>.
func parseOwnerName(hostname string) string {
	parts := strings.Split(hostname, "-")
	n := len(parts)

	// StatefulSet: последний сегмент — порядковый номер
	if n >= 2 && isDigits(parts[n-1]) {
		return strings.Join(parts[:n-1], "-")
	}
	// Deployment: хэш ReplicaSet (6-10 символов) и суффикс пода (5 символов)
	if n >= 3 && len(parts[n-1]) == 5 && len(parts[n-2]) >= 6 && len(parts[n-2]) <= 10 {
		return strings.Join(parts[:n-2], "-")
	}
	return hostname
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
