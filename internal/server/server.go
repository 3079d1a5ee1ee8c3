// Пакет server — HTTP-сервер rib-server с TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johnkord/rib/internal/api/handlers"
	"github.com/johnkord/rib/internal/api/middleware"
	"github.com/johnkord/rib/internal/config"
	"github.com/johnkord/rib/internal/ratelimit"
)

// RoleAdmin — роль, необходимая для endpoints обслуживания.
const RoleAdmin = "admin"

// Handlers — обработчики, из которых собирается роутер.
type Handlers struct {
	Images      *handlers.ImagesHandler
	RateLimit   *handlers.RateLimitHandler
	Health      *handlers.HealthHandler
	System      *handlers.SystemHandler
	Maintenance *handlers.MaintenanceHandler
	// Limiter — middleware rate limiter для загрузок
	Limiter *middleware.RateLimiter
	// Auth — nil, если JWKS не настроен: все запросы анонимны
	Auth *middleware.JWTAuth
}

// Server — HTTP-сервер rib-server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h Handlers) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, h, cfg.EnableHSTS),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	if cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает маршруты. Health, metrics и отдача изображений
// публичны, остальные endpoints проходят через необязательную аутентификацию.
func NewRouter(logger *slog.Logger, h Handlers, enableHSTS bool) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.SecurityHeaders(enableHSTS))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/healthz", h.Health.Healthz)
	router.Handle("/metrics", promhttp.Handler())

	router.Get("/images/{hash}", h.Images.Get)

	router.Route("/api/v1", func(r chi.Router) {
		if h.Auth != nil {
			r.Use(h.Auth.Middleware())
		}

		r.Get("/info", h.System.GetInfo)
		r.With(h.Limiter.Limit(ratelimit.ScopeUploadFile)).Post("/images", h.Images.Upload)
		r.Post("/rate-limit/{scope}/check", h.RateLimit.Check)
		r.With(middleware.RequireRole(RoleAdmin)).Post("/maintenance/reconcile", h.Maintenance.Reconcile)
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown с таймаутом из конфигурации.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.cfg.TLSEnabled()),
		)

		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
