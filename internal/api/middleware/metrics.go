// metrics.go — Prometheus HTTP метрики rib-server.
// Регистрирует метрики: rib_http_requests_total, rib_http_request_duration_seconds.
// Метрики загрузок, limiter и фоновых задач регистрируются в своих пакетах.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rib_http_requests_total",
			Help: "Общее количество HTTP-запросов к rib-server",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rib_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к rib-server в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

const (
	imagesPrefix    = "/images/"
	rateLimitPrefix = "/api/v1/rate-limit/"
)

// normalizePath заменяет переменные сегменты пути на шаблоны, чтобы
// кардинальность лейблов не росла с числом объектов.
// /images/9f86d0...0a08 → /images/{hash}
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/healthz", "/metrics",
		"/api/v1/info", "/api/v1/images", "/api/v1/maintenance/reconcile":
		return path
	}
	if strings.HasPrefix(path, imagesPrefix) && !strings.Contains(path[len(imagesPrefix):], "/") {
		return "/images/{hash}"
	}
	if strings.HasPrefix(path, rateLimitPrefix) && strings.HasSuffix(path, "/check") {
		return "/api/v1/rate-limit/{scope}/check"
	}
	return "other"
}
