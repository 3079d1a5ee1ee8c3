// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/johnkord/rib/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// IndexReadinessChecker — проверка готовности индекса в памяти.
type IndexReadinessChecker interface {
	IsReady() bool
}

// ReadinessChecker — проверка внешней зависимости (PostgreSQL).
type ReadinessChecker interface {
	CheckReady() (status, message string)
}

// HealthHandler реализует health endpoints: /health/live, /health/ready, /healthz.
type HealthHandler struct {
	version string
	dataDir string
	walDir  string
	// idx — nil, если реестр в PostgreSQL
	idx IndexReadinessChecker
	// db — nil, если PostgreSQL не настроен
	db ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
func NewHealthHandler(dataDir, walDir string, idx IndexReadinessChecker, db ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		dataDir: dataDir,
		walDir:  walDir,
		idx:     idx,
		db:      db,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "rib-server",
	})
}

// Healthz обрабатывает GET /healthz — короткая проверка для балансировщиков.
func (h *HealthHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: директория данных, WAL, готовность индекса, PostgreSQL.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	checks := map[string]any{}

	fsCheck := checkWritable(h.dataDir, "Директория данных недоступна для записи: ")
	checks["filesystem"] = fsCheck
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	walCheck := checkWritable(h.walDir, "Директория WAL недоступна для записи: ")
	checks["wal"] = walCheck
	if walCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	if h.idx != nil {
		if h.idx.IsReady() {
			checks["index"] = map[string]any{"status": "ok"}
		} else {
			checks["index"] = map[string]any{"status": statusFail, "message": "Индекс не построен"}
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if h.db != nil {
		status, message := h.db.CheckReady()
		checks["postgresql"] = map[string]any{"status": status, "message": message}
		if status != "ok" {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "rib-server",
		"checks":    checks,
	})
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir, failPrefix string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": failPrefix + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}
