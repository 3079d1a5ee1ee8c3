// system.go — обработчик GET /api/v1/info (состояние хранилища и limiter).
// Публичный endpoint для мониторинга.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/johnkord/rib/internal/api/errors"
	"github.com/johnkord/rib/internal/config"
	"github.com/johnkord/rib/internal/domain/mediatype"
	"github.com/johnkord/rib/internal/ratelimit"
	"github.com/johnkord/rib/internal/service"
)

// DiskUsageFunc возвращает total, used, available в байтах для директории.
type DiskUsageFunc func(path string) (total, used, available int64, err error)

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	registry  service.ObjectRegistry
	limiter   *ratelimit.Limiter
	policy    *mediatype.Policy
	maxSize   int64
	dataDir   string
	diskUsage DiskUsageFunc
	logger    *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
// diskUsage может быть nil — блок disk в ответе не заполняется.
func NewSystemHandler(
	registry service.ObjectRegistry,
	limiter *ratelimit.Limiter,
	policy *mediatype.Policy,
	maxSize int64,
	dataDir string,
	diskUsage DiskUsageFunc,
	logger *slog.Logger,
) *SystemHandler {
	return &SystemHandler{
		registry:  registry,
		limiter:   limiter,
		policy:    policy,
		maxSize:   maxSize,
		dataDir:   dataDir,
		diskUsage: diskUsage,
		logger:    logger.With(slog.String("component", "system_handler")),
	}
}

type infoResponse struct {
	Version   string        `json:"version"`
	Objects   objectsInfo   `json:"objects"`
	Upload    uploadInfo    `json:"upload"`
	RateLimit rateLimitInfo `json:"rate_limit"`
	Disk      *diskInfo     `json:"disk,omitempty"`
}

type objectsInfo struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

type uploadInfo struct {
	MaxSize      int64    `json:"max_size"`
	AllowedTypes []string `json:"allowed_types"`
}

type rateLimitInfo struct {
	Enabled     bool                `json:"enabled"`
	TrackedKeys int                 `json:"tracked_keys"`
	Rules       map[string]ruleInfo `json:"rules"`
}

type ruleInfo struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

type diskInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// GetInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := h.registry.Count(ctx)
	if err != nil {
		h.logger.Error("Ошибка подсчёта объектов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения реестра")
		return
	}
	bytes, err := h.registry.TotalBytes(ctx)
	if err != nil {
		h.logger.Error("Ошибка подсчёта объёма", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка чтения реестра")
		return
	}

	resp := infoResponse{
		Version: config.Version,
		Objects: objectsInfo{Count: count, Bytes: bytes},
		Upload: uploadInfo{
			MaxSize:      h.maxSize,
			AllowedTypes: h.policy.Types(),
		},
		RateLimit: rateLimitInfo{
			Enabled:     h.limiter.Enabled(),
			TrackedKeys: h.limiter.Len(),
			Rules:       make(map[string]ruleInfo, len(ratelimit.Scopes)),
		},
	}
	for _, sc := range ratelimit.Scopes {
		if rule, ok := h.limiter.Rule(sc); ok {
			resp.RateLimit.Rules[string(sc)] = ruleInfo{Limit: rule.Limit, Window: rule.Window.String()}
		}
	}

	if h.diskUsage != nil {
		total, used, available, err := h.diskUsage(h.dataDir)
		if err != nil {
			h.logger.Warn("Ошибка получения ёмкости диска", slog.String("error", err.Error()))
		} else {
			resp.Disk = &diskInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
