// download.go — отдача зафиксированных объектов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/johnkord/rib/internal/api/errors"
	"github.com/johnkord/rib/internal/domain/model"
	"github.com/johnkord/rib/internal/repository"
	"github.com/johnkord/rib/internal/storage/objectstore"
)

// immutableCacheControl — объект по хэшу никогда не меняется.
const immutableCacheControl = "public, max-age=31536000, immutable"

// objectContentSecurityPolicy — объекты (в том числе SVG) отдаются в песочнице без скриптов.
const objectContentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; sandbox"

var downloadsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rib_downloads_total",
		Help: "Общее количество запросов объектов по результату",
	},
	[]string{"result"},
)

// DownloadError — ошибка отдачи с HTTP-кодом.
type DownloadError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// DownloadService — сервис отдачи объектов.
type DownloadService struct {
	store  *objectstore.ObjectStore
	cache  *ObjectCache
	logger *slog.Logger
}

// NewDownloadService создаёт сервис отдачи объектов.
func NewDownloadService(store *objectstore.ObjectStore, cache *ObjectCache, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "download_service")),
	}
}

// Lookup возвращает метаданные объекта.
func (s *DownloadService) Lookup(ctx context.Context, hash string) (*model.StoredObject, *DownloadError) {
	if !model.ValidHash(hash) {
		return nil, notFound(hash)
	}
	meta, err := s.cache.Lookup(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound(hash)
		}
		s.logger.Error("Ошибка обращения к реестру",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
		return nil, &DownloadError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка обращения к реестру объектов",
		}
	}
	return meta, nil
}

// Serve отдаёт объект через http.ServeContent.
// Поддерживает Range requests и If-None-Match по ETag (= хэш).
func (s *DownloadService) Serve(w http.ResponseWriter, r *http.Request, hash string) *DownloadError {
	meta, derr := s.Lookup(r.Context(), hash)
	if derr != nil {
		downloadsTotal.WithLabelValues("not_found").Inc()
		return derr
	}

	file, err := s.store.Open(hash)
	if err != nil {
		downloadsTotal.WithLabelValues("not_found").Inc()
		s.logger.Warn("Объект есть в реестре, но отсутствует на диске",
			slog.String("hash", hash),
			slog.String("error", err.Error()),
		)
		return notFound(hash)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		downloadsTotal.WithLabelValues("error").Inc()
		return &DownloadError{
			StatusCode: http.StatusInternalServerError,
			Code:       apierrors.CodeInternalError,
			Message:    "Ошибка чтения объекта",
		}
	}

	w.Header().Set("Content-Type", meta.MIME)
	w.Header().Set("ETag", fmt.Sprintf("%q", meta.Hash))
	w.Header().Set("Cache-Control", immutableCacheControl)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", objectContentSecurityPolicy)

	http.ServeContent(w, r, "", stat.ModTime(), file)
	downloadsTotal.WithLabelValues("success").Inc()
	return nil
}

func notFound(hash string) *DownloadError {
	return &DownloadError{
		StatusCode: http.StatusNotFound,
		Code:       apierrors.CodeNotFound,
		Message:    fmt.Sprintf("Объект %s не найден", hash),
	}
}
