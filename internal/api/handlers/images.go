// images.go — загрузка и отдача изображений.
// POST /api/v1/images — multipart, поле "file", поток без буферизации целиком.
// GET /images/{hash} — отдача объекта по SHA-256.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/johnkord/rib/internal/api/errors"
	"github.com/johnkord/rib/internal/service"
)

// multipartOverhead — запас на границы и заголовки частей сверх размера файла.
const multipartOverhead = 64 * 1024

// fileField — имя поля формы с файлом.
const fileField = "file"

// uploadResponse — тело ответа на загрузку.
type uploadResponse struct {
	Hash      string `json:"hash"`
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
	Duplicate bool   `json:"duplicate"`
}

// ImagesHandler — обработчик загрузки и отдачи изображений.
type ImagesHandler struct {
	upload   *service.UploadService
	download *service.DownloadService
	logger   *slog.Logger
}

// NewImagesHandler создаёт обработчик изображений.
func NewImagesHandler(upload *service.UploadService, download *service.DownloadService, logger *slog.Logger) *ImagesHandler {
	return &ImagesHandler{
		upload:   upload,
		download: download,
		logger:   logger.With(slog.String("component", "images_handler")),
	}
}

// Upload обрабатывает POST /api/v1/images.
func (h *ImagesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	bodyLimit := h.upload.MaxSize() + multipartOverhead
	if r.ContentLength > bodyLimit {
		apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodeFileTooLarge, "Размер запроса превышает допустимый")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.BadRequest(w, "Ожидается multipart/form-data")
		return
	}

	// Ищем часть "file", остальные поля пропускаем
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			apierrors.BadRequest(w, "Поле 'file' обязательно")
			return
		}
		if err != nil {
			h.writeBodyError(w, err)
			return
		}
		if part.FormName() != fileField {
			_, _ = io.Copy(io.Discard, part)
			part.Close()
			continue
		}

		res, err := h.upload.Ingest(r.Context(), part, partSizeHint(part.Header.Get("Content-Length")))
		part.Close()
		if err != nil {
			h.writeIngestError(w, err)
			return
		}

		status := http.StatusCreated
		if res.Duplicate {
			status = http.StatusOK
		}
		w.Header().Set("Location", "/images/"+res.Ref.Hash)
		writeJSON(w, status, uploadResponse{
			Hash:      res.Ref.Hash,
			MIME:      res.Ref.MIME,
			Size:      res.Ref.Size,
			Duplicate: res.Duplicate,
		})
		return
	}
}

// Get обрабатывает GET /images/{hash}.
func (h *ImagesHandler) Get(w http.ResponseWriter, r *http.Request) {
	if derr := h.download.Serve(w, r, chi.URLParam(r, "hash")); derr != nil {
		apierrors.WriteError(w, derr.StatusCode, derr.Code, derr.Message)
	}
}

// writeIngestError переводит категорию ошибки приёма в HTTP-ответ.
func (h *ImagesHandler) writeIngestError(w http.ResponseWriter, err error) {
	var ie *service.IngestError
	if !errors.As(err, &ie) {
		h.logger.Error("Неожиданная ошибка приёма", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка")
		return
	}

	switch ie.Kind {
	case service.KindTooLarge:
		apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodeFileTooLarge,
			"Файл превышает максимальный размер "+strconv.FormatInt(h.upload.MaxSize(), 10)+" байт")
	case service.KindUnsupportedType:
		apierrors.WriteError(w, http.StatusUnsupportedMediaType, apierrors.CodeUnsupportedMediaType,
			"Тип файла не поддерживается")
	case service.KindStream:
		// Тело обрезано ограничителем размера запроса
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodeFileTooLarge, "Размер запроса превышает допустимый")
			return
		}
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.CodeStreamError, "Ошибка чтения тела запроса")
	default:
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.CodeStorageError, "Ошибка сохранения файла")
	}
}

// writeBodyError — ошибка разбора multipart до начала приёма.
func (h *ImagesHandler) writeBodyError(w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodeFileTooLarge, "Размер запроса превышает допустимый")
		return
	}
	apierrors.BadRequest(w, "Ошибка разбора multipart: "+err.Error())
}

// partSizeHint — заявленный размер части или -1.
func partSizeHint(v string) int64 {
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}
