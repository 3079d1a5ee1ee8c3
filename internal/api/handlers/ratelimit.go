// ratelimit.go — POST /api/v1/rate-limit/{scope}/check.
// Проверка допуска для внешних обработчиков создания тредов и ответов:
// 204 — действие допущено и учтено, 429 — отказ.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/johnkord/rib/internal/api/errors"
	"github.com/johnkord/rib/internal/api/middleware"
	"github.com/johnkord/rib/internal/ratelimit"
)

// RateLimitHandler — обработчик проверки допуска.
type RateLimitHandler struct {
	rl *middleware.RateLimiter
}

// NewRateLimitHandler создаёт обработчик проверки допуска.
func NewRateLimitHandler(rl *middleware.RateLimiter) *RateLimitHandler {
	return &RateLimitHandler{rl: rl}
}

// Check обрабатывает POST /api/v1/rate-limit/{scope}/check.
func (h *RateLimitHandler) Check(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "scope")
	scope, ok := ratelimit.ParseScope(raw)
	if !ok {
		apierrors.NotFound(w, "Неизвестная категория "+raw)
		return
	}
	if !h.rl.Check(w, r, scope) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
