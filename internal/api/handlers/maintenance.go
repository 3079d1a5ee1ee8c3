// maintenance.go — обработчик POST /api/v1/maintenance/reconcile.
// Делегирует сверку в ReconcileService. Маршрут требует роль admin.
package handlers

import (
	"context"
	"net/http"

	apierrors "github.com/johnkord/rib/internal/api/errors"
	"github.com/johnkord/rib/internal/service"
)

// ReconcileRunner — запуск сверки. Позволяет тестировать handler без полного ReconcileService.
type ReconcileRunner interface {
	// RunOnce возвращает результат и флаг "пропущено, уже выполняется".
	RunOnce(ctx context.Context) (*service.ReconcileResult, bool)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	reconciler ReconcileRunner
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(reconciler ReconcileRunner) *MaintenanceHandler {
	return &MaintenanceHandler{reconciler: reconciler}
}

// Reconcile обрабатывает POST /api/v1/maintenance/reconcile.
// Запускает синхронный цикл сверки. Если сверка уже идёт — 409 RECONCILE_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	// Обрыв соединения клиента не прерывает начатую сверку
	result, skipped := h.reconciler.RunOnce(context.WithoutCancel(r.Context()))
	if skipped {
		apierrors.ReconcileInProgress(w, "Сверка уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
