// recovery.go — восстановление после аварийного завершения по WAL.
package service

import (
	"fmt"
	"log/slog"

	"github.com/johnkord/rib/internal/storage/attr"
	"github.com/johnkord/rib/internal/storage/objectstore"
	"github.com/johnkord/rib/internal/storage/wal"
)

// RecoverWAL завершает транзакции, прерванные падением процесса.
// Вызывается при старте, до приёма запросов.
//
// Незавершённая загрузка откатывается: её временный файл удаляется, объект
// не фиксировался либо уже зафиксирован целиком (link атомарен) и будет
// дорегистрирован сверкой. Незавершённое удаление повреждённого объекта
// доводится до конца.
func RecoverWAL(store *objectstore.ObjectStore, walEngine *wal.WAL, logger *slog.Logger) (int, error) {
	logger = logger.With(slog.String("component", "recovery"))

	pending, err := walEngine.RecoverPending()
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения WAL: %w", err)
	}

	recovered := 0
	for _, entry := range pending {
		switch entry.Operation {
		case wal.OpObjectIngest:
			if entry.QuarantineName != "" {
				if err := store.RemoveQuarantine(entry.QuarantineName); err != nil {
					logger.Error("Не удалось удалить временный файл",
						slog.String("tx_id", entry.TransactionID),
						slog.String("error", err.Error()),
					)
					continue
				}
			}
			if err := walEngine.Rollback(entry.TransactionID); err != nil {
				return recovered, err
			}

		case wal.OpObjectRepair:
			if err := store.Remove(entry.Hash); err != nil {
				logger.Error("Не удалось удалить повреждённый объект",
					slog.String("tx_id", entry.TransactionID),
					slog.String("hash", entry.Hash),
					slog.String("error", err.Error()),
				)
				continue
			}
			if path, err := store.Path(entry.Hash); err == nil {
				_ = attr.Delete(attr.AttrFilePath(path))
			}
			if err := walEngine.Commit(entry.TransactionID, entry.Hash); err != nil {
				return recovered, err
			}

		default:
			logger.Warn("Неизвестная операция в WAL, откат",
				slog.String("tx_id", entry.TransactionID),
				slog.String("operation", string(entry.Operation)),
			)
			if err := walEngine.Rollback(entry.TransactionID); err != nil {
				return recovered, err
			}
		}
		recovered++
	}

	if recovered > 0 {
		logger.Info("WAL восстановлен", slog.Int("transactions", recovered))
	}
	return recovered, nil
}
