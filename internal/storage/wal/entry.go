// Пакет wal — файловый Write-Ahead Log загрузок.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в директории WAL.
// Запись pending без завершения после рестарта означает, что процесс упал
// посреди загрузки и в карантине остался временный файл.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpObjectIngest — приём загрузки: карантин → фиксация объекта
	OpObjectIngest OperationType = "object_ingest"
	// OpObjectRepair — исправление хранилища при сверке (удаление повреждённого объекта)
	OpObjectRepair OperationType = "object_repair"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	// StatusPending — транзакция начата, операция в процессе
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — транзакция успешно завершена
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — транзакция отменена
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись WAL.
type Entry struct {
	TransactionID string            `json:"transaction_id"`
	Operation     OperationType     `json:"operation"`
	Status        TransactionStatus `json:"status"`

	// QuarantineName — имя временного файла в карантине (для OpObjectIngest)
	QuarantineName string `json:"quarantine_name,omitempty"`

	// Hash — хэш объекта; для загрузки известен только к моменту фиксации
	Hash string `json:"hash,omitempty"`

	StartedAt time.Time `json:"started_at"`
	// nil для pending транзакций
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла WAL для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
