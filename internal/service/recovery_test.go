package service

import (
	"os"
	"testing"

	"github.com/johnkord/rib/internal/storage/attr"
	"github.com/johnkord/rib/internal/storage/wal"
)

func TestRecoverWAL_PendingIngest(t *testing.T) {
	env := newTestEnv(t, defaultMax)

	// Процесс упал посреди загрузки: карантин и pending запись
	q, err := env.store.CreateQuarantine()
	if err != nil {
		t.Fatalf("CreateQuarantine: %v", err)
	}
	q.Write(pngPixel)
	q.Seal()
	entry, _ := env.wal.StartTransaction(wal.OpObjectIngest, q.Name(), "")

	recovered, err := RecoverWAL(env.store, env.wal, testLogger())
	if err != nil {
		t.Fatalf("RecoverWAL: %v", err)
	}
	if recovered != 1 {
		t.Errorf("ожидали 1 восстановленную транзакцию, получили %d", recovered)
	}
	stored, _ := env.wal.GetTransaction(entry.TransactionID)
	if stored.Status != wal.StatusRolledBack {
		t.Errorf("статус: ожидали %s, получили %s", wal.StatusRolledBack, stored.Status)
	}
	env.assertClean(t)
}

func TestRecoverWAL_PendingRepair(t *testing.T) {
	env := newTestEnv(t, defaultMax)
	hash := mustIngest(t, env, pngPixel)

	entry, _ := env.wal.StartTransaction(wal.OpObjectRepair, "", hash)

	if _, err := RecoverWAL(env.store, env.wal, testLogger()); err != nil {
		t.Fatalf("RecoverWAL: %v", err)
	}
	if env.store.Exists(hash) {
		t.Error("удаление повреждённого объекта должно быть завершено")
	}
	path, _ := env.store.Path(hash)
	if _, err := os.Stat(attr.AttrFilePath(path)); !os.IsNotExist(err) {
		t.Error("attr.json должен быть удалён")
	}
	stored, _ := env.wal.GetTransaction(entry.TransactionID)
	if stored.Status != wal.StatusCommitted {
		t.Errorf("статус: ожидали %s, получили %s", wal.StatusCommitted, stored.Status)
	}
}

func TestRecoverWAL_Empty(t *testing.T) {
	env := newTestEnv(t, defaultMax)

	recovered, err := RecoverWAL(env.store, env.wal, testLogger())
	if err != nil || recovered != 0 {
		t.Errorf("пустой WAL: recovered %d, ошибка %v", recovered, err)
	}
}
