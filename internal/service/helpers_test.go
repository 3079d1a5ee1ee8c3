package service

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/johnkord/rib/internal/domain/mediatype"
	"github.com/johnkord/rib/internal/storage/index"
	"github.com/johnkord/rib/internal/storage/objectstore"
	"github.com/johnkord/rib/internal/storage/wal"
)

// pngPixel — PNG 1x1, прозрачный пиксель.
var pngPixel = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, 0x89, 0x00, 0x00, 0x00,
	0x0A, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9C, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0D, 0x0A, 0x2D, 0xB4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// pngPayload возвращает PNG размером size байт; fill различает содержимое.
func pngPayload(size int, fill byte) []byte {
	if size <= len(pngPixel) {
		return append([]byte(nil), pngPixel[:size]...)
	}
	return append(append([]byte(nil), pngPixel...), bytes.Repeat([]byte{fill}, size-len(pngPixel))...)
}

// testEnv — хранилище, WAL, индекс и сервис приёма во временной директории.
type testEnv struct {
	dir      string
	store    *objectstore.ObjectStore
	wal      *wal.WAL
	idx      *index.Index
	registry *IndexRegistry
	upload   *UploadService
}

func newTestEnv(t *testing.T, maxSize int64) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := objectstore.New(dir)
	if err != nil {
		t.Fatalf("Ошибка создания ObjectStore: %v", err)
	}
	walEngine, err := wal.New(filepath.Join(dir, "wal"), testLogger())
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}
	policy, err := mediatype.NewPolicy(nil)
	if err != nil {
		t.Fatalf("Ошибка создания политики типов: %v", err)
	}
	idx := index.New(testLogger())
	registry := NewIndexRegistry(idx)

	return &testEnv{
		dir:      dir,
		store:    store,
		wal:      walEngine,
		idx:      idx,
		registry: registry,
		upload:   NewUploadService(store, walEngine, registry, policy, maxSize, testLogger()),
	}
}

// assertClean проверяет, что после загрузок не осталось временных файлов и pending WAL.
func (e *testEnv) assertClean(t *testing.T) {
	t.Helper()

	n, err := e.store.QuarantineLen()
	if err != nil {
		t.Fatalf("QuarantineLen: %v", err)
	}
	if n != 0 {
		t.Errorf("в карантине остались файлы: %d", n)
	}
	pending, err := e.wal.RecoverPending()
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("остались pending WAL-транзакции: %d", len(pending))
	}
}
