package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/johnkord/rib/internal/storage/attr"
	"github.com/johnkord/rib/internal/storage/index"
)

const defaultMax = 25 * 1024 * 1024

func TestIngest_SameContentTwice(t *testing.T) {
	env := newTestEnv(t, defaultMax)
	ctx := context.Background()

	first, err := env.upload.Ingest(ctx, bytes.NewReader(pngPixel), int64(len(pngPixel)))
	if err != nil {
		t.Fatalf("первая загрузка: %v", err)
	}
	sum := sha256.Sum256(pngPixel)
	if first.Ref.Hash != hex.EncodeToString(sum[:]) {
		t.Errorf("хэш: ожидали %x, получили %s", sum, first.Ref.Hash)
	}
	if first.Ref.MIME != "image/png" || first.Ref.Size != int64(len(pngPixel)) {
		t.Errorf("ссылка: %+v", first.Ref)
	}
	if first.Duplicate {
		t.Error("первая загрузка не должна быть дубликатом")
	}

	second, err := env.upload.Ingest(ctx, bytes.NewReader(pngPixel), -1)
	if err != nil {
		t.Fatalf("вторая загрузка: %v", err)
	}
	if !second.Duplicate {
		t.Error("вторая загрузка должна быть дубликатом")
	}
	if second.Ref != first.Ref {
		t.Errorf("ссылки различаются: %+v и %+v", first.Ref, second.Ref)
	}

	if env.store.Commits() != 1 {
		t.Errorf("ожидалась одна физическая запись, получено %d", env.store.Commits())
	}
	if env.idx.Count() != 1 {
		t.Errorf("в реестре должен быть 1 объект, получено %d", env.idx.Count())
	}

	path, _ := env.store.Path(first.Ref.Hash)
	stored, err := attr.Read(attr.AttrFilePath(path))
	if err != nil {
		t.Fatalf("attr.json не записан: %v", err)
	}
	if stored.MIME != "image/png" {
		t.Errorf("attr.json MIME: %q", stored.MIME)
	}
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, pngPixel) {
		t.Error("содержимое объекта не совпадает с загруженным")
	}
	env.assertClean(t)
}

func TestIngest_SizeHintTooLarge(t *testing.T) {
	env := newTestEnv(t, defaultMax)

	_, err := env.upload.Ingest(context.Background(), bytes.NewReader(pngPixel), 26*1024*1024)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидали ErrTooLarge, получили %v", err)
	}
	if env.idx.Count() != 0 || env.store.Commits() != 0 {
		t.Error("ничего не должно быть сохранено")
	}
	env.assertClean(t)
}

func TestIngest_StreamTooLarge(t *testing.T) {
	env := newTestEnv(t, defaultMax)

	// Заявленный размер не передан, превышение обнаруживается при чтении
	payload := pngPayload(26*1024*1024, 0x11)
	_, err := env.upload.Ingest(context.Background(), bytes.NewReader(payload), -1)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидали ErrTooLarge, получили %v", err)
	}
	var ie *IngestError
	if !errors.As(err, &ie) || ie.Kind != KindTooLarge {
		t.Errorf("ожидали IngestError{Kind: too_large}, получили %#v", err)
	}
	if env.idx.Count() != 0 || env.store.Commits() != 0 {
		t.Error("ничего не должно быть сохранено")
	}
	env.assertClean(t)
}

func TestIngest_SizeBoundary(t *testing.T) {
	const limit = 10000
	env := newTestEnv(t, limit)
	ctx := context.Background()

	res, err := env.upload.Ingest(ctx, bytes.NewReader(pngPayload(limit, 0x01)), limit)
	if err != nil {
		t.Fatalf("объект ровно max байт должен приниматься: %v", err)
	}
	if res.Ref.Size != limit {
		t.Errorf("размер: ожидали %d, получили %d", limit, res.Ref.Size)
	}

	_, err = env.upload.Ingest(ctx, bytes.NewReader(pngPayload(limit+1, 0x02)), -1)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("max+1 байт: ожидали ErrTooLarge, получили %v", err)
	}
	if env.store.Commits() != 1 {
		t.Errorf("ожидалась одна фиксация, получено %d", env.store.Commits())
	}
	env.assertClean(t)
}

func TestIngest_MaxSmallerThanSniffLen(t *testing.T) {
	env := newTestEnv(t, 100)

	_, err := env.upload.Ingest(context.Background(), bytes.NewReader(pngPayload(2000, 0x03)), -1)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидали ErrTooLarge, получили %v", err)
	}
	env.assertClean(t)
}

func TestIngest_UnsupportedType(t *testing.T) {
	env := newTestEnv(t, defaultMax)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"текст под видом png", []byte("definitely a png, trust me")},
		{"html", []byte("<!DOCTYPE html><html><body><script>alert(1)</script></body></html>")},
		{"пустой файл", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.upload.Ingest(context.Background(), bytes.NewReader(tt.payload), int64(len(tt.payload)))
			if !errors.Is(err, ErrUnsupportedType) {
				t.Fatalf("ожидали ErrUnsupportedType, получили %v", err)
			}
		})
	}
	if env.idx.Count() != 0 {
		t.Error("отклонённые файлы не должны регистрироваться")
	}
	env.assertClean(t)
}

func TestIngest_ConcurrentIdentical(t *testing.T) {
	env := newTestEnv(t, defaultMax)
	payload := pngPayload(200*1024, 0x42)

	const n = 20
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		fresh, dup int
		hashes     = make(map[string]struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.upload.Ingest(context.Background(), bytes.NewReader(payload), int64(len(payload)))
			if err != nil {
				t.Errorf("Ingest: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			hashes[res.Ref.Hash] = struct{}{}
			if res.Duplicate {
				dup++
			} else {
				fresh++
			}
		}()
	}
	wg.Wait()

	if fresh != 1 || dup != n-1 {
		t.Errorf("ожидали 1 новую и %d дубликатов, получили %d и %d", n-1, fresh, dup)
	}
	if len(hashes) != 1 {
		t.Errorf("все загрузки должны дать один хэш, получено %d", len(hashes))
	}
	if env.store.Commits() != 1 {
		t.Errorf("ожидалась одна физическая запись, получено %d", env.store.Commits())
	}
	if env.idx.Count() != 1 {
		t.Errorf("в реестре должен быть 1 объект, получено %d", env.idx.Count())
	}
	env.assertClean(t)
}

// cancelingReader отдаёт данные порциями и отменяет контекст после after байт.
type cancelingReader struct {
	data   []byte
	pos    int
	after  int
	cancel context.CancelFunc
}

func (r *cancelingReader) Read(p []byte) (int, error) {
	if r.pos >= r.after {
		r.cancel()
	}
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	if len(p) > 1024 {
		p = p[:1024]
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func TestIngest_ContextCanceledMidStream(t *testing.T) {
	env := newTestEnv(t, defaultMax)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &cancelingReader{data: pngPayload(64*1024, 0x07), after: 8 * 1024, cancel: cancel}
	_, err := env.upload.Ingest(ctx, reader, -1)
	if !errors.Is(err, ErrStream) {
		t.Fatalf("ожидали ErrStream, получили %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("причина должна быть context.Canceled: %v", err)
	}
	if env.idx.Count() != 0 || env.store.Commits() != 0 {
		t.Error("ничего не должно быть сохранено")
	}
	env.assertClean(t)
}

// failingReader отдаёт prefix, затем возвращает ошибку.
type failingReader struct {
	prefix []byte
	done   bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.prefix), nil
	}
	return 0, errors.New("соединение разорвано")
}

func TestIngest_ReadError(t *testing.T) {
	env := newTestEnv(t, defaultMax)

	_, err := env.upload.Ingest(context.Background(), &failingReader{prefix: pngPayload(4000, 0x09)}, -1)
	if !errors.Is(err, ErrStream) {
		t.Fatalf("ожидали ErrStream, получили %v", err)
	}
	env.assertClean(t)
}

func TestIngest_TruncatedHead(t *testing.T) {
	env := newTestEnv(t, defaultMax)

	// Короткий поток, оборванный источником, не считается целым файлом
	r := io.MultiReader(bytes.NewReader(pngPixel), iotest.ErrReader(io.ErrUnexpectedEOF))
	_, err := env.upload.Ingest(context.Background(), r, -1)
	if !errors.Is(err, ErrStream) {
		t.Fatalf("ожидали ErrStream, получили %v", err)
	}
	if env.idx.Count() != 0 {
		t.Error("объект не должен быть зарегистрирован")
	}
	env.assertClean(t)
}

func TestIngest_DuplicateRestoresRegistration(t *testing.T) {
	env := newTestEnv(t, defaultMax)
	ctx := context.Background()

	if _, err := env.upload.Ingest(ctx, bytes.NewReader(pngPixel), -1); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	// Реестр потерян (например, новая пустая БД), объект остался на диске
	fresh := NewIndexRegistry(index.New(testLogger()))
	svc := NewUploadService(env.store, env.wal, fresh, env.upload.Policy(), env.upload.MaxSize(), testLogger())

	res, err := svc.Ingest(ctx, bytes.NewReader(pngPixel), -1)
	if err != nil {
		t.Fatalf("повторная загрузка: %v", err)
	}
	if !res.Duplicate {
		t.Error("ожидался дубликат")
	}
	if _, err := fresh.Lookup(ctx, res.Ref.Hash); err != nil {
		t.Errorf("дубликат должен дорегистрировать объект: %v", err)
	}
}

func TestIngestError_Is(t *testing.T) {
	tests := []struct {
		kind     IngestKind
		sentinel error
	}{
		{KindTooLarge, ErrTooLarge},
		{KindUnsupportedType, ErrUnsupportedType},
		{KindStream, ErrStream},
		{KindStorage, ErrStorage},
	}
	cause := errors.New("причина")
	for _, tt := range tests {
		err := error(ingestErr(tt.kind, cause))
		if !errors.Is(err, tt.sentinel) {
			t.Errorf("%s: errors.Is(sentinel) = false", tt.kind)
		}
		if !errors.Is(err, cause) {
			t.Errorf("%s: причина должна разворачиваться", tt.kind)
		}
		for _, other := range tests {
			if other.kind != tt.kind && errors.Is(err, other.sentinel) {
				t.Errorf("%s не должна совпадать с %v", tt.kind, other.sentinel)
			}
		}
	}
}
