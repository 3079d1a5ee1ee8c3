// Пакет index — потокобезопасный in-memory индекс зафиксированных объектов.
//
// Индекс строится при старте из attr.json (BuildFromDir) и обновляется
// синхронно при фиксации. Используется как реестр объектов по умолчанию,
// когда PostgreSQL не настроен.
//
// Не персистентный: при рестарте пересобирается из attr.json.
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/johnkord/rib/internal/domain/model"
	"github.com/johnkord/rib/internal/storage/attr"
)

// Index — in-memory индекс hash → метаданные.
type Index struct {
	mu         sync.RWMutex
	objects    map[string]*model.StoredObject
	totalBytes int64
	ready      bool
	logger     *slog.Logger
}

// New создаёт пустой индекс. Для заполнения вызовите BuildFromDir.
func New(logger *slog.Logger) *Index {
	return &Index{
		objects: make(map[string]*model.StoredObject),
		logger:  logger.With(slog.String("component", "index")),
	}
}

// BuildFromDir строит индекс из attr.json под dir (рекурсивно).
// Заменяет текущее содержимое и помечает индекс как ready.
func (idx *Index) BuildFromDir(dir string) error {
	res, err := attr.ScanTree(dir)
	if err != nil {
		return fmt.Errorf("ошибка построения индекса: %w", err)
	}
	for _, path := range res.Invalid {
		idx.logger.Warn("Пропущен невалидный attr.json", slog.String("path", path))
	}

	objects := make(map[string]*model.StoredObject, len(res.Objects))
	var total int64
	for _, obj := range res.Objects {
		if _, dup := objects[obj.Hash]; dup {
			continue
		}
		objects[obj.Hash] = obj
		total += obj.Size
	}

	idx.mu.Lock()
	idx.objects = objects
	idx.totalBytes = total
	idx.ready = true
	idx.mu.Unlock()

	idx.logger.Info("Индекс объектов построен",
		slog.Int("objects", len(objects)),
		slog.Int64("bytes", total),
		slog.String("dir", dir),
	)
	return nil
}

// IsReady возвращает true, если индекс построен.
func (idx *Index) IsReady() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.ready
}

// Add добавляет объект, если его ещё нет. Возвращает true, если объект добавлен.
// Объекты неизменяемы, поэтому существующая запись не перезаписывается.
func (idx *Index) Add(obj *model.StoredObject) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.objects[obj.Hash]; ok {
		return false
	}
	copied := *obj
	idx.objects[obj.Hash] = &copied
	idx.totalBytes += obj.Size
	return true
}

// Remove удаляет объект из индекса. Возвращает true, если объект был найден.
func (idx *Index) Remove(hash string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	obj, ok := idx.objects[hash]
	if !ok {
		return false
	}
	idx.totalBytes -= obj.Size
	delete(idx.objects, hash)
	return true
}

// Get возвращает копию метаданных или nil.
func (idx *Index) Get(hash string) *model.StoredObject {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	obj, ok := idx.objects[hash]
	if !ok {
		return nil
	}
	copied := *obj
	return &copied
}

// List возвращает объекты, новые первыми, с пагинацией. limit 0 — все.
func (idx *Index) List(limit, offset int) ([]*model.StoredObject, int) {
	idx.mu.RLock()
	all := make([]*model.StoredObject, 0, len(idx.objects))
	for _, obj := range idx.objects {
		copied := *obj
		all = append(all, &copied)
	}
	idx.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Hash < all[j].Hash
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return nil, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total
}

// Count возвращает число объектов.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.objects)
}

// TotalBytes возвращает суммарный размер объектов.
func (idx *Index) TotalBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalBytes
}
