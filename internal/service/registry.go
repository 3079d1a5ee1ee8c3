// registry.go — реестр зафиксированных объектов.
package service

import (
	"context"

	"github.com/johnkord/rib/internal/domain/model"
	"github.com/johnkord/rib/internal/repository"
	"github.com/johnkord/rib/internal/storage/index"
)

// ObjectRegistry — реестр метаданных объектов по хэшу.
// Register идемпотентен: повторная регистрация возвращает created = false.
// Lookup возвращает repository.ErrNotFound для неизвестного хэша.
type ObjectRegistry interface {
	Register(ctx context.Context, obj *model.StoredObject) (created bool, err error)
	Lookup(ctx context.Context, hash string) (*model.StoredObject, error)
	List(ctx context.Context, limit, offset int) ([]*model.StoredObject, int, error)
	Count(ctx context.Context) (int, error)
	TotalBytes(ctx context.Context) (int64, error)
	Remove(ctx context.Context, hash string) error
}

var (
	_ ObjectRegistry = (*IndexRegistry)(nil)
	_ ObjectRegistry = (*repository.ObjectRepository)(nil)
)

// IndexRegistry — реестр поверх in-memory индекса.
type IndexRegistry struct {
	idx *index.Index
}

// NewIndexRegistry создаёт реестр поверх индекса.
func NewIndexRegistry(idx *index.Index) *IndexRegistry {
	return &IndexRegistry{idx: idx}
}

func (r *IndexRegistry) Register(_ context.Context, obj *model.StoredObject) (bool, error) {
	return r.idx.Add(obj), nil
}

func (r *IndexRegistry) Lookup(_ context.Context, hash string) (*model.StoredObject, error) {
	obj := r.idx.Get(hash)
	if obj == nil {
		return nil, repository.ErrNotFound
	}
	return obj, nil
}

func (r *IndexRegistry) List(_ context.Context, limit, offset int) ([]*model.StoredObject, int, error) {
	objects, total := r.idx.List(limit, offset)
	return objects, total, nil
}

func (r *IndexRegistry) Count(_ context.Context) (int, error) {
	return r.idx.Count(), nil
}

func (r *IndexRegistry) TotalBytes(_ context.Context) (int64, error) {
	return r.idx.TotalBytes(), nil
}

func (r *IndexRegistry) Remove(_ context.Context, hash string) error {
	r.idx.Remove(hash)
	return nil
}
