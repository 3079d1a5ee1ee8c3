// cache.go — кэш метаданных объектов перед реестром.
package service

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/johnkord/rib/internal/domain/model"
)

// ObjectCache — LRU-кэш с TTL для Lookup реестра.
// Объекты неизменяемы, инвалидация нужна только при удалении.
type ObjectCache struct {
	registry ObjectRegistry
	lru      *expirable.LRU[string, *model.StoredObject]
}

// NewObjectCache создаёт кэш на size записей с временем жизни ttl.
func NewObjectCache(registry ObjectRegistry, size int, ttl time.Duration) *ObjectCache {
	return &ObjectCache{
		registry: registry,
		lru:      expirable.NewLRU[string, *model.StoredObject](size, nil, ttl),
	}
}

// Lookup возвращает метаданные из кэша или реестра.
// Ошибки реестра (включая ErrNotFound) не кэшируются.
func (c *ObjectCache) Lookup(ctx context.Context, hash string) (*model.StoredObject, error) {
	if obj, ok := c.lru.Get(hash); ok {
		copied := *obj
		return &copied, nil
	}
	obj, err := c.registry.Lookup(ctx, hash)
	if err != nil {
		return nil, err
	}
	stored := *obj
	c.lru.Add(hash, &stored)
	return obj, nil
}

// Invalidate удаляет запись из кэша.
func (c *ObjectCache) Invalidate(hash string) {
	c.lru.Remove(hash)
}

// Len возвращает число записей в кэше.
func (c *ObjectCache) Len() int {
	return c.lru.Len()
}
