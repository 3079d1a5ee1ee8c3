package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/johnkord/rib/internal/domain/model"
)

// ObjectRepository — реестр зафиксированных объектов в таблице stored_objects.
// Запись по хэшу создаётся один раз и не изменяется.
type ObjectRepository struct {
	db DBTX
}

// NewObjectRepository создаёт репозиторий реестра объектов.
func NewObjectRepository(db DBTX) *ObjectRepository {
	return &ObjectRepository{db: db}
}

// Register создаёт запись объекта. Возвращает false, если запись
// с таким хэшем уже есть; существующая запись не изменяется.
func (r *ObjectRepository) Register(ctx context.Context, obj *model.StoredObject) (bool, error) {
	query := `
		INSERT INTO stored_objects (hash, mime, size, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := r.db.Exec(ctx, query, obj.Hash, obj.MIME, obj.Size, obj.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка регистрации объекта: %w", err)
	}
	return true, nil
}

// Lookup возвращает объект по хэшу или ErrNotFound.
func (r *ObjectRepository) Lookup(ctx context.Context, hash string) (*model.StoredObject, error) {
	query := `
		SELECT hash, mime, size, created_at
		FROM stored_objects
		WHERE hash = $1`

	var obj model.StoredObject
	err := r.db.QueryRow(ctx, query, hash).Scan(&obj.Hash, &obj.MIME, &obj.Size, &obj.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения объекта: %w", err)
	}
	return &obj, nil
}

// List возвращает объекты, новые первыми, и общее количество. limit 0 — все.
func (r *ObjectRepository) List(ctx context.Context, limit, offset int) ([]*model.StoredObject, int, error) {
	total, err := r.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT hash, mime, size, created_at
		FROM stored_objects
		ORDER BY created_at DESC, hash
		OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ошибка получения списка объектов: %w", err)
	}
	defer rows.Close()

	var result []*model.StoredObject
	for rows.Next() {
		var obj model.StoredObject
		if err := rows.Scan(&obj.Hash, &obj.MIME, &obj.Size, &obj.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("ошибка сканирования объекта: %w", err)
		}
		result = append(result, &obj)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ошибка итерации объектов: %w", err)
	}
	return result, total, nil
}

// Count возвращает число зарегистрированных объектов.
func (r *ObjectRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM stored_objects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта объектов: %w", err)
	}
	return count, nil
}

// TotalBytes возвращает суммарный размер зарегистрированных объектов.
func (r *ObjectRepository) TotalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM stored_objects`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта объёма: %w", err)
	}
	return total, nil
}

// Remove удаляет запись объекта. Отсутствие записи не считается ошибкой.
func (r *ObjectRepository) Remove(ctx context.Context, hash string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM stored_objects WHERE hash = $1`, hash); err != nil {
		return fmt.Errorf("ошибка удаления объекта: %w", err)
	}
	return nil
}
