// Пакет attr — чтение и запись файлов метаданных (attr.json).
// Рядом с каждым объектом лежит <hash>.attr.json, по ним индекс
// восстанавливается при старте. Запись атомарна: temp → fsync → rename.
package attr

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnkord/rib/internal/domain/model"
)

// AttrSuffix — суффикс файла метаданных.
const AttrSuffix = ".attr.json"

// maxAttrFileSize — максимальный допустимый размер attr.json (4 КБ).
const maxAttrFileSize = 4096

// AttrFilePath возвращает путь к attr.json для данного объекта.
func AttrFilePath(objectPath string) string {
	return objectPath + AttrSuffix
}

// ObjectPathFromAttr возвращает путь к объекту из пути attr.json.
func ObjectPathFromAttr(attrPath string) string {
	return strings.TrimSuffix(attrPath, AttrSuffix)
}

// IsAttrFile проверяет, является ли путь файлом метаданных.
func IsAttrFile(path string) bool {
	return strings.HasSuffix(path, AttrSuffix)
}

// Write атомарно записывает метаданные в attr.json.
// Временное имя уникально, поэтому параллельная запись одного и того же
// файла не портит его: побеждает последний rename.
func Write(path string, obj *model.StoredObject) error {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}
	if len(data) > maxAttrFileSize {
		return fmt.Errorf("размер attr.json (%d байт) превышает максимум (%d байт)", len(data), maxAttrFileSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Read читает и десериализует метаданные из attr.json.
func Read(path string) (*model.StoredObject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения attr.json %s: %w", path, err)
	}

	var obj model.StoredObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("ошибка десериализации attr.json %s: %w", path, err)
	}
	if !model.ValidHash(obj.Hash) {
		return nil, fmt.Errorf("attr.json %s: некорректный хэш %q", path, obj.Hash)
	}
	return &obj, nil
}

// Delete удаляет attr.json. Возвращает nil, если файла уже нет.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления attr.json %s: %w", path, err)
	}
	return nil
}

// ScanResult — итог обхода дерева метаданных.
type ScanResult struct {
	Objects []*model.StoredObject
	// Invalid — пути нечитаемых attr.json
	Invalid []string
}

// ScanTree рекурсивно обходит root и читает все attr.json.
// Невалидные файлы не прерывают обход, а попадают в Invalid.
func ScanTree(root string) (*ScanResult, error) {
	res := &ScanResult{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsAttrFile(path) {
			return nil
		}
		obj, err := Read(path)
		if err != nil {
			res.Invalid = append(res.Invalid, path)
			return nil
		}
		res.Objects = append(res.Objects, obj)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", root, err)
	}
	return res, nil
}
