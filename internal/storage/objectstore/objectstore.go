// Пакет objectstore — хранилище объектов, адресуемых по содержимому.
//
// Раскладка на диске:
//
//	<data>/objects/<hash[0:2]>/<hash>   — зафиксированные объекты (неизменяемые)
//	<data>/quarantine/ingest-<uuid>.tmp — временные файлы незавершённых загрузок
//
// Фиксация — hard link из карантина в постоянный путь. link(2) не перезаписывает
// существующий путь, поэтому из нескольких параллельных загрузок одинакового
// содержимого ровно одна получает успех, остальные — ErrExists.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/johnkord/rib/internal/domain/model"
)

const (
	objectsDirName    = "objects"
	quarantineDirName = "quarantine"
	quarantinePrefix  = "ingest-"
	quarantineSuffix  = ".tmp"
)

var (
	// ErrExists — объект с таким хэшем уже зафиксирован.
	ErrExists = errors.New("объект уже существует")
	// ErrNotFound — объект не найден.
	ErrNotFound = errors.New("объект не найден")
	// ErrInvalidHash — строка не является SHA-256 hex.
	ErrInvalidHash = errors.New("некорректный хэш объекта")
)

// ObjectStore — управление физическими объектами на диске.
type ObjectStore struct {
	dataDir       string
	objectsDir    string
	quarantineDir string

	// commits — число успешных фиксаций (физических записей) за время жизни процесса
	commits atomic.Int64
}

// New создаёт ObjectStore, при необходимости создавая директории.
func New(dataDir string) (*ObjectStore, error) {
	s := &ObjectStore{
		dataDir:       dataDir,
		objectsDir:    filepath.Join(dataDir, objectsDirName),
		quarantineDir: filepath.Join(dataDir, quarantineDirName),
	}
	for _, dir := range []string{s.objectsDir, s.quarantineDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}
	return s, nil
}

// DataDir возвращает корневую директорию хранилища.
func (s *ObjectStore) DataDir() string {
	return s.dataDir
}

// ObjectsDir возвращает директорию зафиксированных объектов.
func (s *ObjectStore) ObjectsDir() string {
	return s.objectsDir
}

// Commits возвращает число успешных фиксаций.
func (s *ObjectStore) Commits() int64 {
	return s.commits.Load()
}

// Path возвращает путь объекта на диске.
func (s *ObjectStore) Path(hash string) (string, error) {
	if !model.ValidHash(hash) {
		return "", ErrInvalidHash
	}
	return filepath.Join(s.objectsDir, hash[:2], hash), nil
}

// --- Карантин ---

// Quarantine — временный файл одной загрузки. Не потокобезопасен.
type Quarantine struct {
	f    *os.File
	path string
	name string
}

// CreateQuarantine создаёт новый временный файл в карантине.
func (s *ObjectStore) CreateQuarantine() (*Quarantine, error) {
	name := quarantinePrefix + uuid.New().String() + quarantineSuffix
	path := filepath.Join(s.quarantineDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	return &Quarantine{f: f, path: path, name: name}, nil
}

// Name возвращает имя файла в карантине (для записи в WAL).
func (q *Quarantine) Name() string {
	return q.name
}

// Write дописывает данные во временный файл.
func (q *Quarantine) Write(p []byte) (int, error) {
	if q.f == nil {
		return 0, fmt.Errorf("временный файл %s уже закрыт", q.name)
	}
	return q.f.Write(p)
}

// Seal выполняет fsync и закрывает файл. После Seal запись невозможна.
func (q *Quarantine) Seal() error {
	if q.f == nil {
		return nil
	}
	f := q.f
	q.f = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	return nil
}

// Discard закрывает и удаляет временный файл. Повторный вызов безопасен.
func (q *Quarantine) Discard() error {
	if q.f != nil {
		q.f.Close()
		q.f = nil
	}
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления временного файла %s: %w", q.name, err)
	}
	return nil
}

// Commit фиксирует запечатанный временный файл под именем hash.
// Create-if-absent: если объект уже есть, возвращает ErrExists и ничего не меняет.
// Временный файл удаляется в обоих случаях успешной обработки.
func (s *ObjectStore) Commit(q *Quarantine, hash string) error {
	if q.f != nil {
		return fmt.Errorf("временный файл %s не запечатан", q.name)
	}
	final, err := s.Path(hash)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", filepath.Dir(final), err)
	}

	if err := os.Link(q.path, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			q.Discard()
			return ErrExists
		}
		return fmt.Errorf("ошибка фиксации объекта %s: %w", hash, err)
	}
	s.commits.Add(1)

	// Объект уже зафиксирован; если имя в карантине не удалилось, его уберёт CleanQuarantine
	_ = q.Discard()
	return nil
}

// RemoveQuarantine удаляет файл карантина по имени (восстановление после сбоя).
func (s *ObjectStore) RemoveQuarantine(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("некорректное имя временного файла %q", name)
	}
	err := os.Remove(filepath.Join(s.quarantineDir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления временного файла %s: %w", name, err)
	}
	return nil
}

// CleanQuarantine удаляет временные файлы старше olderThan относительно now.
// Свежие файлы принадлежат идущим загрузкам и не трогаются.
func (s *ObjectStore) CleanQuarantine(now time.Time, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.quarantineDir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения карантина: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), quarantinePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < olderThan {
			continue
		}
		if err := os.Remove(filepath.Join(s.quarantineDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// QuarantineLen возвращает число файлов в карантине.
func (s *ObjectStore) QuarantineLen() (int, error) {
	entries, err := os.ReadDir(s.quarantineDir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения карантина: %w", err)
	}
	return len(entries), nil
}

// --- Зафиксированные объекты ---

// Open открывает объект для чтения. Вызывающий код обязан закрыть файл.
func (s *ObjectStore) Open(hash string) (*os.File, error) {
	path, err := s.Path(hash)
	if err != nil {
		return nil, ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка открытия объекта %s: %w", hash, err)
	}
	return f, nil
}

// Exists проверяет наличие объекта.
func (s *ObjectStore) Exists(hash string) bool {
	path, err := s.Path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Remove удаляет объект. Возвращает nil, если объекта уже нет.
func (s *ObjectStore) Remove(hash string) error {
	path, err := s.Path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", hash, err)
	}
	return nil
}

// ComputeChecksum вычисляет SHA-256 хранимых данных.
// Используется при сверке для проверки целостности.
func (s *ObjectStore) ComputeChecksum(hash string) (string, error) {
	f, err := s.Open(hash)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", hash, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ObjectInfo — объект, найденный при обходе.
type ObjectInfo struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// Walk обходит зафиксированные объекты. Файлы, имя которых не является
// хэшем (attr.json, мусор), пропускаются.
func (s *ObjectStore) Walk(fn func(ObjectInfo) error) error {
	shards, err := os.ReadDir(s.objectsDir)
	if err != nil {
		return fmt.Errorf("ошибка чтения %s: %w", s.objectsDir, err)
	}
	for _, sh := range shards {
		if !sh.IsDir() || len(sh.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.objectsDir, sh.Name()))
		if err != nil {
			return fmt.Errorf("ошибка чтения шарда %s: %w", sh.Name(), err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !model.ValidHash(name) || name[:2] != sh.Name() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if err := fn(ObjectInfo{Hash: name, Size: info.Size(), ModTime: info.ModTime()}); err != nil {
				return err
			}
		}
	}
	return nil
}
