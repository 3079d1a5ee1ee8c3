// Пакет service — бизнес-логика хранилища медиа.
// upload.go — приём объектов: потоковое хэширование, карантин, фиксация по хэшу.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/johnkord/rib/internal/domain/mediatype"
	"github.com/johnkord/rib/internal/domain/model"
	"github.com/johnkord/rib/internal/storage/attr"
	"github.com/johnkord/rib/internal/storage/objectstore"
	"github.com/johnkord/rib/internal/storage/wal"
)

// copyBufSize — размер буфера потокового копирования.
const copyBufSize = 32 * 1024

// Prometheus метрики приёма объектов
var (
	// ingestTotal — исходы приёма: fresh, duplicate или категория ошибки.
	ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rib_ingest_total",
			Help: "Общее количество загрузок по исходу",
		},
		[]string{"result"},
	)

	// ingestBytesTotal — байты, записанные новыми объектами.
	ingestBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rib_ingest_bytes_total",
		Help: "Суммарный размер зафиксированных объектов в байтах",
	})

	// ingestDurationSeconds — длительность приёма.
	ingestDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rib_ingest_duration_seconds",
		Help:    "Длительность приёма объекта в секундах",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})
)

// IngestResult — результат приёма объекта.
type IngestResult struct {
	Ref model.StoredObjectRef
	// Duplicate — объект с таким содержимым уже был зафиксирован
	Duplicate bool
}

// UploadService — сервис приёма объектов.
type UploadService struct {
	store     *objectstore.ObjectStore
	walEngine *wal.WAL
	registry  ObjectRegistry
	policy    *mediatype.Policy
	maxSize   int64
	now       func() time.Time
	logger    *slog.Logger
}

// NewUploadService создаёт сервис приёма объектов.
func NewUploadService(
	store *objectstore.ObjectStore,
	walEngine *wal.WAL,
	registry ObjectRegistry,
	policy *mediatype.Policy,
	maxSize int64,
	logger *slog.Logger,
) *UploadService {
	return &UploadService{
		store:     store,
		walEngine: walEngine,
		registry:  registry,
		policy:    policy,
		maxSize:   maxSize,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "upload_service")),
	}
}

// MaxSize возвращает максимальный размер объекта в байтах.
func (s *UploadService) MaxSize() int64 {
	return s.maxSize
}

// Policy возвращает политику допустимых типов.
func (s *UploadService) Policy() *mediatype.Policy {
	return s.policy
}

// Ingest принимает поток и сохраняет его как объект, адресуемый по SHA-256.
// sizeHint — заявленный размер (-1, если неизвестен); используется только для
// раннего отказа, фактический размер считается по прочитанным байтам.
//
// Поток:
//  1. Проверка sizeHint
//  2. Чтение первых SniffLen байт и проверка типа по сигнатуре
//  3. Карантин + WAL StartTransaction
//  4. Копирование потока через SHA-256 с подсчётом байт
//  5. fsync, вычисление хэша
//  6. Фиксация hard link'ом (create-if-absent), attr.json, реестр, WAL Commit
//
// При любом неуспешном выходе временный файл удаляется, WAL откатывается.
func (s *UploadService) Ingest(ctx context.Context, r io.Reader, sizeHint int64) (res *IngestResult, err error) {
	start := time.Now()
	defer func() {
		ingestDurationSeconds.Observe(time.Since(start).Seconds())
		ingestTotal.WithLabelValues(ingestOutcome(res, err)).Inc()
	}()

	// 1. Заявленный размер
	if sizeHint > s.maxSize {
		s.logger.Info("Загрузка отклонена: заявленный размер превышает лимит",
			slog.Int64("size_hint", sizeHint),
			slog.Int64("max_size", s.maxSize),
		)
		return nil, ingestErr(KindTooLarge, fmt.Errorf("заявлено %d байт при максимуме %d", sizeHint, s.maxSize))
	}

	src := &ctxReader{ctx: ctx, r: r}

	// 2. Первые байты и тип
	head := make([]byte, mediatype.SniffLen)
	n, eof, err := readHead(src, head)
	if err != nil {
		return nil, ingestErr(KindStream, err)
	}
	head = head[:n]

	if int64(n) > s.maxSize {
		return nil, ingestErr(KindTooLarge, fmt.Errorf("поток длиннее %d байт", s.maxSize))
	}
	if n == 0 {
		return nil, ingestErr(KindUnsupportedType, errors.New("пустой файл"))
	}
	mime, ok := s.policy.Match(head)
	if !ok {
		s.logger.Info("Загрузка отклонена: тип не разрешён", slog.String("detected", mime))
		return nil, ingestErr(KindUnsupportedType, fmt.Errorf("определён тип %s", mime))
	}

	// 3. Карантин и WAL
	q, err := s.store.CreateQuarantine()
	if err != nil {
		return nil, ingestErr(KindStorage, err)
	}
	walEntry, err := s.walEngine.StartTransaction(wal.OpObjectIngest, q.Name(), "")
	if err != nil {
		_ = q.Discard()
		return nil, ingestErr(KindStorage, err)
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		if dErr := q.Discard(); dErr != nil {
			s.logger.Warn("Ошибка удаления временного файла",
				slog.String("quarantine", q.Name()),
				slog.String("error", dErr.Error()),
			)
		}
		if rbErr := s.walEngine.Rollback(walEntry.TransactionID); rbErr != nil {
			s.logger.Error("Ошибка отката WAL",
				slog.String("tx_id", walEntry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
	}()

	// 4. Копирование. hasher не возвращает ошибок, поэтому ошибка записи — это карантин.
	hasher := sha256.New()
	dst := io.MultiWriter(q, hasher)
	if _, err := dst.Write(head); err != nil {
		return nil, ingestErr(KindStorage, err)
	}
	size := int64(n)

	if !eof {
		buf := make([]byte, copyBufSize)
		for {
			nr, rErr := src.Read(buf)
			if nr > 0 {
				if size+int64(nr) > s.maxSize {
					s.logger.Info("Загрузка прервана: превышен максимальный размер",
						slog.Int64("max_size", s.maxSize),
					)
					return nil, ingestErr(KindTooLarge, fmt.Errorf("поток длиннее %d байт", s.maxSize))
				}
				if _, wErr := dst.Write(buf[:nr]); wErr != nil {
					return nil, ingestErr(KindStorage, wErr)
				}
				size += int64(nr)
			}
			if errors.Is(rErr, io.EOF) {
				break
			}
			if rErr != nil {
				return nil, ingestErr(KindStream, rErr)
			}
		}
	}

	// 5. fsync и хэш
	if err := q.Seal(); err != nil {
		return nil, ingestErr(KindStorage, err)
	}
	obj := &model.StoredObject{
		Hash:      hex.EncodeToString(hasher.Sum(nil)),
		MIME:      mime,
		Size:      size,
		CreatedAt: s.now().UTC(),
	}

	// 6. Фиксация
	if s.store.Exists(obj.Hash) {
		res, err = s.duplicate(ctx, q, walEntry.TransactionID, obj)
		completed = err == nil
		return res, err
	}

	err = s.store.Commit(q, obj.Hash)
	if errors.Is(err, objectstore.ErrExists) {
		// Параллельная загрузка того же содержимого успела раньше
		res, err = s.duplicate(ctx, q, walEntry.TransactionID, obj)
		completed = err == nil
		return res, err
	}
	if err != nil {
		return nil, ingestErr(KindStorage, err)
	}

	if err := s.record(ctx, obj, true); err != nil {
		s.logger.Error("Объект зафиксирован, но метаданные не записаны; восстановит сверка",
			slog.String("hash", obj.Hash),
			slog.String("error", err.Error()),
		)
		return nil, ingestErr(KindStorage, err)
	}

	if err := s.walEngine.Commit(walEntry.TransactionID, obj.Hash); err != nil {
		// Данные уже зафиксированы, коммит WAL — best effort
		s.logger.Error("Ошибка коммита WAL (данные сохранены)",
			slog.String("tx_id", walEntry.TransactionID),
			slog.String("hash", obj.Hash),
			slog.String("error", err.Error()),
		)
	}
	completed = true
	ingestBytesTotal.Add(float64(size))

	s.logger.Info("Объект зафиксирован",
		slog.String("hash", obj.Hash),
		slog.String("mime", obj.MIME),
		slog.Int64("size", obj.Size),
	)
	return &IngestResult{Ref: obj.Ref()}, nil
}

// duplicate завершает загрузку уже существующего содержимого: временный файл
// удаляется, метаданные дописываются, если их не было.
func (s *UploadService) duplicate(ctx context.Context, q *objectstore.Quarantine, txID string, obj *model.StoredObject) (*IngestResult, error) {
	if err := q.Discard(); err != nil {
		s.logger.Warn("Ошибка удаления временного файла дубликата",
			slog.String("quarantine", q.Name()),
			slog.String("error", err.Error()),
		)
	}
	if err := s.record(ctx, obj, false); err != nil {
		return nil, ingestErr(KindStorage, err)
	}
	if err := s.walEngine.Commit(txID, obj.Hash); err != nil {
		s.logger.Warn("Ошибка коммита WAL дубликата",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Debug("Дубликат объекта", slog.String("hash", obj.Hash))
	return &IngestResult{Ref: obj.Ref(), Duplicate: true}, nil
}

// record записывает attr.json и регистрирует объект. Для существующего объекта
// attr.json пишется только при его отсутствии, регистрация идемпотентна.
func (s *UploadService) record(ctx context.Context, obj *model.StoredObject, fresh bool) error {
	path, err := s.store.Path(obj.Hash)
	if err != nil {
		return err
	}
	attrPath := attr.AttrFilePath(path)

	write := fresh
	if !fresh {
		if _, err := os.Stat(attrPath); os.IsNotExist(err) {
			write = true
		}
	}
	if write {
		if err := attr.Write(attrPath, obj); err != nil {
			return err
		}
	}

	if _, err := s.registry.Register(ctx, obj); err != nil {
		return err
	}
	return nil
}

// ingestOutcome возвращает значение метки result.
func ingestOutcome(res *IngestResult, err error) string {
	var ie *IngestError
	switch {
	case err == nil && res != nil && res.Duplicate:
		return "duplicate"
	case err == nil:
		return "fresh"
	case errors.As(err, &ie):
		return string(ie.Kind)
	default:
		return string(KindStorage)
	}
}

// readHead заполняет buf целиком или до io.EOF. В отличие от io.ReadFull
// не смешивает короткий поток с io.ErrUnexpectedEOF источника: обрезанное
// тело multipart должно остаться ошибкой потока.
func readHead(r io.Reader, buf []byte) (n int, eof bool, err error) {
	for n < len(buf) {
		nr, rErr := r.Read(buf[n:])
		n += nr
		if errors.Is(rErr, io.EOF) {
			return n, true, nil
		}
		if rErr != nil {
			return n, false, rErr
		}
	}
	return n, false, nil
}

// ctxReader прерывает чтение после отмены контекста.
// Заблокированный Read не прерывается: для тела HTTP-запроса его завершает
// сам сервер при обрыве соединения.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
