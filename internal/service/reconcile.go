// reconcile.go — фоновая сверка хранилища объектов.
//
// Сверка сравнивает объекты на диске, их attr.json и реестр:
//   - checksum_mismatch: содержимое не совпадает с именем → объект удаляется
//   - orphaned_object: объект без attr.json → attr.json восстанавливается
//   - orphaned_attr: attr.json без объекта → удаляется
//   - unregistered: объект не был в реестре → регистрируется
//   - missing_object: запись реестра без объекта → удаляется из реестра
//
// Запускается как горутина с периодическим тикером (RIB_RECONCILE_INTERVAL)
// и вручную через POST /api/v1/maintenance/reconcile.
package service

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/johnkord/rib/internal/domain/mediatype"
	"github.com/johnkord/rib/internal/domain/model"
	"github.com/johnkord/rib/internal/storage/attr"
	"github.com/johnkord/rib/internal/storage/objectstore"
	"github.com/johnkord/rib/internal/storage/wal"
)

// Prometheus метрики сверки
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rib_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	// reconcileIssuesTotal — обнаруженные проблемы по типу.
	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rib_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rib_reconcile_duration_seconds",
		Help:    "Длительность сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// IssueType — тип проблемы, найденной сверкой.
type IssueType string

const (
	IssueChecksumMismatch IssueType = "checksum_mismatch"
	IssueOrphanedObject   IssueType = "orphaned_object"
	IssueOrphanedAttr     IssueType = "orphaned_attr"
	IssueUnregistered     IssueType = "unregistered"
	IssueMissingObject    IssueType = "missing_object"
)

// ReconcileIssue — одна найденная проблема.
type ReconcileIssue struct {
	Type   IssueType `json:"type"`
	Hash   string    `json:"hash,omitempty"`
	Path   string    `json:"path,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// ReconcileResult — итог сверки.
type ReconcileResult struct {
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    time.Time        `json:"completed_at"`
	ObjectsChecked int              `json:"objects_checked"`
	Issues         []ReconcileIssue `json:"issues"`
	Errors         int              `json:"errors"`
}

// ReconcileService — сервис сверки хранилища.
type ReconcileService struct {
	store     *objectstore.ObjectStore
	walEngine *wal.WAL
	registry  ObjectRegistry
	cache     *ObjectCache
	policy    *mediatype.Policy
	interval  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
}

// NewReconcileService создаёт сервис сверки. cache может быть nil.
func NewReconcileService(
	store *objectstore.ObjectStore,
	walEngine *wal.WAL,
	registry ObjectRegistry,
	cache *ObjectCache,
	policy *mediatype.Policy,
	interval time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		store:     store,
		walEngine: walEngine,
		registry:  registry,
		cache:     cache,
		policy:    policy,
		interval:  interval,
		logger:    logger.With(slog.String("component", "reconcile")),
	}
}

// Start запускает фоновую горутину сверки.
func (rs *ReconcileService) Start(ctx context.Context) {
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(rsCtx)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновую горутину сверки.
func (rs *ReconcileService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет одну сверку.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	res := &ReconcileResult{StartedAt: time.Now().UTC(), Issues: []ReconcileIssue{}}
	rs.logger.Info("Сверка начата")

	rs.checkObjects(ctx, res)
	rs.checkAttrs(res)
	rs.checkRegistry(ctx, res)

	res.CompletedAt = time.Now().UTC()
	duration := res.CompletedAt.Sub(res.StartedAt)

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(duration.Seconds())
	for _, issue := range res.Issues {
		reconcileIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}

	rs.logger.Info("Сверка завершена",
		slog.Int("objects_checked", res.ObjectsChecked),
		slog.Int("issues", len(res.Issues)),
		slog.Int("errors", res.Errors),
		slog.Duration("duration", duration),
	)
	return res, false
}

// checkObjects проверяет каждый объект: хэш содержимого, attr.json, регистрацию.
func (rs *ReconcileService) checkObjects(ctx context.Context, res *ReconcileResult) {
	err := rs.store.Walk(func(info objectstore.ObjectInfo) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.ObjectsChecked++

		sum, err := rs.store.ComputeChecksum(info.Hash)
		if err != nil {
			res.Errors++
			rs.logger.Error("Ошибка вычисления checksum",
				slog.String("hash", info.Hash),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if sum != info.Hash {
			rs.removeCorrupt(ctx, info.Hash, sum, res)
			return nil
		}

		path, _ := rs.store.Path(info.Hash)
		attrPath := attr.AttrFilePath(path)
		obj, err := attr.Read(attrPath)
		if err != nil || obj.Hash != info.Hash {
			obj, err = rs.restoreAttr(info, attrPath)
			if err != nil {
				res.Errors++
				rs.logger.Error("Ошибка восстановления attr.json",
					slog.String("hash", info.Hash),
					slog.String("error", err.Error()),
				)
				return nil
			}
			res.Issues = append(res.Issues, ReconcileIssue{Type: IssueOrphanedObject, Hash: info.Hash, Detail: obj.MIME})
		}

		created, err := rs.registry.Register(ctx, obj)
		if err != nil {
			res.Errors++
			rs.logger.Error("Ошибка регистрации объекта",
				slog.String("hash", info.Hash),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if created {
			res.Issues = append(res.Issues, ReconcileIssue{Type: IssueUnregistered, Hash: info.Hash})
		}
		return nil
	})
	if err != nil {
		res.Errors++
		rs.logger.Error("Ошибка обхода объектов", slog.String("error", err.Error()))
	}
}

// removeCorrupt удаляет объект, содержимое которого не совпадает с именем.
func (rs *ReconcileService) removeCorrupt(ctx context.Context, hash, actual string, res *ReconcileResult) {
	rs.logger.Error("Повреждённый объект удаляется",
		slog.String("hash", hash),
		slog.String("actual", actual),
	)
	res.Issues = append(res.Issues, ReconcileIssue{Type: IssueChecksumMismatch, Hash: hash, Detail: actual})

	entry, err := rs.walEngine.StartTransaction(wal.OpObjectRepair, "", hash)
	if err != nil {
		res.Errors++
		rs.logger.Error("Ошибка создания WAL-транзакции", slog.String("error", err.Error()))
		return
	}

	failed := false
	if err := rs.store.Remove(hash); err != nil {
		failed = true
		rs.logger.Error("Ошибка удаления объекта", slog.String("hash", hash), slog.String("error", err.Error()))
	}
	path, _ := rs.store.Path(hash)
	if err := attr.Delete(attr.AttrFilePath(path)); err != nil {
		failed = true
	}
	rs.unregister(ctx, hash, res)

	if failed {
		res.Errors++
		_ = rs.walEngine.Rollback(entry.TransactionID)
		return
	}
	if err := rs.walEngine.Commit(entry.TransactionID, hash); err != nil {
		rs.logger.Warn("Ошибка коммита WAL", slog.String("tx_id", entry.TransactionID), slog.String("error", err.Error()))
	}
}

// restoreAttr заново определяет тип объекта и записывает attr.json.
// Время создания берётся из mtime объекта.
func (rs *ReconcileService) restoreAttr(info objectstore.ObjectInfo, attrPath string) (*model.StoredObject, error) {
	f, err := rs.store.Open(info.Hash)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, mediatype.SniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	mime, _ := rs.policy.Match(head[:n])
	if mime == "" {
		mime = "application/octet-stream"
	}

	obj := &model.StoredObject{
		Hash:      info.Hash,
		MIME:      mime,
		Size:      info.Size,
		CreatedAt: info.ModTime.UTC(),
	}
	if err := attr.Write(attrPath, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// checkAttrs удаляет attr.json, для которых нет объекта.
func (rs *ReconcileService) checkAttrs(res *ReconcileResult) {
	err := filepath.WalkDir(rs.store.ObjectsDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !attr.IsAttrFile(path) {
			return nil
		}
		hash := filepath.Base(attr.ObjectPathFromAttr(path))
		if rs.store.Exists(hash) {
			return nil
		}
		rel, _ := filepath.Rel(rs.store.ObjectsDir(), path)
		res.Issues = append(res.Issues, ReconcileIssue{Type: IssueOrphanedAttr, Hash: hash, Path: rel})
		if err := attr.Delete(path); err != nil {
			res.Errors++
			rs.logger.Error("Ошибка удаления attr.json", slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil
	})
	if err != nil {
		res.Errors++
		rs.logger.Error("Ошибка обхода attr.json", slog.String("error", err.Error()))
	}
}

// checkRegistry удаляет из реестра записи без объекта на диске.
func (rs *ReconcileService) checkRegistry(ctx context.Context, res *ReconcileResult) {
	objects, _, err := rs.registry.List(ctx, 0, 0)
	if err != nil {
		res.Errors++
		rs.logger.Error("Ошибка чтения реестра", slog.String("error", err.Error()))
		return
	}
	for _, obj := range objects {
		if rs.store.Exists(obj.Hash) {
			continue
		}
		res.Issues = append(res.Issues, ReconcileIssue{Type: IssueMissingObject, Hash: obj.Hash})
		rs.unregister(ctx, obj.Hash, res)
	}
}

func (rs *ReconcileService) unregister(ctx context.Context, hash string, res *ReconcileResult) {
	if err := rs.registry.Remove(ctx, hash); err != nil {
		res.Errors++
		rs.logger.Error("Ошибка удаления из реестра", slog.String("hash", hash), slog.String("error", err.Error()))
	}
	if rs.cache != nil {
		rs.cache.Invalidate(hash)
	}
}
