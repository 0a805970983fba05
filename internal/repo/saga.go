package repo

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/model"
)

// SagaRepository stores sagas together with their processes.
type SagaRepository struct{ base }

func NewSagaRepository(db *gorm.DB, log *zap.SugaredLogger) *SagaRepository {
	return &SagaRepository{base{db: db, log: log}}
}

// Save writes the saga and every process in one transaction.
// On failure the saga is left as it was before the call, including the
// zero ids of rows that were not stored yet, so the save can be repeated.
func (r *SagaRepository) Save(ctx context.Context, s *model.Saga) error {
	id, version := s.ID, s.Version
	var fresh []*model.SagaProcess
	for _, p := range s.Processes {
		if p.ID == 0 {
			fresh = append(fresh, p)
		}
	}
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := save(tx, s, s.ID, &s.Version); err != nil {
			return err
		}
		for _, p := range s.Processes {
			p.SagaID = s.ID
			if err := tx.Save(p).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.ID, s.Version = id, version
		for _, p := range fresh {
			p.ID, p.SagaID = 0, id
		}
	}
	return err
}

func (r *SagaRepository) GetByUUID(ctx context.Context, uuid string) (*model.Saga, error) {
	var s model.Saga
	if err := r.DB(ctx).Where("saga_uuid = ?", uuid).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	if err := r.loadProcesses(ctx, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SagaRepository) loadProcesses(ctx context.Context, sagas ...*model.Saga) error {
	if len(sagas) == 0 {
		return nil
	}
	byID := make(map[uint64]*model.Saga, len(sagas))
	ids := make([]uint64, 0, len(sagas))
	for _, s := range sagas {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}
	var procs []*model.SagaProcess
	if err := r.DB(ctx).Where("saga_id IN ?", ids).Order("id").Find(&procs).Error; err != nil {
		return err
	}
	for _, p := range procs {
		s := byID[p.SagaID]
		s.Processes = append(s.Processes, p)
	}
	return nil
}

func (r *SagaRepository) GetByNextTryTime(ctx context.Context, svc string, maxNextTryAt time.Time, limit int) ([]*model.Saga, error) {
	var sagas []*model.Saga
	if err := dueQuery(r.DB(ctx), svc, maxNextTryAt, limit).Find(&sagas).Error; err != nil {
		return nil, err
	}
	return sagas, r.loadProcesses(ctx, sagas...)
}

// ArchiveByExpireAt moves expired sagas and their processes to the archive tables.
func (r *SagaRepository) ArchiveByExpireAt(ctx context.Context, svc string, maxExpireAt time.Time, limit int) (int, error) {
	var sagas []model.Saga
	if err := expiredQuery(r.DB(ctx), svc, maxExpireAt, limit).Find(&sagas).Error; err != nil {
		return 0, err
	}
	if len(sagas) == 0 {
		return 0, nil
	}
	archived := make([]model.ArchivedSaga, len(sagas))
	ids := make([]uint64, len(sagas))
	for i, s := range sagas {
		archived[i] = model.ArchivedSaga{Saga: s}
		ids[i] = s.ID
	}
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var procs []model.SagaProcess
		if err := tx.Where("saga_id IN ?", ids).Find(&procs).Error; err != nil {
			return err
		}
		if err := tx.Create(&archived).Error; err != nil {
			return err
		}
		if len(procs) > 0 {
			ap := make([]model.ArchivedSagaProcess, len(procs))
			for i, p := range procs {
				ap[i] = model.ArchivedSagaProcess{SagaProcess: p}
			}
			if err := tx.Create(&ap).Error; err != nil {
				return err
			}
			if err := tx.Where("saga_id IN ?", ids).Delete(&model.SagaProcess{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("id IN ?", ids).Delete(&model.Saga{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(sagas), nil
}

func (r *SagaRepository) Search(ctx context.Context, f Filter) (Page[model.Saga], error) {
	page, err := search[model.Saga](r.DB(ctx), "saga_uuid", "saga_type", f)
	if err != nil {
		return page, err
	}
	ptrs := make([]*model.Saga, len(page.Items))
	for i := range page.Items {
		ptrs[i] = &page.Items[i]
	}
	return page, r.loadProcesses(ctx, ptrs...)
}
