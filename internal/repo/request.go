package repo

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/model"
)

// RequestRepository stores deferred commands.
type RequestRepository struct{ base }

func NewRequestRepository(db *gorm.DB, log *zap.SugaredLogger) *RequestRepository {
	return &RequestRepository{base{db: db, log: log}}
}

func (r *RequestRepository) Save(ctx context.Context, req *model.Request) error {
	return save(r.DB(ctx), req, req.ID, &req.Version)
}

func (r *RequestRepository) GetByUUID(ctx context.Context, uuid string) (*model.Request, error) {
	var req model.Request
	if err := r.DB(ctx).Where("request_uuid = ?", uuid).First(&req).Error; err != nil {
		return nil, notFound(err)
	}
	return &req, nil
}

func (r *RequestRepository) GetByNextTryTime(ctx context.Context, svc string, maxNextTryAt time.Time, limit int) ([]*model.Request, error) {
	var reqs []*model.Request
	err := dueQuery(r.DB(ctx), svc, maxNextTryAt, limit).Find(&reqs).Error
	return reqs, err
}

func (r *RequestRepository) ArchiveByExpireAt(ctx context.Context, svc string, maxExpireAt time.Time, limit int) (int, error) {
	var reqs []model.Request
	if err := expiredQuery(r.DB(ctx), svc, maxExpireAt, limit).Find(&reqs).Error; err != nil {
		return 0, err
	}
	if len(reqs) == 0 {
		return 0, nil
	}
	archived := make([]model.ArchivedRequest, len(reqs))
	ids := make([]uint64, len(reqs))
	for i, req := range reqs {
		archived[i] = model.ArchivedRequest{Request: req}
		ids[i] = req.ID
	}
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&archived).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&model.Request{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(reqs), nil
}

func (r *RequestRepository) Search(ctx context.Context, f Filter) (Page[model.Request], error) {
	return search[model.Request](r.DB(ctx), "request_uuid", "request_type", f)
}
