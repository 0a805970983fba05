package repo

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/courier/internal/model"
)

// EventRepository stores event records.
type EventRepository struct{ base }

func NewEventRepository(db *gorm.DB, log *zap.SugaredLogger) *EventRepository {
	return &EventRepository{base{db: db, log: log}}
}

// Save inserts or version-guards an update.
func (r *EventRepository) Save(ctx context.Context, e *model.Event) error {
	return save(r.DB(ctx), e, e.ID, &e.Version)
}

func (r *EventRepository) GetByUUID(ctx context.Context, uuid string) (*model.Event, error) {
	var e model.Event
	if err := r.DB(ctx).Where("event_uuid = ?", uuid).First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// GetByNextTryTime pulls records due before maxNextTryAt.
func (r *EventRepository) GetByNextTryTime(ctx context.Context, svc string, maxNextTryAt time.Time, limit int) ([]*model.Event, error) {
	var evts []*model.Event
	err := dueQuery(r.DB(ctx), svc, maxNextTryAt, limit).Find(&evts).Error
	return evts, err
}

// ArchiveByExpireAt moves expired rows to archived_event.
func (r *EventRepository) ArchiveByExpireAt(ctx context.Context, svc string, maxExpireAt time.Time, limit int) (int, error) {
	var evts []model.Event
	if err := expiredQuery(r.DB(ctx), svc, maxExpireAt, limit).Find(&evts).Error; err != nil {
		return 0, err
	}
	if len(evts) == 0 {
		return 0, nil
	}
	archived := make([]model.ArchivedEvent, len(evts))
	ids := make([]uint64, len(evts))
	for i, e := range evts {
		archived[i] = model.ArchivedEvent{Event: e}
		ids[i] = e.ID
	}
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&archived).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&model.Event{}).Error
	})
	if err != nil {
		return 0, err
	}
	return len(evts), nil
}

func (r *EventRepository) Search(ctx context.Context, f Filter) (Page[model.Event], error) {
	return search[model.Event](r.DB(ctx), "event_uuid", "event_type", f)
}
