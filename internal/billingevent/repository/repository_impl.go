package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/voxlabs/voxbill/internal/billingevent/domain"
	"github.com/voxlabs/voxbill/pkg/db"
	"gorm.io/gorm"
)

type Repository interface {
	Append(ctx context.Context, tx *gorm.DB, event *domain.BillingEvent) error
	ListBySubscription(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) ([]domain.BillingEvent, error)
	CountByType(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, eventType domain.EventType) (int64, error)
}

type repositoryImpl struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) Repository {
	return &repositoryImpl{genID: genID}
}

// Append inserts the event, translating a dedupe-key collision into
// ErrDuplicateEvent so callers can treat replays as no-ops.
func (r *repositoryImpl) Append(ctx context.Context, tx *gorm.DB, event *domain.BillingEvent) error {
	if event.ID == 0 {
		event.ID = r.genID.Generate()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := tx.WithContext(ctx).Create(event).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (r *repositoryImpl) ListBySubscription(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) ([]domain.BillingEvent, error) {
	var events []domain.BillingEvent
	err := tx.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repositoryImpl) CountByType(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, eventType domain.EventType) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).
		Model(&domain.BillingEvent{}).
		Where("subscription_id = ? AND event_type = ?", subscriptionID, eventType).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
