package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, subscription *Subscription) error
	InsertAddOn(ctx context.Context, tx *gorm.DB, purchase *AddOnPurchase) error
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)

	// UpdateVersioned writes the subscription conditioned on the version
	// it was read at, bumping the version on success. Returns false when
	// the row changed underneath the caller.
	UpdateVersioned(ctx context.Context, tx *gorm.DB, subscription *Subscription, readVersion int64) (bool, error)
}
