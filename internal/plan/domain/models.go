// Package domain describes the read-only plan catalog. Plans are created by
// administrators outside this subsystem; the billing core only reads them.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Plan is an immutable catalog entry.
type Plan struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Name            string       `gorm:"type:text;not null"`
	PriceCents      int64        `gorm:"not null"`
	Currency        string       `gorm:"type:text;not null;default:USD"`
	IncludedMinutes int          `gorm:"not null"`
	BillingPeriod   string       `gorm:"type:text;not null"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

var ErrPlanNotFound = errors.New("plan_not_found")
