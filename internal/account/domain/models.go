// Package domain is the boundary to the account collaborator. Users are
// owned by account management; the billing core reads id, email and
// registration date and nothing else.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type User struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	Email            string       `gorm:"type:text;not null"`
	RegistrationDate time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (User) TableName() string { return "users" }

var ErrUserNotFound = errors.New("user_not_found")

type Service interface {
	GetUser(ctx context.Context, userID snowflake.ID) (User, error)
}
