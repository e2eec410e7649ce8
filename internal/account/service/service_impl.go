package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/voxlabs/voxbill/internal/account/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p ServiceParam) accountdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("account.service"),
	}
}

func (s *Service) GetUser(ctx context.Context, userID snowflake.ID) (accountdomain.User, error) {
	var user accountdomain.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return accountdomain.User{}, accountdomain.ErrUserNotFound
		}
		return accountdomain.User{}, err
	}
	return user, nil
}
