package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/voxlabs/voxbill/internal/plan/domain"
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

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("plan.service"),
	}
}

func (s *Service) GetPlan(ctx context.Context, planID snowflake.ID) (plandomain.Plan, error) {
	var plan plandomain.Plan
	err := s.db.WithContext(ctx).First(&plan, "id = ?", planID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return plandomain.Plan{}, plandomain.ErrPlanNotFound
		}
		return plandomain.Plan{}, err
	}
	return plan, nil
}
