package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetPlan(ctx context.Context, planID snowflake.ID) (Plan, error)
}
