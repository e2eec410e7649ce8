// Package migration creates the billing tables on startup so the
// scheduler is usable out of the box for local and self-hosted
// environments.
package migration

import (
	accountdomain "github.com/voxlabs/voxbill/internal/account/domain"
	billingeventdomain "github.com/voxlabs/voxbill/internal/billingevent/domain"
	plandomain "github.com/voxlabs/voxbill/internal/plan/domain"
	subscriptiondomain "github.com/voxlabs/voxbill/internal/subscription/domain"
	"gorm.io/gorm"
)

func RunMigrations(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.AddOnPurchase{},
		&billingeventdomain.BillingEvent{},
		&plandomain.Plan{},
		&accountdomain.User{},
	)
}
