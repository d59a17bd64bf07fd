package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/chowline/recon/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repository interface {
	UpdateSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID, previous subscriptiondomain.Status, update SubscriptionUpdate) (bool, error)
	UpdateOrder(ctx context.Context, tx *gorm.DB, id snowflake.ID, previousStatus string, update OrderUpdate) (bool, error)
	InsertHistory(ctx context.Context, tx *gorm.DB, record *HistoryRecord) error
	InsertPaymentRecord(ctx context.Context, db *gorm.DB, record *PaymentRecord) (bool, error)
	CountHistory(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (int64, error)
}

// SubscriptionUpdate is the transactional write applied to a subscription.
type SubscriptionUpdate struct {
	Status                  subscriptiondomain.Status
	ProcessorSubscriptionID *string
	Metadata                datatypes.JSONMap
	NextBillingDate         *time.Time
	UpdatedAt               time.Time
}

// OrderUpdate is the transactional write applied to an order.
type OrderUpdate struct {
	Status        string
	PaymentStatus string
	Metadata      datatypes.JSONMap
	UpdatedAt     time.Time
}
