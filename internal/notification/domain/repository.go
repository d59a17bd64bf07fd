package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, notificationID string) (*Record, error)
	Insert(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	MarkOutcome(ctx context.Context, db *gorm.DB, notificationID string, status string, errMsg *string, processedAt time.Time) error
	PurgeOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
