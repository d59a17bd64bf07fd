package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindResult(ctx context.Context, db *gorm.DB, key string, now time.Time) (*Result, error)
	InsertResult(ctx context.Context, db *gorm.DB, result *Result) error
	InsertLock(ctx context.Context, db *gorm.DB, lock *Lock) (bool, error)
	TakeOverExpiredLock(ctx context.Context, db *gorm.DB, key, ownerToken string, now, expiresAt time.Time) (bool, error)
	ReleaseLock(ctx context.Context, db *gorm.DB, key, ownerToken string) error
	PurgeExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}
