package repository

import (
	"context"
	"time"

	"github.com/chowline/recon/internal/idempotency/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindResult(ctx context.Context, db *gorm.DB, key string, now time.Time) (*domain.Result, error) {
	var item domain.Result
	err := db.WithContext(ctx).Raw(
		`SELECT id, operation_key, result_data, created_at, expires_at
		 FROM idempotency_results
		 WHERE operation_key = ? AND expires_at > ?
		 LIMIT 1`,
		key,
		now,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertResult(ctx context.Context, db *gorm.DB, result *domain.Result) error {
	// First writer wins; a concurrent writer computed the same logical
	// outcome for the same key.
	return db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_results (
			id, operation_key, result_data, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (operation_key) DO NOTHING`,
		result.ID,
		result.OperationKey,
		result.ResultData,
		result.CreatedAt,
		result.ExpiresAt,
	).Error
}

func (r *repo) InsertLock(ctx context.Context, db *gorm.DB, lock *domain.Lock) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_locks (
			id, lock_key, owner_token, acquired_at, expires_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (lock_key) DO NOTHING`,
		lock.ID,
		lock.LockKey,
		lock.OwnerToken,
		lock.AcquiredAt,
		lock.ExpiresAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) TakeOverExpiredLock(ctx context.Context, db *gorm.DB, key, ownerToken string, now, expiresAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE idempotency_locks
		 SET owner_token = ?, acquired_at = ?, expires_at = ?
		 WHERE lock_key = ? AND expires_at <= ?`,
		ownerToken,
		now,
		expiresAt,
		key,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ReleaseLock(ctx context.Context, db *gorm.DB, key, ownerToken string) error {
	// Owner check keeps a slow holder from deleting a lock that expired
	// and was taken over by another process.
	return db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_locks
		 WHERE lock_key = ? AND owner_token = ?`,
		key,
		ownerToken,
	).Error
}

func (r *repo) PurgeExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	locks := db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_locks WHERE expires_at <= ?`, now,
	)
	if locks.Error != nil {
		return 0, locks.Error
	}
	results := db.WithContext(ctx).Exec(
		`DELETE FROM idempotency_results WHERE expires_at <= ?`, now,
	)
	if results.Error != nil {
		return locks.RowsAffected, results.Error
	}
	return locks.RowsAffected + results.RowsAffected, nil
}
