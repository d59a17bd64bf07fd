package repository

import (
	"context"
	"time"

	"github.com/chowline/recon/internal/notification/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, notificationID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, notification_id, type, action, resource_id, status,
			last_error, payload, received_at, processed_at
		 FROM notifications
		 WHERE notification_id = ?
		 LIMIT 1`,
		notificationID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO notifications (
			id, notification_id, type, action, resource_id, status,
			last_error, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (notification_id) DO NOTHING`,
		record.ID,
		record.NotificationID,
		record.Type,
		record.Action,
		record.ResourceID,
		record.Status,
		record.LastError,
		record.Payload,
		record.ReceivedAt,
		record.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkOutcome(ctx context.Context, db *gorm.DB, notificationID string, status string, errMsg *string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET status = ?, last_error = ?, processed_at = ?
		 WHERE notification_id = ?`,
		status,
		errMsg,
		processedAt,
		notificationID,
	).Error
}

func (r *repo) PurgeOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM notifications WHERE received_at < ?`,
		cutoff,
	)
	return res.RowsAffected, res.Error
}
