package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/chowline/recon/internal/reconcile/domain"
	subscriptiondomain "github.com/chowline/recon/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UpdateSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID, previous subscriptiondomain.Status, update domain.SubscriptionUpdate) (bool, error) {
	// The status guard turns a lost race into zero rows affected instead
	// of a silent overwrite.
	res := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?,
		     processor_subscription_id = COALESCE(?, processor_subscription_id),
		     metadata = ?,
		     next_billing_date = COALESCE(?, next_billing_date),
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		update.Status,
		update.ProcessorSubscriptionID,
		update.Metadata,
		update.NextBillingDate,
		update.UpdatedAt,
		id,
		previous,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateOrder(ctx context.Context, tx *gorm.DB, id snowflake.ID, previousStatus string, update domain.OrderUpdate) (bool, error) {
	res := tx.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, payment_status = ?, metadata = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		update.Status,
		update.PaymentStatus,
		update.Metadata,
		update.UpdatedAt,
		id,
		previousStatus,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertHistory(ctx context.Context, tx *gorm.DB, record *domain.HistoryRecord) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO status_history (
			id, entity_id, entity_type, previous_status, new_status, cause, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.EntityID,
		record.EntityType,
		record.PreviousStatus,
		record.NewStatus,
		record.Cause,
		record.AppliedAt,
	).Error
}

func (r *repo) InsertPaymentRecord(ctx context.Context, db *gorm.DB, record *domain.PaymentRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_records (
			id, subscription_id, processor_payment_id, amount_cents, currency, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (processor_payment_id) DO NOTHING`,
		record.ID,
		record.SubscriptionID,
		record.ProcessorPaymentID,
		record.AmountCents,
		record.Currency,
		record.Status,
		record.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) CountHistory(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM status_history WHERE entity_id = ?`,
		entityID,
	).Scan(&count).Error
	return count, err
}
