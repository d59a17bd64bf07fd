// Package domain contains the reconciliation vocabulary: the mapping from
// processor statuses to local ones, the audit history rows, and the billing
// records written for subscription payments.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/chowline/recon/internal/order/domain"
	subscriptiondomain "github.com/chowline/recon/internal/subscription/domain"
)

var (
	ErrInvalidEntity = errors.New("invalid entity")
	ErrStaleUpdate   = errors.New("entity changed concurrently")
	ErrInvalidAmount = errors.New("invalid payment amount")
)

// Resource is the processor's authoritative state for the affected payment
// or subscription, reduced to what reconciliation needs.
type Resource struct {
	Status                  string
	ExternalReference       string
	ProcessorSubscriptionID string
	PaymentID               string
	AmountCents             int64
	Currency                string
	NextBillingDate         *time.Time
	// Resume marks an explicit resume-type event, the only transition
	// allowed to move a cancelled subscription off its terminal status.
	Resume bool
}

// Outcome reports what a reconciliation pass did.
type Outcome struct {
	Previous string
	New      string
	Changed  bool
}

// EntityType tags history rows.
const (
	EntityTypeSubscription = "subscription"
	EntityTypeOrder        = "order"
)

// HistoryRecord is the append-only audit trail of applied transitions.
type HistoryRecord struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	EntityID       snowflake.ID `gorm:"not null;index"`
	EntityType     string       `gorm:"type:text;not null"`
	PreviousStatus string       `gorm:"type:text;not null"`
	NewStatus      string       `gorm:"type:text;not null"`
	Cause          string       `gorm:"type:text;not null"`
	AppliedAt      time.Time    `gorm:"not null"`
}

func (HistoryRecord) TableName() string { return "status_history" }

// PaymentRecord is a billing entry for one processor payment. The unique
// constraint on processor_payment_id keeps duplicate payment notifications
// from double-recording revenue.
type PaymentRecord struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	SubscriptionID     snowflake.ID `gorm:"not null;index"`
	ProcessorPaymentID string       `gorm:"type:text;not null;uniqueIndex"`
	AmountCents        int64        `gorm:"not null"`
	Currency           string       `gorm:"type:text;not null"`
	Status             string       `gorm:"type:text;not null"`
	CreatedAt          time.Time    `gorm:"not null"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

// subscriptionStatusMap is the fixed translation from processor preapproval
// vocabulary. Unknown statuses map to no change, never a guess.
var subscriptionStatusMap = map[string]subscriptiondomain.Status{
	"authorized": subscriptiondomain.StatusActive,
	"approved":   subscriptiondomain.StatusActive,
	"paused":     subscriptiondomain.StatusPaused,
	"cancelled":  subscriptiondomain.StatusCancelled,
	"pending":    subscriptiondomain.StatusPending,
	"expired":    subscriptiondomain.StatusCancelled,
}

// MapSubscriptionStatus translates a processor status; ok is false for
// unknown vocabulary.
func MapSubscriptionStatus(processorStatus string) (subscriptiondomain.Status, bool) {
	status, ok := subscriptionStatusMap[processorStatus]
	return status, ok
}

var orderStatusMap = map[string]orderdomain.Status{
	"approved":     orderdomain.StatusPaid,
	"pending":      orderdomain.StatusPending,
	"in_process":   orderdomain.StatusPending,
	"rejected":     orderdomain.StatusPending,
	"cancelled":    orderdomain.StatusCancelled,
	"refunded":     orderdomain.StatusRefunded,
	"charged_back": orderdomain.StatusRefunded,
}

var orderPaymentStatusMap = map[string]orderdomain.PaymentStatus{
	"approved":     orderdomain.PaymentStatusApproved,
	"pending":      orderdomain.PaymentStatusPending,
	"in_process":   orderdomain.PaymentStatusPending,
	"rejected":     orderdomain.PaymentStatusRejected,
	"cancelled":    orderdomain.PaymentStatusRejected,
	"refunded":     orderdomain.PaymentStatusRefunded,
	"charged_back": orderdomain.PaymentStatusRefunded,
}

// MapOrderStatus translates a processor payment status for one-off orders.
func MapOrderStatus(processorStatus string) (orderdomain.Status, orderdomain.PaymentStatus, bool) {
	status, ok := orderStatusMap[processorStatus]
	if !ok {
		return "", "", false
	}
	return status, orderPaymentStatusMap[processorStatus], true
}
