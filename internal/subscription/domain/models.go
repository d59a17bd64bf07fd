// Package domain contains persistence models for recurring pet-food subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// Metadata keys used to stash alternate correlation identifiers discovered
// during resolution. The processor's external_reference is known to diverge
// from the one originally sent, so learned keys are kept for future matches.
const (
	MetaProcessorExternalReference = "processor_external_reference"
	MetaProcessorPaymentID         = "processor_payment_id"
)

// Subscription captures a customer's recurring delivery agreement.
type Subscription struct {
	ID                      snowflake.ID      `gorm:"primaryKey"`
	UserID                  snowflake.ID      `gorm:"not null;index"`
	ProductID               snowflake.ID      `gorm:"not null;index"`
	ExternalReference       string            `gorm:"type:text;index"`
	ProcessorSubscriptionID *string           `gorm:"type:text;index"`
	Status                  Status            `gorm:"type:text;not null"`
	PayerEmail              string            `gorm:"type:text"`
	Metadata                datatypes.JSONMap `gorm:"type:jsonb"`
	NextBillingDate         *time.Time        `gorm:""`
	CreatedAt               time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Terminal reports whether the status only leaves via an explicit resume.
func (s Status) Terminal() bool { return s == StatusCancelled }
