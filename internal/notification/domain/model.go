// Package domain contains the inbound notification model and dedupe records.
package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidPayload  = errors.New("invalid notification payload")
	ErrInvalidEvent    = errors.New("invalid notification")
	ErrDuplicateEvent  = errors.New("notification already processed")
	ErrUnsupportedType = errors.New("notification type not supported")
)

// Type classifies a processor notification.
type Type string

const (
	TypePayment                 Type = "payment"
	TypeSubscriptionPreapproval Type = "subscription_preapproval"
	TypeSubscriptionPayment     Type = "subscription_authorized_payment"
	TypeSubscriptionPlan        Type = "subscription_preapproval_plan"
	TypeUnknown                 Type = "unknown"
)

// Notification is the parsed inbound event. It is immutable once created.
type Notification struct {
	ID         string
	Type       Type
	Action     string
	ResourceID string
	RawBody    []byte
	ReceivedAt time.Time
}

// Record is the durable dedupe/audit row for one notification ID.
type Record struct {
	ID             snowflake.ID   `gorm:"primaryKey"`
	NotificationID string         `gorm:"type:text;not null;uniqueIndex"`
	Type           string         `gorm:"type:text;not null"`
	Action         string         `gorm:"type:text"`
	ResourceID     string         `gorm:"type:text"`
	Status         string         `gorm:"type:text;not null"`
	LastError      *string        `gorm:"type:text"`
	Payload        datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt     time.Time      `gorm:"not null"`
	ProcessedAt    *time.Time     `gorm:""`
}

func (Record) TableName() string { return "notifications" }

const (
	StatusReceived  = "received"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
)

// Outcome is the duplicate-detection verdict for a notification ID.
type Outcome int

const (
	OutcomeFirstSeen Outcome = iota
	OutcomeDuplicate
)

type payloadBody struct {
	ID     json.Number `json:"id"`
	Type   string      `json:"type"`
	Topic  string      `json:"topic"`
	Action string      `json:"action"`
	Data   struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// Parse decodes the processor's webhook body {id, type, action, data:{id}}.
// Unrecognized types parse successfully as TypeUnknown so the pipeline can
// acknowledge and skip them instead of failing the delivery.
func Parse(rawBody []byte, receivedAt time.Time) (*Notification, error) {
	if !json.Valid(rawBody) {
		return nil, ErrInvalidPayload
	}

	var body payloadBody
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, ErrInvalidPayload
	}

	id := strings.TrimSpace(body.ID.String())
	if id == "" {
		return nil, ErrInvalidEvent
	}
	resourceID := strings.TrimSpace(body.Data.ID.String())

	rawType := strings.TrimSpace(body.Type)
	if rawType == "" {
		rawType = strings.TrimSpace(body.Topic)
	}

	return &Notification{
		ID:         id,
		Type:       classify(rawType),
		Action:     strings.TrimSpace(body.Action),
		ResourceID: resourceID,
		RawBody:    rawBody,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

func classify(raw string) Type {
	switch strings.ToLower(raw) {
	case "payment":
		return TypePayment
	case "subscription_preapproval", "preapproval":
		return TypeSubscriptionPreapproval
	case "subscription_authorized_payment", "authorized_payment":
		return TypeSubscriptionPayment
	case "subscription_preapproval_plan":
		return TypeSubscriptionPlan
	default:
		return TypeUnknown
	}
}

// Handled reports whether the pipeline reconciles this notification type.
func (t Type) Handled() bool {
	switch t {
	case TypePayment, TypeSubscriptionPreapproval, TypeSubscriptionPayment:
		return true
	default:
		return false
	}
}
