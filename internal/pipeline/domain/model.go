// Package domain defines the webhook pipeline's result contract.
package domain

import (
	"errors"
	"time"
)

// Terminal statuses for one delivery.
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusSkipped   = "skipped"
	StatusNotFound  = "not_found"
)

// Stages a delivery moves through, reported alongside each outcome.
const (
	StageReceived     = "received"
	StageVerified     = "verified"
	StageDeduplicated = "deduplicated"
	StageCompleted    = "completed"
)

var (
	ErrRejected = errors.New("notification rejected")
)

// Result is the pipeline's verdict on one delivery. Any non-error Result is
// acknowledged to the processor so it stops redelivering.
type Result struct {
	NotificationID string
	Type           string
	Status         string
	Message        string
	Method         string
	FromCache      bool
	Duration       time.Duration
}

// ReconcileResult is the cached outcome of one guarded reconciliation. It is
// what the idempotency coordinator serializes, so a concurrent or repeated
// delivery observes the same verdict the first execution produced.
type ReconcileResult struct {
	Entity          string `json:"entity,omitempty"`
	Method          string `json:"method,omitempty"`
	PreviousStatus  string `json:"previous_status,omitempty"`
	NewStatus       string `json:"new_status,omitempty"`
	Changed         bool   `json:"changed"`
	PaymentRecorded bool   `json:"payment_recorded"`
	Missed          bool   `json:"missed"`
}
