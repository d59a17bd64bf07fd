// Package domain contains the distributed lock and cached-result records
// backing exactly-once execution.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidKey  = errors.New("idempotency key is empty")
	ErrInvalidTTL  = errors.New("idempotency ttl must be positive")
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// Lock is a row-backed mutual exclusion record. At most one live row per
// lock_key exists at any time, enforced by a unique constraint.
type Lock struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	LockKey    string       `gorm:"type:text;not null;uniqueIndex"`
	OwnerToken string       `gorm:"type:text;not null"`
	AcquiredAt time.Time    `gorm:"not null"`
	ExpiresAt  time.Time    `gorm:"not null;index"`
}

func (Lock) TableName() string { return "idempotency_locks" }

// Result is the durable cache of a completed operation outcome. Reads of a
// key with a live result return the identical bytes; side effects never
// re-execute for that key until expiry.
type Result struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	OperationKey string         `gorm:"type:text;not null;uniqueIndex"`
	ResultData   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null"`
	ExpiresAt    time.Time      `gorm:"not null;index"`
}

func (Result) TableName() string { return "idempotency_results" }

// Execution is what callers of ExecuteOnce receive.
type Execution struct {
	Value     []byte
	FromCache bool
}
