// Package domain defines the entity-resolution contract: matching an inbound
// notification to a local subscription or order through a descending-confidence
// chain of lookup strategies.
package domain

import (
	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/chowline/recon/internal/order/domain"
	subscriptiondomain "github.com/chowline/recon/internal/subscription/domain"
)

// Method identifies which strategy produced a match. Matches from
// low-confidence strategies are audited: a high rate of method 2 or 3 hits
// points at an upstream correlation-key bug, not something to paper over.
type Method string

const (
	MethodExternalReference Method = "external_reference"
	MethodMetadataKey       Method = "metadata_key"
	MethodProcessorID       Method = "processor_id"
	MethodUserProduct       Method = "user_product"
	MethodNone              Method = "none"
)

// Ref carries the correlation identifiers available for one notification.
type Ref struct {
	ExternalReference   string
	ProcessorResourceID string
	PayerEmail          string
	UserID              snowflake.ID
	ProductID           snowflake.ID
}

// Match is a resolved local entity. Exactly one of Subscription or Order is
// non-nil.
type Match struct {
	Subscription *subscriptiondomain.Subscription
	Order        *orderdomain.Order
	Method       Method
}
