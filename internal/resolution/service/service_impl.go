package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	orderdomain "github.com/chowline/recon/internal/order/domain"
	"github.com/chowline/recon/internal/resolution/domain"
	subscriptiondomain "github.com/chowline/recon/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Service consolidates the correlation heuristics that used to live in
// ad-hoc operational scripts into one ordered strategy chain.
type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("resolution"),
	}
}

// Resolve walks the strategy chain in descending confidence and stops at the
// first hit. A miss returns (nil, nil): the caller logs it and must never
// create an entity for a notification it cannot correlate.
func (s *Service) Resolve(ctx context.Context, ref domain.Ref) (*domain.Match, error) {
	type strategy struct {
		method domain.Method
		lookup func(ctx context.Context, ref domain.Ref) (*domain.Match, error)
	}

	chain := []strategy{
		{domain.MethodExternalReference, s.byExternalReference},
		{domain.MethodMetadataKey, s.byMetadataKey},
		{domain.MethodProcessorID, s.byProcessorID},
		{domain.MethodUserProduct, s.byUserProduct},
	}

	for _, strat := range chain {
		match, err := strat.lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		if match != nil {
			match.Method = strat.method
			if strat.method != domain.MethodExternalReference {
				s.log.Info("entity resolved via fallback strategy",
					zap.String("method", string(strat.method)),
					zap.String("external_reference", ref.ExternalReference),
					zap.String("processor_resource_id", ref.ProcessorResourceID),
				)
			}
			return match, nil
		}
	}

	return nil, nil
}

// byExternalReference matches the entity's primary correlation field. For
// orders the store sends the order ID as the external reference.
func (s *Service) byExternalReference(ctx context.Context, ref domain.Ref) (*domain.Match, error) {
	reference := strings.TrimSpace(ref.ExternalReference)
	if reference == "" {
		return nil, nil
	}

	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("external_reference = ?", reference).
		Order("created_at DESC").
		First(&sub).Error
	if err == nil {
		return &domain.Match{Subscription: &sub}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Orders carry the numeric order ID as the external reference. Matching
	// on the parsed integer keeps the query identical across dialects.
	if orderID, parseErr := strconv.ParseInt(reference, 10, 64); parseErr == nil {
		var order orderdomain.Order
		err = s.db.WithContext(ctx).
			Where("id = ?", orderID).
			First(&order).Error
		if err == nil {
			return &domain.Match{Order: &order}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// byMetadataKey matches correlation keys stashed into entity metadata by a
// previous reconciliation. Covers the observed cases where the processor
// reports a different external_reference than was originally sent.
func (s *Service) byMetadataKey(ctx context.Context, ref domain.Ref) (*domain.Match, error) {
	for _, candidate := range []string{ref.ExternalReference, ref.ProcessorResourceID} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		for _, key := range []string{
			subscriptiondomain.MetaProcessorExternalReference,
			subscriptiondomain.MetaProcessorPaymentID,
		} {
			var sub subscriptiondomain.Subscription
			err := s.db.WithContext(ctx).
				Where(datatypes.JSONQuery("metadata").Equals(candidate, key)).
				First(&sub).Error
			if err == nil {
				return &domain.Match{Subscription: &sub}, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}

			var order orderdomain.Order
			err = s.db.WithContext(ctx).
				Where(datatypes.JSONQuery("metadata").Equals(candidate, key)).
				First(&order).Error
			if err == nil {
				return &domain.Match{Order: &order}, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}
	return nil, nil
}

// byProcessorID matches the processor-side resource identifier directly.
func (s *Service) byProcessorID(ctx context.Context, ref domain.Ref) (*domain.Match, error) {
	resourceID := strings.TrimSpace(ref.ProcessorResourceID)
	if resourceID == "" {
		return nil, nil
	}

	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("processor_subscription_id = ?", resourceID).
		First(&sub).Error
	if err == nil {
		return &domain.Match{Subscription: &sub}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var order orderdomain.Order
	err = s.db.WithContext(ctx).
		Where("payment_reference = ?", resourceID).
		First(&order).Error
	if err == nil {
		return &domain.Match{Order: &order}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, nil
}

// byUserProduct is the lowest-confidence strategy: the most recent pending
// or active entity for the payer's (user, product) pair. Both hints must be
// present.
func (s *Service) byUserProduct(ctx context.Context, ref domain.Ref) (*domain.Match, error) {
	if ref.UserID == 0 || ref.ProductID == 0 {
		return nil, nil
	}

	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND status IN ?",
			ref.UserID,
			ref.ProductID,
			[]subscriptiondomain.Status{subscriptiondomain.StatusPending, subscriptiondomain.StatusActive},
		).
		Order("created_at DESC").
		First(&sub).Error
	if err == nil {
		return &domain.Match{Subscription: &sub}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var order orderdomain.Order
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND status = ?",
			ref.UserID,
			ref.ProductID,
			orderdomain.StatusPending,
		).
		Order("created_at DESC").
		First(&order).Error
	if err == nil {
		return &domain.Match{Order: &order}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return nil, nil
}
