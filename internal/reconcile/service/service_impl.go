package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/observability/metrics"
	orderdomain "github.com/chowline/recon/internal/order/domain"
	"github.com/chowline/recon/internal/reconcile/domain"
	subscriptiondomain "github.com/chowline/recon/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

// Service converges local entity state with the processor's authoritative
// resource state. Every applied transition carries its audit row in the same
// transaction.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	metrics *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("reconcile"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// ReconcileSubscription applies the processor's subscription state to the
// local record. cause identifies the triggering notification for the audit
// trail.
func (s *Service) ReconcileSubscription(ctx context.Context, sub *subscriptiondomain.Subscription, res domain.Resource, cause string) (domain.Outcome, error) {
	if sub == nil || sub.ID == 0 {
		return domain.Outcome{}, domain.ErrInvalidEntity
	}

	current := sub.Status
	mapped, known := domain.MapSubscriptionStatus(res.Status)
	if !known {
		s.log.Warn("unknown processor status, leaving subscription unchanged",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("processor_status", res.Status),
		)
		return domain.Outcome{Previous: string(current), New: string(current), Changed: false}, nil
	}

	// Cancelled is terminal: a stale "authorized" arriving after a
	// cancellation must not resurrect the subscription. Only an explicit
	// resume event may leave cancelled.
	if current.Terminal() && mapped != subscriptiondomain.StatusCancelled && !res.Resume {
		s.metrics.RecordAnomaly(ctx, "subscription")
		s.log.Warn("monotonicity violation rejected",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("current_status", string(current)),
			zap.String("requested_status", string(mapped)),
			zap.String("cause", cause),
		)
		return domain.Outcome{Previous: string(current), New: string(current), Changed: false}, nil
	}

	if mapped == current {
		return domain.Outcome{Previous: string(current), New: string(current), Changed: false}, nil
	}

	now := s.clock.Now()
	update := domain.SubscriptionUpdate{
		Status:          mapped,
		Metadata:        s.stashCorrelation(sub, res),
		NextBillingDate: res.NextBillingDate,
		UpdatedAt:       now,
	}
	if id := strings.TrimSpace(res.ProcessorSubscriptionID); id != "" && sub.ProcessorSubscriptionID == nil {
		update.ProcessorSubscriptionID = &id
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.UpdateSubscription(ctx, tx, sub.ID, current, update)
		if err != nil {
			return err
		}
		if !updated {
			return domain.ErrStaleUpdate
		}
		return s.repo.InsertHistory(ctx, tx, &domain.HistoryRecord{
			ID:             s.genID.Generate(),
			EntityID:       sub.ID,
			EntityType:     domain.EntityTypeSubscription,
			PreviousStatus: string(current),
			NewStatus:      string(mapped),
			Cause:          cause,
			AppliedAt:      now,
		})
	})
	if err != nil {
		return domain.Outcome{}, err
	}

	sub.Status = mapped
	return domain.Outcome{Previous: string(current), New: string(mapped), Changed: true}, nil
}

// ReconcileOrder applies the processor's payment state to a one-off order.
func (s *Service) ReconcileOrder(ctx context.Context, order *orderdomain.Order, res domain.Resource, cause string) (domain.Outcome, error) {
	if order == nil || order.ID == 0 {
		return domain.Outcome{}, domain.ErrInvalidEntity
	}

	current := order.Status
	mappedStatus, mappedPayment, known := domain.MapOrderStatus(res.Status)
	if !known {
		s.log.Warn("unknown processor status, leaving order unchanged",
			zap.String("order_id", order.ID.String()),
			zap.String("processor_status", res.Status),
		)
		return domain.Outcome{Previous: string(current), New: string(current), Changed: false}, nil
	}

	if mappedStatus == current && mappedPayment == order.PaymentStatus {
		return domain.Outcome{Previous: string(current), New: string(current), Changed: false}, nil
	}

	now := s.clock.Now()
	metadata := order.Metadata
	if id := strings.TrimSpace(res.PaymentID); id != "" {
		if metadata == nil {
			metadata = datatypes.JSONMap{}
		}
		metadata[subscriptiondomain.MetaProcessorPaymentID] = id
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.UpdateOrder(ctx, tx, order.ID, string(current), domain.OrderUpdate{
			Status:        string(mappedStatus),
			PaymentStatus: string(mappedPayment),
			Metadata:      metadata,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		if !updated {
			return domain.ErrStaleUpdate
		}
		return s.repo.InsertHistory(ctx, tx, &domain.HistoryRecord{
			ID:             s.genID.Generate(),
			EntityID:       order.ID,
			EntityType:     domain.EntityTypeOrder,
			PreviousStatus: string(current),
			NewStatus:      string(mappedStatus),
			Cause:          cause,
			AppliedAt:      now,
		})
	})
	if err != nil {
		return domain.Outcome{}, err
	}

	order.Status = mappedStatus
	order.PaymentStatus = mappedPayment
	return domain.Outcome{Previous: string(current), New: string(mappedStatus), Changed: true}, nil
}

// RecordSubscriptionPayment writes the billing record for one processor
// payment. Safe to call on every delivery: the insert is idempotent on the
// processor payment ID, so duplicates never double-record revenue. Returns
// whether a new record was written.
func (s *Service) RecordSubscriptionPayment(ctx context.Context, subscriptionID snowflake.ID, res domain.Resource) (bool, error) {
	paymentID := strings.TrimSpace(res.PaymentID)
	if paymentID == "" {
		return false, domain.ErrInvalidEntity
	}
	if res.AmountCents < 0 {
		return false, domain.ErrInvalidAmount
	}

	return s.repo.InsertPaymentRecord(ctx, s.db, &domain.PaymentRecord{
		ID:                 s.genID.Generate(),
		SubscriptionID:     subscriptionID,
		ProcessorPaymentID: paymentID,
		AmountCents:        res.AmountCents,
		Currency:           strings.ToUpper(strings.TrimSpace(res.Currency)),
		Status:             res.Status,
		CreatedAt:          s.clock.Now(),
	})
}

// stashCorrelation records correlation keys learned from this notification
// in the subscription's metadata so later notifications with divergent
// references still resolve (strategies 2 and 3).
func (s *Service) stashCorrelation(sub *subscriptiondomain.Subscription, res domain.Resource) datatypes.JSONMap {
	metadata := sub.Metadata
	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}
	if ref := strings.TrimSpace(res.ExternalReference); ref != "" && ref != sub.ExternalReference {
		metadata[subscriptiondomain.MetaProcessorExternalReference] = ref
	}
	if id := strings.TrimSpace(res.PaymentID); id != "" {
		metadata[subscriptiondomain.MetaProcessorPaymentID] = id
	}
	return metadata
}
