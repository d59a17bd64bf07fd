package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/config"
	idempotencyservice "github.com/chowline/recon/internal/idempotency/service"
	"github.com/chowline/recon/internal/monitor"
	notificationdomain "github.com/chowline/recon/internal/notification/domain"
	notificationservice "github.com/chowline/recon/internal/notification/service"
	"github.com/chowline/recon/internal/observability/metrics"
	"github.com/chowline/recon/internal/pipeline/domain"
	"github.com/chowline/recon/internal/processor"
	reconciledomain "github.com/chowline/recon/internal/reconcile/domain"
	reconcileservice "github.com/chowline/recon/internal/reconcile/service"
	resolutiondomain "github.com/chowline/recon/internal/resolution/domain"
	resolutionservice "github.com/chowline/recon/internal/resolution/service"
	"github.com/chowline/recon/internal/signature"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg         config.Config
	Log         *zap.Logger
	Clock       clock.Clock
	Verifier    *signature.Verifier
	Dedupe      *notificationservice.Service
	Idempotency *idempotencyservice.Service
	Processor   *processor.Client
	Resolution  *resolutionservice.Service
	Reconcile   *reconcileservice.Service
	Metrics     *metrics.Metrics
	Monitor     *monitor.Monitor
}

// Service runs each inbound delivery through the full pipeline: signature
// verification, freshness, duplicate detection, parsing, then the guarded
// fetch-resolve-reconcile body under the idempotency coordinator.
type Service struct {
	log         *zap.Logger
	clock       clock.Clock
	verifier    *signature.Verifier
	dedupe      *notificationservice.Service
	idempotency *idempotencyservice.Service
	processor   *processor.Client
	resolution  *resolutionservice.Service
	reconcile   *reconcileservice.Service
	metrics     *metrics.Metrics
	monitor     *monitor.Monitor
	resultTTL   time.Duration
}

func NewService(p Params) *Service {
	return &Service{
		log:         p.Log.Named("pipeline"),
		clock:       p.Clock,
		verifier:    p.Verifier,
		dedupe:      p.Dedupe,
		idempotency: p.Idempotency,
		processor:   p.Processor,
		resolution:  p.Resolution,
		reconcile:   p.Reconcile,
		metrics:     p.Metrics,
		monitor:     p.Monitor,
		resultTTL:   p.Cfg.ResultTTL,
	}
}

// Process handles one webhook delivery end to end. A nil error means the
// delivery is settled and must be acknowledged; the processor should only
// redeliver on a returned error (transient failure).
func (s *Service) Process(ctx context.Context, rawBody []byte, signatureHeader, timestampHeader string) (*domain.Result, error) {
	start := s.clock.Now()

	if err := s.verifier.Verify(rawBody, signatureHeader, timestampHeader); err != nil {
		s.observe("", "unknown", "rejected", "", domain.StageReceived, start)
		return nil, fmt.Errorf("%w: %w", domain.ErrRejected, err)
	}
	if err := s.verifier.CheckFreshness(timestampHeader); err != nil {
		s.observe("", "unknown", "rejected", "", domain.StageVerified, start)
		return nil, fmt.Errorf("%w: %w", domain.ErrRejected, err)
	}

	n, err := notificationdomain.Parse(rawBody, start)
	if err != nil {
		s.observe("", "unknown", "rejected", "", domain.StageDeduplicated, start)
		return nil, fmt.Errorf("%w: %w", domain.ErrRejected, err)
	}

	log := s.log.With(
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("action", n.Action),
		zap.String("resource_id", n.ResourceID),
	)

	outcome, err := s.dedupe.CheckAndRecord(ctx, n)
	if err != nil {
		return nil, err
	}
	if outcome == notificationdomain.OutcomeDuplicate {
		log.Debug("duplicate delivery acknowledged")
		return s.finish(n, domain.StatusDuplicate, "already processed", "", false, start), nil
	}

	if !n.Type.Handled() {
		s.dedupe.MarkOutcome(ctx, n.ID, true, "")
		log.Info("unhandled notification type acknowledged")
		return s.finish(n, domain.StatusSkipped, "type not handled", "", false, start), nil
	}
	if strings.TrimSpace(n.ResourceID) == "" {
		s.dedupe.MarkOutcome(ctx, n.ID, false, "missing resource id")
		s.observe(n.ID, string(n.Type), "rejected", "", domain.StageDeduplicated, start)
		return nil, fmt.Errorf("%w: missing resource id", domain.ErrRejected)
	}

	key := fmt.Sprintf("%s:%s:%s", n.Type, n.Action, n.ResourceID)
	exec, err := s.idempotency.ExecuteOnce(ctx, key, s.resultTTL, func(ctx context.Context) ([]byte, error) {
		return s.reconcileOnce(ctx, n)
	})
	if err != nil {
		if permanent(err) {
			s.dedupe.MarkOutcome(ctx, n.ID, false, err.Error())
			log.Warn("processor resource missing, delivery settled", zap.Error(err))
			return s.finish(n, domain.StatusNotFound, "resource not found at processor", "", false, start), nil
		}
		s.dedupe.MarkOutcome(ctx, n.ID, false, err.Error())
		s.observe(n.ID, string(n.Type), "failed", "", domain.StageCompleted, start)
		log.Error("pipeline failed", zap.Error(err))
		return nil, err
	}

	var rec domain.ReconcileResult
	if err := json.Unmarshal(exec.Value, &rec); err != nil {
		s.dedupe.MarkOutcome(ctx, n.ID, false, "corrupt cached result")
		return nil, fmt.Errorf("decode cached result for %s: %w", key, err)
	}

	s.dedupe.MarkOutcome(ctx, n.ID, true, "")

	status := domain.StatusProcessed
	message := "ok"
	if rec.Missed {
		status = domain.StatusNotFound
		message = "no matching local entity"
	} else if rec.Changed {
		message = fmt.Sprintf("%s %s -> %s", rec.Entity, rec.PreviousStatus, rec.NewStatus)
	}

	log.Info("delivery settled",
		zap.String("status", status),
		zap.String("method", rec.Method),
		zap.Bool("changed", rec.Changed),
		zap.Bool("from_cache", exec.FromCache),
	)
	return s.finish(n, status, message, rec.Method, exec.FromCache, start), nil
}

// reconcileOnce is the guarded body: fetch the authoritative resource, find
// the local entity, converge its state. Runs at most once per operation key.
func (s *Service) reconcileOnce(ctx context.Context, n *notificationdomain.Notification) ([]byte, error) {
	var (
		rec domain.ReconcileResult
		err error
	)

	switch n.Type {
	case notificationdomain.TypePayment, notificationdomain.TypeSubscriptionPayment:
		rec, err = s.reconcilePayment(ctx, n)
	case notificationdomain.TypeSubscriptionPreapproval:
		rec, err = s.reconcilePreapproval(ctx, n)
	default:
		return nil, notificationdomain.ErrUnsupportedType
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

func (s *Service) reconcilePayment(ctx context.Context, n *notificationdomain.Notification) (domain.ReconcileResult, error) {
	payment, err := s.processor.GetPayment(ctx, n.ResourceID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	match, err := s.resolution.Resolve(ctx, resolutiondomain.Ref{
		ExternalReference:   payment.ExternalReference,
		ProcessorResourceID: payment.ID,
		PayerEmail:          payment.PayerEmail,
	})
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	if match == nil {
		s.metrics.RecordAnomaly(ctx, "payment")
		s.log.Warn("no local entity for payment",
			zap.String("payment_id", payment.ID),
			zap.String("external_reference", payment.ExternalReference),
		)
		return domain.ReconcileResult{Missed: true}, nil
	}
	s.metrics.RecordResolution(ctx, string(match.Method))

	res := reconciledomain.Resource{
		Status:            payment.Status,
		ExternalReference: payment.ExternalReference,
		PaymentID:         payment.ID,
		AmountCents:       int64(math.Round(payment.TransactionAmount * 100)),
		Currency:          payment.CurrencyID,
	}

	if match.Order != nil {
		outcome, err := s.reconcile.ReconcileOrder(ctx, match.Order, res, "notification:"+n.ID)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		if outcome.Changed {
			s.metrics.RecordTransition(ctx, "order", outcome.Previous, outcome.New)
		}
		return domain.ReconcileResult{
			Entity:         "order",
			Method:         string(match.Method),
			PreviousStatus: outcome.Previous,
			NewStatus:      outcome.New,
			Changed:        outcome.Changed,
		}, nil
	}

	// Payment against a subscription: record the billing row first, then
	// converge the subscription status. Recording is idempotent on the
	// processor payment ID so recurring charges on an already-active
	// subscription still land exactly once.
	recorded, err := s.reconcile.RecordSubscriptionPayment(ctx, match.Subscription.ID, res)
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	outcome, err := s.reconcile.ReconcileSubscription(ctx, match.Subscription, res, "notification:"+n.ID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	if outcome.Changed {
		s.metrics.RecordTransition(ctx, "subscription", outcome.Previous, outcome.New)
	}
	return domain.ReconcileResult{
		Entity:          "subscription",
		Method:          string(match.Method),
		PreviousStatus:  outcome.Previous,
		NewStatus:       outcome.New,
		Changed:         outcome.Changed,
		PaymentRecorded: recorded,
	}, nil
}

func (s *Service) reconcilePreapproval(ctx context.Context, n *notificationdomain.Notification) (domain.ReconcileResult, error) {
	pre, err := s.processor.GetPreapproval(ctx, n.ResourceID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}

	match, err := s.resolution.Resolve(ctx, resolutiondomain.Ref{
		ExternalReference:   pre.ExternalReference,
		ProcessorResourceID: pre.ID,
		PayerEmail:          pre.PayerEmail,
	})
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	if match == nil || match.Subscription == nil {
		s.metrics.RecordAnomaly(ctx, "subscription")
		s.log.Warn("no local subscription for preapproval",
			zap.String("preapproval_id", pre.ID),
			zap.String("external_reference", pre.ExternalReference),
		)
		return domain.ReconcileResult{Missed: true}, nil
	}
	s.metrics.RecordResolution(ctx, string(match.Method))

	res := reconciledomain.Resource{
		Status:                  pre.Status,
		ExternalReference:       pre.ExternalReference,
		ProcessorSubscriptionID: pre.ID,
		NextBillingDate:         parseProcessorTime(pre.NextPaymentDate),
		Resume:                  isResumeAction(n.Action),
	}
	outcome, err := s.reconcile.ReconcileSubscription(ctx, match.Subscription, res, "notification:"+n.ID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	if outcome.Changed {
		s.metrics.RecordTransition(ctx, "subscription", outcome.Previous, outcome.New)
	}
	return domain.ReconcileResult{
		Entity:         "subscription",
		Method:         string(match.Method),
		PreviousStatus: outcome.Previous,
		NewStatus:      outcome.New,
		Changed:        outcome.Changed,
	}, nil
}

func (s *Service) finish(n *notificationdomain.Notification, status, message, method string, fromCache bool, start time.Time) *domain.Result {
	s.observe(n.ID, string(n.Type), status, method, domain.StageCompleted, start)
	return &domain.Result{
		NotificationID: n.ID,
		Type:           string(n.Type),
		Status:         status,
		Message:        message,
		Method:         method,
		FromCache:      fromCache,
		Duration:       s.clock.Now().Sub(start),
	}
}

func (s *Service) observe(notificationID, notificationType, outcome, method, stage string, start time.Time) {
	duration := s.clock.Now().Sub(start)
	s.metrics.RecordNotification(context.Background(), notificationType, outcome, duration)
	s.monitor.Record(monitor.OutcomeEvent{
		NotificationID:   notificationID,
		Type:             notificationType,
		Stage:            stage,
		Outcome:          outcome,
		ResolutionMethod: method,
		Duration:         duration,
	})
}

// permanent reports errors that a redelivery cannot fix.
func permanent(err error) bool {
	return errors.Is(err, processor.ErrResourceNotFound)
}

// isResumeAction recognizes the explicit resume event, the only transition
// allowed to move a cancelled subscription back to active.
func isResumeAction(action string) bool {
	action = strings.ToLower(strings.TrimSpace(action))
	return action == "resumed" || strings.HasSuffix(action, ".resumed")
}

func parseProcessorTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-07:00"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}
