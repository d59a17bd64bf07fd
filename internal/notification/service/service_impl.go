package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/config"
	"github.com/chowline/recon/internal/notification/domain"
	"github.com/chowline/recon/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// defaultInFlightTTL bounds how long a "received" row shadows redeliveries
// of the same notification ID before it is presumed abandoned.
const defaultInFlightTTL = 30 * time.Second

type Params struct {
	fx.In

	DB    *gorm.DB
	Cfg   config.Config
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

// Service is the duplicate detector: it records every notification ID and
// reports redeliveries of already-processed ones.
type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	inFlightTTL time.Duration
}

func NewService(p Params) *Service {
	inFlightTTL := p.Cfg.LockTTL
	if inFlightTTL <= 0 {
		inFlightTTL = defaultInFlightTTL
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("notification.dedupe"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		inFlightTTL: inFlightTTL,
	}
}

// CheckAndRecord atomically claims a notification ID. Two concurrent
// deliveries of the same ID cannot both observe OutcomeFirstSeen: the insert
// carries a unique constraint on notification_id, and the loser of the race
// re-reads the stored row. A row still in "received" shadows redeliveries
// until the in-flight TTL lapses, covering a holder that crashed before
// finalizing. A previously failed delivery is eligible for reprocessing,
// "processed" always counts as a duplicate.
func (s *Service) CheckAndRecord(ctx context.Context, n *domain.Notification) (domain.Outcome, error) {
	if n == nil || n.ID == "" {
		return domain.OutcomeDuplicate, domain.ErrInvalidEvent
	}

	existing, err := s.repo.Find(ctx, s.db, n.ID)
	if err != nil {
		return domain.OutcomeDuplicate, err
	}
	if existing != nil {
		return s.classifyExisting(existing), nil
	}

	record := domain.Record{
		ID:             s.genID.Generate(),
		NotificationID: n.ID,
		Type:           string(n.Type),
		Action:         n.Action,
		ResourceID:     n.ResourceID,
		Status:         domain.StatusReceived,
		Payload:        datatypes.JSON(n.RawBody),
		ReceivedAt:     n.ReceivedAt,
	}

	inserted, err := s.repo.Insert(ctx, s.db, &record)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.resolveRace(ctx, n.ID)
		}
		return domain.OutcomeDuplicate, err
	}
	if !inserted {
		return s.resolveRace(ctx, n.ID)
	}
	return domain.OutcomeFirstSeen, nil
}

// classifyExisting decides the verdict for a stored row. Processed rows and
// fresh in-flight rows are duplicates; failed rows and in-flight rows older
// than the TTL (holder crashed before finalizing) are reprocessable.
func (s *Service) classifyExisting(stored *domain.Record) domain.Outcome {
	switch stored.Status {
	case domain.StatusProcessed:
		return domain.OutcomeDuplicate
	case domain.StatusReceived:
		if s.clock.Now().Sub(stored.ReceivedAt) <= s.inFlightTTL {
			return domain.OutcomeDuplicate
		}
		s.log.Warn("reclaiming abandoned in-flight notification",
			zap.String("notification_id", stored.NotificationID),
			zap.Time("received_at", stored.ReceivedAt),
		)
		return domain.OutcomeFirstSeen
	default:
		return domain.OutcomeFirstSeen
	}
}

// resolveRace handles the insert-conflict path: another delivery won the
// insert between our read and our write.
func (s *Service) resolveRace(ctx context.Context, notificationID string) (domain.Outcome, error) {
	stored, err := s.repo.Find(ctx, s.db, notificationID)
	if err != nil {
		return domain.OutcomeDuplicate, err
	}
	if stored == nil {
		return domain.OutcomeDuplicate, domain.ErrInvalidEvent
	}
	return s.classifyExisting(stored), nil
}

// MarkOutcome finalizes the dedupe row after pipeline completion. Failed
// notifications stay reprocessable on redelivery.
func (s *Service) MarkOutcome(ctx context.Context, notificationID string, success bool, errMsg string) {
	status := domain.StatusProcessed
	var lastError *string
	if !success {
		status = domain.StatusFailed
		if errMsg != "" {
			lastError = &errMsg
		}
	}

	if err := s.repo.MarkOutcome(ctx, s.db, notificationID, status, lastError, s.clock.Now()); err != nil {
		s.log.Warn("failed to finalize notification outcome",
			zap.String("notification_id", notificationID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// PurgeOlderThan removes dedupe rows past the retention window.
func (s *Service) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.PurgeOlderThan(ctx, s.db, cutoff)
}
