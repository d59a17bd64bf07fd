// Package retention prunes aged pipeline state: dedupe rows past the
// retention window and expired idempotency locks and results.
package retention

import (
	"context"
	"time"

	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/config"
	idempotencyservice "github.com/chowline/recon/internal/idempotency/service"
	notificationservice "github.com/chowline/recon/internal/notification/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg           config.Config
	Log           *zap.Logger
	Clock         clock.Clock
	Notifications *notificationservice.Service
	Idempotency   *idempotencyservice.Service
}

// Worker runs the periodic cleanup pass.
type Worker struct {
	log           *zap.Logger
	clock         clock.Clock
	notifications *notificationservice.Service
	idempotency   *idempotencyservice.Service
	window        time.Duration
	interval      time.Duration
}

func NewWorker(p Params) *Worker {
	return &Worker{
		log:           p.Log.Named("retention"),
		clock:         p.Clock,
		notifications: p.Notifications,
		idempotency:   p.Idempotency,
		window:        p.Cfg.RetentionWindow,
		interval:      time.Hour,
	}
}

// RunForever sweeps on a fixed interval until the context is cancelled.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	cutoff := w.clock.Now().Add(-w.window)

	purged, err := w.notifications.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		w.log.Warn("failed to purge notifications", zap.Error(err))
	} else if purged > 0 {
		w.log.Info("purged aged notifications",
			zap.Int64("count", purged),
			zap.Time("cutoff", cutoff),
		)
	}

	expired, err := w.idempotency.PurgeExpired(ctx)
	if err != nil {
		w.log.Warn("failed to purge idempotency state", zap.Error(err))
	} else if expired > 0 {
		w.log.Info("purged expired idempotency state", zap.Int64("count", expired))
	}
}

var Module = fx.Module("retention",
	fx.Provide(NewWorker),
	fx.Invoke(func(lc fx.Lifecycle, w *Worker) {
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go w.RunForever(ctx)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)
