package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/chowline/recon/internal/clock"
	"github.com/chowline/recon/internal/config"
	"github.com/chowline/recon/internal/idempotency/domain"
	"github.com/chowline/recon/pkg/db"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Config controls the lock TTL and the lock-wait retry policy. The backoff
// is a capped exponential, tunable per deployment rather than hardcoded.
// LockTTL bounds how long a crashed holder can block a key and is independent
// of the result TTL callers pass to ExecuteOnce.
type Config struct {
	LockTTL     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		LockTTL:     30 * time.Second,
		MaxRetries:  5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		LockTTL:     cfg.LockTTL,
		MaxRetries:  cfg.LockMaxRetries,
		BaseBackoff: cfg.LockBaseBackoff,
		MaxBackoff:  cfg.LockMaxBackoff,
	}
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Config Config `optional:"true"`
}

// Service coordinates exactly-once execution of keyed operations across
// concurrent requests and instances. All coordination state lives in
// storage; nothing is shared in-process.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
	cfg   Config
}

func NewService(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("idempotency"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		cfg:   p.Config.withDefaults(),
	}
}

// Operation is the guarded body. Its serialized outcome is cached under the
// operation key; errors are never cached.
type Operation func(ctx context.Context) ([]byte, error)

// ExecuteOnce runs op at most once per key system-wide. Concurrent callers
// for the same key either wait for the holder and pick up its cached result
// or fail with ErrLockTimeout after exhausting the retry budget.
func (s *Service) ExecuteOnce(ctx context.Context, key string, ttl time.Duration, op Operation) (domain.Execution, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Execution{}, domain.ErrInvalidKey
	}
	if ttl <= 0 {
		return domain.Execution{}, domain.ErrInvalidTTL
	}

	if cached, err := s.repo.FindResult(ctx, s.db, key, s.clock.Now()); err != nil {
		return domain.Execution{}, err
	} else if cached != nil {
		return domain.Execution{Value: cached.ResultData, FromCache: true}, nil
	}

	token, acquired, err := s.acquire(ctx, key)
	if err != nil {
		return domain.Execution{}, err
	}

	if !acquired {
		return s.waitForHolder(ctx, key, ttl, op)
	}
	return s.runLocked(ctx, key, token, ttl, op)
}

// runLocked executes op while holding the lock identified by token and
// publishes the serialized outcome for ttl.
func (s *Service) runLocked(ctx context.Context, key, token string, ttl time.Duration, op Operation) (domain.Execution, error) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.repo.ReleaseLock(releaseCtx, s.db, key, token); err != nil {
			s.log.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()

	// Re-check under the lock: another caller may have completed and
	// published between the first cache read and our acquisition. Without
	// this the operation could run twice for one key.
	if cached, err := s.repo.FindResult(ctx, s.db, key, s.clock.Now()); err != nil {
		return domain.Execution{}, err
	} else if cached != nil {
		return domain.Execution{Value: cached.ResultData, FromCache: true}, nil
	}

	value, err := op(ctx)
	if err != nil {
		return domain.Execution{}, err
	}

	result := domain.Result{
		ID:           s.genID.Generate(),
		OperationKey: key,
		ResultData:   datatypes.JSON(value),
		CreatedAt:    s.clock.Now(),
		ExpiresAt:    s.clock.Now().Add(ttl),
	}
	if err := s.repo.InsertResult(ctx, s.db, &result); err != nil {
		return domain.Execution{}, err
	}

	return domain.Execution{Value: value, FromCache: false}, nil
}

// acquire inserts a lock row, falling back to an in-place takeover when the
// existing row's TTL has lapsed (holder crashed without releasing). The lock
// lifetime is Config.LockTTL, independent of the result TTL.
func (s *Service) acquire(ctx context.Context, key string) (string, bool, error) {
	now := s.clock.Now()
	token := uuid.NewString()

	lock := domain.Lock{
		ID:         s.genID.Generate(),
		LockKey:    key,
		OwnerToken: token,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.cfg.LockTTL),
	}
	inserted, err := s.repo.InsertLock(ctx, s.db, &lock)
	if err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return "", false, err
		}
		inserted = false
	}
	if inserted {
		return token, true, nil
	}

	reclaimed, err := s.repo.TakeOverExpiredLock(ctx, s.db, key, token, now, now.Add(s.cfg.LockTTL))
	if err != nil {
		return "", false, err
	}
	if reclaimed {
		s.log.Warn("reclaimed expired lock", zap.String("key", key))
		return token, true, nil
	}
	return "", false, nil
}

// waitForHolder polls with capped exponential backoff. Every wake re-checks
// the result cache (the holder may have finished and published) and then
// re-attempts acquisition: a holder that failed without caching a result
// releases the lock, and the waiter takes over instead of timing out.
func (s *Service) waitForHolder(ctx context.Context, key string, ttl time.Duration, op Operation) (domain.Execution, error) {
	backoff := s.cfg.BaseBackoff
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return domain.Execution{}, ctx.Err()
		case <-time.After(backoff):
		}

		if cached, err := s.repo.FindResult(ctx, s.db, key, s.clock.Now()); err != nil {
			return domain.Execution{}, err
		} else if cached != nil {
			return domain.Execution{Value: cached.ResultData, FromCache: true}, nil
		}

		token, acquired, err := s.acquire(ctx, key)
		if err != nil {
			return domain.Execution{}, err
		}
		if acquired {
			return s.runLocked(ctx, key, token, ttl, op)
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}

	s.log.Warn("lock wait exhausted", zap.String("key", key), zap.Int("retries", s.cfg.MaxRetries))
	return domain.Execution{}, domain.ErrLockTimeout
}

// PurgeExpired removes dead locks and lapsed results.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	return s.repo.PurgeExpired(ctx, s.db, s.clock.Now())
}
