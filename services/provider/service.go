package provider

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/pkg/errutil"
	"promoplane/pkg/repository"
	"promoplane/services/transport"
)

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   clock.Clock
	cfg     *config.Config
	fetcher transport.StatusFetcher
	mirrors repository.Repository[OrderMirror]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Clock   clock.Clock
	Config  *config.Config
	Fetcher transport.StatusFetcher `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		clock:   p.Clock,
		cfg:     p.Config,
		fetcher: p.Fetcher,
		mirrors: repository.ProvideStore[OrderMirror](p.DB),
	}
}

// Track registers a provider order for reconciliation. Re-tracking the
// same (provider, remote order) pair returns the existing mirror.
func (s *Service) Track(ctx context.Context, orderID, providerCode, remoteOrderID string) (*OrderMirror, error) {
	m := &OrderMirror{
		ID:            s.node.Generate().String(),
		OrderID:       orderID,
		ProviderCode:  providerCode,
		RemoteOrderID: remoteOrderID,
	}
	if err := s.mirrors.Create(ctx, m); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.mirrors.FindOne(ctx, &OrderMirror{ProviderCode: providerCode, RemoteOrderID: remoteOrderID})
		}
		return nil, err
	}
	return m, nil
}

// TryAcquire takes the sync lock on a mirror. It succeeds when the lock is
// free or when the current holder's stamp is older than ttl, which
// recovers from a worker that crashed mid-poll.
func (s *Service) TryAcquire(ctx context.Context, mirrorID, owner string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()

	res := s.db.WithContext(ctx).Model(&OrderMirror{}).
		Where("id = ?", mirrorID).
		Where("locked_at IS NULL OR locked_at <= ?", now.Add(-ttl)).
		Updates(map[string]any{
			"lock_owner": owner,
			"locked_at":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Release frees the lock only for its owner. A slow worker whose TTL
// already lapsed cannot release the lock a newer owner acquired.
func (s *Service) Release(ctx context.Context, mirrorID, owner string) error {
	return s.db.WithContext(ctx).Model(&OrderMirror{}).
		Where("id = ?", mirrorID).
		Where("lock_owner = ?", owner).
		Updates(map[string]any{
			"lock_owner": "",
			"locked_at":  nil,
			"updated_at": s.clock.Now(),
		}).Error
}

// Sync polls the provider for one mirror under the lock and writes the
// remote view back last-write-wins. A held lock means another worker is
// already polling; that is not an error.
func (s *Service) Sync(ctx context.Context, mirrorID string) error {
	if s.fetcher == nil {
		return errutil.Internal("no provider status fetcher configured")
	}

	m, err := s.mirrors.FindOne(ctx, &OrderMirror{ID: mirrorID})
	if err != nil {
		return err
	}
	if m == nil {
		return errutil.NotFound("provider order mirror not found")
	}

	owner := uuid.NewString()
	ok, err := s.TryAcquire(ctx, m.ID, owner, s.cfg.Provider.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := s.Release(context.WithoutCancel(ctx), m.ID, owner); err != nil {
			zap.L().Warn("failed to release sync lock",
				zap.String("mirror_id", m.ID), zap.Error(err))
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Provider.FetchTimeout)
	defer cancel()

	st, err := s.fetcher.FetchStatus(fetchCtx, m.ProviderCode, m.RemoteOrderID)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	return s.db.WithContext(ctx).Model(&OrderMirror{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"remote_status":   st.Status,
			"remote_qty":      st.Quantity,
			"remote_remains":  st.Remains,
			"last_fetched_at": now,
			"updated_at":      now,
		}).Error
}

// SweepSync reconciles every non-terminal mirror whose last fetch is older
// than the staleness window.
func (s *Service) SweepSync(ctx context.Context) error {
	if s.fetcher == nil {
		zap.L().Debug("provider sync skipped, no status fetcher configured")
		return nil
	}

	now := s.clock.Now()
	var stale []*OrderMirror
	err := s.db.WithContext(ctx).
		Where("remote_status NOT IN ?", []string{RemoteCompleted, RemoteCanceled, RemoteRefunded}).
		Where("last_fetched_at IS NULL OR last_fetched_at <= ?", now.Add(-s.cfg.Provider.StaleAfter)).
		Order("last_fetched_at ASC").
		Find(&stale).Error
	if err != nil {
		return err
	}

	for _, m := range stale {
		if err := s.Sync(ctx, m.ID); err != nil {
			zap.L().Error("provider sync failed",
				zap.String("mirror_id", m.ID),
				zap.String("provider", m.ProviderCode),
				zap.Error(err))
		}
	}
	return nil
}

// Get returns the mirror by id, nil when absent.
func (s *Service) Get(ctx context.Context, mirrorID string) (*OrderMirror, error) {
	return s.mirrors.FindOne(ctx, &OrderMirror{ID: mirrorID})
}

// HandleSync adapts SweepSync to the broker.
func (s *Service) HandleSync(ctx context.Context, _ *asynq.Task) error {
	return s.SweepSync(ctx)
}

var Module = fx.Module("provider.sync",
	fx.Provide(NewService),
)
