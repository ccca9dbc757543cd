// Package sweeper drives the periodic sweeps by enqueueing broker tasks
// on fixed intervals. The actual work happens in the asynq handlers of the
// dripfeed, reversal, dependency and provider services.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"promoplane/pkg/config"
	"promoplane/pkg/taskname"
)

type Sweeper struct {
	client *asynq.Client
	cfg    *config.Config

	cancel context.CancelFunc
}

func New(client *asynq.Client, cfg *config.Config) *Sweeper {
	return &Sweeper{client: client, cfg: cfg}
}

func (s *Sweeper) run(ctx context.Context) {
	zap.L().Info("sweep scheduler started")

	go s.loop(ctx, taskname.DripfeedSweep, s.cfg.Scheduler.DripfeedInterval)
	go s.loop(ctx, taskname.ReversalSweep, s.cfg.Scheduler.ReversalInterval)
	go s.loop(ctx, taskname.DependencyVerify, s.cfg.Scheduler.DependencyInterval)
	go s.loop(ctx, taskname.ProviderSync, s.cfg.Scheduler.ProviderInterval)
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("sweep loop stopped", zap.String("sweep", name))
			return
		case <-ticker.C:
			s.enqueue(ctx, name, interval)
		}
	}
}

func (s *Sweeper) enqueue(ctx context.Context, name string, interval time.Duration) {
	// Unique keeps a slow sweep from piling up behind itself.
	_, err := s.client.EnqueueContext(ctx, asynq.NewTask(name, nil),
		asynq.Queue("default"),
		asynq.Unique(interval),
	)
	if err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
		zap.L().Error("failed to enqueue sweep", zap.String("sweep", name), zap.Error(err))
	}
}

func register(lc fx.Lifecycle, s *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())
			s.cancel = cancel
			s.run(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if s.cancel != nil {
				s.cancel()
			}
			return nil
		},
	})
}

var Module = fx.Module("sweeper",
	fx.Provide(New),
	fx.Invoke(register),
)
