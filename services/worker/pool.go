package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/services/account"
	"promoplane/services/order"
	"promoplane/services/reversal"
	"promoplane/services/task"
	"promoplane/services/transport"
)

// Pool runs the configured number of runners as one lifecycle unit.
type Pool struct {
	cfg     *config.Config
	runners []*Runner

	cancel context.CancelFunc
	group  *errgroup.Group
}

type PoolParams struct {
	fx.In
	Config    *config.Config
	Clock     clock.Clock
	Tasks     *task.Service
	Selector  *account.Selector
	Orders    *order.Service
	Reversals *reversal.Service
	Executor  transport.Executor
}

func NewPool(p PoolParams) *Pool {
	runners := make([]*Runner, 0, p.Config.Worker.Count)
	for i := 0; i < p.Config.Worker.Count; i++ {
		id := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		runners = append(runners, NewRunner(id, p.Config, p.Clock, p.Tasks, p.Selector, p.Orders, p.Reversals, p.Executor))
	}
	return &Pool{cfg: p.Config, runners: runners}
}

func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	g, ctx := errgroup.WithContext(ctx)
	p.group = g
	for _, r := range p.runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}

	zap.L().Info("worker pool started", zap.Int("workers", len(p.runners)))
}

func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	_ = p.group.Wait()
	zap.L().Info("worker pool stopped")
}

func registerPool(lc fx.Lifecycle, pool *Pool) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pool.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Stop()
			return nil
		},
	})
}

var Module = fx.Module("worker.pool",
	fx.Provide(NewPool),
	fx.Invoke(registerPool),
)
