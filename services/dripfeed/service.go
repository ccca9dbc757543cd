// Package dripfeed materializes delivery chunks for orders configured to
// deliver gradually instead of all at once.
package dripfeed

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/services/order"
	"promoplane/services/task"
)

type Service struct {
	db    *gorm.DB
	clock clock.Clock
	tasks *task.Service
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Clock clock.Clock
	Tasks *task.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{db: p.DB, clock: p.Clock, tasks: p.Tasks}
}

// Sweep walks every dripfeed order whose next run is due and materializes
// its next chunk task. Errors on one order never block the rest of the
// sweep.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.clock.Now()

	var due []*order.Order
	err := s.db.WithContext(ctx).
		Where("dripfeed_enabled = ?", true).
		Where("status IN ?", order.DeliverableStatuses).
		Where("dripfeed_next_run_at IS NOT NULL AND dripfeed_next_run_at <= ?", now).
		Order("dripfeed_next_run_at ASC").
		Find(&due).Error
	if err != nil {
		return err
	}

	for _, o := range due {
		if err := s.tick(ctx, o, now); err != nil {
			zap.L().Error("dripfeed tick failed",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) tick(ctx context.Context, o *order.Order, now time.Time) error {
	if o.Remaining() == 0 || s.runsExhausted(o) {
		return s.stop(ctx, o, now)
	}

	chunk := o.DripfeedQuantityPerRun
	if chunk <= 0 || chunk > o.Remaining() {
		chunk = o.Remaining()
	}

	_, created, err := s.tasks.Enqueue(ctx, task.EnqueueInput{
		Subject:       task.OrderSubject(o.ID),
		Action:        action.Action(o.Action),
		TargetLink:    o.TargetLink,
		Quantity:      chunk,
		ReversalAfter: o.ReversalAfter,
	})
	if err != nil {
		return err
	}
	if !created {
		// The previous chunk is still open (queued, retrying, or in
		// flight). Leave next_run_at alone so this chunk is retried at the
		// next tick instead of skipped.
		return nil
	}

	updates := map[string]any{
		"dripfeed_run_index":        o.DripfeedRunIndex + 1,
		"dripfeed_delivered_in_run": chunk,
		"updated_at":                now,
	}

	lastRun := o.Remaining()-chunk <= 0 ||
		(o.DripfeedRunsTotal > 0 && o.DripfeedRunIndex+1 >= o.DripfeedRunsTotal)
	if lastRun {
		updates["dripfeed_next_run_at"] = nil
	} else {
		updates["dripfeed_next_run_at"] = now.Add(o.DripfeedIntervalUnit.Duration(o.DripfeedInterval))
	}

	// Guarded by the run index so two overlapping sweeps advance at most
	// once per chunk.
	return s.db.WithContext(ctx).Model(&order.Order{}).
		Where("id = ?", o.ID).
		Where("dripfeed_run_index = ?", o.DripfeedRunIndex).
		Updates(updates).Error
}

func (s *Service) runsExhausted(o *order.Order) bool {
	return o.DripfeedRunsTotal > 0 && o.DripfeedRunIndex >= o.DripfeedRunsTotal
}

func (s *Service) stop(ctx context.Context, o *order.Order, now time.Time) error {
	return s.db.WithContext(ctx).Model(&order.Order{}).
		Where("id = ?", o.ID).
		Updates(map[string]any{
			"dripfeed_next_run_at": nil,
			"updated_at":           now,
		}).Error
}

// HandleSweep adapts Sweep to the broker.
func (s *Service) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	return s.Sweep(ctx)
}

var Module = fx.Module("dripfeed.scheduler",
	fx.Provide(NewService),
)
