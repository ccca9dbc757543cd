// Package dependency gates task creation for orders that must wait until
// a prerequisite order's effect is verified in the action ledger.
package dependency

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/errutil"
	"promoplane/pkg/repository"
	"promoplane/services/ledger"
	"promoplane/services/order"
	"promoplane/services/task"
)

// Result of a dependency check.
type Result string

const (
	Satisfied Result = "satisfied"
	Pending   Result = "pending"
	Failed    Result = "failed"
)

type Gate struct {
	db     *gorm.DB
	clock  clock.Clock
	ledger *ledger.Service
	orders *order.Service
	tasks  *task.Service
	repo   repository.Repository[order.Order]
}

type GateParams struct {
	fx.In
	DB     *gorm.DB
	Clock  clock.Clock
	Ledger *ledger.Service
	Orders *order.Service
	Tasks  *task.Service
}

func NewGate(p GateParams) *Gate {
	return &Gate{
		db:     p.DB,
		clock:  p.Clock,
		ledger: p.Ledger,
		orders: p.Orders,
		tasks:  p.Tasks,
		repo:   repository.ProvideStore[order.Order](p.DB),
	}
}

// CheckSatisfied verifies a dependent order's prerequisite against the
// ledger. A present, non-reversed ledger effect for the prerequisite's
// target and action satisfies the dependency; a failed or canceled
// prerequisite fails it permanently. Anything else stays pending.
func (g *Gate) CheckSatisfied(ctx context.Context, orderID string) (Result, error) {
	o, err := g.orders.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if o == nil {
		return "", errutil.NotFound("order not found")
	}
	if o.DependsOrderID == nil || o.DependsStatus == order.DependsVerified {
		return Satisfied, nil
	}
	if o.DependsStatus == order.DependsFailed {
		return Failed, nil
	}

	prereq, err := g.orders.Get(ctx, *o.DependsOrderID)
	if err != nil {
		return "", err
	}
	if prereq == nil {
		return g.fail(ctx, o, "prerequisite order does not exist")
	}
	if prereq.Status == order.StatusFailed || prereq.Status == order.StatusCanceled {
		return g.fail(ctx, o, "prerequisite order is "+string(prereq.Status))
	}

	active, err := g.ledger.IsActive(ctx, prereq.TargetHash, action.Action(prereq.Action))
	if err != nil {
		return "", err
	}
	if !active {
		return Pending, nil
	}

	now := g.clock.Now()
	res := g.db.WithContext(ctx).Model(&order.Order{}).
		Where("id = ?", o.ID).
		Where("depends_status = ?", order.DependsPending).
		Updates(map[string]any{
			"depends_status":      order.DependsVerified,
			"depends_verified_at": now,
			"status":              order.StatusPending,
			"updated_at":          now,
		})
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 1 {
		if err := g.unblock(ctx, o); err != nil {
			return "", err
		}
	}
	return Satisfied, nil
}

// unblock releases the dependent order's delivery now that the gate is
// open: dripfeed orders get their first tick, plain ones their task.
func (g *Gate) unblock(ctx context.Context, o *order.Order) error {
	now := g.clock.Now()

	if o.DripfeedEnabled {
		return g.db.WithContext(ctx).Model(&order.Order{}).
			Where("id = ?", o.ID).
			Where("dripfeed_next_run_at IS NULL").
			Updates(map[string]any{
				"dripfeed_next_run_at": now,
				"updated_at":           now,
			}).Error
	}

	_, _, err := g.tasks.Enqueue(ctx, task.EnqueueInput{
		Subject:       task.OrderSubject(o.ID),
		Action:        action.Action(o.Action),
		TargetLink:    o.TargetLink,
		Quantity:      o.Remaining(),
		ReversalAfter: o.ReversalAfter,
	})
	return err
}

func (g *Gate) fail(ctx context.Context, o *order.Order, reason string) (Result, error) {
	now := g.clock.Now()
	if err := g.db.WithContext(ctx).Model(&order.Order{}).
		Where("id = ?", o.ID).
		Where("depends_status = ?", order.DependsPending).
		Updates(map[string]any{
			"depends_status": order.DependsFailed,
			"updated_at":     now,
		}).Error; err != nil {
		return "", err
	}
	if err := g.orders.MarkFailed(ctx, o.ID, reason); err != nil {
		return "", err
	}
	return Failed, nil
}

// SweepVerify re-checks every order still waiting on its prerequisite.
func (g *Gate) SweepVerify(ctx context.Context) error {
	waiting, err := g.repo.Find(ctx, &order.Order{
		Status:        order.StatusAwaitingDependency,
		DependsStatus: order.DependsPending,
	})
	if err != nil {
		return err
	}

	for _, o := range waiting {
		if _, err := g.CheckSatisfied(ctx, o.ID); err != nil {
			zap.L().Error("dependency check failed",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return nil
}

// HandleVerify adapts SweepVerify to the broker.
func (g *Gate) HandleVerify(ctx context.Context, _ *asynq.Task) error {
	return g.SweepVerify(ctx)
}

var Module = fx.Module("dependency.gate",
	fx.Provide(NewGate),
)
