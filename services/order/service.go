package order

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/errutil"
	"promoplane/pkg/repository"
	"promoplane/pkg/sequence"
	"promoplane/services/task"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  clock.Clock
	codes  sequence.Generator
	tasks  *task.Service
	orders repository.Repository[Order]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock clock.Clock
	Codes sequence.Generator `optional:"true"`
	Tasks *task.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		clock:  p.Clock,
		codes:  p.Codes,
		tasks:  p.Tasks,
		orders: repository.ProvideStore[Order](p.DB),
	}
}

type CreateInput struct {
	Action        action.Action
	TargetLink    string
	Quantity      int
	ReversalAfter time.Duration
	Metadata      datatypes.JSON

	Dripfeed struct {
		Enabled        bool
		QuantityPerRun int
		Interval       int
		IntervalUnit   IntervalUnit
		RunsTotal      int
	}

	DependsOrderID string
}

// Create registers an order with the scheduler. Plain orders get their
// delivery task immediately; dripfeed orders wait for the first sweep tick
// and dependent orders wait for the dependency gate.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Order, error) {
	if in.Quantity <= 0 {
		return nil, errutil.BadRequest("quantity must be positive")
	}
	if in.TargetLink == "" {
		return nil, errutil.BadRequest("target link is required")
	}

	now := s.clock.Now()
	o := &Order{
		ID:            s.node.Generate().String(),
		Action:        in.Action.String(),
		TargetLink:    in.TargetLink,
		TargetHash:    task.Fingerprint(in.TargetLink),
		Quantity:      in.Quantity,
		Status:        StatusPending,
		ReversalAfter: in.ReversalAfter,
		Metadata:      in.Metadata,
	}
	if s.codes != nil {
		code, err := s.codes.NextOrderCode(ctx)
		if err != nil {
			zap.L().Warn("order code generation failed", zap.Error(err))
		} else {
			o.Code = code
		}
	}

	if in.DependsOrderID != "" {
		dep := in.DependsOrderID
		o.DependsOrderID = &dep
		o.DependsStatus = DependsPending
		o.Status = StatusAwaitingDependency
	}

	if in.Dripfeed.Enabled {
		o.DripfeedEnabled = true
		o.DripfeedQuantityPerRun = in.Dripfeed.QuantityPerRun
		o.DripfeedInterval = in.Dripfeed.Interval
		o.DripfeedIntervalUnit = in.Dripfeed.IntervalUnit
		o.DripfeedRunsTotal = in.Dripfeed.RunsTotal
		if o.Status != StatusAwaitingDependency {
			o.DripfeedNextRunAt = &now
		}
	}

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, err
	}

	if o.Status == StatusPending && !o.DripfeedEnabled {
		if _, _, err := s.tasks.Enqueue(ctx, task.EnqueueInput{
			Subject:       task.OrderSubject(o.ID),
			Action:        in.Action,
			TargetLink:    in.TargetLink,
			Quantity:      in.Quantity,
			ReversalAfter: in.ReversalAfter,
		}); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// Get returns the order by id, nil when absent.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.orders.FindOne(ctx, &Order{ID: orderID})
}

// MarkDelivered adds qty to the order's delivered counter, clamped at the
// total quantity, and flips the order to completed once fully delivered.
// Delivery against a closed order is dropped silently; the external effect
// already happened and the ledger keeps its record.
func (s *Service) MarkDelivered(ctx context.Context, orderID string, qty int) error {
	if qty <= 0 {
		return nil
	}
	now := s.clock.Now()

	if err := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Where("status = ?", StatusPending).
		Updates(map[string]any{"status": StatusInProgress, "updated_at": now}).Error; err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Where("status IN ?", DeliverableStatuses).
		Where("delivered + ? <= quantity", qty).
		Updates(map[string]any{
			"delivered":  gorm.Expr("delivered + ?", qty),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Clamp overdelivery at the total.
		if err := s.db.WithContext(ctx).Model(&Order{}).
			Where("id = ?", orderID).
			Where("status IN ?", DeliverableStatuses).
			Where("delivered < quantity").
			Updates(map[string]any{
				"delivered":  gorm.Expr("quantity"),
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
	}

	return s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Where("status IN ?", DeliverableStatuses).
		Where("delivered >= quantity").
		Updates(map[string]any{
			"status":               StatusCompleted,
			"dripfeed_next_run_at": nil,
			"updated_at":           now,
		}).Error
}

// Cancel closes the order and best-effort cancels its open tasks.
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	now := s.clock.Now()

	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Where("status IN ?", OpenStatuses).
		Updates(map[string]any{
			"status":               StatusCanceled,
			"dripfeed_next_run_at": nil,
			"updated_at":           now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	return s.tasks.CancelSubject(ctx, task.OrderSubject(orderID))
}

// MarkFailed closes the order as failed, used when a dependency can never
// be satisfied.
func (s *Service) MarkFailed(ctx context.Context, orderID string, reason string) error {
	now := s.clock.Now()

	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ?", orderID).
		Where("status IN ?", OpenStatuses).
		Updates(map[string]any{
			"status":               StatusFailed,
			"dripfeed_next_run_at": nil,
			"updated_at":           now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		zap.L().Warn("order failed", zap.String("order_id", orderID), zap.String("reason", reason))
		return s.tasks.CancelSubject(ctx, task.OrderSubject(orderID))
	}
	return nil
}

// Progress is the read model surfaced to the order-management layer.
type Progress struct {
	OrderID           string     `json:"order_id"`
	Status            Status     `json:"status"`
	Quantity          int        `json:"quantity"`
	Delivered         int        `json:"delivered"`
	DripfeedRunIndex  int        `json:"dripfeed_run_index,omitempty"`
	DripfeedRunsTotal int        `json:"dripfeed_runs_total,omitempty"`
	DripfeedNextRunAt *time.Time `json:"dripfeed_next_run_at,omitempty"`
}

func (s *Service) Progress(ctx context.Context, orderID string) (*Progress, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, errutil.NotFound("order not found")
	}
	return &Progress{
		OrderID:           o.ID,
		Status:            o.Status,
		Quantity:          o.Quantity,
		Delivered:         o.Delivered,
		DripfeedRunIndex:  o.DripfeedRunIndex,
		DripfeedRunsTotal: o.DripfeedRunsTotal,
		DripfeedNextRunAt: o.DripfeedNextRunAt,
	}, nil
}
