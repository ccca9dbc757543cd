// Package worker runs the lease/execute/report loop that turns queued
// tasks into performed actions.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/services/account"
	"promoplane/services/order"
	"promoplane/services/reversal"
	"promoplane/services/task"
	"promoplane/services/transport"
)

// Runner is one worker loop. Several runners share the same services; the
// task lease keeps them from stepping on each other.
type Runner struct {
	id        string
	cfg       *config.Config
	clock     clock.Clock
	tasks     *task.Service
	selector  *account.Selector
	orders    *order.Service
	reversals *reversal.Service
	exec      transport.Executor
}

func NewRunner(id string, cfg *config.Config, clk clock.Clock, tasks *task.Service, selector *account.Selector, orders *order.Service, reversals *reversal.Service, exec transport.Executor) *Runner {
	return &Runner{
		id:        id,
		cfg:       cfg,
		clock:     clk,
		tasks:     tasks,
		selector:  selector,
		orders:    orders,
		reversals: reversals,
		exec:      exec,
	}
}

// Run leases and processes tasks until the context is canceled. An empty
// lease is not an error; the runner backs off for the poll interval.
func (r *Runner) Run(ctx context.Context) error {
	zap.L().Info("worker started", zap.String("worker_id", r.id))

	for {
		t, err := r.tasks.LeaseNext(ctx, r.id, r.cfg.Worker.LeaseDuration)
		if err != nil {
			zap.L().Error("lease failed", zap.String("worker_id", r.id), zap.Error(err))
		}
		if t == nil {
			select {
			case <-ctx.Done():
				zap.L().Info("worker stopped", zap.String("worker_id", r.id))
				return ctx.Err()
			case <-time.After(r.cfg.Worker.PollInterval):
			}
			continue
		}

		r.process(ctx, t)

		select {
		case <-ctx.Done():
			zap.L().Info("worker stopped", zap.String("worker_id", r.id))
			return ctx.Err()
		default:
		}
	}
}

func (r *Runner) process(ctx context.Context, t *task.Task) {
	kind := action.Action(t.Action)

	sessionRef, err := r.selector.SessionRef(ctx, *t.AccountID)
	if err != nil {
		zap.L().Error("session lookup failed", zap.String("task_id", t.ID), zap.Error(err))
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Worker.ExecuteTimeout)
	defer cancel()

	result, err := r.exec.Execute(execCtx, transport.Request{
		AccountID:  *t.AccountID,
		SessionRef: sessionRef,
		Action:     kind,
		TargetLink: t.TargetLink,
		Quantity:   t.Quantity,
		Payload:    t.Payload,
	})
	if err != nil {
		if _, ferr := r.tasks.Fail(ctx, t.ID, err); ferr != nil {
			zap.L().Error("task failure report failed",
				zap.String("task_id", t.ID), zap.Error(ferr))
		}
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		raw = nil
	}

	done, err := r.tasks.Complete(ctx, t.ID, raw)
	if err != nil {
		zap.L().Error("task completion failed",
			zap.String("task_id", t.ID), zap.Error(err))
		return
	}

	// A canceled task's effect is logged in the ledger, but it no longer
	// counts toward the order and gets no follow-up.
	if done.CancelRequested {
		return
	}

	if done.Subject.Kind == task.SubjectOrder && !kind.IsReversal() {
		if err := r.orders.MarkDelivered(ctx, done.Subject.ID, done.Quantity); err != nil {
			zap.L().Error("delivery bookkeeping failed",
				zap.String("order_id", done.Subject.ID), zap.Error(err))
		}
	}

	if done.ReversalAfter > 0 && kind.Reversal() != "" && done.LedgerEntryID != nil {
		if _, err := r.reversals.ScheduleReversal(ctx, reversal.ScheduleInput{
			AccountID:      *t.AccountID,
			TargetLink:     done.TargetLink,
			OriginalAction: kind,
			DueAt:          r.clock.Now().Add(done.ReversalAfter),
			Subject:        done.Subject,
			LedgerEntryID:  *done.LedgerEntryID,
		}); err != nil {
			zap.L().Error("reversal scheduling failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}
