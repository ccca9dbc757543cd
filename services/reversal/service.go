// Package reversal schedules and drives the delayed undo of logged
// effects.
package reversal

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/errutil"
	"promoplane/pkg/repository"
	"promoplane/pkg/sequence"
	"promoplane/services/ledger"
	"promoplane/services/task"
)

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     clock.Clock
	codes     sequence.Generator
	ledger    *ledger.Service
	tasks     *task.Service
	reversals repository.Repository[Reversal]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clock.Clock
	Codes  sequence.Generator `optional:"true"`
	Ledger *ledger.Service
	Tasks  *task.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		clock:     p.Clock,
		codes:     p.Codes,
		ledger:    p.Ledger,
		tasks:     p.Tasks,
		reversals: repository.ProvideStore[Reversal](p.DB),
	}
}

type ScheduleInput struct {
	AccountID      string
	TargetLink     string
	OriginalAction action.Action
	DueAt          time.Time
	Subject        task.Subject
	LedgerEntryID  string
}

// ScheduleReversal books the undo of a logged effect for a fixed time.
// Scheduling the same (account, target, due) again returns the existing
// booking.
func (s *Service) ScheduleReversal(ctx context.Context, in ScheduleInput) (*Reversal, error) {
	if in.OriginalAction.Reversal() == "" {
		return nil, errutil.BadRequest("action has no reversal: " + in.OriginalAction.String())
	}
	if in.LedgerEntryID == "" {
		return nil, errutil.BadRequest("ledger entry is required")
	}

	r := &Reversal{
		ID:             s.node.Generate().String(),
		AccountID:      in.AccountID,
		TargetHash:     task.Fingerprint(in.TargetLink),
		TargetLink:     in.TargetLink,
		OriginalAction: in.OriginalAction.String(),
		DueAt:          in.DueAt,
		SubjectKind:    in.Subject.Kind,
		SubjectID:      in.Subject.ID,
		LedgerEntryID:  in.LedgerEntryID,
		Status:         StatusPending,
	}
	if s.codes != nil {
		code, err := s.codes.NextReversalCode(ctx)
		if err != nil {
			zap.L().Warn("reversal code generation failed", zap.Error(err))
		} else {
			r.Code = code
		}
	}

	if err := s.reversals.Create(ctx, r); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.reversals.FindOne(ctx, &Reversal{
				AccountID:  r.AccountID,
				TargetHash: r.TargetHash,
				DueAt:      r.DueAt,
			})
		}
		return nil, err
	}
	return r, nil
}

// Sweep promotes due pending reversals into executable tasks, then mirrors
// the outcome of the tasks promoted earlier back onto their reversals.
func (s *Service) Sweep(ctx context.Context) error {
	if err := s.promote(ctx); err != nil {
		return err
	}
	return s.resolve(ctx)
}

func (s *Service) promote(ctx context.Context) error {
	now := s.clock.Now()

	var due []*Reversal
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Where("due_at <= ?", now).
		Order("due_at ASC").
		Find(&due).Error
	if err != nil {
		return err
	}

	for _, r := range due {
		if err := s.promoteOne(ctx, r, now); err != nil {
			zap.L().Error("reversal promotion failed",
				zap.String("reversal_id", r.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) promoteOne(ctx context.Context, r *Reversal, now time.Time) error {
	undo := action.Action(r.OriginalAction).Reversal()
	if undo == "" {
		return s.transition(ctx, r.ID, StatusPending, map[string]any{
			"status":     StatusFailed,
			"last_error": "original action has no reversal",
			"updated_at": now,
		})
	}

	// The undo must run on the account that performed the original action,
	// hence the pin.
	t, _, err := s.tasks.Enqueue(ctx, task.EnqueueInput{
		Subject:         r.Subject(),
		Action:          undo,
		TargetLink:      r.TargetLink,
		PinnedAccountID: r.AccountID,
	})
	if err != nil {
		return err
	}

	return s.transition(ctx, r.ID, StatusPending, map[string]any{
		"status":     StatusProcessing,
		"task_id":    t.ID,
		"updated_at": now,
	})
}

func (s *Service) resolve(ctx context.Context) error {
	var inFlight []*Reversal
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusProcessing).
		Find(&inFlight).Error
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for _, r := range inFlight {
		if err := s.resolveOne(ctx, r, now); err != nil {
			zap.L().Error("reversal resolution failed",
				zap.String("reversal_id", r.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) resolveOne(ctx context.Context, r *Reversal, now time.Time) error {
	if r.TaskID == nil {
		return s.transition(ctx, r.ID, StatusProcessing, map[string]any{
			"status":     StatusFailed,
			"last_error": "processing reversal has no task",
			"updated_at": now,
		})
	}

	t, err := s.tasks.Get(ctx, *r.TaskID)
	if err != nil {
		return err
	}
	if t == nil || t.Status == task.StatusFailed {
		lastErr := "reversal task failed"
		if t != nil && t.LastError != "" {
			lastErr = t.LastError
		}
		return s.transition(ctx, r.ID, StatusProcessing, map[string]any{
			"status":     StatusFailed,
			"last_error": lastErr,
			"updated_at": now,
		})
	}
	if t.Status != task.StatusDone {
		return nil
	}

	if err := s.ledger.Reverse(ctx, r.LedgerEntryID); err != nil {
		return err
	}
	return s.transition(ctx, r.ID, StatusProcessing, map[string]any{
		"status":     StatusDone,
		"updated_at": now,
	})
}

func (s *Service) transition(ctx context.Context, reversalID string, from Status, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(&Reversal{}).
		Where("id = ?", reversalID).
		Where("status = ?", from).
		Updates(updates).Error
}

// Get returns the reversal by id, nil when absent.
func (s *Service) Get(ctx context.Context, reversalID string) (*Reversal, error) {
	return s.reversals.FindOne(ctx, &Reversal{ID: reversalID})
}

// ListBySubject returns the reversal bookings for a subject, soonest first.
func (s *Service) ListBySubject(ctx context.Context, subject task.Subject) ([]*Reversal, error) {
	var out []*Reversal
	err := s.db.WithContext(ctx).
		Where("subject_kind = ? AND subject_id = ?", subject.Kind, subject.ID).
		Order("due_at ASC").
		Find(&out).Error
	return out, err
}

// HandleSweep adapts Sweep to the broker.
func (s *Service) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	return s.Sweep(ctx)
}

var Module = fx.Module("reversal.scheduler",
	fx.Provide(NewService),
)
