package task

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/pkg/errutil"
	"promoplane/pkg/repository"
	"promoplane/pkg/sequence"
	"promoplane/services/account"
	"promoplane/services/ledger"
)

// leaseBatch bounds how many eligible tasks a single LeaseNext scan walks
// before giving up. Contention on the head of the queue skips to the next
// candidate instead of failing the call.
const leaseBatch = 10

const maxBackoff = time.Hour

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    clock.Clock
	cfg      *config.Config
	codes    sequence.Generator
	selector *account.Selector
	ledger   *ledger.Service
	tasks    repository.Repository[Task]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Clock    clock.Clock
	Config   *config.Config
	Codes    sequence.Generator `optional:"true"`
	Selector *account.Selector
	Ledger   *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    p.Clock,
		cfg:      p.Config,
		codes:    p.Codes,
		selector: p.Selector,
		ledger:   p.Ledger,
		tasks:    repository.ProvideStore[Task](p.DB),
	}
}

type EnqueueInput struct {
	Subject          Subject
	Action           action.Action
	TargetLink       string
	Quantity         int
	Payload          datatypes.JSON
	RequireExclusive bool
	PinnedAccountID  string
	ReversalAfter    time.Duration
	NotBefore        *time.Time
}

// Enqueue creates a queued task. Re-enqueueing while a task for the same
// (subject, action, target) is still open returns the open task with
// created=false instead of a duplicate. With RequireExclusive the call is
// rejected while a live ledger effect exists for the target and action.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (*Task, bool, error) {
	if in.TargetLink == "" {
		return nil, false, errutil.BadRequest("target link is required")
	}
	if in.Action == "" {
		return nil, false, errutil.BadRequest("action is required")
	}

	hash := Fingerprint(in.TargetLink)

	if in.RequireExclusive {
		active, err := s.ledger.IsActive(ctx, hash, in.Action)
		if err != nil {
			return nil, false, err
		}
		if active {
			return nil, false, errutil.Conflict("an active effect already exists for this target and action")
		}
	}

	t := &Task{
		ID:            s.node.Generate().String(),
		Subject:       in.Subject,
		Action:        in.Action.String(),
		TargetLink:    in.TargetLink,
		TargetHash:    hash,
		DedupKey:      openMarker,
		Status:        StatusQueued,
		Quantity:      in.Quantity,
		MaxAttempts:   s.cfg.Worker.MaxAttempts,
		ReversalAfter: in.ReversalAfter,
		NotBefore:     in.NotBefore,
		Payload:       in.Payload,
	}
	if t.Quantity <= 0 {
		t.Quantity = 1
	}
	if in.PinnedAccountID != "" {
		pinned := in.PinnedAccountID
		t.PinnedAccountID = &pinned
	}
	if s.codes != nil {
		code, err := s.codes.NextTaskCode(ctx)
		if err != nil {
			zap.L().Warn("task code generation failed", zap.Error(err))
		} else {
			t.Code = code
		}
	}

	if err := s.tasks.Create(ctx, t); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, ferr := s.findOpen(ctx, in.Subject, in.Action, hash)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing == nil {
				// The open task went terminal between insert and lookup.
				return s.Enqueue(ctx, in)
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	return t, true, nil
}

func (s *Service) findOpen(ctx context.Context, subject Subject, kind action.Action, hash string) (*Task, error) {
	return s.tasks.FindOne(ctx, &Task{
		Subject:    subject,
		Action:     kind.String(),
		TargetHash: hash,
		DedupKey:   openMarker,
	})
}

// LeaseNext claims one eligible task for the worker: the oldest queued
// task, a pending one past its backoff, or a leased one whose lease
// expired. Claiming binds an account chosen by the pool selector; the
// status transition is a conditional update so two workers can never hold
// the same task. Returns (nil, nil) when no task or no account is
// available.
func (s *Service) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*Task, error) {
	now := s.clock.Now()

	var candidates []*Task
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND not_before <= ?) OR (status = ? AND lease_expires_at <= ?)",
			StatusQueued, StatusPending, now, StatusLeased, now).
		Order("created_at ASC").
		Limit(leaseBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	for _, t := range candidates {
		// Reap an expired lease first so the dead worker's account slot is
		// free before a new one is claimed. Exactly one reaper wins the
		// conditional update, so the slot is released exactly once.
		if t.Status == StatusLeased {
			if ok, err := s.reapExpired(ctx, t, now); err != nil {
				return nil, err
			} else if !ok {
				continue
			}
		}

		accountID, err := s.bindAccount(ctx, t)
		if err != nil {
			return nil, err
		}
		if accountID == "" {
			continue
		}

		expiry := now.Add(leaseDuration)
		res := s.db.WithContext(ctx).Model(&Task{}).
			Where("id = ?", t.ID).
			Where("status = ? OR (status = ? AND not_before <= ?)",
				StatusQueued, StatusPending, now).
			Updates(map[string]any{
				"status":           StatusLeased,
				"account_id":       accountID,
				"worker_id":        workerID,
				"lease_expires_at": expiry,
				"not_before":       nil,
				"attempts":         gorm.Expr("attempts + 1"),
				"updated_at":       now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker got there first. Give the slot back and move on.
			if err := s.selector.ReleaseSlot(ctx, accountID); err != nil {
				return nil, err
			}
			continue
		}

		t.Status = StatusLeased
		t.AccountID = &accountID
		t.WorkerID = &workerID
		t.LeaseExpiresAt = &expiry
		t.NotBefore = nil
		t.Attempts++
		return t, nil
	}

	return nil, nil
}

func (s *Service) reapExpired(ctx context.Context, t *Task, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", t.ID).
		Where("status = ?", StatusLeased).
		Where("lease_expires_at <= ?", now).
		Updates(map[string]any{
			"status":           StatusQueued,
			"account_id":       nil,
			"worker_id":        nil,
			"lease_expires_at": nil,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if t.AccountID != nil {
		if err := s.selector.ReleaseSlot(ctx, *t.AccountID); err != nil {
			return false, err
		}
	}
	zap.L().Warn("recovered expired lease",
		zap.String("task_id", t.ID), zap.Int("attempts", t.Attempts))

	t.Status = StatusQueued
	t.AccountID = nil
	t.WorkerID = nil
	t.LeaseExpiresAt = nil
	return true, nil
}

func (s *Service) bindAccount(ctx context.Context, t *Task) (string, error) {
	if t.PinnedAccountID != nil {
		ok, err := s.selector.ClaimAccount(ctx, *t.PinnedAccountID, action.Action(t.Action))
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		return *t.PinnedAccountID, nil
	}

	a, err := s.selector.SelectAccount(ctx, action.Action(t.Action))
	if err != nil {
		return "", err
	}
	if a == nil {
		return "", nil
	}
	return a.ID, nil
}

// Complete transitions a leased task to done, records the ledger effect
// and releases the account with success bookkeeping. Completing an
// already-done task is an idempotent success. A stale completer whose
// lease was taken over is rejected via the attempt counter.
func (s *Service) Complete(ctx context.Context, taskID string, result datatypes.JSON) (*Task, error) {
	t, err := s.tasks.FindOne(ctx, &Task{ID: taskID})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errutil.NotFound("task not found")
	}
	if t.Status == StatusDone {
		return t, nil
	}
	if t.Status != StatusLeased {
		return nil, errutil.Conflict("task is not leased")
	}
	if t.AccountID == nil {
		return nil, errutil.Internal("leased task has no account")
	}

	now := s.clock.Now()
	updates := map[string]any{
		"status":     StatusDone,
		"dedup_key":  t.ID,
		"result":     result,
		"updated_at": now,
	}

	kind := action.Action(t.Action)
	if !kind.IsReversal() {
		entry, _, err := s.ledger.RecordIfAbsent(ctx, *t.AccountID, t.TargetHash, kind, nil)
		if err != nil {
			return nil, err
		}
		updates["ledger_entry_id"] = entry.ID
		t.LedgerEntryID = &entry.ID
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", t.ID).
		Where("status = ?", StatusLeased).
		Where("attempts = ?", t.Attempts).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		current, ferr := s.tasks.FindOne(ctx, &Task{ID: taskID})
		if ferr != nil {
			return nil, ferr
		}
		if current != nil && current.Status == StatusDone {
			return current, nil
		}
		return nil, errutil.Conflict("lease lost before completion")
	}

	if err := s.selector.ReleaseSuccess(ctx, *t.AccountID); err != nil {
		return nil, err
	}

	t.Status = StatusDone
	t.DedupKey = t.ID
	t.Result = result
	return t, nil
}

// Fail records a failed attempt. Retryable failures below the attempt cap
// go back to pending with an exponential backoff; everything else is
// terminal. The bound account takes the failure-health penalty matching
// the error kind either way.
func (s *Service) Fail(ctx context.Context, taskID string, cause error) (*Task, error) {
	t, err := s.tasks.FindOne(ctx, &Task{ID: taskID})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errutil.NotFound("task not found")
	}
	if t.Terminal() {
		return t, nil
	}
	if t.Status != StatusLeased {
		return nil, errutil.Conflict("task is not leased")
	}
	if t.AccountID == nil {
		return nil, errutil.Internal("leased task has no account")
	}

	now := s.clock.Now()
	kind := errutil.Classify(cause)
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	updates := map[string]any{
		"account_id": nil,
		"worker_id":  nil,
		"last_error": errMsg,
		"updated_at": now,
	}

	retry := kind.Retryable() && t.Attempts < t.MaxAttempts
	if retry {
		updates["status"] = StatusPending
		updates["not_before"] = now.Add(backoff(s.cfg.Worker.RetryBackoff, t.Attempts))
	} else {
		updates["status"] = StatusFailed
		updates["dedup_key"] = t.ID
	}

	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", t.ID).
		Where("status = ?", StatusLeased).
		Where("attempts = ?", t.Attempts).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("lease lost before failure")
	}

	if err := s.selector.ReleaseFailure(ctx, *t.AccountID, kind, errMsg); err != nil {
		return nil, err
	}

	if retry {
		t.Status = StatusPending
	} else {
		t.Status = StatusFailed
		t.DedupKey = t.ID
		zap.L().Warn("task failed terminally",
			zap.String("task_id", t.ID),
			zap.String("action", t.Action),
			zap.Int("attempts", t.Attempts),
			zap.String("error", errMsg))
	}
	t.AccountID = nil
	t.WorkerID = nil
	t.LastError = errMsg
	return t, nil
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// CancelSubject is best-effort cancellation for everything owned by a
// subject. Tasks not yet leased fail terminally; leased ones are flagged
// so their completion becomes a no-op toward delivery. The external effect
// of an already-executing action is not undone here.
func (s *Service) CancelSubject(ctx context.Context, subject Subject) error {
	now := s.clock.Now()

	if err := s.db.WithContext(ctx).Model(&Task{}).
		Where("subject_kind = ? AND subject_id = ?", subject.Kind, subject.ID).
		Where("status IN ?", []Status{StatusQueued, StatusPending}).
		Updates(map[string]any{
			"status":     StatusFailed,
			"dedup_key":  gorm.Expr("id"),
			"last_error": "canceled",
			"updated_at": now,
		}).Error; err != nil {
		return err
	}

	return s.db.WithContext(ctx).Model(&Task{}).
		Where("subject_kind = ? AND subject_id = ?", subject.Kind, subject.ID).
		Where("status = ?", StatusLeased).
		Updates(map[string]any{
			"cancel_requested": true,
			"updated_at":       now,
		}).Error
}

// Get returns the task by id, nil when absent.
func (s *Service) Get(ctx context.Context, taskID string) (*Task, error) {
	return s.tasks.FindOne(ctx, &Task{ID: taskID})
}

// ListBySubject returns all tasks for a subject, oldest first.
func (s *Service) ListBySubject(ctx context.Context, subject Subject) ([]*Task, error) {
	var out []*Task
	err := s.db.WithContext(ctx).
		Where("subject_kind = ? AND subject_id = ?", subject.Kind, subject.ID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}
