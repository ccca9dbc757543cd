package account

import (
	"context"
	"sort"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/pkg/errutil"
	"promoplane/pkg/repository"
)

// Selector allocates accounts to tasks. Selection and the usage increment
// are a single conditional UPDATE keyed by id, so two concurrent leases can
// never push an account past its capacity.
type Selector struct {
	db       *gorm.DB
	clock    clock.Clock
	cfg      *config.Config
	accounts repository.Repository[Account]
	sessions repository.Repository[Session]
}

type SelectorParams struct {
	fx.In
	DB     *gorm.DB
	Clock  clock.Clock
	Config *config.Config
}

func NewSelector(p SelectorParams) *Selector {
	return &Selector{
		db:       p.DB,
		clock:    p.Clock,
		cfg:      p.Config,
		accounts: repository.ProvideStore[Account](p.DB),
		sessions: repository.ProvideStore[Session](p.DB),
	}
}

// SelectAccount picks an eligible account for the action kind and claims one
// usage slot on it. Returns (nil, nil) when no account is eligible — callers
// treat that as ResourceExhausted and leave the task queued.
func (s *Selector) SelectAccount(ctx context.Context, kind action.Action) (*Account, error) {
	now := s.clock.Now()

	query := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("current_usage < capacity").
		Where("cooldown_until IS NULL OR cooldown_until <= ?", now)

	if kind.Heavy() {
		query = query.Where("heavy_used < heavy_cap OR heavy_reset_at <= ?", now)
	}

	var candidates []*Account
	if err := query.Find(&candidates).Error; err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if kind.Heavy() {
		for _, a := range candidates {
			if !a.HeavyResetAt.After(now) {
				if err := s.resetHeavyWindow(ctx, a, now); err != nil {
					return nil, err
				}
			}
		}
	}

	rankCandidates(candidates)

	for _, a := range candidates {
		ok, err := s.claim(ctx, a.ID, kind.Heavy(), false, now)
		if err != nil {
			return nil, err
		}
		if ok {
			a.CurrentUsage++
			return a, nil
		}
	}

	return nil, nil
}

// ClaimAccount claims a usage slot on a specific account, used when a
// reversal must run on the account that performed the original action.
// Cooldown is deliberately not checked: the pinned undo has nowhere else
// to run and a cooling account may still unwind its own effect. The heavy
// daily quota does apply; a reversal is as much a write as the original.
func (s *Selector) ClaimAccount(ctx context.Context, accountID string, kind action.Action) (bool, error) {
	now := s.clock.Now()

	if kind.Heavy() {
		a, err := s.Get(ctx, accountID)
		if err != nil {
			return false, err
		}
		if a == nil {
			return false, nil
		}
		if !a.HeavyResetAt.After(now) {
			if err := s.resetHeavyWindow(ctx, a, now); err != nil {
				return false, err
			}
		}
	}

	return s.claim(ctx, accountID, kind.Heavy(), true, now)
}

// claim re-checks every eligibility predicate inside the UPDATE itself, so
// an account that changed between the candidate scan and the claim cannot
// be over-allocated or picked while cooling down. Pinned claims skip the
// cooldown predicate, see ClaimAccount.
func (s *Selector) claim(ctx context.Context, accountID string, heavy, pinned bool, now time.Time) (bool, error) {
	updates := map[string]any{
		"current_usage": gorm.Expr("current_usage + 1"),
		"last_used_at":  now,
		"updated_at":    now,
	}

	tx := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Where("active = ?", true).
		Where("current_usage < capacity")

	if !pinned {
		tx = tx.Where("cooldown_until IS NULL OR cooldown_until <= ?", now)
	}
	if heavy {
		updates["heavy_used"] = gorm.Expr("heavy_used + 1")
		tx = tx.Where("heavy_used < heavy_cap")
	}

	res := tx.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Selector) resetHeavyWindow(ctx context.Context, a *Account, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", a.ID).
		Where("heavy_reset_at <= ?", now).
		Updates(map[string]any{
			"heavy_used":     0,
			"heavy_reset_at": now.Add(24 * time.Hour),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		a.HeavyUsed = 0
		a.HeavyResetAt = now.Add(24 * time.Hour)
	}
	return nil
}

// rankCandidates orders accounts healthiest-first: higher configured weight
// and success/failure ratio win, least-recently-used breaks ties.
func rankCandidates(accounts []*Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		si, sj := score(accounts[i]), score(accounts[j])
		if si != sj {
			return si > sj
		}
		li, lj := lastUsed(accounts[i]), lastUsed(accounts[j])
		return li.Before(lj)
	})
}

func score(a *Account) float64 {
	w := float64(a.Weight)
	if w <= 0 {
		w = 1
	}
	return w * float64(1+a.SuccessCount) / float64(1+a.FailureCount)
}

func lastUsed(a *Account) time.Time {
	if a.LastUsedAt == nil {
		return time.Time{}
	}
	return *a.LastUsedAt
}

// ReleaseSuccess frees the usage slot and applies success health
// bookkeeping. The consecutive-failure counter decays only after
// SuccessDecay successes in a row, so a single success does not erase a
// flood warning.
func (s *Selector) ReleaseSuccess(ctx context.Context, accountID string) error {
	now := s.clock.Now()

	if err := s.releaseSlot(ctx, accountID, now); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"success_count":  gorm.Expr("success_count + 1"),
			"success_streak": gorm.Expr("success_streak + 1"),
			"health":         HealthReady,
			"updated_at":     now,
		}).Error; err != nil {
		return err
	}

	return s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Where("success_streak >= ?", s.cfg.Pool.SuccessDecay).
		Updates(map[string]any{
			"fail_count":     0,
			"success_streak": 0,
			"updated_at":     now,
		}).Error
}

// ReleaseFailure frees the usage slot and applies the penalty matching the
// error kind: flood-wait cools the account down, a ban disables it for good,
// transient errors only record themselves.
func (s *Selector) ReleaseFailure(ctx context.Context, accountID string, kind errutil.CoreStatus, errMsg string) error {
	now := s.clock.Now()

	if err := s.releaseSlot(ctx, accountID, now); err != nil {
		return err
	}

	updates := map[string]any{
		"fail_count":     gorm.Expr("fail_count + 1"),
		"failure_count":  gorm.Expr("failure_count + 1"),
		"success_streak": 0,
		"last_error_at":  now,
		"last_error":     errMsg,
		"updated_at":     now,
	}

	switch kind {
	case errutil.StatusRateLimited:
		updates["cooldown_until"] = now.Add(s.cfg.Pool.FloodCooldown)
		updates["health"] = HealthFlood
	case errutil.StatusPermanent:
		updates["active"] = false
		updates["health"] = HealthBanned
	default:
		updates["health"] = HealthError
	}

	if err := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Updates(updates).Error; err != nil {
		return err
	}

	// Too many consecutive failures disables the account until an operator
	// looks at it.
	res := s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Where("active = ?", true).
		Where("fail_count >= ?", s.cfg.Pool.DisableThreshold).
		Updates(map[string]any{
			"active":     false,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		zap.L().Warn("account disabled after repeated failures", zap.String("account_id", accountID))
	}

	return nil
}

// ReleaseSlot frees the usage slot without health bookkeeping, used when a
// claimed task could not be handed to the account after all.
func (s *Selector) ReleaseSlot(ctx context.Context, accountID string) error {
	return s.releaseSlot(ctx, accountID, s.clock.Now())
}

func (s *Selector) releaseSlot(ctx context.Context, accountID string, now time.Time) error {
	return s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Where("current_usage > 0").
		Updates(map[string]any{
			"current_usage": gorm.Expr("current_usage - 1"),
			"updated_at":    now,
		}).Error
}

// Get returns the directory entry.
func (s *Selector) Get(ctx context.Context, accountID string) (*Account, error) {
	return s.accounts.FindOne(ctx, &Account{ID: accountID})
}

// SessionRef resolves the automation-session reference handed to the
// transport for a given account.
func (s *Selector) SessionRef(ctx context.Context, accountID string) (string, error) {
	sess, err := s.sessions.FindOne(ctx, &Session{AccountID: accountID})
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", nil
	}
	return sess.SessionRef, nil
}
