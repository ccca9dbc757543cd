package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/pkg/errutil"
	"promoplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestSelector(t *testing.T) (*Selector, *clock.Mock) {
	t.Helper()

	db := testutil.NewTestDB(t, &Account{}, &Session{})
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	return NewSelector(SelectorParams{DB: db, Clock: clk, Config: cfg}), clk
}

func seedAccount(t *testing.T, s *Selector, a *Account) *Account {
	t.Helper()
	if a.Health == "" {
		a.Health = HealthReady
	}
	if a.Weight == 0 {
		a.Weight = 1
	}
	require.NoError(t, s.db.Create(a).Error)
	return a
}

func TestSelectAccountClaimsSlot(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{ID: "a1", Username: "one", Active: true, Capacity: 5, HeavyCap: 10, HeavyResetAt: clk.Now().Add(time.Hour)})

	got, err := s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "a1", got.ID)

	fresh, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 1, fresh.CurrentUsage)
	require.Equal(t, 1, fresh.HeavyUsed)
	require.NotNil(t, fresh.LastUsedAt)
}

func TestSelectAccountExcludesFullAccount(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{ID: "full", Username: "full", Active: true, Capacity: 5, CurrentUsage: 5, HeavyCap: 10, HeavyResetAt: clk.Now().Add(time.Hour)})

	got, err := s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.Nil(t, got)

	// Freeing one slot makes the account eligible again.
	require.NoError(t, s.ReleaseSuccess(ctx, "full"))

	got, err = s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "full", got.ID)
}

func TestSelectAccountSkipsInactiveAndCoolingDown(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	cooldown := clk.Now().Add(time.Hour)
	seedAccount(t, s, &Account{ID: "off", Username: "off", Active: false, Capacity: 5})
	seedAccount(t, s, &Account{ID: "cold", Username: "cold", Active: true, Capacity: 5, CooldownUntil: &cooldown, HeavyCap: 10, HeavyResetAt: clk.Now().Add(time.Hour)})

	got, err := s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.Nil(t, got)

	// Cooldown over.
	clk.Advance(2 * time.Hour)
	got, err = s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "cold", got.ID)
}

func TestSelectAccountHeavyQuotaWindowReset(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{
		ID: "h1", Username: "heavy", Active: true, Capacity: 10,
		HeavyCap: 2, HeavyUsed: 2, HeavyResetAt: clk.Now().Add(time.Hour),
	})

	// Quota spent and window still open: heavy actions are off the table,
	// light ones are not.
	got, err := s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = s.SelectAccount(ctx, action.View)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Window lapses: quota resets and advances a day.
	clk.Advance(2 * time.Hour)
	got, err = s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.NotNil(t, got)

	fresh, err := s.Get(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, 1, fresh.HeavyUsed)
	require.True(t, fresh.HeavyResetAt.After(clk.Now().Add(23*time.Hour)))
}

func TestSelectAccountPrefersHealthier(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	reset := clk.Now().Add(time.Hour)
	seedAccount(t, s, &Account{ID: "flaky", Username: "flaky", Active: true, Capacity: 10, HeavyCap: 10, HeavyResetAt: reset, SuccessCount: 1, FailureCount: 9})
	seedAccount(t, s, &Account{ID: "solid", Username: "solid", Active: true, Capacity: 10, HeavyCap: 10, HeavyResetAt: reset, SuccessCount: 9, FailureCount: 1})

	got, err := s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.Equal(t, "solid", got.ID)
}

func TestSelectAccountLeastRecentlyUsedBreaksTies(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	reset := clk.Now().Add(time.Hour)
	old := clk.Now().Add(-2 * time.Hour)
	recent := clk.Now().Add(-time.Minute)
	seedAccount(t, s, &Account{ID: "recent", Username: "recent", Active: true, Capacity: 10, HeavyCap: 10, HeavyResetAt: reset, LastUsedAt: &recent})
	seedAccount(t, s, &Account{ID: "idle", Username: "idle", Active: true, Capacity: 10, HeavyCap: 10, HeavyResetAt: reset, LastUsedAt: &old})

	got, err := s.SelectAccount(ctx, action.Subscribe)
	require.NoError(t, err)
	require.Equal(t, "idle", got.ID)
}

func TestReleaseFailureFloodSetsCooldown(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{ID: "a1", Username: "one", Active: true, Capacity: 5, CurrentUsage: 1})

	require.NoError(t, s.ReleaseFailure(ctx, "a1", errutil.StatusRateLimited, "flood wait 1800s"))

	fresh, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 0, fresh.CurrentUsage)
	require.Equal(t, 1, fresh.FailCount)
	require.Equal(t, HealthFlood, fresh.Health)
	require.NotNil(t, fresh.CooldownUntil)
	require.Equal(t, clk.Now().Add(30*time.Minute).Unix(), fresh.CooldownUntil.Unix())
	require.True(t, fresh.Active)
}

func TestReleaseFailureBanDisablesPermanently(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{ID: "a1", Username: "one", Active: true, Capacity: 5, CurrentUsage: 1})

	require.NoError(t, s.ReleaseFailure(ctx, "a1", errutil.StatusPermanent, "account banned"))

	fresh, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.False(t, fresh.Active)
	require.Equal(t, HealthBanned, fresh.Health)
}

func TestReleaseFailureDisablesPastThreshold(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{ID: "a1", Username: "one", Active: true, Capacity: 5, CurrentUsage: 1, FailCount: 9})

	require.NoError(t, s.ReleaseFailure(ctx, "a1", errutil.StatusTransient, "timeout"))

	fresh, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 10, fresh.FailCount)
	require.False(t, fresh.Active)
}

func TestReleaseSuccessDecaysFailCountSlowly(t *testing.T) {
	s, _ := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{ID: "a1", Username: "one", Active: true, Capacity: 5, CurrentUsage: 5, FailCount: 3})

	// One success must not erase the flood warning.
	require.NoError(t, s.ReleaseSuccess(ctx, "a1"))
	fresh, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 3, fresh.FailCount)
	require.Equal(t, 1, fresh.SuccessStreak)

	// Five in a row do.
	for i := 0; i < 4; i++ {
		require.NoError(t, s.ReleaseSuccess(ctx, "a1"))
	}
	fresh, err = s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 0, fresh.FailCount)
	require.Equal(t, int64(5), fresh.SuccessCount)
}

func TestClaimNeverExceedsCapacity(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{ID: "a1", Username: "one", Active: true, Capacity: 3, HeavyCap: 10, HeavyResetAt: clk.Now().Add(time.Hour)})

	for i := 0; i < 3; i++ {
		ok, err := s.ClaimAccount(ctx, "a1", action.Unsubscribe)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := s.ClaimAccount(ctx, "a1", action.Unsubscribe)
	require.NoError(t, err)
	require.False(t, ok)

	fresh, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 3, fresh.CurrentUsage)
}

func TestClaimRechecksCooldown(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	cooldown := clk.Now().Add(time.Hour)
	seedAccount(t, s, &Account{
		ID: "a1", Username: "one", Active: true, Capacity: 5,
		CooldownUntil: &cooldown, HeavyCap: 10, HeavyResetAt: clk.Now().Add(time.Hour),
	})

	// The selection-path claim refuses an account that started cooling down
	// after the candidate scan.
	ok, err := s.claim(ctx, "a1", false, false, clk.Now())
	require.NoError(t, err)
	require.False(t, ok)

	// A pinned claim still goes through; the reversal must run here.
	ok, err = s.ClaimAccount(ctx, "a1", action.Unsubscribe)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaimAccountCountsHeavyQuota(t *testing.T) {
	s, clk := newTestSelector(t)
	ctx := context.Background()

	seedAccount(t, s, &Account{
		ID: "a1", Username: "one", Active: true, Capacity: 5,
		HeavyCap: 1, HeavyUsed: 1, HeavyResetAt: clk.Now().Add(time.Hour),
	})

	// Quota spent: a pinned heavy claim waits like any other write.
	ok, err := s.ClaimAccount(ctx, "a1", action.Unsubscribe)
	require.NoError(t, err)
	require.False(t, ok)

	// Light actions are unaffected.
	ok, err = s.ClaimAccount(ctx, "a1", action.View)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseSlot(ctx, "a1"))

	// Window lapses: the pinned claim resets it and counts against it.
	clk.Advance(2 * time.Hour)
	ok, err = s.ClaimAccount(ctx, "a1", action.Unsubscribe)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 1, fresh.HeavyUsed)
	require.True(t, fresh.HeavyResetAt.After(clk.Now().Add(23*time.Hour)))
}
