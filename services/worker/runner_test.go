package worker

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"promoplane/pkg/action"
	"promoplane/pkg/clock"
	"promoplane/pkg/config"
	"promoplane/pkg/errutil"
	"promoplane/services/account"
	"promoplane/services/ledger"
	"promoplane/services/order"
	"promoplane/services/reversal"
	"promoplane/services/task"
	"promoplane/services/testutil"
	"promoplane/services/transport"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type executorMock struct {
	executeFn func(ctx context.Context, req transport.Request) (*transport.Result, error)
	requests  []transport.Request
}

func (m *executorMock) Execute(ctx context.Context, req transport.Request) (*transport.Result, error) {
	m.requests = append(m.requests, req)
	if m.executeFn != nil {
		return m.executeFn(ctx, req)
	}
	return &transport.Result{ProviderRef: "ref-1"}, nil
}

type fixture struct {
	runner    *Runner
	exec      *executorMock
	tasks     *task.Service
	orders    *order.Service
	reversals *reversal.Service
	ledger    *ledger.Service
	selector  *account.Selector
	clk       *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&order.Order{}, &task.Task{}, &account.Account{}, &account.Session{},
		&ledger.Entry{}, &reversal.Reversal{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	selector := account.NewSelector(account.SelectorParams{DB: db, Clock: clk, Config: cfg})
	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Clock: clk})
	tasks := task.NewService(task.ServiceParams{DB: db, Node: node, Clock: clk, Config: cfg, Selector: selector, Ledger: ledgerSvc})
	orders := order.NewService(order.ServiceParams{DB: db, Node: node, Clock: clk, Tasks: tasks})
	reversals := reversal.NewService(reversal.ServiceParams{DB: db, Node: node, Clock: clk, Ledger: ledgerSvc, Tasks: tasks})

	require.NoError(t, db.Create(&account.Account{
		ID: "acct-1", Username: "acct-1", Active: true, Weight: 1, Health: account.HealthReady,
		Capacity: 10, HeavyCap: 100, HeavyResetAt: clk.Now().Add(24 * time.Hour),
	}).Error)
	require.NoError(t, db.Create(&account.Session{
		ID: "sess-1", AccountID: "acct-1", SessionRef: "tdlib:acct-1", Status: account.HealthReady,
	}).Error)

	exec := &executorMock{}
	runner := NewRunner("w-test", cfg, clk, tasks, selector, orders, reversals, exec)

	return &fixture{
		runner: runner, exec: exec, tasks: tasks, orders: orders,
		reversals: reversals, ledger: ledgerSvc, selector: selector, clk: clk,
	}
}

// step leases the next task and processes it, one worker loop iteration.
func (f *fixture) step(t *testing.T) *task.Task {
	t.Helper()
	ctx := context.Background()

	leased, err := f.tasks.LeaseNext(ctx, "w-test", 2*time.Minute)
	require.NoError(t, err)
	if leased == nil {
		return nil
	}
	f.runner.process(ctx, leased)
	return leased
}

func TestProcessDeliversOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orders.Create(ctx, order.CreateInput{
		Action: action.Subscribe, TargetLink: "t.me/chan", Quantity: 10,
	})
	require.NoError(t, err)

	leased := f.step(t)
	require.NotNil(t, leased)

	require.Len(t, f.exec.requests, 1)
	require.Equal(t, "acct-1", f.exec.requests[0].AccountID)
	require.Equal(t, "tdlib:acct-1", f.exec.requests[0].SessionRef)
	require.Equal(t, action.Subscribe, f.exec.requests[0].Action)

	done, err := f.tasks.Get(ctx, leased.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusDone, done.Status)

	fresh, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 10, fresh.Delivered)
	require.Equal(t, order.StatusCompleted, fresh.Status)

	active, err := f.ledger.IsActive(ctx, task.Fingerprint("t.me/chan"), action.Subscribe)
	require.NoError(t, err)
	require.True(t, active)
}

func TestProcessSchedulesGuaranteeReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orders.Create(ctx, order.CreateInput{
		Action: action.Subscribe, TargetLink: "t.me/chan", Quantity: 10,
		ReversalAfter: 24 * time.Hour,
	})
	require.NoError(t, err)

	require.NotNil(t, f.step(t))

	bookings, err := f.reversals.ListBySubject(ctx, task.OrderSubject(o.ID))
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	require.Equal(t, "acct-1", bookings[0].AccountID)
	require.Equal(t, f.clk.Now().Add(24*time.Hour), bookings[0].DueAt)
	require.Equal(t, reversal.StatusPending, bookings[0].Status)
}

func TestProcessFailureReleasesAccountWithPenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.exec.executeFn = func(ctx context.Context, req transport.Request) (*transport.Result, error) {
		return nil, errutil.RateLimited("flood wait")
	}

	_, err := f.orders.Create(ctx, order.CreateInput{
		Action: action.Subscribe, TargetLink: "t.me/chan", Quantity: 10,
	})
	require.NoError(t, err)

	leased := f.step(t)
	require.NotNil(t, leased)

	pending, err := f.tasks.Get(ctx, leased.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, pending.Status)

	a, err := f.selector.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 0, a.CurrentUsage)
	require.Equal(t, account.HealthFlood, a.Health)
	require.NotNil(t, a.CooldownUntil)
}

func TestProcessCanceledTaskDoesNotDeliver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.orders.Create(ctx, order.CreateInput{
		Action: action.Subscribe, TargetLink: "t.me/chan", Quantity: 10,
		ReversalAfter: 24 * time.Hour,
	})
	require.NoError(t, err)

	leased, err := f.tasks.LeaseNext(ctx, "w-test", 2*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	// Cancellation lands while the action is in flight.
	require.NoError(t, f.tasks.CancelSubject(ctx, task.OrderSubject(o.ID)))

	f.runner.process(ctx, leased)

	// The effect happened, so the ledger has it, but the order gets no
	// delivery credit and no follow-up reversal.
	active, err := f.ledger.IsActive(ctx, task.Fingerprint("t.me/chan"), action.Subscribe)
	require.NoError(t, err)
	require.True(t, active)

	fresh, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 0, fresh.Delivered)

	bookings, err := f.reversals.ListBySubject(ctx, task.OrderSubject(o.ID))
	require.NoError(t, err)
	require.Empty(t, bookings)
}
