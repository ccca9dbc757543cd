package dripfeed

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
	"promoplane/services/account"
	"promoplane/services/ledger"
	"promoplane/services/order"
	"promoplane/services/task"
	"promoplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	svc    *Service
	tasks  *task.Service
	orders *order.Service
	clk    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &order.Order{}, &task.Task{}, &account.Account{}, &account.Session{}, &ledger.Entry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	selector := account.NewSelector(account.SelectorParams{DB: db, Clock: clk, Config: cfg})
	ledgerSvc := ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Clock: clk})
	tasks := task.NewService(task.ServiceParams{DB: db, Node: node, Clock: clk, Config: cfg, Selector: selector, Ledger: ledgerSvc})
	orders := order.NewService(order.ServiceParams{DB: db, Node: node, Clock: clk, Tasks: tasks})

	require.NoError(t, db.Create(&account.Account{
		ID: "acct-1", Username: "acct-1", Active: true, Weight: 1, Health: account.HealthReady,
		Capacity: 100, HeavyCap: 1000, HeavyResetAt: clk.Now().Add(24 * time.Hour),
	}).Error)

	return &fixture{
		svc:    NewService(ServiceParams{DB: db, Clock: clk, Tasks: tasks}),
		tasks:  tasks,
		orders: orders,
		clk:    clk,
	}
}

func (f *fixture) createDripfeedOrder(t *testing.T, quantity, perRun, intervalMin int) *order.Order {
	t.Helper()

	in := order.CreateInput{
		Action:     action.Subscribe,
		TargetLink: "t.me/chan",
		Quantity:   quantity,
	}
	in.Dripfeed.Enabled = true
	in.Dripfeed.QuantityPerRun = perRun
	in.Dripfeed.Interval = intervalMin
	in.Dripfeed.IntervalUnit = order.UnitMinute

	o, err := f.orders.Create(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, o.DripfeedNextRunAt)
	return o
}

// deliverChunk leases the open chunk task and completes it, mirroring what
// a worker does.
func (f *fixture) deliverChunk(t *testing.T, orderID string) {
	t.Helper()
	ctx := context.Background()

	leased, err := f.tasks.LeaseNext(ctx, "w1", 2*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	done, err := f.tasks.Complete(ctx, leased.ID, nil)
	require.NoError(t, err)
	require.NoError(t, f.orders.MarkDelivered(ctx, orderID, done.Quantity))
}

func TestSweepMaterializesChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createDripfeedOrder(t, 25, 10, 5)

	require.NoError(t, f.svc.Sweep(ctx))

	list, err := f.tasks.ListBySubject(ctx, task.OrderSubject(o.ID))
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 10, list[0].Quantity)

	fresh, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 1, fresh.DripfeedRunIndex)
	require.Equal(t, f.clk.Now().Add(5*time.Minute), *fresh.DripfeedNextRunAt)
}

func TestSweepDoesNotAdvanceWhileChunkOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createDripfeedOrder(t, 25, 10, 5)

	require.NoError(t, f.svc.Sweep(ctx))
	f.clk.Advance(5 * time.Minute)

	// The first chunk was never delivered, so the tick enqueues nothing new
	// and next_run_at stays put for a retry at the next tick.
	require.NoError(t, f.svc.Sweep(ctx))

	list, err := f.tasks.ListBySubject(ctx, task.OrderSubject(o.ID))
	require.NoError(t, err)
	require.Len(t, list, 1)

	fresh, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 1, fresh.DripfeedRunIndex)
	require.NotNil(t, fresh.DripfeedNextRunAt)
	require.False(t, fresh.DripfeedNextRunAt.After(f.clk.Now()))
}

func TestDripfeedDeliversExactlyTotalQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.createDripfeedOrder(t, 25, 10, 5)

	delivered := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, f.svc.Sweep(ctx))

		leased, err := f.tasks.LeaseNext(ctx, "w1", 2*time.Minute)
		if leased == nil {
			require.NoError(t, err)
			break
		}
		require.NoError(t, err)
		delivered += leased.Quantity

		done, err := f.tasks.Complete(ctx, leased.ID, nil)
		require.NoError(t, err)
		require.NoError(t, f.orders.MarkDelivered(ctx, o.ID, done.Quantity))

		f.clk.Advance(5 * time.Minute)
	}

	// 10 + 10 + 5, never more than the order total.
	require.Equal(t, 25, delivered)

	fresh, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 25, fresh.Delivered)
	require.Equal(t, order.StatusCompleted, fresh.Status)
	require.Nil(t, fresh.DripfeedNextRunAt)
}

func TestDripfeedStopsAtRunsTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := order.CreateInput{Action: action.Subscribe, TargetLink: "t.me/chan", Quantity: 100}
	in.Dripfeed.Enabled = true
	in.Dripfeed.QuantityPerRun = 10
	in.Dripfeed.Interval = 1
	in.Dripfeed.IntervalUnit = order.UnitMinute
	in.Dripfeed.RunsTotal = 2
	o, err := f.orders.Create(ctx, in)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.Sweep(ctx))
		f.deliverChunk(t, o.ID)
		f.clk.Advance(time.Minute)
	}

	fresh, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 2, fresh.DripfeedRunIndex)
	require.Nil(t, fresh.DripfeedNextRunAt)

	// A further sweep creates nothing.
	require.NoError(t, f.svc.Sweep(ctx))
	list, err := f.tasks.ListBySubject(ctx, task.OrderSubject(o.ID))
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestSweepSkipsOrdersNotDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := order.CreateInput{Action: action.Subscribe, TargetLink: "t.me/chan", Quantity: 20}
	in.Dripfeed.Enabled = true
	in.Dripfeed.QuantityPerRun = 10
	in.Dripfeed.Interval = 10
	in.Dripfeed.IntervalUnit = order.UnitMinute
	o, err := f.orders.Create(ctx, in)
	require.NoError(t, err)

	require.NoError(t, f.svc.Sweep(ctx))
	f.deliverChunk(t, o.ID)

	// Second run is 10 minutes out; an early sweep must not produce it.
	f.clk.Advance(time.Minute)
	require.NoError(t, f.svc.Sweep(ctx))

	list, err := f.tasks.ListBySubject(ctx, task.OrderSubject(o.ID))
	require.NoError(t, err)
	require.Len(t, list, 1)
}
