package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/harvest-orders/internal/notifications"
	"github.com/jogardn/harvest-orders/internal/pricing"
	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	customer = models.Actor{ID: "c-1", Role: models.RoleCustomer}
	farmer   = models.Actor{ID: "f-1", Role: models.RoleFarmer}
	admin    = models.Actor{ID: "root", Role: models.RoleAdmin}
)

type fixture struct {
	machine  *Machine
	orders   *store.MemoryOrderStore
	notifier *notifications.Manager
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Status
	err    error
}

func (p *recordingPublisher) PublishStatusChanged(_ context.Context, o models.Order, _ models.Status, _ models.Actor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, o.Status)
	return p.err
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	orders := store.NewMemoryOrderStore()
	notifier := notifications.NewManager(store.NewMemoryNotificationStore(), logger)
	notifier.SetClock(clock.Now)

	m := NewMachine(orders, logger)
	m.SetClock(clock.Now)
	m.SetNotifier(notifier)
	return &fixture{machine: m, orders: orders, notifier: notifier, clock: clock}
}

func (f *fixture) createOrder(t *testing.T) models.Order {
	t.Helper()
	o, err := f.machine.Create(context.Background(), customer.ID, farmer.ID, []models.OrderItem{{
		ProductID:       "tomatoes",
		UnitPrice:       decimal.NewFromInt(100),
		DiscountPercent: decimal.NewFromInt(20),
		Quantity:        3,
	}})
	require.NoError(t, err)
	return o
}

func TestEndToEndLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)

	lines := pricing.OrderLines(order)
	require.Len(t, lines, 1)
	assert.True(t, pricing.EffectivePrice(lines[0].UnitPrice, lines[0].DiscountPercent).Equal(decimal.NewFromInt(80)))
	assert.True(t, pricing.LineTotal(lines[0]).Equal(decimal.NewFromInt(240)))
	assert.True(t, pricing.Savings(lines).Equal(decimal.NewFromInt(60)))

	chain := models.FulfillmentChain()
	seen := map[models.Status]bool{order.Status: true}
	for i, next := range chain[1:] {
		_, err := f.machine.SubmitFeedback(ctx, order.ID, customer, 5, "early")
		assert.ErrorIs(t, err, ErrFeedbackLocked, "feedback must stay locked before delivery (step %d)", i+1)

		updated, err := f.machine.Transition(ctx, order.ID, next, farmer)
		require.NoError(t, err, "step %d", i+1)
		assert.Equal(t, next, updated.Status)
		assert.False(t, seen[updated.Status], "status revisited")
		seen[updated.Status] = true
		assert.True(t, updated.UpdatedAt.After(order.UpdatedAt))
		order = updated
	}
	assert.Len(t, chain[1:], 6)
	assert.Equal(t, models.StatusDelivered, order.Status)

	list, err := f.notifier.List(ctx, customer.ID)
	require.NoError(t, err)
	assert.Len(t, list, 6)
	for _, n := range list {
		assert.Equal(t, models.KindOrder, n.Kind)
	}

	assert.True(t, CanSubmitFeedback(order))
	withFeedback, err := f.machine.SubmitFeedback(ctx, order.ID, customer, 5, "crisp and fresh")
	require.NoError(t, err)
	require.NotNil(t, withFeedback.Feedback)
	assert.Equal(t, 5, withFeedback.Feedback.Rating)
	assert.Equal(t, order.UpdatedAt, withFeedback.UpdatedAt, "feedback does not touch updated_at")

	_, err = f.machine.SubmitFeedback(ctx, order.ID, customer, 4, "again")
	assert.ErrorIs(t, err, ErrFeedbackExists)

	_, err = f.machine.Transition(ctx, order.ID, models.StatusCancelled, farmer)
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestAdvanceReachesDeliveredInSixSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)

	steps := 0
	for {
		next, err := f.machine.Advance(ctx, order.ID, farmer)
		if errors.Is(err, ErrTerminalState) {
			break
		}
		require.NoError(t, err)
		steps++
		order = next
	}
	assert.Equal(t, 6, steps)
	assert.Equal(t, models.StatusDelivered, order.Status)
}

func TestTransitionRejectsSkipsAndBackwardMoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)

	got, err := f.machine.Transition(ctx, order.ID, models.StatusDelivered, farmer)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StatusPending, got.Status, "authoritative order returned on failure")

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, models.StatusPending, te.From)
	assert.Equal(t, models.StatusDelivered, te.To)

	_, err = f.machine.Transition(ctx, order.ID, models.StatusConfirmed, farmer)
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, order.ID, models.StatusPending, farmer)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.machine.Transition(ctx, order.ID, models.StatusRejected, farmer)
	assert.ErrorIs(t, err, ErrInvalidTransition, "rejection only from pending")
	_, err = f.machine.Transition(ctx, order.ID, models.Status("teleported"), farmer)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionPermissions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare []models.Status
		actor   models.Actor
		to      models.Status
		wantErr error
	}{
		{"customer_cannot_confirm", nil, customer, models.StatusConfirmed, ErrForbidden},
		{"customer_cancels_pending", nil, customer, models.StatusCancelled, nil},
		{"customer_cannot_cancel_after_confirm", []models.Status{models.StatusConfirmed}, customer, models.StatusCancelled, ErrForbidden},
		{"farmer_cancels_packed", []models.Status{models.StatusConfirmed, models.StatusPacked}, farmer, models.StatusCancelled, nil},
		{"customer_cannot_reject", nil, customer, models.StatusRejected, ErrForbidden},
		{"farmer_rejects_pending", nil, farmer, models.StatusRejected, nil},
		{"other_farmer_forbidden", nil, models.Actor{ID: "f-2", Role: models.RoleFarmer}, models.StatusConfirmed, ErrForbidden},
		{"admin_confirms", nil, admin, models.StatusConfirmed, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			order := f.createOrder(t)
			for _, s := range tt.prepare {
				_, err := f.machine.Transition(ctx, order.ID, s, farmer)
				require.NoError(t, err)
			}
			_, err := f.machine.Transition(ctx, order.ID, tt.to, tt.actor)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTerminalBranches(t *testing.T) {
	ctx := context.Background()
	for _, terminal := range []models.Status{models.StatusCancelled, models.StatusRejected} {
		t.Run(string(terminal), func(t *testing.T) {
			f := newFixture(t)
			order := f.createOrder(t)
			_, err := f.machine.Transition(ctx, order.ID, terminal, farmer)
			require.NoError(t, err)

			_, err = f.machine.Transition(ctx, order.ID, models.StatusConfirmed, farmer)
			assert.ErrorIs(t, err, ErrTerminalState)
		})
	}
}

func TestConcurrentTransitionsOnSameOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)

	const racers = 2
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.machine.Transition(ctx, order.ID, models.StatusConfirmed, farmer)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var successes, invalid int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminalState):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, invalid)

	count, _ := f.notifier.UnreadCount(ctx, customer.ID)
	assert.Equal(t, 1, count, "only the winning transition notifies")
}

func TestManyConcurrentAdvancesNeverSkip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.machine.Advance(ctx, order.ID, farmer)
		}()
	}
	wg.Wait()

	list, err := f.notifier.List(ctx, customer.ID)
	require.NoError(t, err)
	final, err := f.machine.Get(ctx, order.ID)
	require.NoError(t, err)

	idx := -1
	for i, s := range models.FulfillmentChain() {
		if s == final.Status {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 1)
	assert.Len(t, list, idx, "one notification per step actually taken")
}

func TestSideEffectFailuresDoNotRollBack(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	orders := store.NewMemoryOrderStore()
	m := NewMachine(orders, logger)
	m.SetNotifier(notifications.NewManager(brokenNotificationStore{}, logger))
	pub := &recordingPublisher{err: errors.New("broker down")}
	m.SetPublisher(pub)

	order, err := m.Create(ctx, customer.ID, farmer.ID, []models.OrderItem{{ProductID: "p", UnitPrice: decimal.NewFromInt(1), DiscountPercent: decimal.Zero, Quantity: 1}})
	require.NoError(t, err)

	updated, err := m.Transition(ctx, order.ID, models.StatusConfirmed, farmer)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, updated.Status)

	stored, err := orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
	assert.Equal(t, []models.Status{models.StatusConfirmed}, pub.events)
}

func TestFeedbackRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.createOrder(t)
	for _, s := range models.FulfillmentChain()[1:] {
		_, err := f.machine.Transition(ctx, order.ID, s, farmer)
		require.NoError(t, err)
	}

	_, err := f.machine.SubmitFeedback(ctx, order.ID, customer, 0, "")
	assert.ErrorIs(t, err, ErrInvalidRating)
	_, err = f.machine.SubmitFeedback(ctx, order.ID, customer, 6, "")
	assert.ErrorIs(t, err, ErrInvalidRating)
	_, err = f.machine.SubmitFeedback(ctx, order.ID, farmer, 5, "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.machine.SubmitFeedback(ctx, "missing", customer, 5, "")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.SubmitFeedback(ctx, order.ID, customer, 4, "good")
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrFeedbackExists)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestCreateValidatesItems(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Create(context.Background(), customer.ID, farmer.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = f.machine.Create(context.Background(), customer.ID, farmer.ID, []models.OrderItem{{
		ProductID: "p", UnitPrice: decimal.NewFromInt(1), DiscountPercent: decimal.NewFromInt(120), Quantity: 1,
	}})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestTransitionUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Transition(context.Background(), "missing", models.StatusConfirmed, farmer)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

type brokenNotificationStore struct{}

func (brokenNotificationStore) Insert(context.Context, models.Notification) error {
	return errors.New("notification store down")
}
func (brokenNotificationStore) MarkRead(context.Context, string, string) error { return nil }
func (brokenNotificationStore) MarkAllRead(context.Context, string) (int, error) {
	return 0, nil
}
func (brokenNotificationStore) CountUnread(context.Context, string) (int, error) { return 0, nil }
func (brokenNotificationStore) ListByOwner(context.Context, string) ([]models.Notification, error) {
	return nil, nil
}
