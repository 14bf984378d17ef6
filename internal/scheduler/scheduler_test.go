package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentable/keepsake/internal/models"
)

type fakeStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
}

func newFakeStore(orders ...*models.Order) *fakeStore {
	s := &fakeStore{orders: make(map[uuid.UUID]*models.Order)}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return s
}

func (s *fakeStore) FindByStatusUpdatedBefore(ctx context.Context, status models.OrderStatus, cutoff time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.Status == status && o.UpdatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *fakeStore) FindByStatusCreatedBefore(ctx context.Context, status models.OrderStatus, cutoff time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.Status == status && o.CreatedAt.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *fakeStore) FindByStatusUpdatedBetween(ctx context.Context, status models.OrderStatus, from, to time.Time) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.Status == status && o.UpdatedAt.After(from) && o.UpdatedAt.Before(to) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *fakeStore) RollbackForRetry(ctx context.Context, id uuid.UUID, memo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order not found")
	}
	o.Status = models.OrderStatusPaid
	o.RetryCount++
	o.AdminMemo = &memo
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, memo string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return false, fmt.Errorf("order not found")
	}
	if o.Status.IsTerminal() {
		return false, nil
	}
	o.Status = models.OrderStatusFailed
	o.AdminMemo = &memo
	return true, nil
}

func (s *fakeStore) get(id uuid.UUID) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[id]
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *fakeEnqueuer) EnqueueGenerateVideo(ctx context.Context, orderID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, orderID)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	reminders []uuid.UUID
	alerts    []string
}

func (n *fakeNotifier) SendUploadReminder(ctx context.Context, order *models.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, order.ID)
}

func (n *fakeNotifier) SendFailureAlert(ctx context.Context, order *models.Order, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, reason)
}

func makeOrder(status models.OrderStatus, age time.Duration, retryCount int) *models.Order {
	now := time.Now()
	return &models.Order{
		ID:         uuid.New(),
		Status:     status,
		RetryCount: retryCount,
		CreatedAt:  now.Add(-age),
		UpdatedAt:  now.Add(-age),
	}
}

func TestRecoverStuckOrderRollsBackBelowCeiling(t *testing.T) {
	stuck := makeOrder(models.OrderStatusProcessing, 3*time.Hour, 1)
	store := newFakeStore(stuck)
	q := &fakeEnqueuer{}
	notify := &fakeNotifier{}

	s := New(store, q, notify, t.TempDir())
	require.NoError(t, s.recoverStuckOrders(context.Background()))

	got := store.get(stuck.ID)
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.AdminMemo)
	assert.Contains(t, *got.AdminMemo, "auto-recovered")
	assert.Equal(t, []uuid.UUID{stuck.ID}, q.enqueued)
	assert.Empty(t, notify.alerts)
}

func TestRecoverStuckOrderFailsAtCeiling(t *testing.T) {
	stuck := makeOrder(models.OrderStatusProcessing, 3*time.Hour, models.MaxAutoRetry)
	store := newFakeStore(stuck)
	q := &fakeEnqueuer{}
	notify := &fakeNotifier{}

	s := New(store, q, notify, t.TempDir())
	require.NoError(t, s.recoverStuckOrders(context.Background()))

	got := store.get(stuck.ID)
	assert.Equal(t, models.OrderStatusFailed, got.Status)
	assert.Empty(t, q.enqueued)
	require.Len(t, notify.alerts, 1)
	assert.Contains(t, notify.alerts[0], "retry ceiling")
}

func TestRecoverStuckIgnoresFreshProcessing(t *testing.T) {
	fresh := makeOrder(models.OrderStatusProcessing, 30*time.Minute, 0)
	store := newFakeStore(fresh)
	q := &fakeEnqueuer{}

	s := New(store, q, &fakeNotifier{}, t.TempDir())
	require.NoError(t, s.recoverStuckOrders(context.Background()))

	assert.Equal(t, models.OrderStatusProcessing, store.get(fresh.ID).Status)
	assert.Empty(t, q.enqueued)
}

func TestExpirePendingOrdersBoundary(t *testing.T) {
	old := makeOrder(models.OrderStatusPending, 25*time.Hour, 0)
	fresh := makeOrder(models.OrderStatusPending, time.Hour, 0)
	store := newFakeStore(old, fresh)

	s := New(store, &fakeEnqueuer{}, &fakeNotifier{}, t.TempDir())
	require.NoError(t, s.expirePendingOrders(context.Background()))

	assert.Equal(t, models.OrderStatusFailed, store.get(old.ID).Status)
	assert.Equal(t, models.OrderStatusPending, store.get(fresh.ID).Status)

	memo := store.get(old.ID).AdminMemo
	require.NotNil(t, memo)
	assert.Contains(t, *memo, "expired")
}

func TestRemindPaidOrdersWindow(t *testing.T) {
	inWindow := makeOrder(models.OrderStatusPaid, 5*time.Hour, 0)
	tooFresh := makeOrder(models.OrderStatusPaid, time.Hour, 0)
	tooOld := makeOrder(models.OrderStatusPaid, 20*time.Hour, 0)
	uploaded := makeOrder(models.OrderStatusPaid, 5*time.Hour, 0)
	uploaded.PhotoCount = 6
	store := newFakeStore(inWindow, tooFresh, tooOld, uploaded)
	notify := &fakeNotifier{}

	s := New(store, &fakeEnqueuer{}, notify, t.TempDir())
	require.NoError(t, s.remindPaidOrders(context.Background()))

	assert.Equal(t, []uuid.UUID{inWindow.ID}, notify.reminders)
}
