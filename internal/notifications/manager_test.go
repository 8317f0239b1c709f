package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu   sync.Mutex
	seen []models.Notification
}

func (l *recordingListener) NotificationCreated(n models.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, n)
}

type failingStore struct{ *store.MemoryNotificationStore }

func (failingStore) Insert(context.Context, models.Notification) error {
	return errors.New("store unavailable")
}

func newTestManager() *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewManager(store.NewMemoryNotificationStore(), logger)
}

func TestAppendAssignsFreshUnreadNotification(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return fixed })
	l := &recordingListener{}
	m.SetListener(l)

	a, err := m.Append(ctx, "u-1", models.KindMessage, "hi", "hello")
	require.NoError(t, err)
	b, err := m.Append(ctx, "u-1", models.KindMessage, "hi", "hello")
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "manager does not deduplicate")
	assert.False(t, a.Read)
	assert.Equal(t, fixed, a.CreatedAt)
	assert.Len(t, l.seen, 2)

	count, err := m.UnreadCount(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAppendPropagatesStoreFailure(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := NewManager(failingStore{store.NewMemoryNotificationStore()}, logger)
	l := &recordingListener{}
	m.SetListener(l)

	_, err := m.Append(context.Background(), "u-1", models.KindOrder, "t", "b")
	assert.Error(t, err)
	assert.Empty(t, l.seen, "listener only hears about stored notifications")
}

func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	n, err := m.Append(ctx, "u-1", models.KindOrder, "t", "b")
	require.NoError(t, err)

	assert.ErrorIs(t, m.MarkRead(ctx, "u-2", n.ID), ErrNotFound)
	unread, err := m.UnreadCount(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	require.NoError(t, m.MarkRead(ctx, "u-1", n.ID))
	require.NoError(t, m.MarkRead(ctx, "u-1", n.ID))

	list, err := m.List(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)

	assert.ErrorIs(t, m.MarkRead(ctx, "u-1", "missing"), ErrNotFound)
}

func TestMarkAllReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()
	for i := 0; i < 3; i++ {
		_, err := m.Append(ctx, "u-1", models.KindAnnouncement, "t", "b")
		require.NoError(t, err)
	}
	_, err := m.Append(ctx, "u-2", models.KindAnnouncement, "t", "b")
	require.NoError(t, err)

	changed, err := m.MarkAllRead(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 3, changed)

	changed, err = m.MarkAllRead(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	count, _ := m.UnreadCount(ctx, "u-1")
	assert.Equal(t, 0, count)
	other, _ := m.UnreadCount(ctx, "u-2")
	assert.Equal(t, 1, other)
}

func TestUnreadCountTracksConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	m := newTestManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Append(ctx, "u-1", models.KindOrder, "t", "b")
		}()
	}
	wg.Wait()

	count, err := m.UnreadCount(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 50, count)
}
