package redisx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jogardn/harvest-orders/internal/notifications"
	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*NotificationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := New(mr.Addr())
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, Ping(context.Background(), rdb))
	return NewNotificationStore(rdb), mr
}

func notification(owner, title string) models.Notification {
	return models.Notification{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Kind:      models.KindOrder,
		Title:     title,
		CreatedAt: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestInsertAndList(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	first := notification("f-1", "first")
	second := notification("f-1", "second")
	require.NoError(t, s.Insert(ctx, first))
	require.NoError(t, s.Insert(ctx, second))
	require.NoError(t, s.Insert(ctx, notification("f-2", "other")))

	list, err := s.ListByOwner(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Title, "newest first")
	assert.Equal(t, "first", list[1].Title)
	assert.False(t, list[0].Read)
	assert.True(t, mr.Exists("notif:"+first.ID))

	err = s.Insert(ctx, first)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	count, err := s.CountUnread(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	n := notification("c-1", "hello")
	require.NoError(t, s.Insert(ctx, n))

	assert.ErrorIs(t, s.MarkRead(ctx, "f-1", n.ID), store.ErrNotFound, "other owners cannot mark it")
	count, err := s.CountUnread(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.MarkRead(ctx, "c-1", n.ID))
	require.NoError(t, s.MarkRead(ctx, "c-1", n.ID))

	count, err = s.CountUnread(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	list, err := s.ListByOwner(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Read)

	assert.ErrorIs(t, s.MarkRead(ctx, "c-1", "missing"), store.ErrNotFound)
}

func TestMarkAllRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, notification("c-1", "n")))
	}

	changed, err := s.MarkAllRead(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 3, changed)

	changed, err = s.MarkAllRead(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	list, err := s.ListByOwner(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManagerOverRedis(t *testing.T) {
	s, _ := newTestStore(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := notifications.NewManager(s, logger)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Append(ctx, "f-1", models.KindMessage, "ping", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, err := m.UnreadCount(ctx, "f-1")
	require.NoError(t, err)
	assert.Equal(t, 20, count)

	err = m.MarkRead(ctx, "f-1", "missing")
	assert.ErrorIs(t, err, notifications.ErrNotFound)
}
