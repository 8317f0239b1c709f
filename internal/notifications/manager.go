// Package notifications keeps the per-actor read/unread notification log.
//
// The manager never deduplicates. Callers that turn one detected event into a
// notification are responsible for calling Append once per event.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("notification not found")

type Store interface {
	Insert(ctx context.Context, n models.Notification) error
	// MarkRead reports store.ErrNotFound for ids that ownerID does not own.
	MarkRead(ctx context.Context, ownerID, id string) error
	MarkAllRead(ctx context.Context, ownerID string) (int, error)
	CountUnread(ctx context.Context, ownerID string) (int, error)
	ListByOwner(ctx context.Context, ownerID string) ([]models.Notification, error)
}

// Listener is told about every notification after it is stored.
type Listener interface {
	NotificationCreated(n models.Notification)
}

type Manager struct {
	store    Store
	listener Listener
	logger   *logrus.Logger
	now      func() time.Time
}

func NewManager(store Store, logger *logrus.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (m *Manager) SetListener(l Listener) { m.listener = l }

func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Append stores a new unread notification for ownerID.
func (m *Manager) Append(ctx context.Context, ownerID string, kind models.NotificationKind, title, body string) (models.Notification, error) {
	n := models.Notification{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: m.now(),
	}
	if err := m.store.Insert(ctx, n); err != nil {
		return models.Notification{}, fmt.Errorf("failed to append notification: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"owner_id":        ownerID,
		"kind":            kind,
	}).Debug("Notification appended")

	if m.listener != nil {
		m.listener.NotificationCreated(n)
	}
	return n, nil
}

// MarkRead is idempotent; marking a read notification again is not an error.
// Another owner's notification is reported as not found.
func (m *Manager) MarkRead(ctx context.Context, ownerID, id string) error {
	err := m.store.MarkRead(ctx, ownerID, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// MarkAllRead returns how many notifications changed state.
func (m *Manager) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	n, err := m.store.MarkAllRead(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.WithFields(logrus.Fields{
			"owner_id": ownerID,
			"count":    n,
		}).Debug("Notifications marked read")
	}
	return n, nil
}

// UnreadCount reads straight from the store; nothing is cached.
func (m *Manager) UnreadCount(ctx context.Context, ownerID string) (int, error) {
	return m.store.CountUnread(ctx, ownerID)
}

func (m *Manager) List(ctx context.Context, ownerID string) ([]models.Notification, error) {
	return m.store.ListByOwner(ctx, ownerID)
}
