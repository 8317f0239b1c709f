// Package lifecycle advances orders through their fulfillment states.
//
// The legal graph lives in models (Status, EdgeTo). Machine adds the actor
// rules, runs every change through the store's per-order Update so racing
// requests are evaluated one after another, and fires the best-effort side
// effects (customer notification, status event) after the change commits.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/harvest-orders/internal/pricing"
	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type OrderStore interface {
	Create(ctx context.Context, order models.Order) error
	GetOrder(ctx context.Context, id string) (models.Order, error)
	// Update must serialize calls for the same id and return the stored
	// order unchanged when mutate fails.
	Update(ctx context.Context, id string, mutate func(*models.Order) error) (models.Order, error)
}

type Notifier interface {
	NotifyStatusChange(ctx context.Context, order models.Order) (models.Notification, error)
}

type Publisher interface {
	PublishStatusChanged(ctx context.Context, order models.Order, from models.Status, actor models.Actor) error
}

type Machine struct {
	store     OrderStore
	notifier  Notifier
	publisher Publisher
	logger    *logrus.Logger
	now       func() time.Time
}

func NewMachine(store OrderStore, logger *logrus.Logger) *Machine {
	return &Machine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (m *Machine) SetNotifier(n Notifier) { m.notifier = n }

func (m *Machine) SetPublisher(p Publisher) { m.publisher = p }

func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Create stores a new pending order. Items are copied as given; their price
// and discount are the snapshot the order keeps for its whole life.
func (m *Machine) Create(ctx context.Context, customerID, farmerID string, items []models.OrderItem) (models.Order, error) {
	if customerID == "" || farmerID == "" || len(items) == 0 {
		return models.Order{}, fmt.Errorf("%w: customer, farmer and items are required", ErrInvalidOrder)
	}
	for _, it := range items {
		err := pricing.Validate(pricing.Line{
			ProductID:       it.ProductID,
			UnitPrice:       it.UnitPrice,
			DiscountPercent: it.DiscountPercent,
			Quantity:        it.Quantity,
		})
		if err != nil {
			return models.Order{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
		}
	}

	now := m.now()
	order := models.Order{
		ID:         uuid.NewString(),
		Status:     models.StatusPending,
		Items:      append([]models.OrderItem(nil), items...),
		CustomerID: customerID,
		FarmerID:   farmerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Create(ctx, order); err != nil {
		return models.Order{}, fmt.Errorf("failed to create order: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"customer_id": customerID,
		"farmer_id":   farmerID,
		"items_count": len(items),
	}).Info("Order created")
	return order, nil
}

func (m *Machine) Get(ctx context.Context, orderID string) (models.Order, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return o, err
}

// Transition moves the order to requested. On failure the returned order is
// the authoritative stored one, which callers use to replace any local copy
// they mutated optimistically.
func (m *Machine) Transition(ctx context.Context, orderID string, requested models.Status, actor models.Actor) (models.Order, error) {
	var from models.Status
	updated, err := m.store.Update(ctx, orderID, func(o *models.Order) error {
		from = o.Status
		if err := checkTransition(*o, requested, actor); err != nil {
			return err
		}
		o.Status = requested
		o.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		m.logger.WithFields(logrus.Fields{
			"order_id":  orderID,
			"from":      from,
			"requested": requested,
			"actor_id":  actor.ID,
		}).WithError(err).Warn("Order transition rejected")
		return updated, err
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"from":     from,
		"to":       updated.Status,
		"actor_id": actor.ID,
	}).Info("Order status changed")

	m.afterTransition(ctx, updated, from, actor)
	return updated, nil
}

// Advance moves the order to its chain successor.
func (m *Machine) Advance(ctx context.Context, orderID string, actor models.Actor) (models.Order, error) {
	current, err := m.Get(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	next, ok := current.Status.Next()
	if !ok {
		return current, &TransitionError{OrderID: orderID, From: current.Status, Err: ErrTerminalState}
	}
	return m.Transition(ctx, orderID, next, actor)
}

// afterTransition runs the side effects of a committed transition. They are
// best effort: failures are logged and never undo the status change.
func (m *Machine) afterTransition(ctx context.Context, order models.Order, from models.Status, actor models.Actor) {
	if m.notifier != nil {
		if _, err := m.notifier.NotifyStatusChange(ctx, order); err != nil {
			m.logger.WithField("order_id", order.ID).WithError(err).Warn("Failed to notify customer of status change")
		}
	}
	if m.publisher != nil {
		if err := m.publisher.PublishStatusChanged(ctx, order, from, actor); err != nil {
			m.logger.WithField("order_id", order.ID).WithError(err).Warn("Failed to publish status change")
		}
	}
}

// SubmitFeedback records the customer's one-time rating of a delivered order.
func (m *Machine) SubmitFeedback(ctx context.Context, orderID string, actor models.Actor, rating int, comment string) (models.Order, error) {
	if rating < 1 || rating > 5 {
		return models.Order{}, ErrInvalidRating
	}

	updated, err := m.store.Update(ctx, orderID, func(o *models.Order) error {
		if actor.Role != models.RoleCustomer || o.CustomerID != actor.ID {
			return ErrForbidden
		}
		if o.Feedback != nil {
			return ErrFeedbackExists
		}
		if o.Status != models.StatusDelivered {
			return ErrFeedbackLocked
		}
		o.Feedback = &models.Feedback{
			Rating:      rating,
			Comment:     comment,
			SubmittedAt: m.now(),
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return updated, err
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"rating":   rating,
	}).Info("Order feedback submitted")
	return updated, nil
}
