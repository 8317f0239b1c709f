package session

import (
	"context"
	"fmt"

	"github.com/jogardn/harvest-orders/internal/reconciler"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type NewOrderNotifier interface {
	NotifyNewOrders(ctx context.Context, ownerID string, delta int) (models.Notification, error)
}

// AlertTrigger plays the user-facing "new order" alert.
type AlertTrigger interface {
	NewOrders(ownerID string, delta int)
}

type DetectionPublisher interface {
	PublishOrdersDetected(ctx context.Context, actorID string, delta int, orders []models.Order) error
}

// Dispatcher is the reconciler sink. Each diff event produces exactly one
// notification append, one alert and one published event.
type Dispatcher struct {
	notifier  NewOrderNotifier
	alerts    AlertTrigger
	publisher DetectionPublisher
	logger    *logrus.Logger
}

func NewDispatcher(notifier NewOrderNotifier, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, logger: logger}
}

func (d *Dispatcher) SetAlertTrigger(a AlertTrigger) { d.alerts = a }

func (d *Dispatcher) SetPublisher(p DetectionPublisher) { d.publisher = p }

// HandleDiff returns the notification append error, if any. Alert and
// publish failures are logged only.
func (d *Dispatcher) HandleDiff(ctx context.Context, ev reconciler.DiffEvent) error {
	if ev.Delta <= 0 {
		return nil
	}

	_, notifyErr := d.notifier.NotifyNewOrders(ctx, ev.ActorID, ev.Delta)
	if notifyErr != nil {
		notifyErr = fmt.Errorf("notify %s of %d new orders: %w", ev.ActorID, ev.Delta, notifyErr)
	}

	if d.alerts != nil {
		d.alerts.NewOrders(ev.ActorID, ev.Delta)
	}

	if d.publisher != nil {
		if err := d.publisher.PublishOrdersDetected(ctx, ev.ActorID, ev.Delta, ev.Orders); err != nil {
			d.logger.WithFields(logrus.Fields{
				"actor_id": ev.ActorID,
				"delta":    ev.Delta,
			}).WithError(err).Warn("Failed to publish new order detection")
		}
	}
	return notifyErr
}

var _ reconciler.Sink = (*Dispatcher)(nil)
