package notifications

import (
	"context"
	"fmt"

	"github.com/jogardn/harvest-orders/pkg/models"
)

var statusMessages = map[models.Status]string{
	models.StatusConfirmed:      "The farmer has confirmed your order.",
	models.StatusPacked:         "Your order has been packed.",
	models.StatusDispatched:     "Your order has left the farm.",
	models.StatusShipped:        "Your order is on its way.",
	models.StatusOutForDelivery: "Your order is out for delivery.",
	models.StatusDelivered:      "Your order was delivered. Tell us how it went!",
	models.StatusCancelled:      "Your order was cancelled.",
	models.StatusRejected:       "The farmer could not accept your order.",
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NotifyStatusChange tells the customer their order moved to a new status.
func (m *Manager) NotifyStatusChange(ctx context.Context, order models.Order) (models.Notification, error) {
	body, ok := statusMessages[order.Status]
	if !ok {
		body = fmt.Sprintf("Your order is now %s.", order.Status.Label())
	}
	title := fmt.Sprintf("Order #%s: %s", shortID(order.ID), order.Status.Label())
	return m.Append(ctx, order.CustomerID, models.KindOrder, title, body)
}

// NotifyNewOrders is the single notification for one reconciliation delta.
func (m *Manager) NotifyNewOrders(ctx context.Context, ownerID string, delta int) (models.Notification, error) {
	title := "New order received"
	body := "You have 1 new order waiting for confirmation."
	if delta > 1 {
		title = fmt.Sprintf("%d new orders received", delta)
		body = fmt.Sprintf("You have %d new orders waiting for confirmation.", delta)
	}
	return m.Append(ctx, ownerID, models.KindOrder, title, body)
}

// CrossedBelow reports a downward crossing of threshold: stock was at or
// above it and is now under it.
func CrossedBelow(previous, current, threshold int) bool {
	return previous >= threshold && current < threshold
}

// NotifyLowStock appends a stock notification only when the level crosses
// below threshold, so repeated updates under the threshold stay quiet.
func (m *Manager) NotifyLowStock(ctx context.Context, ownerID, productName string, previous, current, threshold int) (models.Notification, bool, error) {
	if !CrossedBelow(previous, current, threshold) {
		return models.Notification{}, false, nil
	}
	title := fmt.Sprintf("Low stock: %s", productName)
	body := fmt.Sprintf("%s is down to %d (alert threshold %d).", productName, current, threshold)
	if current <= 0 {
		title = fmt.Sprintf("Out of stock: %s", productName)
		body = fmt.Sprintf("%s has sold out.", productName)
	}
	n, err := m.Append(ctx, ownerID, models.KindStock, title, body)
	if err != nil {
		return models.Notification{}, false, err
	}
	return n, true, nil
}
