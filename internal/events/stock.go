package events

import (
	"context"
	"errors"

	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type LowStockNotifier interface {
	NotifyLowStock(ctx context.Context, ownerID, productName string, previous, current, threshold int) (models.Notification, bool, error)
}

// StockAlerts turns stock change events into low-stock notifications for the
// product's farmer.
type StockAlerts struct {
	notifier LowStockNotifier
	logger   *logrus.Logger
}

func NewStockAlerts(notifier LowStockNotifier, logger *logrus.Logger) *StockAlerts {
	return &StockAlerts{notifier: notifier, logger: logger}
}

func (s *StockAlerts) HandleStockChanged(ctx context.Context, event StockChangedEvent) error {
	if event.FarmerID == "" || event.ProductID == "" {
		return Permanent(errors.New("stock event without product or farmer"))
	}
	name := event.ProductName
	if name == "" {
		name = event.ProductID
	}

	n, created, err := s.notifier.NotifyLowStock(ctx, event.FarmerID, name, event.PreviousQuantity, event.CurrentQuantity, event.Threshold)
	if err != nil {
		return err
	}
	if created {
		s.logger.WithFields(logrus.Fields{
			"product_id":      event.ProductID,
			"farmer_id":       event.FarmerID,
			"current":         event.CurrentQuantity,
			"threshold":       event.Threshold,
			"notification_id": n.ID,
		}).Info("Low stock notification created")
	}
	return nil
}
