// Package events publishes order lifecycle events to Kafka and consumes
// product stock changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	TopicOrderStatusChanged = "order.status_changed"
	TopicOrdersDetected     = "order.new_detected"
)

type StatusChangedEvent struct {
	OrderID    string        `json:"order_id"`
	CustomerID string        `json:"customer_id"`
	FarmerID   string        `json:"farmer_id"`
	From       models.Status `json:"from"`
	To         models.Status `json:"to"`
	ActorID    string        `json:"actor_id"`
	ActorRole  models.Role   `json:"actor_role"`
	ChangedAt  time.Time     `json:"changed_at"`
	EventTime  time.Time     `json:"event_time"`
}

type OrdersDetectedEvent struct {
	ActorID   string    `json:"actor_id"`
	Delta     int       `json:"delta"`
	OrderIDs  []string  `json:"order_ids"`
	EventTime time.Time `json:"event_time"`
}

type Producer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
	now      func() time.Time
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

// NewProducer connects a synchronous producer to the comma separated broker
// list.
func NewProducer(brokers string, logger *logrus.Logger) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(splitBrokers(brokers), newProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerWith(producer, logger), nil
}

func NewProducerWith(producer sarama.SyncProducer, logger *logrus.Logger) *Producer {
	return &Producer{producer: producer, logger: logger, now: time.Now}
}

func (p *Producer) send(msg *sarama.ProducerMessage) error {
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("topic", msg.Topic).Error("Failed to send message to Kafka")
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"topic":     msg.Topic,
		"partition": partition,
		"offset":    offset,
	}).Debug("Event published to Kafka")
	return nil
}

func (p *Producer) publishJSON(ctx context.Context, topic, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return p.send(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	})
}

// PublishStatusChanged is keyed by order id so one order's events stay in
// partition order.
func (p *Producer) PublishStatusChanged(ctx context.Context, order models.Order, from models.Status, actor models.Actor) error {
	return p.publishJSON(ctx, TopicOrderStatusChanged, order.ID, StatusChangedEvent{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		FarmerID:   order.FarmerID,
		From:       from,
		To:         order.Status,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		ChangedAt:  order.UpdatedAt,
		EventTime:  p.now(),
	})
}

// PublishOrdersDetected reports a reconciler delta. OrderIDs holds the delta
// newest orders of the refreshed set.
func (p *Producer) PublishOrdersDetected(ctx context.Context, actorID string, delta int, orders []models.Order) error {
	n := delta
	if n > len(orders) {
		n = len(orders)
	}
	ids := make([]string, 0, n)
	for _, o := range orders[:n] {
		ids = append(ids, o.ID)
	}
	return p.publishJSON(ctx, TopicOrdersDetected, actorID, OrdersDetectedEvent{
		ActorID:   actorID,
		Delta:     delta,
		OrderIDs:  ids,
		EventTime: p.now(),
	})
}

func (p *Producer) deadLetter(topic string, message *sarama.ConsumerMessage, cause error, attempts int) error {
	now := p.now().Format(time.RFC3339)
	return p.send(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(fmt.Sprintf("%d", message.Partition))},
			{Key: []byte("original_offset"), Value: []byte(fmt.Sprintf("%d", message.Offset))},
			{Key: []byte("attempts"), Value: []byte(fmt.Sprintf("%d", attempts))},
			{Key: []byte("error"), Value: []byte(cause.Error())},
			{Key: []byte("failure_time"), Value: []byte(now)},
		},
	})
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
