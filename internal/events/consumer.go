package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	TopicStockChanged    = "product.stock_changed"
	TopicStockChangedDLQ = "product.stock_changed.dlq"

	DefaultMaxRetries = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

type StockChangedEvent struct {
	ProductID        string    `json:"product_id"`
	ProductName      string    `json:"product_name"`
	FarmerID         string    `json:"farmer_id"`
	PreviousQuantity int       `json:"previous_quantity"`
	CurrentQuantity  int       `json:"current_quantity"`
	Threshold        int       `json:"threshold"`
	ChangedAt        time.Time `json:"changed_at"`
}

type StockHandler interface {
	HandleStockChanged(ctx context.Context, event StockChangedEvent) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message goes straight to
// the dead letter topic.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type ConsumerMetrics struct {
	Processed    int64 `json:"processed"`
	Succeeded    int64 `json:"succeeded"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

type consumerCounters struct {
	processed, succeeded, retried, deadLettered atomic.Int64
}

func (c *consumerCounters) snapshot() ConsumerMetrics {
	return ConsumerMetrics{
		Processed:    c.processed.Load(),
		Succeeded:    c.succeeded.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

// StockConsumer reads product.stock_changed in a consumer group. Messages
// that keep failing are dead-lettered and committed so the partition moves
// on.
type StockConsumer struct {
	group   sarama.ConsumerGroup
	handler *stockClaimHandler
	logger  *logrus.Logger
}

func NewStockConsumer(brokers, groupID string, handler StockHandler, dlq *Producer, logger *logrus.Logger) (*StockConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(splitBrokers(brokers), groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return &StockConsumer{
		group:   group,
		handler: newStockClaimHandler(handler, dlq, logger),
		logger:  logger,
	}, nil
}

// Start consumes until ctx is cancelled or the group is closed.
func (c *StockConsumer) Start(ctx context.Context) error {
	for {
		if err := c.group.Consume(ctx, []string{TopicStockChanged}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *StockConsumer) Metrics() ConsumerMetrics {
	return c.handler.counters.snapshot()
}

func (c *StockConsumer) Close() error {
	return c.group.Close()
}

type stockClaimHandler struct {
	handler    StockHandler
	dlq        *Producer
	logger     *logrus.Logger
	maxRetries int
	retryDelay time.Duration
	counters   consumerCounters
}

func newStockClaimHandler(handler StockHandler, dlq *Producer, logger *logrus.Logger) *stockClaimHandler {
	return &stockClaimHandler{
		handler:    handler,
		dlq:        dlq,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		retryDelay: InitialRetryDelay,
	}
}

func (h *stockClaimHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *stockClaimHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *stockClaimHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := h.process(session.Context(), message); err != nil && session.Context().Err() != nil {
				// Shutdown mid-retry: leave the offset for the next owner.
				return nil
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// process handles one message with retries. It returns an error only when
// the message was neither handled nor dead-lettered.
func (h *stockClaimHandler) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	h.counters.processed.Add(1)

	var event StockChangedEvent
	err := json.Unmarshal(message.Value, &event)
	if err != nil {
		err = Permanent(fmt.Errorf("decode stock event: %w", err))
	}

	attempts := 0
	delay := h.retryDelay
	for err == nil || !IsPermanent(err) {
		attempts++
		err = h.handler.HandleStockChanged(ctx, event)
		if err == nil {
			h.counters.succeeded.Add(1)
			return nil
		}
		if IsPermanent(err) || attempts > h.maxRetries {
			break
		}

		h.logger.WithFields(logrus.Fields{
			"product_id": event.ProductID,
			"attempt":    attempts,
			"delay":      delay.String(),
		}).WithError(err).Warn("Retryable error handling stock event")
		h.counters.retried.Add(1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > MaxRetryDelay {
			delay = MaxRetryDelay
		}
	}

	if h.dlq == nil {
		h.logger.WithError(err).Error("Dropping stock event, no dead letter producer")
		return nil
	}
	if dlqErr := h.dlq.deadLetter(TopicStockChangedDLQ, message, err, attempts); dlqErr != nil {
		return fmt.Errorf("dead letter stock event: %w", dlqErr)
	}
	h.counters.deadLettered.Add(1)
	h.logger.WithFields(logrus.Fields{
		"dlq_topic":    TopicStockChangedDLQ,
		"original_key": string(message.Key),
		"attempts":     attempts,
	}).WithError(err).Warn("Message sent to dead letter queue")
	return nil
}
