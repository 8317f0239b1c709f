package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// DeadLetter is a dead-lettered message with its failure headers decoded.
type DeadLetter struct {
	Topic             string    `json:"topic"`
	Offset            int64     `json:"offset"`
	Key               string    `json:"key"`
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	Attempts          int       `json:"attempts"`
	Error             string    `json:"error"`
	FailedAt          time.Time `json:"failed_at,omitempty"`
	Payload           string    `json:"payload"`
}

// ParseDeadLetter reads the headers written by the producer when a message
// was dead-lettered. Unknown or malformed headers are left zero.
func ParseDeadLetter(msg *sarama.ConsumerMessage) DeadLetter {
	dl := DeadLetter{
		Topic:   msg.Topic,
		Offset:  msg.Offset,
		Key:     string(msg.Key),
		Payload: string(msg.Value),
	}
	for _, h := range msg.Headers {
		if h == nil {
			continue
		}
		v := string(h.Value)
		switch string(h.Key) {
		case "original_topic":
			dl.OriginalTopic = v
		case "original_partition":
			if p, err := strconv.ParseInt(v, 10, 32); err == nil {
				dl.OriginalPartition = int32(p)
			}
		case "original_offset":
			dl.OriginalOffset, _ = strconv.ParseInt(v, 10, 64)
		case "attempts":
			dl.Attempts, _ = strconv.Atoi(v)
		case "error":
			dl.Error = v
		case "failure_time":
			dl.FailedAt, _ = time.Parse(time.RFC3339, v)
		}
	}
	return dl
}

// DLQMonitor follows a dead letter topic and hands every entry to a callback.
type DLQMonitor struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *dlqHandler
	logger  *logrus.Logger
}

func NewDLQMonitor(brokers, groupID, topic string, onEntry func(DeadLetter), logger *logrus.Logger) (*DLQMonitor, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0

	group, err := sarama.NewConsumerGroup(splitBrokers(brokers), groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}
	return &DLQMonitor{
		group:   group,
		topic:   topic,
		handler: &dlqHandler{onEntry: onEntry, logger: logger},
		logger:  logger,
	}, nil
}

func (m *DLQMonitor) Start(ctx context.Context) error {
	m.logger.WithField("topic", m.topic).Info("DLQ monitor started")
	for {
		if err := m.group.Consume(ctx, []string{m.topic}, m.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (m *DLQMonitor) Close() error {
	return m.group.Close()
}

type dlqHandler struct {
	onEntry func(DeadLetter)
	logger  *logrus.Logger
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		h.handle(message)
		session.MarkMessage(message, "")
	}
	return nil
}

func (h *dlqHandler) handle(message *sarama.ConsumerMessage) {
	dl := ParseDeadLetter(message)
	h.logger.WithFields(logrus.Fields{
		"topic":          dl.Topic,
		"offset":         dl.Offset,
		"key":            dl.Key,
		"original_topic": dl.OriginalTopic,
		"attempts":       dl.Attempts,
		"error":          dl.Error,
	}).Warn("DLQ message detected")
	if h.onEntry != nil {
		h.onEntry(dl)
	}
}
