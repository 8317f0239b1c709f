package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/harvest-orders/internal/notifications"
	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedHandler struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (h *scriptedHandler) HandleStockChanged(context.Context, StockChangedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func stockMessage(t *testing.T, ev StockChangedEvent) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: TopicStockChanged, Key: []byte(ev.ProductID), Value: data, Partition: 0, Offset: 42}
}

func newTestClaimHandler(h StockHandler, dlq *Producer) *stockClaimHandler {
	c := newStockClaimHandler(h, dlq, quietLogger())
	c.retryDelay = time.Millisecond
	return c
}

func TestProcessRetriesTransientErrors(t *testing.T) {
	h := &scriptedHandler{errs: []error{errors.New("db blip"), errors.New("db blip")}}
	c := newTestClaimHandler(h, nil)

	err := c.process(context.Background(), stockMessage(t, StockChangedEvent{ProductID: "p", FarmerID: "f"}))
	require.NoError(t, err)
	assert.Equal(t, 3, h.calls)

	m := c.counters.snapshot()
	assert.Equal(t, int64(1), m.Succeeded)
	assert.Equal(t, int64(2), m.Retried)
	assert.Equal(t, int64(0), m.DeadLettered)
}

func TestProcessDeadLettersAfterRetries(t *testing.T) {
	dlq, mock := newMockProducer(t)
	defer func() { require.NoError(t, dlq.Close()) }()
	mock.ExpectSendMessageAndSucceed()

	failing := errors.New("store down")
	h := &scriptedHandler{errs: []error{failing, failing, failing, failing, failing}}
	c := newTestClaimHandler(h, dlq)

	err := c.process(context.Background(), stockMessage(t, StockChangedEvent{ProductID: "p", FarmerID: "f"}))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries+1, h.calls)
	assert.Equal(t, int64(1), c.counters.snapshot().DeadLettered)
}

func TestProcessPermanentErrorsSkipRetries(t *testing.T) {
	dlq, mock := newMockProducer(t)
	defer func() { require.NoError(t, dlq.Close()) }()
	mock.ExpectSendMessageAndSucceed()
	mock.ExpectSendMessageAndSucceed()

	h := &scriptedHandler{errs: []error{Permanent(errors.New("bad event"))}}
	c := newTestClaimHandler(h, dlq)

	require.NoError(t, c.process(context.Background(), stockMessage(t, StockChangedEvent{ProductID: "p", FarmerID: "f"})))
	assert.Equal(t, 1, h.calls)

	garbage := &sarama.ConsumerMessage{Topic: TopicStockChanged, Value: []byte("{not json")}
	require.NoError(t, c.process(context.Background(), garbage))
	assert.Equal(t, 1, h.calls, "undecodable messages never reach the handler")
	assert.Equal(t, int64(2), c.counters.snapshot().DeadLettered)
}

func TestProcessStopsOnShutdown(t *testing.T) {
	h := &scriptedHandler{errs: []error{errors.New("transient")}}
	c := newTestClaimHandler(h, nil)
	c.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := c.process(ctx, stockMessage(t, StockChangedEvent{ProductID: "p", FarmerID: "f"}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStockAlertsCreatesNotificationOnCrossing(t *testing.T) {
	logger := quietLogger()
	manager := notifications.NewManager(store.NewMemoryNotificationStore(), logger)
	alerts := NewStockAlerts(manager, logger)
	ctx := context.Background()

	require.NoError(t, alerts.HandleStockChanged(ctx, StockChangedEvent{
		ProductID: "p-1", ProductName: "Heirloom tomatoes", FarmerID: "f-1",
		PreviousQuantity: 12, CurrentQuantity: 4, Threshold: 5,
	}))
	require.NoError(t, alerts.HandleStockChanged(ctx, StockChangedEvent{
		ProductID: "p-1", ProductName: "Heirloom tomatoes", FarmerID: "f-1",
		PreviousQuantity: 4, CurrentQuantity: 3, Threshold: 5,
	}))

	list, err := manager.List(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.KindStock, list[0].Kind)
	assert.Equal(t, "Low stock: Heirloom tomatoes", list[0].Title)

	err = alerts.HandleStockChanged(ctx, StockChangedEvent{ProductID: "p-1"})
	assert.True(t, IsPermanent(err))
}
