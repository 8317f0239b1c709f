package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jogardn/harvest-orders/internal/config"
	"github.com/jogardn/harvest-orders/internal/events"
	"github.com/jogardn/harvest-orders/internal/orders"
	"github.com/jogardn/harvest-orders/internal/pricing"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runQuote(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"quote"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestQuoteText(t *testing.T) {
	out, err := runQuote(t, "--line", "tomatoes:100:20:3")
	require.NoError(t, err)

	assert.Contains(t, out, "subtotal 300.00")
	assert.Contains(t, out, "savings  60.00")
	assert.Contains(t, out, "total    240.00")
}

func TestQuoteMergesRepeatedProducts(t *testing.T) {
	out, err := runQuote(t, "--line", "eggs:4.50:0:2", "--line", "eggs:4.50:0:1", "-o", "json")
	require.NoError(t, err)

	var q pricing.Quote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	require.Len(t, q.Lines, 1)
	assert.Equal(t, 3, q.Lines[0].Quantity)
	assert.True(t, q.Total.Equal(decimal.RequireFromString("13.5")), "total %s", q.Total)
}

func TestQuoteBelowMinimumStillPrints(t *testing.T) {
	out, err := runQuote(t, "--line", "eggs:4:0:1", "--min", "10")
	require.ErrorIs(t, err, pricing.ErrBelowMinimum)
	assert.Contains(t, out, "total    4.00")
}

func TestQuoteRejectsBadLines(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no lines", nil},
		{"missing field", []string{"--line", "eggs:4:1"}},
		{"bad price", []string{"--line", "eggs:four:0:1"}},
		{"bad discount", []string{"--line", "eggs:4:120:1"}},
		{"zero quantity", []string{"--line", "eggs:4:0:0"}},
		{"bad format", []string{"--line", "eggs:4:0:1", "-o", "yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runQuote(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestRootRejectsUnknownLogLevel(t *testing.T) {
	_, err := runQuote(t, "--log-level", "loud", "--line", "eggs:4:0:1")
	assert.Error(t, err)
}

func memoryConfig() config.Config {
	return config.Config{
		HTTPPort:            "0",
		NotificationBackend: config.BackendMemory,
		OrderStore:          config.BackendMemory,
		MinOrderAmount:      decimal.Zero,
		CurrencyPlaces:      2,
	}
}

func TestAppDeliversStatusNotificationsOverWebsocket(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, memoryConfig(), logger)
	require.NoError(t, err)
	defer a.close()
	a.start(ctx)

	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	send := func(method, path, actorID string, role models.Role, body any) *http.Response {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req, err := http.NewRequest(method, srv.URL+path, &buf)
		require.NoError(t, err)
		req.Header.Set(orders.HeaderActorID, actorID)
		req.Header.Set(orders.HeaderActorRole, string(role))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?owner=cust-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.hub.ClientCount("cust-1") == 1 }, time.Second, 5*time.Millisecond)

	resp := send(http.MethodPost, "/orders", "cust-1", models.RoleCustomer, map[string]any{
		"farmer_id": "farm-1",
		"items": []map[string]any{
			{"product_id": "tomatoes", "unit_price": "100", "discount_percent": "20", "quantity": 3},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.OrderResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.NotNil(t, created.Order)

	resp = send(http.MethodPost, "/orders/"+created.Order.ID+"/advance", "farm-1", models.RoleFarmer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string              `json:"type"`
		Data models.Notification `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "notification", msg.Type)
	assert.Equal(t, "cust-1", msg.Data.OwnerID)
	assert.Equal(t, models.KindOrder, msg.Data.Kind)
}

func TestAppHealthAndPreflight(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	a, err := buildApp(context.Background(), memoryConfig(), logger)
	require.NoError(t, err)
	defer a.close()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/orders/abc/transition", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), orders.HeaderActorID)
}

func TestDeadLetterPrinter(t *testing.T) {
	var out bytes.Buffer
	emit, err := deadLetterPrinter(&out, "text")
	require.NoError(t, err)

	emit(events.DeadLetter{OriginalTopic: events.TopicStockChanged, OriginalOffset: 42, Key: "carrots", Error: "store down", Attempts: 4})
	assert.Contains(t, out.String(), "Source: product.stock_changed[0]@42")
	assert.Contains(t, out.String(), "Attempts: 4")

	_, err = deadLetterPrinter(&out, "xml")
	assert.Error(t, err)
}
