package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

// Client reads orders from a remote order API. It is read-only and serves as
// a reconciler order source when orders live in another service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type listResponse struct {
	Success bool           `json:"success"`
	Orders  []models.Order `json:"orders"`
	Count   int            `json:"count"`
}

func (c *Client) do(ctx context.Context, path string, actor models.Actor, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(HeaderActorID, actor.ID)
	req.Header.Set(HeaderActorRole, string(actor.Role))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to order service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return store.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("order service returned error status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode order service response: %w", err)
	}
	return nil
}

func (c *Client) ListOrders(ctx context.Context, actor models.Actor) ([]models.Order, error) {
	var response listResponse
	if err := c.do(ctx, "/orders", actor, &response); err != nil {
		return nil, err
	}
	if !response.Success {
		return nil, errors.New("order service reported failure")
	}

	c.logger.WithFields(logrus.Fields{
		"actor_id": actor.ID,
		"count":    len(response.Orders),
	}).Debug("Retrieved orders from order service")
	return response.Orders, nil
}

func (c *Client) GetOrder(ctx context.Context, actor models.Actor, orderID string) (models.Order, error) {
	var response struct {
		Success bool         `json:"success"`
		Order   models.Order `json:"order"`
	}
	if err := c.do(ctx, "/orders/"+orderID, actor, &response); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Order{}, fmt.Errorf("order %s: %w", orderID, err)
		}
		return models.Order{}, err
	}
	return response.Order, nil
}
