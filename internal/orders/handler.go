// Package orders exposes the order engine over HTTP and reads orders from a
// remote instance of the same API.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jogardn/harvest-orders/internal/circuitbreaker"
	"github.com/jogardn/harvest-orders/internal/lifecycle"
	"github.com/jogardn/harvest-orders/internal/notifications"
	"github.com/jogardn/harvest-orders/internal/pricing"
	"github.com/jogardn/harvest-orders/internal/session"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

var errNoActor = errors.New("missing or invalid actor headers")

type OrderLister interface {
	ListOrders(ctx context.Context, actor models.Actor) ([]models.Order, error)
}

type Handler struct {
	machine       *lifecycle.Machine
	orders        OrderLister
	notifications *notifications.Manager
	pricing       *pricing.Engine
	sessions      *session.Registry
	breakers      *circuitbreaker.Manager
	logger        *logrus.Logger
}

func NewHandler(machine *lifecycle.Machine, orders OrderLister, notifs *notifications.Manager, engine *pricing.Engine, logger *logrus.Logger) *Handler {
	return &Handler{
		machine:       machine,
		orders:        orders,
		notifications: notifs,
		pricing:       engine,
		logger:        logger,
	}
}

func (h *Handler) SetSessions(r *session.Registry) { h.sessions = r }

func (h *Handler) SetBreakers(m *circuitbreaker.Manager) { h.breakers = m }

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")

	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders", h.ListOrders).Methods("GET")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/transition", h.TransitionOrder).Methods("POST")
	router.HandleFunc("/orders/{id}/advance", h.AdvanceOrder).Methods("POST")
	router.HandleFunc("/orders/{id}/feedback", h.SubmitFeedback).Methods("POST")

	router.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	router.HandleFunc("/notifications/unread-count", h.UnreadCount).Methods("GET")
	router.HandleFunc("/notifications/read-all", h.MarkAllRead).Methods("POST")
	router.HandleFunc("/notifications/{id}/read", h.MarkRead).Methods("POST")

	router.HandleFunc("/quotes", h.CreateQuote).Methods("POST")

	router.HandleFunc("/sessions", h.StartSession).Methods("POST")
	router.HandleFunc("/sessions", h.StopSession).Methods("DELETE")
	router.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	router.HandleFunc("/breakers", h.ListBreakers).Methods("GET")
}

func actorFromRequest(r *http.Request) (models.Actor, error) {
	a := models.Actor{
		ID:   r.Header.Get(HeaderActorID),
		Role: models.Role(r.Header.Get(HeaderActorRole)),
	}
	if !a.Valid() {
		return models.Actor{}, errNoActor
	}
	return a, nil
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (models.Actor, bool) {
	a, err := actorFromRequest(r)
	if err != nil {
		h.respondWithError(w, http.StatusUnauthorized, err.Error())
		return models.Actor{}, false
	}
	return a, true
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "harvest-orders",
	})
}

type createOrderRequest struct {
	CustomerID string             `json:"customer_id"`
	FarmerID   string             `json:"farmer_id"`
	Items      []models.OrderItem `json:"items"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WithError(err).Error("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch actor.Role {
	case models.RoleCustomer:
		req.CustomerID = actor.ID
	case models.RoleAdmin:
	default:
		h.respondWithError(w, http.StatusForbidden, "only customers place orders")
		return
	}

	quote, err := h.pricing.Quote(itemLines(req.Items))
	if err != nil {
		h.respondWithPricingError(w, quote, err)
		return
	}

	order, err := h.machine.Create(r.Context(), req.CustomerID, req.FarmerID, req.Items)
	if err != nil {
		h.respondWithDomainError(w, err, nil)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order created successfully",
		Order:   &order,
	})
}

func itemLines(items []models.OrderItem) []pricing.Line {
	return pricing.OrderLines(models.Order{Items: items})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	orders, err := h.orders.ListOrders(r.Context(), actor)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list orders")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to get orders")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"orders":  orders,
		"count":   len(orders),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	order, err := h.machine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, err, nil)
		return
	}
	if !actor.Owns(order) {
		h.respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}

	// Order history shares the checkout computation; the minimum does not
	// apply to an order that already exists.
	quote, err := h.pricing.Quote(pricing.OrderLines(order))
	if err != nil && !errors.Is(err, pricing.ErrBelowMinimum) {
		h.respondWithDomainError(w, err, &order)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"order":               order,
		"totals":              quote,
		"can_submit_feedback": lifecycle.CanSubmitFeedback(order) && actor.ID == order.CustomerID,
	})
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.machine.Transition(r.Context(), mux.Vars(r)["id"], models.Status(req.Status), actor)
	h.respondWithOrder(w, order, err, "Order status updated")
}

func (h *Handler) AdvanceOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	order, err := h.machine.Advance(r.Context(), mux.Vars(r)["id"], actor)
	h.respondWithOrder(w, order, err, "Order status updated")
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	order, err := h.machine.SubmitFeedback(r.Context(), mux.Vars(r)["id"], actor, req.Rating, req.Comment)
	h.respondWithOrder(w, order, err, "Feedback submitted")
}

// respondWithOrder reports a state change. On failure the authoritative order
// is included so clients can replace any optimistic local copy.
func (h *Handler) respondWithOrder(w http.ResponseWriter, order models.Order, err error, message string) {
	if err != nil {
		var current *models.Order
		if order.ID != "" {
			current = &order
		}
		h.respondWithDomainError(w, err, current)
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: message,
		Order:   &order,
	})
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	list, err := h.notifications.List(r.Context(), actor.ID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list notifications")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to get notifications")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"notifications": list,
		"count":         len(list),
	})
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	n, err := h.notifications.UnreadCount(r.Context(), actor.ID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to count unread notifications")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to count notifications")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "unread": n})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	if err := h.notifications.MarkRead(r.Context(), actor.ID, mux.Vars(r)["id"]); err != nil {
		h.respondWithDomainError(w, err, nil)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	changed, err := h.notifications.MarkAllRead(r.Context(), actor.ID)
	if err != nil {
		h.logger.WithError(err).Error("Failed to mark notifications read")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to update notifications")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "changed": changed})
}

type quoteRequest struct {
	Lines []pricing.Line `json:"lines"`
	// Add is merged into Lines the way adding to a cart merges.
	Add []pricing.Line `json:"add,omitempty"`
}

func (h *Handler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	lines := req.Lines
	if len(req.Add) > 0 {
		lines = pricing.Merge(lines, req.Add)
	}
	quote, err := h.pricing.Quote(lines)
	if err != nil {
		h.respondWithPricingError(w, quote, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"quote":   quote,
		"minimum": h.pricing.Minimum(),
	})
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok || !h.sessionsEnabled(w) {
		return
	}
	started, err := h.sessions.Start(actor)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	code := http.StatusOK
	if started {
		code = http.StatusCreated
	}
	h.respondWithJSON(w, code, map[string]any{"success": true, "started": started})
}

func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok || !h.sessionsEnabled(w) {
		return
	}
	stopped := h.sessions.Stop(actor.ID)
	h.respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "stopped": stopped})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok || !h.sessionsEnabled(w) {
		return
	}
	if actor.Role != models.RoleAdmin {
		h.respondWithError(w, http.StatusForbidden, "admin only")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": h.sessions.Sessions()})
}

func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	if actor.Role != models.RoleAdmin {
		h.respondWithError(w, http.StatusForbidden, "admin only")
		return
	}
	snapshots := []circuitbreaker.Snapshot{}
	if h.breakers != nil {
		snapshots = h.breakers.Snapshots()
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "breakers": snapshots})
}

func (h *Handler) sessionsEnabled(w http.ResponseWriter) bool {
	if h.sessions == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "sessions are not enabled")
		return false
	}
	return true
}
