package orders

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jogardn/harvest-orders/internal/lifecycle"
	"github.com/jogardn/harvest-orders/internal/notifications"
	"github.com/jogardn/harvest-orders/internal/pricing"
	"github.com/jogardn/harvest-orders/pkg/models"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrOrderNotFound), errors.Is(err, notifications.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrTerminalState),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrFeedbackExists),
		errors.Is(err, lifecycle.ErrFeedbackLocked):
		return http.StatusConflict
	case errors.Is(err, pricing.ErrBelowMinimum):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrInvalidRating),
		errors.Is(err, lifecycle.ErrInvalidOrder),
		errors.Is(err, pricing.ErrInvalidDiscount),
		errors.Is(err, pricing.ErrInvalidQuantity),
		errors.Is(err, pricing.ErrNegativePrice):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithDomainError(w http.ResponseWriter, err error, current *models.Order) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.WithError(err).Error("Request failed")
		message = "Internal error"
	}
	payload := map[string]any{
		"success": false,
		"message": message,
	}
	if current != nil {
		payload["order"] = current
	}
	h.respondWithJSON(w, code, payload)
}

// respondWithPricingError names the shortfall when the cart is under the
// minimum so the client can show it next to the total.
func (h *Handler) respondWithPricingError(w http.ResponseWriter, quote pricing.Quote, err error) {
	var below *pricing.BelowMinimumError
	if errors.As(err, &below) {
		h.respondWithJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"success":   false,
			"message":   err.Error(),
			"quote":     quote,
			"minimum":   below.Minimum,
			"shortfall": below.Shortfall(),
		})
		return
	}
	h.respondWithDomainError(w, err, nil)
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal response")
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"message":"Internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]any{
		"success": false,
		"message": message,
	})
}
