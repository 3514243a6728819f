package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-exchange/internal/order"
)

type ValidationErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details"`
}

func formatValidationErrors(errs validator.ValidationErrors) map[string]string {
	details := make(map[string]string, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required":
			details[fe.Field()] = "is required"
		case "oneof":
			details[fe.Field()] = "must be one of: " + fe.Param()
		case "min", "gte":
			details[fe.Field()] = "must be at least " + fe.Param()
		case "len":
			details[fe.Field()] = "must be exactly " + fe.Param() + " characters long"
		default:
			details[fe.Field()] = "failed on " + fe.Tag()
		}
	}
	return details
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func mapErrorToStatusCode(err error) int {
	var (
		ve *order.ValidationError
		ge *order.StateGuardError
		te *order.TransitionError
		pe *order.PaymentError
		de *order.DependencyError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrOrderNotFound), errors.Is(err, order.ErrLineItemNotFound):
		return http.StatusNotFound
	case errors.As(err, &ge), errors.As(err, &te),
		errors.Is(err, order.ErrPendingOrderExists), errors.Is(err, order.ErrLineItemAlreadyFulfilled):
		return http.StatusConflict
	case errors.As(err, &pe):
		return http.StatusPaymentRequired
	case errors.As(err, &de):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondWithServiceError writes err with the status it maps to. Internal
// failures get fallback as their message so details stay in the logs.
func respondWithServiceError(w http.ResponseWriter, err error, fallback string) {
	statusCode := mapErrorToStatusCode(err)

	var ve *order.ValidationError
	if errors.As(err, &ve) {
		respondWithJSON(w, statusCode, map[string]string{"error": ve.Message, "code": ve.Code})
		return
	}

	var pe *order.PaymentError
	if errors.As(err, &pe) {
		respondWithJSON(w, statusCode, map[string]string{"error": "Payment failed: " + pe.Err.Message, "code": pe.Err.Code})
		return
	}

	switch statusCode {
	case http.StatusInternalServerError:
		respondWithError(w, statusCode, fallback)
	case http.StatusNotFound:
		message := "Order not found"
		if errors.Is(err, order.ErrLineItemNotFound) {
			message = "Line item not found"
		}
		respondWithError(w, statusCode, message)
	default:
		respondWithError(w, statusCode, err.Error())
	}
}
