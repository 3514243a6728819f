package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-exchange/internal/address"
	"github.com/vasiliy-maslov/order-exchange/internal/order"
)

type LineItemRequest struct {
	ArtworkID       string         `json:"artwork_id" validate:"required"`
	EditionSetID    *string        `json:"edition_set_id,omitempty"`
	PriceCents      int64          `json:"price_cents" validate:"gte=0"`
	Quantity        int            `json:"quantity" validate:"required,gte=1"`
	ArtworkSnapshot map[string]any `json:"artwork_snapshot,omitempty"`
}

type CreateOrderRequest struct {
	SellerID     string            `json:"seller_id" validate:"required"`
	CurrencyCode string            `json:"currency_code" validate:"required,len=3"`
	LineItems    []LineItemRequest `json:"line_items" validate:"required,min=1,dive"`
}

type SetPaymentRequest struct {
	CreditCardID string `json:"credit_card_id" validate:"required"`
}

type SetShippingRequest struct {
	FulfillmentType  string          `json:"fulfillment_type" validate:"required,oneof=SHIP PICKUP"`
	ShippingName     string          `json:"shipping_name"`
	ShippingAddress  address.Address `json:"shipping_address"`
	BuyerPhoneNumber string          `json:"buyer_phone_number"`
}

type FulfillRequest struct {
	Courier           string      `json:"courier" validate:"required"`
	TrackingID        string      `json:"tracking_id"`
	EstimatedDelivery *time.Time  `json:"estimated_delivery,omitempty"`
	LineItemIDs       []uuid.UUID `json:"line_item_ids,omitempty"`
}

type TaxRefundRequest struct {
	RefundDate *time.Time `json:"refund_date,omitempty"`
}

// RefundScheduler queues a sales tax refund for asynchronous posting.
type RefundScheduler interface {
	ScheduleSalesTaxRefund(lineItemID uuid.UUID, refundDate time.Time) error
}

type OrderHandler struct {
	service  order.Service
	refunds  RefundScheduler
	secret   []byte
	validate *validator.Validate
}

func NewOrderHandler(service order.Service, refunds RefundScheduler, jwtSecret []byte) *OrderHandler {
	return &OrderHandler{
		service:  service,
		refunds:  refunds,
		secret:   jwtSecret,
		validate: validator.New(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(h.secret))

		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders", h.handleListOrders)
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Get("/orders/{id}/history", h.handleOrderHistory)
		r.Put("/orders/{id}/payment", h.handleSetPayment)
		r.Put("/orders/{id}/shipping", h.handleSetShipping)
		r.Post("/orders/{id}/submit", h.transition(isBuyer, "submit", h.service.Submit))
		r.Post("/orders/{id}/approve", h.transition(isSeller, "approve", h.service.Approve))
		r.Post("/orders/{id}/reject", h.transition(isSeller, "reject", h.service.Reject))
		r.Post("/orders/{id}/abandon", h.transition(isBuyer, "abandon", h.service.Abandon))
		r.Post("/orders/{id}/fulfill", h.handleFulfill)
		r.Post("/line-items/{id}/tax-refund", h.handleTaxRefund)
	})
}

// decodeAndValidate writes the error response itself and reports whether the
// handler may continue.
func (h *OrderHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		log.Error().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload %v", err))
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if ok {
			respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
				Error:   "Validation failed",
				Details: formatValidationErrors(validationErrors),
			})
		} else {
			log.Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, "Internal validation error")
		}
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idParam := chi.URLParam(r, "id")
	id, err := uuid.FromString(idParam)
	if err != nil {
		log.Warn().Err(err).Str("id", idParam).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return uuid.Nil, false
	}
	return id, true
}

func canRead(a Actor, o *order.Order) bool  { return a.IsAdmin() || o.IsOwnedBy(a.ID) }
func isBuyer(a Actor, o *order.Order) bool  { return o.BuyerID == a.ID }
func isSeller(a Actor, o *order.Order) bool { return a.IsAdmin() || o.SellerID == a.ID }

// loadOrder resolves the order in the URL and checks the caller may act on it.
func (h *OrderHandler) loadOrder(w http.ResponseWriter, r *http.Request, allowed func(Actor, *order.Order) bool) (*order.Order, Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, Actor{}, false
	}

	id, ok := parseID(w, r)
	if !ok {
		return nil, actor, false
	}

	o, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", id).Msg("Failed to get order via service")
		respondWithServiceError(w, err, "Failed to get order")
		return nil, actor, false
	}
	if !allowed(actor, o) {
		log.Warn().Stringer("order_id", id).Str("actor_id", actor.ID).Msg("Actor is not allowed to access order")
		respondWithError(w, http.StatusForbidden, "Forbidden")
		return nil, actor, false
	}
	return o, actor, true
}

func (h *OrderHandler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var requestPayload CreateOrderRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	in := order.CreateOrderInput{
		BuyerID:      actor.ID,
		SellerID:     requestPayload.SellerID,
		CurrencyCode: requestPayload.CurrencyCode,
	}
	for _, li := range requestPayload.LineItems {
		in.LineItems = append(in.LineItems, order.LineItemInput{
			ArtworkID:       li.ArtworkID,
			EditionSetID:    li.EditionSetID,
			PriceCents:      li.PriceCents,
			Quantity:        li.Quantity,
			ArtworkSnapshot: li.ArtworkSnapshot,
		})
	}

	created, err := h.service.CreateOrder(r.Context(), in)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create order via service")
		respondWithServiceError(w, err, "Failed to create order")
		return
	}

	respondWithJSON(w, http.StatusCreated, created)
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	query := r.URL.Query()
	filter := order.Filter{
		BuyerID:  query.Get("buyer_id"),
		SellerID: query.Get("seller_id"),
		State:    order.State(strings.ToUpper(query.Get("state"))),
	}
	if filter.State != "" && !filter.State.Valid() {
		respondWithError(w, http.StatusBadRequest, "Invalid state parameter")
		return
	}
	if !actor.IsAdmin() {
		// Non-admins only ever see their own side of an order.
		if filter.SellerID == actor.ID {
			filter.BuyerID = ""
		} else {
			filter.SellerID = ""
			filter.BuyerID = actor.ID
		}
	}

	orders, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list orders via service")
		respondWithServiceError(w, err, "Failed to list orders")
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}

	respondWithJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.loadOrder(w, r, canRead)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	o, _, ok := h.loadOrder(w, r, canRead)
	if !ok {
		return
	}

	history, err := h.service.OrderHistory(r.Context(), o.ID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("Failed to get order history via service")
		respondWithServiceError(w, err, "Failed to get order history")
		return
	}
	if history == nil {
		history = []order.History{}
	}

	respondWithJSON(w, http.StatusOK, history)
}

func (h *OrderHandler) handleSetPayment(w http.ResponseWriter, r *http.Request) {
	o, actor, ok := h.loadOrder(w, r, isBuyer)
	if !ok {
		return
	}

	var requestPayload SetPaymentRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	updated, err := h.service.SetPayment(r.Context(), o.ID, requestPayload.CreditCardID, actor.ID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("Failed to set payment via service")
		respondWithServiceError(w, err, "Failed to set payment")
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) handleSetShipping(w http.ResponseWriter, r *http.Request) {
	o, actor, ok := h.loadOrder(w, r, isBuyer)
	if !ok {
		return
	}

	var requestPayload SetShippingRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	updated, err := h.service.SetShipping(r.Context(), o.ID, order.ShippingInput{
		FulfillmentType:  order.FulfillmentType(requestPayload.FulfillmentType),
		ShippingName:     requestPayload.ShippingName,
		Address:          requestPayload.ShippingAddress,
		BuyerPhoneNumber: requestPayload.BuyerPhoneNumber,
	}, actor.ID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("Failed to set shipping via service")
		respondWithServiceError(w, err, "Failed to set shipping")
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

// transition serves the body-less state changes.
func (h *OrderHandler) transition(allowed func(Actor, *order.Order) bool, name string,
	call func(ctx context.Context, id uuid.UUID, actorID string) (*order.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, actor, ok := h.loadOrder(w, r, allowed)
		if !ok {
			return
		}

		updated, err := call(r.Context(), o.ID, actor.ID)
		if err != nil {
			log.Error().Err(err).Stringer("order_id", o.ID).Str("transition", name).Msg("Failed to change order state via service")
			respondWithServiceError(w, err, "Failed to "+name+" order")
			return
		}

		respondWithJSON(w, http.StatusOK, updated)
	}
}

func (h *OrderHandler) handleFulfill(w http.ResponseWriter, r *http.Request) {
	o, actor, ok := h.loadOrder(w, r, isSeller)
	if !ok {
		return
	}

	var requestPayload FulfillRequest
	if !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}

	updated, err := h.service.Fulfill(r.Context(), o.ID, order.FulfillmentInput{
		Courier:           requestPayload.Courier,
		TrackingID:        requestPayload.TrackingID,
		EstimatedDelivery: requestPayload.EstimatedDelivery,
		LineItemIDs:       requestPayload.LineItemIDs,
	}, actor.ID)
	if err != nil {
		log.Error().Err(err).Stringer("order_id", o.ID).Msg("Failed to fulfill order via service")
		respondWithServiceError(w, err, "Failed to fulfill order")
		return
	}

	respondWithJSON(w, http.StatusOK, updated)
}

func (h *OrderHandler) handleTaxRefund(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok || !actor.IsAdmin() {
		respondWithError(w, http.StatusForbidden, "Forbidden")
		return
	}

	lineItemID, ok := parseID(w, r)
	if !ok {
		return
	}

	var requestPayload TaxRefundRequest
	if r.ContentLength != 0 && !h.decodeAndValidate(w, r, &requestPayload) {
		return
	}
	refundDate := time.Now().UTC()
	if requestPayload.RefundDate != nil {
		refundDate = requestPayload.RefundDate.UTC()
	}

	if err := h.refunds.ScheduleSalesTaxRefund(lineItemID, refundDate); err != nil {
		log.Error().Err(err).Stringer("line_item_id", lineItemID).Msg("Failed to schedule tax refund")
		respondWithError(w, http.StatusServiceUnavailable, "Failed to schedule tax refund")
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}
