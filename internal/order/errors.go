package order

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/order-exchange/internal/payment"
)

var (
	ErrOrderNotFound            = errors.New("order not found")
	ErrLineItemNotFound         = errors.New("line item not found")
	ErrPendingOrderExists       = errors.New("buyer already has a pending order")
	ErrLineItemAlreadyFulfilled = errors.New("line item already belongs to a fulfillment")
)

const (
	CodeUnsupportedCurrency    = "unsupported_currency"
	CodeInvalidCommissionRate  = "invalid_commission_rate"
	CodeInvalidShippingAddress = "invalid_shipping_address"
	CodeInvalidFulfillmentType = "invalid_fulfillment_type"
	CodeInvalidCreditCard      = "invalid_credit_card"
	CodeMissingArtwork         = "missing_artwork"
	CodeMissingArtworkLocation = "missing_artwork_location"
	CodeMissingShippingFee     = "missing_shipping_fee"
	CodeInvalidLineItem        = "invalid_line_item"
	CodeInvalidOrder           = "invalid_order"
	CodeInvalidFulfillment     = "invalid_fulfillment"
)

// ValidationError rejects bad input before anything is written.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Code, e.Message)
}

func newValidationError(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StateGuardError rejects an operation the order is not ready for.
type StateGuardError struct {
	OrderID uuid.UUID
	State   State
	Reason  string
}

func (e *StateGuardError) Error() string {
	return fmt.Sprintf("order %s in state %s: %s", e.OrderID, e.State, e.Reason)
}

// TransitionError is an event the transition table does not allow from the
// current state.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s an order in state %s", e.Event, e.From)
}

// PaymentError wraps a gateway failure after the failure was recorded.
type PaymentError struct {
	OrderID uuid.UUID
	Err     *payment.Error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("order %s: %v", e.OrderID, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// DependencyError is a failed call to the catalog, partner or tax service.
type DependencyError struct {
	Dependency string
	Message    string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Dependency, e.Message)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}
