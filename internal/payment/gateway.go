package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
)

type ChargeParams struct {
	SourceID      string
	CustomerID    string
	DestinationID string
	AmountCents   int64
	Currency      string
	// IdempotencyKey makes a retried call return the original charge instead
	// of creating a second one.
	IdempotencyKey string
}

// AuthorizeKey derives the idempotency key of an authorization attempt. Any
// change to the charge parameters or to the attempt number yields a new key.
func AuthorizeKey(orderID string, attempt int, p ChargeParams) string {
	request := strings.Join([]string{
		p.SourceID, p.CustomerID, p.DestinationID, strconv.FormatInt(p.AmountCents, 10), p.Currency,
	}, "|")
	sum := sha256.Sum256([]byte(request))
	return fmt.Sprintf("%s-%s-%d-%s", orderID, OpAuthorize, attempt, hex.EncodeToString(sum[:8]))
}

// CaptureKey derives the idempotency key of a capture attempt on a charge.
func CaptureKey(orderID string, attempt int, chargeID string) string {
	return fmt.Sprintf("%s-%s-%d-%s", orderID, OpCapture, attempt, chargeID)
}

type Charge struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amount"`
	Captured    bool   `json:"captured"`
	Status      string `json:"status"`
}

// Gateway is the payment processor contract. Every failure is returned as *Error.
type Gateway interface {
	Authorize(ctx context.Context, params ChargeParams) (*Charge, error)
	Capture(ctx context.Context, chargeID, idempotencyKey string) (*Charge, error)
}

// Error is the single failure kind surfaced by a Gateway. Body holds the raw
// provider response when one was received.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("payment: %s failed: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("payment: %s failed with status %d (%s): %s", e.Op, e.StatusCode, e.Code, e.Message)
}
