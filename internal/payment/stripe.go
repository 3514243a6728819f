package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StripeGateway creates uncaptured charges and captures them later against a
// Stripe compatible charges API.
type StripeGateway struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

func NewStripeGateway(baseURL, apiKey string, timeout time.Duration) *StripeGateway {
	return &StripeGateway{
		Client:  &http.Client{Timeout: timeout},
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
	}
}

func (g *StripeGateway) Authorize(ctx context.Context, params ChargeParams) (*Charge, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.AmountCents, 10))
	form.Set("currency", strings.ToLower(params.Currency))
	form.Set("source", params.SourceID)
	form.Set("customer", params.CustomerID)
	form.Set("destination", params.DestinationID)
	form.Set("capture", "false")

	return g.post(ctx, OpAuthorize, "/v1/charges", form, params.IdempotencyKey)
}

func (g *StripeGateway) Capture(ctx context.Context, chargeID, idempotencyKey string) (*Charge, error) {
	return g.post(ctx, OpCapture, "/v1/charges/"+url.PathEscape(chargeID)+"/capture", url.Values{}, idempotencyKey)
}

type stripeErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *StripeGateway) post(ctx context.Context, op, path string, form url.Values, idempotencyKey string) (*Charge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Op: op, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.SetBasicAuth(g.APIKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Message: fmt.Sprintf("do request: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("read body: %v", err)}
	}

	if resp.StatusCode >= 300 {
		var body stripeErrorBody
		_ = json.Unmarshal(raw, &body)
		log.Warn().Str("operation", op).Int("status", resp.StatusCode).Str("code", body.Error.Code).Msg("payment: gateway rejected request")
		return nil, &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       body.Error.Code,
			Message:    body.Error.Message,
			Body:       string(raw),
		}
	}

	var charge Charge
	if err := json.Unmarshal(raw, &charge); err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode body: %v", err), Body: string(raw)}
	}
	return &charge, nil
}
