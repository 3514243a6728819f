package salestax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-exchange/internal/address"
)

// Provider is the external tax computation and remittance service.
type Provider interface {
	TaxForOrder(ctx context.Context, params TaxParams) (decimal.Decimal, error)
	CreateOrderTransaction(ctx context.Context, params TransactionParams) error
	CreateRefundTransaction(ctx context.Context, params TransactionParams) error
	// ShowOrderTransaction returns nil, nil when the transaction does not exist.
	ShowOrderTransaction(ctx context.Context, id string) (*Transaction, error)
	ShowRefundTransaction(ctx context.Context, id string) (*Transaction, error)
}

type TaxParams struct {
	From     address.Address
	To       address.Address
	Amount   decimal.Decimal
	Shipping decimal.Decimal
}

type TransactionParams struct {
	TransactionID          string
	TransactionReferenceID string
	TransactionDate        time.Time
	From                   address.Address
	To                     address.Address
	Amount                 decimal.Decimal
	Shipping               decimal.Decimal
	SalesTax               decimal.Decimal
}

type Transaction struct {
	TransactionID          string          `json:"transaction_id"`
	TransactionReferenceID string          `json:"transaction_reference_id,omitempty"`
	TransactionDate        string          `json:"transaction_date"`
	Amount                 decimal.Decimal `json:"amount"`
	SalesTax               decimal.Decimal `json:"sales_tax"`
}

// ProviderError is returned for any non-success response from the provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("tax provider responded with status %d: %s", e.StatusCode, e.Body)
}

// HTTPProvider talks to a TaxJar v2 compatible API.
type HTTPProvider struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		Client:  &http.Client{Timeout: timeout},
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
	}
}

type taxRequest struct {
	FromCountry string      `json:"from_country"`
	FromZip     string      `json:"from_zip,omitempty"`
	FromState   string      `json:"from_state,omitempty"`
	FromCity    string      `json:"from_city,omitempty"`
	FromStreet  string      `json:"from_street,omitempty"`
	ToCountry   string      `json:"to_country"`
	ToZip       string      `json:"to_zip,omitempty"`
	ToState     string      `json:"to_state,omitempty"`
	ToCity      string      `json:"to_city,omitempty"`
	ToStreet    string      `json:"to_street,omitempty"`
	Amount      json.Number `json:"amount"`
	Shipping    json.Number `json:"shipping"`
}

type transactionRequest struct {
	taxRequest
	TransactionID          string      `json:"transaction_id"`
	TransactionReferenceID string      `json:"transaction_reference_id,omitempty"`
	TransactionDate        string      `json:"transaction_date"`
	SalesTax               json.Number `json:"sales_tax"`
}

// jsonAmount encodes a dollar amount as a JSON number; the provider rejects
// quoted amounts.
func jsonAmount(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func newTaxRequest(from, to address.Address, amount, shipping decimal.Decimal) taxRequest {
	return taxRequest{
		FromCountry: from.Country,
		FromZip:     from.PostalCode,
		FromState:   from.Region,
		FromCity:    from.City,
		FromStreet:  from.Line1,
		ToCountry:   to.Country,
		ToZip:       to.PostalCode,
		ToState:     to.Region,
		ToCity:      to.City,
		ToStreet:    to.Line1,
		Amount:      jsonAmount(amount),
		Shipping:    jsonAmount(shipping),
	}
}

func newTransactionRequest(p TransactionParams) transactionRequest {
	return transactionRequest{
		taxRequest:             newTaxRequest(p.From, p.To, p.Amount, p.Shipping),
		TransactionID:          p.TransactionID,
		TransactionReferenceID: p.TransactionReferenceID,
		TransactionDate:        p.TransactionDate.UTC().Format(time.RFC3339),
		SalesTax:               jsonAmount(p.SalesTax),
	}
}

func (p *HTTPProvider) TaxForOrder(ctx context.Context, params TaxParams) (decimal.Decimal, error) {
	var resp struct {
		Tax struct {
			AmountToCollect decimal.Decimal `json:"amount_to_collect"`
		} `json:"tax"`
	}
	req := newTaxRequest(params.From, params.To, params.Amount, params.Shipping)
	if _, err := p.do(ctx, http.MethodPost, "/v2/taxes", req, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Tax.AmountToCollect, nil
}

func (p *HTTPProvider) CreateOrderTransaction(ctx context.Context, params TransactionParams) error {
	_, err := p.do(ctx, http.MethodPost, "/v2/transactions/orders", newTransactionRequest(params), nil)
	return err
}

func (p *HTTPProvider) CreateRefundTransaction(ctx context.Context, params TransactionParams) error {
	_, err := p.do(ctx, http.MethodPost, "/v2/transactions/refunds", newTransactionRequest(params), nil)
	return err
}

func (p *HTTPProvider) ShowOrderTransaction(ctx context.Context, id string) (*Transaction, error) {
	var resp struct {
		Order Transaction `json:"order"`
	}
	found, err := p.do(ctx, http.MethodGet, "/v2/transactions/orders/"+url.PathEscape(id), nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	return &resp.Order, nil
}

func (p *HTTPProvider) ShowRefundTransaction(ctx context.Context, id string) (*Transaction, error) {
	var resp struct {
		Refund Transaction `json:"refund"`
	}
	found, err := p.do(ctx, http.MethodGet, "/v2/transactions/refunds/"+url.PathEscape(id), nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	return &resp.Refund, nil
}

// do returns false without error when the provider answers 404.
func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return false, nil
	case resp.StatusCode >= 300:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return false, &ProviderError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode body: %w", err)
		}
	}
	return true, nil
}
