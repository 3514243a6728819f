package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-exchange/internal/address"
)

var ErrPartnerLocationNotFound = errors.New("partner has no registered location")

type Artwork struct {
	ID                            string           `json:"id"`
	Location                      *address.Address `json:"location"`
	DomesticShippingFeeCents      *int64           `json:"domestic_shipping_fee_cents"`
	InternationalShippingFeeCents *int64           `json:"international_shipping_fee_cents"`
}

type CustomerAccount struct {
	ExternalID string `json:"external_id"`
}

type CreditCard struct {
	ID              string           `json:"id"`
	ExternalID      string           `json:"external_id"`
	CustomerAccount *CustomerAccount `json:"customer_account"`
	Deactivated     bool             `json:"deactivated"`
}

type Partner struct {
	ID                      string   `json:"id"`
	EffectiveCommissionRate *float64 `json:"effective_commission_rate"`
}

type MerchantAccount struct {
	ExternalID string `json:"external_id"`
}

// Client reads artworks, partners and payment instruments from the catalog
// service. Lookups of missing records return nil, nil.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
	}
}

func (c *Client) GetArtwork(ctx context.Context, id string) (*Artwork, error) {
	var artwork Artwork
	found, err := c.get(ctx, "/api/v1/artwork/"+url.PathEscape(id), &artwork)
	if err != nil || !found {
		return nil, err
	}
	return &artwork, nil
}

func (c *Client) GetCreditCard(ctx context.Context, id string) (*CreditCard, error) {
	var card CreditCard
	found, err := c.get(ctx, "/api/v1/credit_card/"+url.PathEscape(id), &card)
	if err != nil || !found {
		return nil, err
	}
	return &card, nil
}

func (c *Client) GetPartner(ctx context.Context, id string) (*Partner, error) {
	var partner Partner
	found, err := c.get(ctx, "/api/v1/partner/"+url.PathEscape(id)+"/all", &partner)
	if err != nil || !found {
		return nil, err
	}
	return &partner, nil
}

func (c *Client) GetPartnerLocation(ctx context.Context, partnerID string) (*address.Address, error) {
	var locations []address.Address
	found, err := c.get(ctx, "/api/v1/partner/"+url.PathEscape(partnerID)+"/locations?private=true", &locations)
	if err != nil || !found || len(locations) == 0 {
		return nil, err
	}
	return &locations[0], nil
}

func (c *Client) GetMerchantAccount(ctx context.Context, partnerID string) (*MerchantAccount, error) {
	var accounts []MerchantAccount
	found, err := c.get(ctx, "/api/v1/merchant_accounts?partner_id="+url.QueryEscape(partnerID), &accounts)
	if err != nil || !found || len(accounts) == 0 {
		return nil, err
	}
	return &accounts[0], nil
}

// SellerLocation adapts GetPartnerLocation for the sales tax engine, where a
// seller without a location cannot be taxed.
func (c *Client) SellerLocation(ctx context.Context, sellerID string) (address.Address, error) {
	loc, err := c.GetPartnerLocation(ctx, sellerID)
	if err != nil {
		return address.Address{}, err
	}
	if loc == nil {
		return address.Address{}, fmt.Errorf("%w: %s", ErrPartnerLocationNotFound, sellerID)
	}
	return *loc, nil
}

func (c *Client) get(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Xapp-Token", c.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("catalog: request failed")
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		log.Debug().Str("path", path).Msg("catalog: resource not found")
		return false, nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		log.Warn().Str("path", path).Int("status", resp.StatusCode).Msg("catalog: unexpected response status")
		return false, fmt.Errorf("catalog: unexpected status %d for %s: %s", resp.StatusCode, path, raw)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Error().Err(err).Str("path", path).Msg("catalog: failed to decode response")
		return false, fmt.Errorf("decode body: %w", err)
	}
	return true, nil
}
