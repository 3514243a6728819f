package salestax

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/order-exchange/internal/address"
)

var ErrMissingDestinationCountry = errors.New("destination country is required to calculate sales tax")

// SellerLocator resolves the registered location of a seller.
type SellerLocator interface {
	SellerLocation(ctx context.Context, sellerID string) (address.Address, error)
}

// Rules decides when the platform, not the seller, remits collected tax.
type Rules struct {
	NexusCountry string   `yaml:"country"`
	NexusRegions []string `yaml:"regions"`
}

var DefaultRules = Rules{NexusCountry: address.CountryUS, NexusRegions: []string{"WA", "NJ", "PA"}}

func (r Rules) MustRemit(destination address.Address) bool {
	if !destination.InCountry(r.NexusCountry) {
		return false
	}
	region := strings.TrimSpace(destination.Region)
	for _, nexus := range r.NexusRegions {
		if strings.EqualFold(region, nexus) {
			return true
		}
	}
	return false
}

// LineItem carries everything needed to price tax for one line item.
type LineItem struct {
	OrderID            uuid.UUID
	LineItemID         uuid.UUID
	SellerID           string
	AmountCents        int64
	Pickup             bool
	ShippingAddress    address.Address
	ArtworkLocation    address.Address
	ShippingTotalCents int64
}

func TransactionID(orderID, lineItemID uuid.UUID) string {
	return fmt.Sprintf("%s-%s", orderID, lineItemID)
}

func RefundTransactionID(orderID, lineItemID uuid.UUID) string {
	return TransactionID(orderID, lineItemID) + "_refund"
}

type Engine struct {
	provider Provider
	sellers  SellerLocator
	rules    Rules
}

func NewEngine(provider Provider, sellers SellerLocator, rules Rules) *Engine {
	return &Engine{provider: provider, sellers: sellers, rules: rules}
}

// Calculation is a line item with its origin, destination and taxable
// shipping resolved.
type Calculation struct {
	engine      *Engine
	item        LineItem
	origin      address.Address
	destination address.Address
	remit       bool
	shipping    int64
}

func (e *Engine) For(ctx context.Context, item LineItem) (*Calculation, error) {
	var origin address.Address
	if item.Pickup {
		origin = item.ArtworkLocation
	} else {
		loc, err := e.sellers.SellerLocation(ctx, item.SellerID)
		if err != nil {
			return nil, fmt.Errorf("salestax: failed to resolve seller location: %w", err)
		}
		origin = loc
	}

	destination := item.ShippingAddress
	if item.Pickup {
		destination = origin
	}
	if strings.TrimSpace(destination.Country) == "" {
		return nil, ErrMissingDestinationCountry
	}

	c := &Calculation{
		engine:      e,
		item:        item,
		origin:      origin,
		destination: destination,
		remit:       e.rules.MustRemit(destination),
	}
	if c.remit {
		c.shipping = item.ShippingTotalCents
	}
	return c, nil
}

func (c *Calculation) ShouldRemit() bool { return c.remit }

func (c *Calculation) Origin() address.Address { return c.origin }

func (c *Calculation) Destination() address.Address { return c.destination }

// TaxableShippingCents is the shipping amount sent to the provider. Shipping is
// only taxed when the platform remits.
func (c *Calculation) TaxableShippingCents() int64 { return c.shipping }

func (c *Calculation) SalesTax(ctx context.Context) (int64, error) {
	amount, err := c.engine.provider.TaxForOrder(ctx, TaxParams{
		From:     c.origin,
		To:       c.destination,
		Amount:   ToDollars(c.item.AmountCents),
		Shipping: ToDollars(c.shipping),
	})
	if err != nil {
		return 0, fmt.Errorf("salestax: failed to calculate tax: %w", err)
	}
	return ToCents(amount), nil
}

// Record posts the collected tax to the provider. Posting is skipped when a
// transaction with the same id already exists so job retries stay safe.
func (c *Calculation) Record(ctx context.Context, salesTaxCents int64, approvedAt time.Time) (bool, error) {
	id := TransactionID(c.item.OrderID, c.item.LineItemID)

	existing, err := c.engine.provider.ShowOrderTransaction(ctx, id)
	if err != nil {
		return false, fmt.Errorf("salestax: failed to look up transaction %s: %w", id, err)
	}
	if existing != nil {
		log.Info().Str("transaction_id", id).Msg("salestax: transaction already posted, skipping")
		return false, nil
	}

	err = c.engine.provider.CreateOrderTransaction(ctx, c.transactionParams(id, "", approvedAt, salesTaxCents))
	if err != nil {
		return false, fmt.Errorf("salestax: failed to post transaction %s: %w", id, err)
	}
	return true, nil
}

// Refund posts a refund for a previously recorded transaction. A missing
// original transaction is not an error: nothing was remitted, nothing is
// refunded.
func (c *Calculation) Refund(ctx context.Context, salesTaxCents int64, refundDate time.Time) (bool, error) {
	id := TransactionID(c.item.OrderID, c.item.LineItemID)

	original, err := c.engine.provider.ShowOrderTransaction(ctx, id)
	if err != nil {
		return false, fmt.Errorf("salestax: failed to look up transaction %s: %w", id, err)
	}
	if original == nil {
		return false, nil
	}

	refundID := RefundTransactionID(c.item.OrderID, c.item.LineItemID)
	existing, err := c.engine.provider.ShowRefundTransaction(ctx, refundID)
	if err != nil {
		return false, fmt.Errorf("salestax: failed to look up refund %s: %w", refundID, err)
	}
	if existing != nil {
		return false, nil
	}

	err = c.engine.provider.CreateRefundTransaction(ctx, c.transactionParams(refundID, original.TransactionID, refundDate, salesTaxCents))
	if err != nil {
		return false, fmt.Errorf("salestax: failed to post refund %s: %w", refundID, err)
	}
	return true, nil
}

func (c *Calculation) transactionParams(id, referenceID string, date time.Time, salesTaxCents int64) TransactionParams {
	return TransactionParams{
		TransactionID:          id,
		TransactionReferenceID: referenceID,
		TransactionDate:        date,
		From:                   c.origin,
		To:                     c.destination,
		Amount:                 ToDollars(c.item.AmountCents),
		Shipping:               ToDollars(c.shipping),
		SalesTax:               ToDollars(salesTaxCents),
	}
}

func ToDollars(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

func ToCents(dollars decimal.Decimal) int64 {
	return dollars.Shift(2).Round(0).IntPart()
}
