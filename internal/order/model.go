package order

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/order-exchange/internal/address"
	"github.com/vasiliy-maslov/order-exchange/internal/totals"
)

type FulfillmentType string

const (
	FulfillmentShip   FulfillmentType = "SHIP"
	FulfillmentPickup FulfillmentType = "PICKUP"
)

func (ft FulfillmentType) Valid() bool {
	return ft == FulfillmentShip || ft == FulfillmentPickup
}

type LineItem struct {
	ID                  uuid.UUID      `json:"id" db:"id"`
	OrderID             uuid.UUID      `json:"order_id" db:"order_id"`
	ArtworkID           string         `json:"artwork_id" db:"artwork_id"`
	EditionSetID        *string        `json:"edition_set_id,omitempty" db:"edition_set_id"`
	PriceCents          int64          `json:"price_cents" db:"price_cents"`
	Quantity            int            `json:"quantity" db:"quantity"`
	ArtworkSnapshot     map[string]any `json:"artwork_snapshot,omitempty" db:"artwork_snapshot"`
	SalesTaxCents       int64          `json:"sales_tax_cents" db:"sales_tax_cents"`
	ShouldRemitSalesTax bool           `json:"should_remit_sales_tax" db:"should_remit_sales_tax"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at" db:"updated_at"`
}

func (li LineItem) AmountCents() int64 {
	return li.PriceCents * int64(li.Quantity)
}

type Order struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Code            string          `json:"code" db:"code"`
	BuyerID         string          `json:"buyer_id" db:"buyer_id"`
	SellerID        string          `json:"seller_id" db:"seller_id"`
	CurrencyCode    string          `json:"currency_code" db:"currency_code"`
	FulfillmentType FulfillmentType `json:"fulfillment_type,omitempty" db:"fulfillment_type"`

	State          State      `json:"state" db:"state"`
	StateUpdatedAt time.Time  `json:"state_updated_at" db:"state_updated_at"`
	StateExpiresAt *time.Time `json:"state_expires_at,omitempty" db:"state_expires_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty" db:"approved_at"`

	ItemsTotalCents     int64    `json:"items_total_cents" db:"items_total_cents"`
	ShippingTotalCents  int64    `json:"shipping_total_cents" db:"shipping_total_cents"`
	TaxTotalCents       int64    `json:"tax_total_cents" db:"tax_total_cents"`
	BuyerTotalCents     int64    `json:"buyer_total_cents" db:"buyer_total_cents"`
	TransactionFeeCents int64    `json:"transaction_fee_cents" db:"transaction_fee_cents"`
	CommissionRate      *float64 `json:"commission_rate,omitempty" db:"commission_rate"`
	CommissionFeeCents  *int64   `json:"commission_fee_cents,omitempty" db:"commission_fee_cents"`
	SellerTotalCents    int64    `json:"seller_total_cents" db:"seller_total_cents"`

	CreditCardID         string `json:"credit_card_id,omitempty" db:"credit_card_id"`
	ExternalCreditCardID string `json:"external_credit_card_id,omitempty" db:"external_credit_card_id"`
	ExternalCustomerID   string `json:"external_customer_id,omitempty" db:"external_customer_id"`
	ExternalChargeID     string `json:"external_charge_id,omitempty" db:"external_charge_id"`

	ShippingName     string          `json:"shipping_name,omitempty" db:"shipping_name"`
	ShippingAddress  address.Address `json:"shipping_address" db:"-"`
	BuyerPhoneNumber string          `json:"buyer_phone_number,omitempty" db:"buyer_phone_number"`

	LineItems []LineItem `json:"line_items" db:"-"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// HasShippingInfo reports whether fulfillment was chosen and, for shipped
// orders, a destination address was stored.
func (o *Order) HasShippingInfo() bool {
	switch o.FulfillmentType {
	case FulfillmentPickup:
		return true
	case FulfillmentShip:
		return o.ShippingAddress.Country != ""
	default:
		return false
	}
}

func (o *Order) HasPaymentInfo() bool {
	return o.CreditCardID != "" && o.ExternalCreditCardID != "" && o.ExternalCustomerID != ""
}

func (o *Order) IsOwnedBy(userID string) bool {
	return userID != "" && (o.BuyerID == userID || o.SellerID == userID)
}

func (o *Order) LineItem(id uuid.UUID) (*LineItem, bool) {
	for i := range o.LineItems {
		if o.LineItems[i].ID == id {
			return &o.LineItems[i], true
		}
	}
	return nil, false
}

// recomputeTotals rebuilds every derived amount from the line items.
func (o *Order) recomputeTotals(fees totals.FeeSchedule) error {
	items := make([]totals.LineItem, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		items = append(items, totals.LineItem{
			PriceCents:    li.PriceCents,
			Quantity:      li.Quantity,
			SalesTaxCents: li.SalesTaxCents,
			RemitSalesTax: li.ShouldRemitSalesTax,
		})
	}

	res, err := totals.Calculate(totals.Input{
		LineItems:          items,
		ShippingTotalCents: o.ShippingTotalCents,
		TaxTotalCents:      o.TaxTotalCents,
		CommissionRate:     o.CommissionRate,
	}, fees)
	if err != nil {
		return err
	}

	o.ItemsTotalCents = res.ItemsTotalCents
	o.BuyerTotalCents = res.BuyerTotalCents
	o.TransactionFeeCents = res.TransactionFeeCents
	o.CommissionFeeCents = res.CommissionFeeCents
	o.SellerTotalCents = res.SellerTotalCents
	return nil
}

type History struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	OrderID       uuid.UUID      `json:"order_id" db:"order_id"`
	ModifierID    string         `json:"modifier_id" db:"modifier_id"`
	ChangedFields map[string]any `json:"changed_fields" db:"changed_fields"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

type Fulfillment struct {
	ID                uuid.UUID   `json:"id" db:"id"`
	OrderID           uuid.UUID   `json:"order_id" db:"order_id"`
	Courier           string      `json:"courier" db:"courier"`
	TrackingID        string      `json:"tracking_id,omitempty" db:"tracking_id"`
	EstimatedDelivery *time.Time  `json:"estimated_delivery,omitempty" db:"estimated_delivery"`
	LineItemIDs       []uuid.UUID `json:"line_item_ids" db:"-"`
	CreatedAt         time.Time   `json:"created_at" db:"created_at"`
}

type TransactionStatus string

const (
	TransactionSuccess TransactionStatus = "success"
	TransactionFailure TransactionStatus = "failure"
)

// Transaction records one payment gateway call for audit.
type Transaction struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	OrderID          uuid.UUID         `json:"order_id" db:"order_id"`
	Operation        string            `json:"operation" db:"operation"`
	ExternalID       string            `json:"external_id,omitempty" db:"external_id"`
	SourceID         string            `json:"source_id,omitempty" db:"source_id"`
	DestinationID    string            `json:"destination_id,omitempty" db:"destination_id"`
	AmountCents      int64             `json:"amount_cents" db:"amount_cents"`
	Status           TransactionStatus `json:"status" db:"status"`
	FailureCode      string            `json:"failure_code,omitempty" db:"failure_code"`
	FailureMessage   string            `json:"failure_message,omitempty" db:"failure_message"`
	ProviderResponse string            `json:"provider_response,omitempty" db:"provider_response"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
}

type Filter struct {
	BuyerID  string
	SellerID string
	State    State
}
