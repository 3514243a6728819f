package order_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/order-exchange/internal/address"
	"github.com/vasiliy-maslov/order-exchange/internal/catalog"
	"github.com/vasiliy-maslov/order-exchange/internal/notify"
	"github.com/vasiliy-maslov/order-exchange/internal/order"
	"github.com/vasiliy-maslov/order-exchange/internal/payment"
	"github.com/vasiliy-maslov/order-exchange/internal/salestax"
)

const (
	buyerID   = "buyer-1"
	sellerID  = "partner-1"
	artworkID = "artwork-1"
	cardID    = "card-1"
)

var (
	testNow = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	sellerLocation = address.Address{Line1: "401 Broadway", City: "New York", Region: "NY", Country: "US", PostalCode: "10013"}
	shipToWA       = address.Address{Line1: "1 Pike St", City: "Seattle", Region: "WA", Country: "US", PostalCode: "98101"}
	shipToNY       = address.Address{Line1: "10 Court St", City: "Brooklyn", Region: "NY", Country: "US", PostalCode: "11201"}
	shipToDE       = address.Address{Line1: "Torstr. 1", City: "Berlin", Country: "DE", PostalCode: "10119"}
)

func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }

func testArtwork() *catalog.Artwork {
	loc := sellerLocation
	return &catalog.Artwork{
		ID:                            artworkID,
		Location:                      &loc,
		DomesticShippingFeeCents:      int64Ptr(2000),
		InternationalShippingFeeCents: int64Ptr(5000),
	}
}

func validCard() *catalog.CreditCard {
	return &catalog.CreditCard{
		ID:              cardID,
		ExternalID:      "card_ext_1",
		CustomerAccount: &catalog.CustomerAccount{ExternalID: "cus_1"},
	}
}

type fixture struct {
	repo      *memRepository
	catalog   *MockCatalog
	gateway   *MockGateway
	taxes     *MockTaxProvider
	sellers   *MockSellerLocator
	notifier  *recordingNotifier
	scheduler *recordingScheduler
	svc       order.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:      newMemRepository(),
		catalog:   new(MockCatalog),
		gateway:   new(MockGateway),
		taxes:     new(MockTaxProvider),
		sellers:   new(MockSellerLocator),
		notifier:  &recordingNotifier{},
		scheduler: &recordingScheduler{},
	}

	settings := order.DefaultSettings()
	settings.Now = func() time.Time { return testNow }

	f.svc = order.NewService(order.Dependencies{
		Repo:      f.repo,
		Catalog:   f.catalog,
		Gateway:   f.gateway,
		Taxes:     salestax.NewEngine(f.taxes, f.sellers, salestax.DefaultRules),
		Notifier:  f.notifier,
		Scheduler: f.scheduler,
	}, settings)
	return f
}

func (f *fixture) createOrder(t *testing.T) *order.Order {
	t.Helper()

	o, err := f.svc.CreateOrder(context.Background(), order.CreateOrderInput{
		BuyerID:      buyerID,
		SellerID:     sellerID,
		CurrencyCode: "usd",
		LineItems:    []order.LineItemInput{{ArtworkID: artworkID, PriceCents: 30000, Quantity: 1}},
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) shipTo(t *testing.T, o *order.Order, dest address.Address, taxDollars string) *order.Order {
	t.Helper()

	f.catalog.On("GetArtwork", mock.Anything, artworkID).Return(testArtwork(), nil).Once()
	f.sellers.On("SellerLocation", mock.Anything, sellerID).Return(sellerLocation, nil).Once()
	f.taxes.On("TaxForOrder", mock.Anything, mock.AnythingOfType("salestax.TaxParams")).
		Return(decimal.RequireFromString(taxDollars), nil).
		Once()

	updated, err := f.svc.SetShipping(context.Background(), o.ID, order.ShippingInput{
		FulfillmentType: order.FulfillmentShip,
		ShippingName:    "Jane Buyer",
		Address:         dest,
	}, buyerID)
	require.NoError(t, err)
	return updated
}

func (f *fixture) setPayment(t *testing.T, o *order.Order) *order.Order {
	t.Helper()

	f.catalog.On("GetCreditCard", mock.Anything, cardID).Return(validCard(), nil).Once()
	updated, err := f.svc.SetPayment(context.Background(), o.ID, cardID, buyerID)
	require.NoError(t, err)
	return updated
}

// readyOrder is a pending order shipping to Washington with payment set.
func (f *fixture) readyOrder(t *testing.T) *order.Order {
	t.Helper()

	o := f.createOrder(t)
	f.shipTo(t, o, shipToWA, "10.00")
	return f.setPayment(t, o)
}

func (f *fixture) stubSubmitLookups(rate *float64) {
	f.catalog.On("GetMerchantAccount", mock.Anything, sellerID).Return(&catalog.MerchantAccount{ExternalID: "acct_1"}, nil).Once()
	f.catalog.On("GetPartner", mock.Anything, sellerID).Return(&catalog.Partner{ID: sellerID, EffectiveCommissionRate: rate}, nil).Once()
}

func (f *fixture) submittedOrder(t *testing.T) *order.Order {
	t.Helper()

	o := f.readyOrder(t)
	f.stubSubmitLookups(float64Ptr(0.1))
	f.gateway.On("Authorize", mock.Anything, mock.AnythingOfType("payment.ChargeParams")).
		Return(&payment.Charge{ID: "ch_1", AmountCents: 33000}, nil).
		Once()

	updated, err := f.svc.Submit(context.Background(), o.ID, buyerID)
	require.NoError(t, err)
	return updated
}

func (f *fixture) approvedOrder(t *testing.T) *order.Order {
	t.Helper()

	o := f.submittedOrder(t)
	f.gateway.On("Capture", mock.Anything, "ch_1", payment.CaptureKey(o.ID.String(), 1, "ch_1")).
		Return(&payment.Charge{ID: "ch_1", AmountCents: 33000, Captured: true}, nil).
		Once()

	updated, err := f.svc.Approve(context.Background(), o.ID, sellerID)
	require.NoError(t, err)
	return updated
}

type totalsView struct {
	Items, Shipping, Tax, Buyer, Fee, Seller int64
	Commission                               *int64
}

func viewTotals(o order.Order) totalsView {
	return totalsView{
		Items:      o.ItemsTotalCents,
		Shipping:   o.ShippingTotalCents,
		Tax:        o.TaxTotalCents,
		Buyer:      o.BuyerTotalCents,
		Fee:        o.TransactionFeeCents,
		Seller:     o.SellerTotalCents,
		Commission: o.CommissionFeeCents,
	}
}

func TestService_CreateOrder_Success(t *testing.T) {
	f := newFixture(t)

	o, err := f.svc.CreateOrder(context.Background(), order.CreateOrderInput{
		BuyerID:      buyerID,
		SellerID:     sellerID,
		CurrencyCode: "USD",
		LineItems: []order.LineItemInput{
			{ArtworkID: artworkID, PriceCents: 30000, Quantity: 1},
			{ArtworkID: "artwork-2", PriceCents: 15500, Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, o)

	assert.NotEqual(t, uuid.Nil, o.ID)
	assert.Len(t, o.Code, 9)
	assert.Equal(t, order.StatePending, o.State)
	assert.Equal(t, "usd", o.CurrencyCode)
	require.NotNil(t, o.StateExpiresAt)
	assert.Equal(t, testNow.Add(48*time.Hour), *o.StateExpiresAt)

	want := totalsView{Items: 61000, Buyer: 61000, Fee: 1799, Seller: 59201}
	if diff := cmp.Diff(want, viewTotals(f.repo.stored(o.ID))); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}

	history := f.repo.historyFor(o.ID)
	require.Len(t, history, 1)
	assert.Equal(t, buyerID, history[0].ModifierID)
	assert.Equal(t, []notify.Kind{notify.KindCreated}, f.notifier.kinds())
}

func TestService_CreateOrder_AbandonsPreviousPending(t *testing.T) {
	f := newFixture(t)

	first := f.createOrder(t)
	second := f.createOrder(t)

	assert.Equal(t, order.StateAbandoned, f.repo.stored(first.ID).State)
	assert.Equal(t, order.StatePending, f.repo.stored(second.ID).State)

	pending, err := f.svc.ListOrders(context.Background(), order.Filter{BuyerID: buyerID, State: order.StatePending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	history := f.repo.historyFor(first.ID)
	require.Len(t, history, 2)
	assert.Equal(t, "ABANDONED", history[1].ChangedFields["state"])
	assert.Equal(t, buyerID, history[1].ModifierID)

	assert.Equal(t, []notify.Kind{notify.KindCreated, notify.KindAbandoned, notify.KindCreated}, f.notifier.kinds())
}

func TestService_CreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name     string
		in       order.CreateOrderInput
		wantCode string
	}{
		{
			name: "unsupported currency",
			in: order.CreateOrderInput{BuyerID: buyerID, SellerID: sellerID, CurrencyCode: "eur",
				LineItems: []order.LineItemInput{{ArtworkID: artworkID, PriceCents: 100, Quantity: 1}}},
			wantCode: order.CodeUnsupportedCurrency,
		},
		{
			name:     "no line items",
			in:       order.CreateOrderInput{BuyerID: buyerID, SellerID: sellerID, CurrencyCode: "usd"},
			wantCode: order.CodeInvalidOrder,
		},
		{
			name: "zero quantity",
			in: order.CreateOrderInput{BuyerID: buyerID, SellerID: sellerID, CurrencyCode: "usd",
				LineItems: []order.LineItemInput{{ArtworkID: artworkID, PriceCents: 100, Quantity: 0}}},
			wantCode: order.CodeInvalidLineItem,
		},
		{
			name: "negative price",
			in: order.CreateOrderInput{BuyerID: buyerID, SellerID: sellerID, CurrencyCode: "usd",
				LineItems: []order.LineItemInput{{ArtworkID: artworkID, PriceCents: -1, Quantity: 1}}},
			wantCode: order.CodeInvalidLineItem,
		},
		{
			name: "missing seller",
			in: order.CreateOrderInput{BuyerID: buyerID, CurrencyCode: "usd",
				LineItems: []order.LineItemInput{{ArtworkID: artworkID, PriceCents: 100, Quantity: 1}}},
			wantCode: order.CodeInvalidOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			o, err := f.svc.CreateOrder(context.Background(), tt.in)
			require.Nil(t, o)

			var ve *order.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantCode, ve.Code)
			assert.Empty(t, f.notifier.kinds())
		})
	}
}

func TestService_SetShipping_RemittedDomestic(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	f.catalog.On("GetArtwork", mock.Anything, artworkID).Return(testArtwork(), nil).Once()
	f.sellers.On("SellerLocation", mock.Anything, sellerID).Return(sellerLocation, nil).Once()
	f.taxes.On("TaxForOrder", mock.Anything, mock.MatchedBy(func(p salestax.TaxParams) bool {
		return p.From.Region == "NY" && p.To.Region == "WA" &&
			p.Amount.Equal(decimal.RequireFromString("300")) &&
			p.Shipping.Equal(decimal.RequireFromString("20"))
	})).Return(decimal.RequireFromString("10.00"), nil).Once()

	updated, err := f.svc.SetShipping(context.Background(), o.ID, order.ShippingInput{
		FulfillmentType: order.FulfillmentShip,
		ShippingName:    "Jane Buyer",
		Address:         shipToWA,
	}, buyerID)
	require.NoError(t, err)

	want := totalsView{Items: 30000, Shipping: 2000, Tax: 1000, Buyer: 33000, Fee: 987, Seller: 31013}
	if diff := cmp.Diff(want, viewTotals(*updated)); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}

	stored := f.repo.stored(o.ID)
	require.Len(t, stored.LineItems, 1)
	assert.Equal(t, int64(1000), stored.LineItems[0].SalesTaxCents)
	assert.True(t, stored.LineItems[0].ShouldRemitSalesTax)
	assert.Equal(t, shipToWA, stored.ShippingAddress)
	assert.Equal(t, stored.ItemsTotalCents+stored.ShippingTotalCents+stored.TaxTotalCents, stored.BuyerTotalCents)
	assert.Len(t, f.repo.historyFor(o.ID), 2)

	f.catalog.AssertExpectations(t)
	f.sellers.AssertExpectations(t)
	f.taxes.AssertExpectations(t)
}

func TestService_SetShipping_NotRemittedExcludesShippingFromTax(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	f.catalog.On("GetArtwork", mock.Anything, artworkID).Return(testArtwork(), nil).Once()
	f.sellers.On("SellerLocation", mock.Anything, sellerID).Return(sellerLocation, nil).Once()
	f.taxes.On("TaxForOrder", mock.Anything, mock.MatchedBy(func(p salestax.TaxParams) bool {
		return p.To.Region == "NY" && p.Shipping.IsZero()
	})).Return(decimal.RequireFromString("26.63"), nil).Once()

	updated, err := f.svc.SetShipping(context.Background(), o.ID, order.ShippingInput{
		FulfillmentType: order.FulfillmentShip,
		Address:         shipToNY,
	}, buyerID)
	require.NoError(t, err)

	assert.Equal(t, int64(2000), updated.ShippingTotalCents)
	assert.Equal(t, int64(2663), updated.TaxTotalCents)
	assert.False(t, updated.LineItems[0].ShouldRemitSalesTax)
	// Tax the seller remits stays in the seller total.
	assert.Equal(t, updated.BuyerTotalCents-updated.TransactionFeeCents, updated.SellerTotalCents)
	f.taxes.AssertExpectations(t)
}

func TestService_SetShipping_International(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	f.catalog.On("GetArtwork", mock.Anything, artworkID).Return(testArtwork(), nil).Once()
	f.sellers.On("SellerLocation", mock.Anything, sellerID).Return(sellerLocation, nil).Once()
	f.taxes.On("TaxForOrder", mock.Anything, mock.AnythingOfType("salestax.TaxParams")).
		Return(decimal.Zero, nil).
		Once()

	updated, err := f.svc.SetShipping(context.Background(), o.ID, order.ShippingInput{
		FulfillmentType: order.FulfillmentShip,
		Address:         shipToDE,
	}, buyerID)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), updated.ShippingTotalCents)
	assert.Equal(t, int64(0), updated.TaxTotalCents)
	assert.Equal(t, int64(35000), updated.BuyerTotalCents)
}

func TestService_SetShipping_PickupUsesArtworkLocation(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	art := testArtwork()
	art.Location = &address.Address{Line1: "1 Market St", City: "Philadelphia", Region: "PA", Country: "US", PostalCode: "19106"}
	f.catalog.On("GetArtwork", mock.Anything, artworkID).Return(art, nil).Once()
	f.taxes.On("TaxForOrder", mock.Anything, mock.MatchedBy(func(p salestax.TaxParams) bool {
		return p.From.Region == "PA" && p.To.Region == "PA" && p.Shipping.IsZero()
	})).Return(decimal.RequireFromString("18.00"), nil).Once()

	updated, err := f.svc.SetShipping(context.Background(), o.ID, order.ShippingInput{
		FulfillmentType: order.FulfillmentPickup,
		Address:         shipToWA,
	}, buyerID)
	require.NoError(t, err)

	assert.Equal(t, order.FulfillmentPickup, updated.FulfillmentType)
	assert.Equal(t, int64(0), updated.ShippingTotalCents)
	assert.Equal(t, int64(1800), updated.TaxTotalCents)
	assert.True(t, updated.LineItems[0].ShouldRemitSalesTax)
	assert.True(t, updated.ShippingAddress.IsZero())
	assert.True(t, updated.HasShippingInfo())

	f.sellers.AssertNotCalled(t, "SellerLocation", mock.Anything, mock.Anything)
	f.taxes.AssertExpectations(t)
}

func TestService_SetShipping_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		in       order.ShippingInput
		wantCode string
	}{
		{
			name:     "unknown fulfillment type",
			in:       order.ShippingInput{FulfillmentType: "DRONE"},
			wantCode: order.CodeInvalidFulfillmentType,
		},
		{
			name:     "missing country",
			in:       order.ShippingInput{FulfillmentType: order.FulfillmentShip, Address: address.Address{Line1: "1 Pike St"}},
			wantCode: order.CodeInvalidShippingAddress,
		},
		{
			name: "us without postal code",
			in: order.ShippingInput{FulfillmentType: order.FulfillmentShip,
				Address: address.Address{Line1: "1 Pike St", Region: "WA", Country: "US"}},
			wantCode: order.CodeInvalidShippingAddress,
		},
		{
			name: "three letter country",
			in: order.ShippingInput{FulfillmentType: order.FulfillmentShip,
				Address: address.Address{Line1: "1 Pike St", Region: "WA", Country: "USA", PostalCode: "98101"}},
			wantCode: order.CodeInvalidShippingAddress,
		},
		{
			name: "numeric country",
			in: order.ShippingInput{FulfillmentType: order.FulfillmentShip,
				Address: address.Address{Country: "84"}},
			wantCode: order.CodeInvalidShippingAddress,
		},
		{
			name: "canada without region",
			in: order.ShippingInput{FulfillmentType: order.FulfillmentShip,
				Address: address.Address{Line1: "1 Queen St", Country: "CA", PostalCode: "M5H 2N2"}},
			wantCode: order.CodeInvalidShippingAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.createOrder(t)

			_, err := f.svc.SetShipping(context.Background(), o.ID, tt.in, buyerID)

			var ve *order.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantCode, ve.Code)
			assert.Len(t, f.repo.historyFor(o.ID), 1)
			f.taxes.AssertNotCalled(t, "TaxForOrder", mock.Anything, mock.Anything)
		})
	}
}

func TestService_SetShipping_WithoutStreetLine(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	updated := f.shipTo(t, o, address.Address{City: "Berlin", Country: "DE", PostalCode: "10119"}, "0")

	assert.Equal(t, order.FulfillmentShip, updated.FulfillmentType)
	assert.True(t, updated.HasShippingInfo())
	assert.Equal(t, int64(5000), updated.ShippingTotalCents)
}

func TestService_SetShipping_ArtworkProblems(t *testing.T) {
	tests := []struct {
		name     string
		artwork  func() *catalog.Artwork
		dest     address.Address
		wantCode string
	}{
		{
			name:     "artwork not found",
			artwork:  func() *catalog.Artwork { return nil },
			dest:     shipToWA,
			wantCode: order.CodeMissingArtwork,
		},
		{
			name: "artwork without location",
			artwork: func() *catalog.Artwork {
				a := testArtwork()
				a.Location = nil
				return a
			},
			dest:     shipToWA,
			wantCode: order.CodeMissingArtworkLocation,
		},
		{
			name: "no international fee",
			artwork: func() *catalog.Artwork {
				a := testArtwork()
				a.InternationalShippingFeeCents = nil
				return a
			},
			dest:     shipToDE,
			wantCode: order.CodeMissingShippingFee,
		},
		{
			name: "no domestic fee",
			artwork: func() *catalog.Artwork {
				a := testArtwork()
				a.DomesticShippingFeeCents = nil
				return a
			},
			dest:     shipToWA,
			wantCode: order.CodeMissingShippingFee,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.createOrder(t)

			art := tt.artwork()
			if art == nil {
				f.catalog.On("GetArtwork", mock.Anything, artworkID).Return(nil, nil).Once()
			} else {
				f.catalog.On("GetArtwork", mock.Anything, artworkID).Return(art, nil).Once()
			}

			_, err := f.svc.SetShipping(context.Background(), o.ID, order.ShippingInput{
				FulfillmentType: order.FulfillmentShip,
				Address:         tt.dest,
			}, buyerID)

			var ve *order.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantCode, ve.Code)
			f.taxes.AssertNotCalled(t, "TaxForOrder", mock.Anything, mock.Anything)
		})
	}
}

func TestService_SetShipping_TaxProviderFailure(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	f.catalog.On("GetArtwork", mock.Anything, artworkID).Return(testArtwork(), nil).Once()
	f.sellers.On("SellerLocation", mock.Anything, sellerID).Return(sellerLocation, nil).Once()
	f.taxes.On("TaxForOrder", mock.Anything, mock.Anything).
		Return(decimal.Zero, &salestax.ProviderError{StatusCode: 500, Body: "oops"}).
		Once()

	_, err := f.svc.SetShipping(context.Background(), o.ID, order.ShippingInput{
		FulfillmentType: order.FulfillmentShip,
		Address:         shipToWA,
	}, buyerID)

	var de *order.DependencyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "tax provider", de.Dependency)
	assert.Equal(t, order.FulfillmentType(""), f.repo.stored(o.ID).FulfillmentType)
}

func TestService_SetShipping_NonPending(t *testing.T) {
	f := newFixture(t)
	o := f.submittedOrder(t)

	_, err := f.svc.SetShipping(context.Background(), o.ID, order.ShippingInput{
		FulfillmentType: order.FulfillmentShip,
		Address:         shipToWA,
	}, buyerID)

	var ge *order.StateGuardError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, order.StateSubmitted, ge.State)
}

func TestService_SetPayment_Success(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	updated := f.setPayment(t, o)

	assert.Equal(t, cardID, updated.CreditCardID)
	assert.Equal(t, "card_ext_1", updated.ExternalCreditCardID)
	assert.Equal(t, "cus_1", updated.ExternalCustomerID)
	assert.True(t, updated.HasPaymentInfo())
	assert.Len(t, f.repo.historyFor(o.ID), 2)
}

func TestService_SetPayment_InvalidCard(t *testing.T) {
	tests := []struct {
		name string
		card *catalog.CreditCard
	}{
		{name: "not found", card: nil},
		{name: "no external id", card: &catalog.CreditCard{ID: cardID, CustomerAccount: &catalog.CustomerAccount{ExternalID: "cus_1"}}},
		{name: "no customer", card: &catalog.CreditCard{ID: cardID, ExternalID: "card_ext_1"}},
		{name: "deactivated", card: &catalog.CreditCard{ID: cardID, ExternalID: "card_ext_1",
			CustomerAccount: &catalog.CustomerAccount{ExternalID: "cus_1"}, Deactivated: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.createOrder(t)

			if tt.card == nil {
				f.catalog.On("GetCreditCard", mock.Anything, cardID).Return(nil, nil).Once()
			} else {
				f.catalog.On("GetCreditCard", mock.Anything, cardID).Return(tt.card, nil).Once()
			}

			_, err := f.svc.SetPayment(context.Background(), o.ID, cardID, buyerID)

			var ve *order.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, order.CodeInvalidCreditCard, ve.Code)

			stored := f.repo.stored(o.ID)
			assert.Equal(t, order.StatePending, stored.State)
			assert.Empty(t, stored.CreditCardID)
		})
	}
}

func TestService_SetPayment_CatalogFailure(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	f.catalog.On("GetCreditCard", mock.Anything, cardID).Return(nil, errors.New("connection refused")).Once()

	_, err := f.svc.SetPayment(context.Background(), o.ID, cardID, buyerID)

	var de *order.DependencyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "catalog", de.Dependency)
}

func TestService_SetPayment_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SetPayment(context.Background(), uuid.Must(uuid.NewV4()), cardID, buyerID)
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestService_Submit_Success(t *testing.T) {
	f := newFixture(t)
	o := f.readyOrder(t)

	f.stubSubmitLookups(float64Ptr(0.1))
	params := payment.ChargeParams{
		SourceID:      "card_ext_1",
		CustomerID:    "cus_1",
		DestinationID: "acct_1",
		AmountCents:   33000,
		Currency:      "usd",
	}
	params.IdempotencyKey = payment.AuthorizeKey(o.ID.String(), 1, params)
	f.gateway.On("Authorize", mock.Anything, params).
		Return(&payment.Charge{ID: "ch_1", AmountCents: 33000}, nil).Once()

	updated, err := f.svc.Submit(context.Background(), o.ID, buyerID)
	require.NoError(t, err)

	assert.Equal(t, order.StateSubmitted, updated.State)
	assert.Equal(t, "ch_1", updated.ExternalChargeID)
	require.NotNil(t, updated.StateExpiresAt)
	assert.Equal(t, testNow.Add(48*time.Hour), *updated.StateExpiresAt)

	want := totalsView{Items: 30000, Shipping: 2000, Tax: 1000, Buyer: 33000, Fee: 987, Seller: 28013, Commission: int64Ptr(3000)}
	if diff := cmp.Diff(want, viewTotals(f.repo.stored(o.ID))); diff != "" {
		t.Errorf("totals mismatch (-want +got):\n%s", diff)
	}

	txns := f.repo.transactionsFor(o.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, payment.OpAuthorize, txns[0].Operation)
	assert.Equal(t, order.TransactionSuccess, txns[0].Status)
	assert.Equal(t, "ch_1", txns[0].ExternalID)

	history := f.repo.historyFor(o.ID)
	require.Len(t, history, 4)
	assert.Equal(t, "SUBMITTED", history[3].ChangedFields["state"])

	assert.Contains(t, f.notifier.kinds(), notify.KindSubmitted)
	f.gateway.AssertExpectations(t)
	f.catalog.AssertExpectations(t)
}

func TestService_Submit_Guards(t *testing.T) {
	t.Run("missing shipping", func(t *testing.T) {
		f := newFixture(t)
		o := f.createOrder(t)
		f.setPayment(t, o)

		_, err := f.svc.Submit(context.Background(), o.ID, buyerID)

		var ge *order.StateGuardError
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, "missing shipping info", ge.Reason)
		f.gateway.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)
	})

	t.Run("missing payment", func(t *testing.T) {
		f := newFixture(t)
		o := f.createOrder(t)
		f.shipTo(t, o, shipToWA, "10.00")

		_, err := f.svc.Submit(context.Background(), o.ID, buyerID)

		var ge *order.StateGuardError
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, "missing payment info", ge.Reason)
	})

	t.Run("already submitted", func(t *testing.T) {
		f := newFixture(t)
		o := f.submittedOrder(t)

		_, err := f.svc.Submit(context.Background(), o.ID, buyerID)

		var te *order.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, order.StateSubmitted, te.From)
		assert.Equal(t, order.EventSubmit, te.Event)
	})
}

func TestService_Submit_PaymentFailure(t *testing.T) {
	f := newFixture(t)
	o := f.readyOrder(t)

	f.stubSubmitLookups(nil)
	f.gateway.On("Authorize", mock.Anything, mock.AnythingOfType("payment.ChargeParams")).
		Return(nil, &payment.Error{
			Op:         payment.OpAuthorize,
			StatusCode: 402,
			Code:       "card_declined",
			Message:    "Your card was declined.",
			Body:       `{"error":{"code":"card_declined"}}`,
		}).
		Once()

	updated, err := f.svc.Submit(context.Background(), o.ID, buyerID)
	require.Nil(t, updated)

	var pe *order.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "card_declined", pe.Err.Code)

	stored := f.repo.stored(o.ID)
	assert.Equal(t, order.StatePending, stored.State)
	assert.Empty(t, stored.ExternalChargeID)

	txns := f.repo.transactionsFor(o.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, order.TransactionFailure, txns[0].Status)
	assert.Equal(t, "card_declined", txns[0].FailureCode)
	assert.Equal(t, `{"error":{"code":"card_declined"}}`, txns[0].ProviderResponse)

	assert.Len(t, f.repo.historyFor(o.ID), 3)
	assert.NotContains(t, f.notifier.kinds(), notify.KindSubmitted)
}

func TestService_Submit_RetryAfterDeclineUsesNewKey(t *testing.T) {
	f := newFixture(t)
	o := f.readyOrder(t)

	var keys, sources []string
	capture := func(args mock.Arguments) {
		p := args.Get(1).(payment.ChargeParams)
		keys = append(keys, p.IdempotencyKey)
		sources = append(sources, p.SourceID)
	}

	f.stubSubmitLookups(nil)
	f.gateway.On("Authorize", mock.Anything, mock.AnythingOfType("payment.ChargeParams")).
		Run(capture).
		Return(nil, &payment.Error{Op: payment.OpAuthorize, StatusCode: 402, Code: "card_declined", Message: "declined"}).
		Once()
	_, err := f.svc.Submit(context.Background(), o.ID, buyerID)
	var pe *order.PaymentError
	require.ErrorAs(t, err, &pe)

	f.catalog.On("GetCreditCard", mock.Anything, "card-2").Return(&catalog.CreditCard{
		ID:              "card-2",
		ExternalID:      "card_ext_2",
		CustomerAccount: &catalog.CustomerAccount{ExternalID: "cus_1"},
	}, nil).Once()
	_, err = f.svc.SetPayment(context.Background(), o.ID, "card-2", buyerID)
	require.NoError(t, err)

	f.stubSubmitLookups(nil)
	f.gateway.On("Authorize", mock.Anything, mock.AnythingOfType("payment.ChargeParams")).
		Run(capture).
		Return(&payment.Charge{ID: "ch_2", AmountCents: 33000}, nil).
		Once()
	updated, err := f.svc.Submit(context.Background(), o.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, order.StateSubmitted, updated.State)

	require.Len(t, keys, 2)
	assert.Equal(t, []string{"card_ext_1", "card_ext_2"}, sources)
	assert.NotEqual(t, keys[0], keys[1])
	f.gateway.AssertExpectations(t)
}

func TestService_Submit_RetrySameCardAfterDeclineUsesNewKey(t *testing.T) {
	f := newFixture(t)
	o := f.readyOrder(t)

	var keys []string
	capture := func(args mock.Arguments) {
		keys = append(keys, args.Get(1).(payment.ChargeParams).IdempotencyKey)
	}

	f.stubSubmitLookups(nil)
	f.gateway.On("Authorize", mock.Anything, mock.AnythingOfType("payment.ChargeParams")).
		Run(capture).
		Return(nil, &payment.Error{Op: payment.OpAuthorize, StatusCode: 402, Code: "insufficient_funds", Message: "declined"}).
		Once()
	_, err := f.svc.Submit(context.Background(), o.ID, buyerID)
	require.Error(t, err)

	f.stubSubmitLookups(nil)
	f.gateway.On("Authorize", mock.Anything, mock.AnythingOfType("payment.ChargeParams")).
		Run(capture).
		Return(&payment.Charge{ID: "ch_1", AmountCents: 33000}, nil).
		Once()
	_, err = f.svc.Submit(context.Background(), o.ID, buyerID)
	require.NoError(t, err)

	require.Len(t, keys, 2)
	assert.True(t, strings.HasPrefix(keys[0], o.ID.String()+"-authorize-1-"))
	assert.True(t, strings.HasPrefix(keys[1], o.ID.String()+"-authorize-2-"))
}

func TestService_Submit_PartnerUnavailable(t *testing.T) {
	f := newFixture(t)
	o := f.readyOrder(t)

	f.catalog.On("GetMerchantAccount", mock.Anything, sellerID).Return(&catalog.MerchantAccount{ExternalID: "acct_1"}, nil).Once()
	f.catalog.On("GetPartner", mock.Anything, sellerID).Return(nil, errors.New("timeout")).Once()

	_, err := f.svc.Submit(context.Background(), o.ID, buyerID)

	var de *order.DependencyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "Cannot fetch partner", de.Message)
	assert.Equal(t, order.StatePending, f.repo.stored(o.ID).State)
	f.gateway.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything)
}

func TestService_Submit_InvalidCommissionRate(t *testing.T) {
	f := newFixture(t)
	o := f.readyOrder(t)
	f.stubSubmitLookups(float64Ptr(1.5))

	_, err := f.svc.Submit(context.Background(), o.ID, buyerID)

	var ve *order.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, order.CodeInvalidCommissionRate, ve.Code)
}

func TestService_Submit_ConcurrentAuthorizesOnce(t *testing.T) {
	f := newFixture(t)
	o := f.readyOrder(t)

	f.catalog.On("GetMerchantAccount", mock.Anything, sellerID).Return(&catalog.MerchantAccount{ExternalID: "acct_1"}, nil)
	f.catalog.On("GetPartner", mock.Anything, sellerID).Return(&catalog.Partner{ID: sellerID}, nil)
	f.gateway.On("Authorize", mock.Anything, mock.AnythingOfType("payment.ChargeParams")).
		Return(&payment.Charge{ID: "ch_1", AmountCents: 33000}, nil).
		Once()

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Submit(context.Background(), o.ID, buyerID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var te *order.TransitionError
		assert.ErrorAs(t, err, &te)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, order.StateSubmitted, f.repo.stored(o.ID).State)
	assert.Len(t, f.repo.transactionsFor(o.ID), 1)
}

func TestService_Approve_Success(t *testing.T) {
	f := newFixture(t)
	o := f.approvedOrder(t)

	assert.Equal(t, order.StateApproved, o.State)
	require.NotNil(t, o.ApprovedAt)
	assert.Equal(t, testNow, *o.ApprovedAt)
	require.NotNil(t, o.StateExpiresAt)
	assert.Equal(t, testNow.Add(7*24*time.Hour), *o.StateExpiresAt)

	txns := f.repo.transactionsFor(o.ID)
	require.Len(t, txns, 2)
	assert.Equal(t, payment.OpCapture, txns[1].Operation)

	assert.Equal(t, []uuid.UUID{o.ID}, f.scheduler.orders)
	assert.Contains(t, f.notifier.kinds(), notify.KindApproved)
	f.gateway.AssertExpectations(t)
}

func TestService_Approve_RequiresSubmitted(t *testing.T) {
	f := newFixture(t)
	o := f.readyOrder(t)

	_, err := f.svc.Approve(context.Background(), o.ID, sellerID)

	var te *order.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, order.StatePending, te.From)
	f.gateway.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.scheduler.orders)
}

func TestService_Approve_CaptureFailure(t *testing.T) {
	f := newFixture(t)
	o := f.submittedOrder(t)

	f.gateway.On("Capture", mock.Anything, "ch_1", payment.CaptureKey(o.ID.String(), 1, "ch_1")).
		Return(nil, &payment.Error{Op: payment.OpCapture, StatusCode: 400, Code: "charge_expired_for_capture", Message: "expired"}).
		Once()

	_, err := f.svc.Approve(context.Background(), o.ID, sellerID)

	var pe *order.PaymentError
	require.ErrorAs(t, err, &pe)

	stored := f.repo.stored(o.ID)
	assert.Equal(t, order.StateSubmitted, stored.State)
	assert.Nil(t, stored.ApprovedAt)

	txns := f.repo.transactionsFor(o.ID)
	require.Len(t, txns, 2)
	assert.Equal(t, order.TransactionFailure, txns[1].Status)
	assert.Equal(t, "ch_1", txns[1].ExternalID)
	assert.Empty(t, f.scheduler.orders)
}

func TestService_Approve_RetryAfterCaptureFailureUsesNewKey(t *testing.T) {
	f := newFixture(t)
	o := f.submittedOrder(t)

	f.gateway.On("Capture", mock.Anything, "ch_1", payment.CaptureKey(o.ID.String(), 1, "ch_1")).
		Return(nil, &payment.Error{Op: payment.OpCapture, StatusCode: 503, Code: "api_error", Message: "unavailable"}).
		Once()
	_, err := f.svc.Approve(context.Background(), o.ID, sellerID)
	var pe *order.PaymentError
	require.ErrorAs(t, err, &pe)

	f.gateway.On("Capture", mock.Anything, "ch_1", payment.CaptureKey(o.ID.String(), 2, "ch_1")).
		Return(&payment.Charge{ID: "ch_1", AmountCents: 33000, Captured: true}, nil).
		Once()
	updated, err := f.svc.Approve(context.Background(), o.ID, sellerID)
	require.NoError(t, err)

	assert.Equal(t, order.StateApproved, updated.State)
	f.gateway.AssertExpectations(t)
}

func TestService_Fulfill(t *testing.T) {
	t.Run("all line items by default", func(t *testing.T) {
		f := newFixture(t)
		o := f.approvedOrder(t)

		updated, err := f.svc.Fulfill(context.Background(), o.ID, order.FulfillmentInput{Courier: "UPS", TrackingID: "1Z999"}, sellerID)
		require.NoError(t, err)

		assert.Equal(t, order.StateFulfilled, updated.State)
		assert.Nil(t, updated.StateExpiresAt)
		assert.Len(t, f.repo.historyFor(o.ID), 6)
		assert.Equal(t, []notify.Kind{
			notify.KindCreated, notify.KindSubmitted, notify.KindApproved, notify.KindFulfilled,
		}, f.notifier.kinds())
	})

	t.Run("line item from another order", func(t *testing.T) {
		f := newFixture(t)
		o := f.approvedOrder(t)

		_, err := f.svc.Fulfill(context.Background(), o.ID, order.FulfillmentInput{
			Courier:     "UPS",
			LineItemIDs: []uuid.UUID{uuid.Must(uuid.NewV4())},
		}, sellerID)

		var ve *order.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, order.CodeInvalidFulfillment, ve.Code)
		assert.Equal(t, order.StateApproved, f.repo.stored(o.ID).State)
	})

	t.Run("courier required", func(t *testing.T) {
		f := newFixture(t)
		o := f.approvedOrder(t)

		_, err := f.svc.Fulfill(context.Background(), o.ID, order.FulfillmentInput{}, sellerID)

		var ve *order.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("not approved", func(t *testing.T) {
		f := newFixture(t)
		o := f.submittedOrder(t)

		_, err := f.svc.Fulfill(context.Background(), o.ID, order.FulfillmentInput{Courier: "UPS"}, sellerID)

		var te *order.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, order.EventFulfill, te.Event)
	})
}

func TestService_RejectAndAbandon(t *testing.T) {
	t.Run("reject pending", func(t *testing.T) {
		f := newFixture(t)
		o := f.createOrder(t)

		updated, err := f.svc.Reject(context.Background(), o.ID, sellerID)
		require.NoError(t, err)
		assert.Equal(t, order.StateRejected, updated.State)
		assert.Nil(t, updated.StateExpiresAt)
	})

	t.Run("reject submitted", func(t *testing.T) {
		f := newFixture(t)
		o := f.submittedOrder(t)

		updated, err := f.svc.Reject(context.Background(), o.ID, sellerID)
		require.NoError(t, err)
		assert.Equal(t, order.StateRejected, updated.State)
	})

	t.Run("reject approved", func(t *testing.T) {
		f := newFixture(t)
		o := f.approvedOrder(t)

		_, err := f.svc.Reject(context.Background(), o.ID, sellerID)

		var te *order.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, order.StateApproved, f.repo.stored(o.ID).State)
	})

	t.Run("abandon submitted", func(t *testing.T) {
		f := newFixture(t)
		o := f.submittedOrder(t)

		_, err := f.svc.Abandon(context.Background(), o.ID, buyerID)

		var te *order.TransitionError
		require.ErrorAs(t, err, &te)
	})

	t.Run("abandon unknown", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Abandon(context.Background(), uuid.Must(uuid.NewV4()), buyerID)
		require.ErrorIs(t, err, order.ErrOrderNotFound)
	})
}

func TestService_RecordSalesTax(t *testing.T) {
	f := newFixture(t)
	o := f.approvedOrder(t)
	li := o.LineItems[0]
	txID := o.ID.String() + "-" + li.ID.String()

	f.sellers.On("SellerLocation", mock.Anything, sellerID).Return(sellerLocation, nil).Once()
	f.taxes.On("ShowOrderTransaction", mock.Anything, txID).Return(nil, nil).Once()
	f.taxes.On("CreateOrderTransaction", mock.Anything, mock.MatchedBy(func(p salestax.TransactionParams) bool {
		return p.TransactionID == txID &&
			p.TransactionDate.Equal(testNow) &&
			p.SalesTax.Equal(decimal.RequireFromString("10")) &&
			p.Shipping.Equal(decimal.RequireFromString("20"))
	})).Return(nil).Once()

	require.NoError(t, f.svc.RecordSalesTax(context.Background(), o.ID))
	f.taxes.AssertExpectations(t)
}

func TestService_RecordSalesTax_RequiresApproval(t *testing.T) {
	f := newFixture(t)
	o := f.submittedOrder(t)

	err := f.svc.RecordSalesTax(context.Background(), o.ID)

	var ge *order.StateGuardError
	require.ErrorAs(t, err, &ge)
	f.taxes.AssertNotCalled(t, "CreateOrderTransaction", mock.Anything, mock.Anything)
}

func TestService_RefundTax(t *testing.T) {
	t.Run("unknown line item", func(t *testing.T) {
		f := newFixture(t)

		err := f.svc.RefundTax(context.Background(), uuid.Must(uuid.NewV4()), testNow)
		require.ErrorIs(t, err, order.ErrLineItemNotFound)
	})

	t.Run("order without shipping info", func(t *testing.T) {
		f := newFixture(t)
		o := f.createOrder(t)

		require.NoError(t, f.svc.RefundTax(context.Background(), o.LineItems[0].ID, testNow))
		f.taxes.AssertNotCalled(t, "ShowOrderTransaction", mock.Anything, mock.Anything)
	})

	t.Run("nothing was posted", func(t *testing.T) {
		f := newFixture(t)
		o := f.approvedOrder(t)
		li := o.LineItems[0]

		f.sellers.On("SellerLocation", mock.Anything, sellerID).Return(sellerLocation, nil).Once()
		f.taxes.On("ShowOrderTransaction", mock.Anything, o.ID.String()+"-"+li.ID.String()).Return(nil, nil).Once()

		require.NoError(t, f.svc.RefundTax(context.Background(), li.ID, testNow))
		f.taxes.AssertNotCalled(t, "CreateRefundTransaction", mock.Anything, mock.Anything)
	})

	t.Run("refunds posted transaction", func(t *testing.T) {
		f := newFixture(t)
		o := f.approvedOrder(t)
		li := o.LineItems[0]
		txID := o.ID.String() + "-" + li.ID.String()
		refundedAt := testNow.Add(24 * time.Hour)

		f.sellers.On("SellerLocation", mock.Anything, sellerID).Return(sellerLocation, nil).Once()
		f.taxes.On("ShowOrderTransaction", mock.Anything, txID).Return(&salestax.Transaction{TransactionID: txID}, nil).Once()
		f.taxes.On("ShowRefundTransaction", mock.Anything, txID+"_refund").Return(nil, nil).Once()
		f.taxes.On("CreateRefundTransaction", mock.Anything, mock.MatchedBy(func(p salestax.TransactionParams) bool {
			return p.TransactionID == txID+"_refund" && p.TransactionReferenceID == txID && p.TransactionDate.Equal(refundedAt)
		})).Return(nil).Once()

		require.NoError(t, f.svc.RefundTax(context.Background(), li.ID, refundedAt))
		f.taxes.AssertExpectations(t)
	})
}

func TestService_ExpireOrders(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	n, err := f.svc.ExpireOrders(context.Background(), testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, order.StatePending, f.repo.stored(o.ID).State)

	n, err = f.svc.ExpireOrders(context.Background(), testNow.Add(49*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, order.StateAbandoned, f.repo.stored(o.ID).State)
	history := f.repo.historyFor(o.ID)
	require.Len(t, history, 2)
	assert.Equal(t, order.SystemActor, history[1].ModifierID)
}

func TestService_OrderHistory(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	history, err := f.svc.OrderHistory(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, o.ID, history[0].OrderID)

	_, err = f.svc.OrderHistory(context.Background(), uuid.Must(uuid.NewV4()))
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}
