package order

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-exchange/internal/address"
	"github.com/vasiliy-maslov/order-exchange/internal/catalog"
	"github.com/vasiliy-maslov/order-exchange/internal/salestax"
)

type ShippingInput struct {
	FulfillmentType  FulfillmentType
	ShippingName     string
	Address          address.Address
	BuyerPhoneNumber string
}

func validateShippingAddress(a address.Address) error {
	country := strings.TrimSpace(a.Country)
	if country == "" {
		return newValidationError(CodeInvalidShippingAddress, "shipping country is required")
	}
	if !address.IsCountryCode(country) {
		return newValidationError(CodeInvalidShippingAddress, "shipping country %q is not a 2-letter country code", a.Country)
	}
	switch {
	case a.InCountry(address.CountryUS):
		if strings.TrimSpace(a.Region) == "" || strings.TrimSpace(a.PostalCode) == "" {
			return newValidationError(CodeInvalidShippingAddress, "region and postal code are required for US addresses")
		}
	case a.InCountry(address.CountryCanada):
		if strings.TrimSpace(a.Region) == "" {
			return newValidationError(CodeInvalidShippingAddress, "region is required for Canadian addresses")
		}
	}
	return nil
}

// SetShipping stores the fulfillment choice and prices shipping and sales tax
// for every line item.
func (s *service) SetShipping(ctx context.Context, orderID uuid.UUID, in ShippingInput, actorID string) (*Order, error) {
	if !in.FulfillmentType.Valid() {
		return nil, newValidationError(CodeInvalidFulfillmentType, "fulfillment type %q is not supported", in.FulfillmentType)
	}
	if in.FulfillmentType == FulfillmentShip {
		if err := validateShippingAddress(in.Address); err != nil {
			return nil, err
		}
	} else {
		in.Address = address.Address{}
	}

	o, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.State != StatePending {
		return nil, &StateGuardError{OrderID: o.ID, State: o.State, Reason: "cannot set shipping info on non-pending orders"}
	}

	artworks, err := s.fetchArtworks(ctx, o.LineItems)
	if err != nil {
		return nil, err
	}

	var shippingTotal int64
	for _, li := range o.LineItems {
		fee, err := shippingFeeCents(artworks[li.ArtworkID], in.FulfillmentType, in.Address)
		if err != nil {
			return nil, err
		}
		shippingTotal += fee
	}

	taxes := make(map[uuid.UUID]LineItem, len(o.LineItems))
	var taxTotal int64
	for _, li := range o.LineItems {
		calc, err := s.taxes.For(ctx, salestax.LineItem{
			OrderID:            o.ID,
			LineItemID:         li.ID,
			SellerID:           o.SellerID,
			AmountCents:        li.AmountCents(),
			Pickup:             in.FulfillmentType == FulfillmentPickup,
			ShippingAddress:    in.Address,
			ArtworkLocation:    *artworks[li.ArtworkID].Location,
			ShippingTotalCents: shippingTotal,
		})
		if err != nil {
			return nil, taxError(orderID, err)
		}
		tax, err := calc.SalesTax(ctx)
		if err != nil {
			return nil, taxError(orderID, err)
		}
		li.SalesTaxCents = tax
		li.ShouldRemitSalesTax = calc.ShouldRemit()
		taxes[li.ID] = li
		taxTotal += tax
	}

	var updated *Order
	err = s.repo.InTx(ctx, func(tx TxRepository) error {
		locked, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.State != StatePending {
			return &StateGuardError{OrderID: locked.ID, State: locked.State, Reason: "cannot set shipping info on non-pending orders"}
		}

		for i := range locked.LineItems {
			priced, ok := taxes[locked.LineItems[i].ID]
			if !ok {
				return newValidationError(CodeInvalidOrder, "line items of order %s changed while pricing shipping", orderID)
			}
			locked.LineItems[i].SalesTaxCents = priced.SalesTaxCents
			locked.LineItems[i].ShouldRemitSalesTax = priced.ShouldRemitSalesTax
			locked.LineItems[i].UpdatedAt = s.now()
		}

		locked.FulfillmentType = in.FulfillmentType
		locked.ShippingName = in.ShippingName
		locked.ShippingAddress = in.Address
		locked.BuyerPhoneNumber = in.BuyerPhoneNumber
		locked.ShippingTotalCents = shippingTotal
		locked.TaxTotalCents = taxTotal
		if err := locked.recomputeTotals(s.settings.Fees); err != nil {
			return err
		}
		locked.UpdatedAt = s.now()

		if err := tx.UpdateLineItemTaxes(ctx, locked.LineItems); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, locked); err != nil {
			return err
		}

		updated = locked
		return s.writeHistory(ctx, tx, locked, actorID, totalsChanges(locked).with(changes{
			"fulfillment_type": string(locked.FulfillmentType),
			"shipping_country": locked.ShippingAddress.Country,
			"shipping_region":  locked.ShippingAddress.Region,
		}))
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to set shipping info")
		return nil, wrapErr("set shipping", err)
	}

	log.Info().Stringer("order_id", orderID).
		Str("fulfillment_type", string(in.FulfillmentType)).
		Int64("shipping_total_cents", shippingTotal).
		Int64("tax_total_cents", taxTotal).
		Msg("service: shipping info set")
	return updated, nil
}

// fetchArtworks loads each distinct artwork of the order once and checks it
// carries a location.
func (s *service) fetchArtworks(ctx context.Context, items []LineItem) (map[string]*catalog.Artwork, error) {
	artworks := make(map[string]*catalog.Artwork, len(items))
	for _, li := range items {
		if _, ok := artworks[li.ArtworkID]; ok {
			continue
		}
		art, err := s.catalog.GetArtwork(ctx, li.ArtworkID)
		if err != nil {
			log.Error().Err(err).Str("artwork_id", li.ArtworkID).Msg("service: failed to fetch artwork")
			return nil, &DependencyError{Dependency: "catalog", Message: "cannot fetch artwork " + li.ArtworkID, Err: err}
		}
		if art == nil {
			return nil, newValidationError(CodeMissingArtwork, "artwork %s not found", li.ArtworkID)
		}
		if art.Location == nil {
			return nil, newValidationError(CodeMissingArtworkLocation, "artwork %s has no location", li.ArtworkID)
		}
		artworks[li.ArtworkID] = art
	}
	return artworks, nil
}

func shippingFeeCents(art *catalog.Artwork, ft FulfillmentType, destination address.Address) (int64, error) {
	if ft == FulfillmentPickup {
		return 0, nil
	}
	if address.SameCountry(*art.Location, destination) {
		if art.DomesticShippingFeeCents == nil {
			return 0, newValidationError(CodeMissingShippingFee, "artwork %s has no domestic shipping fee", art.ID)
		}
		return *art.DomesticShippingFeeCents, nil
	}
	if art.InternationalShippingFeeCents == nil {
		return 0, newValidationError(CodeMissingShippingFee, "artwork %s has no international shipping fee", art.ID)
	}
	return *art.InternationalShippingFeeCents, nil
}

func taxError(orderID uuid.UUID, err error) error {
	if errors.Is(err, salestax.ErrMissingDestinationCountry) {
		return newValidationError(CodeInvalidShippingAddress, "%v", err)
	}
	log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to calculate sales tax")
	return &DependencyError{Dependency: "tax provider", Message: "cannot calculate sales tax", Err: err}
}

// taxCalculation rebuilds the tax context of a stored line item. Pickup orders
// need the artwork location, which is read back from the catalog.
func (s *service) taxCalculation(ctx context.Context, o *Order, li LineItem) (*salestax.Calculation, error) {
	item := salestax.LineItem{
		OrderID:            o.ID,
		LineItemID:         li.ID,
		SellerID:           o.SellerID,
		AmountCents:        li.AmountCents(),
		Pickup:             o.FulfillmentType == FulfillmentPickup,
		ShippingAddress:    o.ShippingAddress,
		ShippingTotalCents: o.ShippingTotalCents,
	}
	if item.Pickup {
		artworks, err := s.fetchArtworks(ctx, []LineItem{li})
		if err != nil {
			return nil, err
		}
		item.ArtworkLocation = *artworks[li.ArtworkID].Location
	}

	calc, err := s.taxes.For(ctx, item)
	if err != nil {
		return nil, taxError(o.ID, err)
	}
	return calc, nil
}
