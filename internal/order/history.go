package order

import (
	"context"
	"fmt"
)

// SystemActor is the modifier recorded for changes made by background jobs.
const SystemActor = "system"

type changes map[string]any

// writeHistory appends the single audit row of a mutation.
func (s *service) writeHistory(ctx context.Context, tx TxRepository, o *Order, actorID string, changed changes) error {
	if actorID == "" {
		actorID = SystemActor
	}
	h := &History{
		OrderID:       o.ID,
		ModifierID:    actorID,
		ChangedFields: changed,
		CreatedAt:     s.now(),
	}
	if err := tx.InsertHistory(ctx, h); err != nil {
		return fmt.Errorf("service: failed to record history for order %s: %w", o.ID, err)
	}
	return nil
}

func totalsChanges(o *Order) changes {
	c := changes{
		"items_total_cents":     o.ItemsTotalCents,
		"shipping_total_cents":  o.ShippingTotalCents,
		"tax_total_cents":       o.TaxTotalCents,
		"buyer_total_cents":     o.BuyerTotalCents,
		"transaction_fee_cents": o.TransactionFeeCents,
		"seller_total_cents":    o.SellerTotalCents,
	}
	if o.CommissionFeeCents != nil {
		c["commission_fee_cents"] = *o.CommissionFeeCents
	}
	return c
}

func (c changes) with(other changes) changes {
	for k, v := range other {
		c[k] = v
	}
	return c
}
