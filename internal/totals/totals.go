package totals

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidCommissionRate = errors.New("commission rate must be between 0 and 1")

// FeeSchedule is the payment processor fee: PercentRate of the buyer total
// plus FixedCents, rounded to the nearest cent.
type FeeSchedule struct {
	PercentRate float64 `yaml:"percent"`
	FixedCents  int64   `yaml:"fixed_cents"`
}

var DefaultFeeSchedule = FeeSchedule{PercentRate: 0.029, FixedCents: 30}

func (f FeeSchedule) TransactionFee(buyerTotalCents int64) int64 {
	return mulRound(buyerTotalCents, f.PercentRate) + f.FixedCents
}

type LineItem struct {
	PriceCents    int64
	Quantity      int
	SalesTaxCents int64
	RemitSalesTax bool
}

func (li LineItem) AmountCents() int64 {
	return li.PriceCents * int64(li.Quantity)
}

type Input struct {
	LineItems          []LineItem
	ShippingTotalCents int64
	TaxTotalCents      int64
	// CommissionRate is optional. When nil no commission fee is computed.
	CommissionRate *float64
}

type Result struct {
	ItemsTotalCents     int64
	BuyerTotalCents     int64
	TransactionFeeCents int64
	CommissionFeeCents  *int64
	SellerTotalCents    int64
}

func ValidateCommissionRate(rate *float64) error {
	if rate == nil {
		return nil
	}
	if *rate < 0 || *rate > 1 {
		return fmt.Errorf("%w, got %v", ErrInvalidCommissionRate, *rate)
	}
	return nil
}

// Calculate derives every order total from scratch.
func Calculate(in Input, fees FeeSchedule) (Result, error) {
	if err := ValidateCommissionRate(in.CommissionRate); err != nil {
		return Result{}, err
	}

	var res Result
	var remittedTax int64
	for _, li := range in.LineItems {
		res.ItemsTotalCents += li.AmountCents()
		if li.RemitSalesTax {
			remittedTax += li.SalesTaxCents
		}
	}

	res.BuyerTotalCents = res.ItemsTotalCents + in.ShippingTotalCents + in.TaxTotalCents
	res.TransactionFeeCents = fees.TransactionFee(res.BuyerTotalCents)

	var commission int64
	if in.CommissionRate != nil {
		commission = mulRound(res.ItemsTotalCents, *in.CommissionRate)
		res.CommissionFeeCents = &commission
	}

	res.SellerTotalCents = res.BuyerTotalCents - res.TransactionFeeCents - commission - remittedTax
	return res, nil
}

func mulRound(cents int64, rate float64) int64 {
	return decimal.NewFromInt(cents).Mul(decimal.NewFromFloat(rate)).Round(0).IntPart()
}
