package models

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeComponent = errors.New("order totals: components must not be negative")
	ErrNegativeTotal     = errors.New("order totals: total must not be negative")
	ErrTotalMismatch     = errors.New("order totals: total does not match components")
)

type Totals struct {
	Subtotal     decimal.Decimal
	Tax          decimal.Decimal
	ShippingCost decimal.Decimal
	Discount     decimal.Decimal
	Total        decimal.Decimal
}

// ComputeTotals fills Total from the components and validates the result.
func ComputeTotals(subtotal, tax, shipping, discount decimal.Decimal) (Totals, error) {
	t := Totals{
		Subtotal:     subtotal,
		Tax:          tax,
		ShippingCost: shipping,
		Discount:     discount,
	}
	t.Total = subtotal.Add(tax).Add(shipping).Sub(discount)
	if err := t.Validate(); err != nil {
		return Totals{}, err
	}
	return t, nil
}

func (t Totals) Validate() error {
	for _, c := range []decimal.Decimal{t.Subtotal, t.Tax, t.ShippingCost, t.Discount} {
		if c.IsNegative() {
			return ErrNegativeComponent
		}
	}
	if t.Total.IsNegative() {
		return ErrNegativeTotal
	}
	want := t.Subtotal.Add(t.Tax).Add(t.ShippingCost).Sub(t.Discount)
	if !want.Equal(t.Total) {
		return ErrTotalMismatch
	}
	return nil
}
