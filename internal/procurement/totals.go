package procurement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var hundred = decimal.NewFromInt(100)

// LineAmounts is the price breakdown of a single line.
type LineAmounts struct {
	Subtotal        decimal.Decimal
	DiscountAmount  decimal.Decimal
	DiscountedPrice decimal.Decimal
	TaxAmount       decimal.Decimal
	Total           decimal.Decimal
}

// OrderTotals aggregates line amounts for an order header.
type OrderTotals struct {
	Subtotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	Total         decimal.Decimal
}

// CalculateLineAmounts applies the discount first and taxes the discounted price.
// No rounding happens here.
func CalculateLineAmounts(quantity int, unitPrice, discountRate, taxRate decimal.Decimal) LineAmounts {
	subtotal := decimal.NewFromInt(int64(quantity)).Mul(unitPrice)
	discount := subtotal.Mul(discountRate).Div(hundred)
	discounted := subtotal.Sub(discount)
	tax := discounted.Mul(taxRate).Div(hundred)
	return LineAmounts{
		Subtotal:        subtotal,
		DiscountAmount:  discount,
		DiscountedPrice: discounted,
		TaxAmount:       tax,
		Total:           discounted.Add(tax),
	}
}

// Round rounds subtotal, discount and tax half-up to scale decimal places and
// rebuilds the dependent amounts from the rounded parts.
func (a LineAmounts) Round(scale int32) LineAmounts {
	subtotal := a.Subtotal.Round(scale)
	discount := a.DiscountAmount.Round(scale)
	tax := a.TaxAmount.Round(scale)
	discounted := subtotal.Sub(discount)
	return LineAmounts{
		Subtotal:        subtotal,
		DiscountAmount:  discount,
		DiscountedPrice: discounted,
		TaxAmount:       tax,
		Total:           discounted.Add(tax),
	}
}

// CurrencyScale returns the number of minor-unit digits for an ISO 4217 code.
func CurrencyScale(code string) (int32, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("%w: unknown currency %q", ErrValidation, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// PriceLine stores the rounded price breakdown on the line.
func PriceLine(line *SupplierOrderLine, scale int32) {
	amounts := CalculateLineAmounts(line.QuantityOrdered, line.UnitPrice, line.DiscountRate, line.TaxRate).Round(scale)
	line.Subtotal = amounts.Subtotal
	line.DiscountTotal = amounts.DiscountAmount
	line.TaxTotal = amounts.TaxAmount
	line.TotalPrice = amounts.Total
}

// CalculateOrderTotals sums the stored per-line amounts of every non-cancelled line.
func CalculateOrderTotals(lines []SupplierOrderLine) OrderTotals {
	totals := OrderTotals{
		Subtotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		TaxTotal:      decimal.Zero,
	}
	for _, line := range lines {
		if line.LineStatus == LineStatusCancelled {
			continue
		}
		totals.Subtotal = totals.Subtotal.Add(line.Subtotal)
		totals.DiscountTotal = totals.DiscountTotal.Add(line.DiscountTotal)
		totals.TaxTotal = totals.TaxTotal.Add(line.TaxTotal)
	}
	totals.Total = totals.Subtotal.Sub(totals.DiscountTotal).Add(totals.TaxTotal)
	return totals
}

// ApplyTotals reprices every line in the order currency and refreshes the header aggregates.
func ApplyTotals(order *SupplierOrder) error {
	scale, err := CurrencyScale(order.CurrencyCode)
	if err != nil {
		return err
	}
	applyTotals(order, scale)
	return nil
}

func applyTotals(order *SupplierOrder, scale int32) {
	for i := range order.Lines {
		PriceLine(&order.Lines[i], scale)
	}
	totals := CalculateOrderTotals(order.Lines)
	order.Subtotal = totals.Subtotal
	order.DiscountTotal = totals.DiscountTotal
	order.TaxTotal = totals.TaxTotal
	order.Total = totals.Total
}
