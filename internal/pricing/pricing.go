// Package pricing computes discount-aware line and cart totals.
//
// All arithmetic is done on exact decimals. Rounding to the currency's minor
// unit happens only in Round and in Quote, never on intermediate values, so
// quantity and cart aggregation cannot compound rounding error.
package pricing

import (
	"errors"
	"fmt"

	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidDiscount = errors.New("discount percent must be between 0 and 100")
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	ErrNegativePrice   = errors.New("unit price must not be negative")
	ErrBelowMinimum    = errors.New("total is below the minimum order amount")
)

var hundred = decimal.NewFromInt(100)

// Line is one cart, checkout or order-history row.
type Line struct {
	ProductID       string          `json:"product_id"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Quantity        int             `json:"quantity"`
}

// EffectivePrice is unitPrice * (1 - discountPercent/100), unrounded.
func EffectivePrice(unitPrice, discountPercent decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(1).Sub(discountPercent.Shift(-2)))
}

func LineTotal(l Line) decimal.Decimal {
	return EffectivePrice(l.UnitPrice, l.DiscountPercent).Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// GrossTotal is the undiscounted line value.
func GrossTotal(l Line) decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func CartTotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(LineTotal(l))
	}
	return total
}

// Savings is the sum of gross line values minus CartTotal.
func Savings(lines []Line) decimal.Decimal {
	gross := decimal.Zero
	for _, l := range lines {
		gross = gross.Add(GrossTotal(l))
	}
	return gross.Sub(CartTotal(lines))
}

// Round rounds half away from zero to the given number of minor-unit places.
func Round(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

func Validate(l Line) error {
	if l.UnitPrice.IsNegative() {
		return fmt.Errorf("product %s: %w", l.ProductID, ErrNegativePrice)
	}
	if l.DiscountPercent.IsNegative() || l.DiscountPercent.GreaterThan(hundred) {
		return fmt.Errorf("product %s: %w", l.ProductID, ErrInvalidDiscount)
	}
	if l.Quantity < 1 {
		return fmt.Errorf("product %s: %w", l.ProductID, ErrInvalidQuantity)
	}
	return nil
}

func ValidateAll(lines []Line) error {
	for _, l := range lines {
		if err := Validate(l); err != nil {
			return err
		}
	}
	return nil
}

// Merge folds incoming lines into cart. Lines for a product already in the
// cart sum their quantities and take the incoming (most recently fetched)
// price and discount. Cart order is preserved; new products are appended.
func Merge(cart, incoming []Line) []Line {
	out := make([]Line, len(cart), len(cart)+len(incoming))
	copy(out, cart)
	index := make(map[string]int, len(out))
	for i, l := range out {
		index[l.ProductID] = i
	}
	for _, in := range incoming {
		if i, ok := index[in.ProductID]; ok {
			out[i].Quantity += in.Quantity
			out[i].UnitPrice = in.UnitPrice
			out[i].DiscountPercent = in.DiscountPercent
			continue
		}
		index[in.ProductID] = len(out)
		out = append(out, in)
	}
	return out
}

// OrderLines converts an order's snapshotted items so order history is priced
// exactly like the cart and checkout it came from.
func OrderLines(o models.Order) []Line {
	lines := make([]Line, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, Line{
			ProductID:       it.ProductID,
			UnitPrice:       it.UnitPrice,
			DiscountPercent: it.DiscountPercent,
			Quantity:        it.Quantity,
		})
	}
	return lines
}
