package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BelowMinimumError reports a total under the payment collaborator's floor.
type BelowMinimumError struct {
	Total   decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("order total %s is below the minimum of %s (short by %s)",
		e.Total.StringFixed(2), e.Minimum.StringFixed(2), e.Shortfall().StringFixed(2))
}

func (e *BelowMinimumError) Unwrap() error { return ErrBelowMinimum }

func (e *BelowMinimumError) Shortfall() decimal.Decimal {
	return e.Minimum.Sub(e.Total)
}

// Quote is a checkout summary rounded for display.
type Quote struct {
	Lines    []QuoteLine     `json:"lines"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Savings  decimal.Decimal `json:"savings"`
	Total    decimal.Decimal `json:"total"`
}

type QuoteLine struct {
	Line
	EffectivePrice decimal.Decimal `json:"effective_price"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

// Engine holds the two externally supplied policies: the minimum order
// amount and the currency's minor-unit precision.
type Engine struct {
	minimum decimal.Decimal
	places  int32
}

func NewEngine(minimum decimal.Decimal, places int32) *Engine {
	if places < 0 {
		places = 0
	}
	return &Engine{minimum: minimum, places: places}
}

func (e *Engine) Minimum() decimal.Decimal { return e.minimum }

// CheckMinimum returns a *BelowMinimumError when total is under the floor.
func (e *Engine) CheckMinimum(total decimal.Decimal) error {
	if total.LessThan(e.minimum) {
		return &BelowMinimumError{Total: total, Minimum: e.minimum}
	}
	return nil
}

// Quote validates lines and summarizes them. The quote is returned even when
// the total is below the minimum so the caller can show the shortfall.
func (e *Engine) Quote(lines []Line) (Quote, error) {
	if err := ValidateAll(lines); err != nil {
		return Quote{}, err
	}

	q := Quote{Lines: make([]QuoteLine, 0, len(lines))}
	gross := decimal.Zero
	total := decimal.Zero
	for _, l := range lines {
		lt := LineTotal(l)
		gross = gross.Add(GrossTotal(l))
		total = total.Add(lt)
		q.Lines = append(q.Lines, QuoteLine{
			Line:           l,
			EffectivePrice: Round(EffectivePrice(l.UnitPrice, l.DiscountPercent), e.places),
			LineTotal:      Round(lt, e.places),
		})
	}
	q.Subtotal = Round(gross, e.places)
	q.Total = Round(total, e.places)
	// Savings is derived from the rounded figures so the displayed
	// subtotal, savings and total always add up.
	q.Savings = q.Subtotal.Sub(q.Total)

	return q, e.CheckMinimum(q.Total)
}
