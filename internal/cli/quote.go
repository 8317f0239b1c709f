package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jogardn/harvest-orders/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// NewQuoteCommand prices a cart offline with the same engine the service
// uses for checkout.
func NewQuoteCommand(root *RootOptions) *cobra.Command {
	var (
		lines   []string
		minimum string
		places  int32
		output  string
	)

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Compute a checkout quote for cart lines",
		Example: `  harvestd quote --line tomatoes:100:20:3
  harvestd quote --line eggs:4.50:0:2 --line eggs:4.50:0:1 --min 10 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(lines) == 0 {
				return errors.New("at least one --line is required")
			}
			floor, err := decimal.NewFromString(minimum)
			if err != nil {
				return fmt.Errorf("invalid --min %q: %w", minimum, err)
			}

			var cart []pricing.Line
			for _, raw := range lines {
				l, err := parseLine(raw)
				if err != nil {
					return err
				}
				cart = pricing.Merge(cart, []pricing.Line{l})
			}

			quote, err := pricing.NewEngine(floor, places).Quote(cart)
			var below *pricing.BelowMinimumError
			if err != nil && !errors.As(err, &below) {
				return err
			}

			out := cmd.OutOrStdout()
			switch output {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(quote); err != nil {
					return err
				}
			case "text":
				for _, l := range quote.Lines {
					fmt.Fprintf(out, "%-20s %4d x %s = %s\n", l.ProductID, l.Quantity,
						l.EffectivePrice.StringFixed(places), l.LineTotal.StringFixed(places))
				}
				fmt.Fprintf(out, "subtotal %s\n", quote.Subtotal.StringFixed(places))
				fmt.Fprintf(out, "savings  %s\n", quote.Savings.StringFixed(places))
				fmt.Fprintf(out, "total    %s\n", quote.Total.StringFixed(places))
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
			return err
		},
	}

	cmd.Flags().StringArrayVar(&lines, "line", nil, "cart line as product:price:discount:quantity (repeatable)")
	cmd.Flags().StringVar(&minimum, "min", "0", "minimum order amount")
	cmd.Flags().Int32Var(&places, "places", 2, "currency minor-unit places")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json)")
	return cmd
}

func parseLine(raw string) (pricing.Line, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 4 {
		return pricing.Line{}, fmt.Errorf("line %q: want product:price:discount:quantity", raw)
	}
	price, err := decimal.NewFromString(parts[1])
	if err != nil {
		return pricing.Line{}, fmt.Errorf("line %q: price: %w", raw, err)
	}
	discount, err := decimal.NewFromString(parts[2])
	if err != nil {
		return pricing.Line{}, fmt.Errorf("line %q: discount: %w", raw, err)
	}
	qty, err := strconv.Atoi(parts[3])
	if err != nil {
		return pricing.Line{}, fmt.Errorf("line %q: quantity: %w", raw, err)
	}
	l := pricing.Line{ProductID: parts[0], UnitPrice: price, DiscountPercent: discount, Quantity: qty}
	if err := pricing.Validate(l); err != nil {
		return pricing.Line{}, fmt.Errorf("line %q: %w", raw, err)
	}
	return l, nil
}
