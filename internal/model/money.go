package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizeAmount turns a channel-native amount ("12,50", "12.5", " 3 ") into a
// decimal string with at least two fraction digits. Extra precision is kept,
// never rounded. A lone comma followed by three digits ("1,234") could be a
// thousands separator and is rejected. Empty input stays empty.
func NormalizeAmount(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if strings.Contains(s, ",") {
		i := strings.Index(s, ",")
		if strings.Count(s, ",") != 1 || strings.Contains(s, ".") || len(s)-i-1 == 3 {
			return "", fmt.Errorf("amount %q: ambiguous separator", s)
		}
		s = s[:i] + "." + s[i+1:]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("amount %q: %w", s, err)
	}
	return formatAmount(d), nil
}

func formatAmount(d decimal.Decimal) string {
	if d.Exponent() < -2 {
		return d.String()
	}
	return d.StringFixed(2)
}

// SumAmounts adds decimal strings without going through float64.
func SumAmounts(amounts ...string) (string, error) {
	total := decimal.Zero
	for _, a := range amounts {
		n, err := NormalizeAmount(a)
		if err != nil {
			return "", err
		}
		if n == "" {
			continue
		}
		total = total.Add(decimal.RequireFromString(n))
	}
	return formatAmount(total), nil
}

// LineTotal multiplies a unit price by a quantity.
func LineTotal(unitPrice string, qty int) (string, error) {
	n, err := NormalizeAmount(unitPrice)
	if err != nil || n == "" {
		return n, err
	}
	return formatAmount(decimal.RequireFromString(n).Mul(decimal.NewFromInt(int64(qty)))), nil
}

// ProductsSubtotal prices the products and their options. Option quantities
// are per unit of the product they belong to.
func (o Order) ProductsSubtotal() (string, error) {
	var lines []string
	for _, p := range o.Products {
		line, err := LineTotal(p.UnitPrice, p.Quantity)
		if err != nil {
			return "", fmt.Errorf("product %s: %w", p.ID, err)
		}
		lines = append(lines, line)
		for _, op := range p.Options {
			line, err := LineTotal(op.UnitPrice, op.Quantity*p.Quantity)
			if err != nil {
				return "", fmt.Errorf("option %s: %w", op.ID, err)
			}
			lines = append(lines, line)
		}
	}
	return SumAmounts(lines...)
}
