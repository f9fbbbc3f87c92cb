package integrations

import (
	"fmt"
	"strconv"
	"strings"

	"orderhub/internal/model"
)

// TokenSeparator delimits the segments of a composite correlation token.
const TokenSeparator = "-_-"

// ParseQuantity reads a numeric-looking string such as "2" or " 3 ". Decimal
// quantities with a zero fraction ("2.0") are accepted; anything else fails.
func ParseQuantity(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("quantity: empty")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("quantity: negative %q", s)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f != float64(int(f)) {
		return 0, fmt.Errorf("quantity: not a whole number %q", s)
	}
	return int(f), nil
}

func FormatQuantity(n int) string { return strconv.Itoa(n) }

// SplitToken splits a composite token and checks the segment count. Empty
// segments are rejected.
func SplitToken(token, sep string, want int) ([]string, error) {
	if sep == "" {
		sep = TokenSeparator
	}
	parts := strings.Split(token, sep)
	if len(parts) != want {
		return nil, fmt.Errorf("%w: %d segments, want %d", ErrMalformedToken, len(parts), want)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: empty segment", ErrMalformedToken)
		}
	}
	return parts, nil
}

// FillSummary prices the products into Summary.Subtotal and uses it as the
// total when the channel sent none.
func FillSummary(o *model.Order) error {
	sub, err := o.ProductsSubtotal()
	if err != nil {
		return err
	}
	o.Summary.Subtotal = sub
	if o.Summary.Total == "" {
		o.Summary.Total = sub
	}
	return nil
}
