// Package pricing converts between the marketplace's wire price form
// (integer wei per second, as a decimal string) and the human form used in
// configs, bids, and logs (USD per hour), and decides the final order price
// from a prediction, a markup coefficient, and a ceiling.
//
// Conversion rule: wei/s · 3600 / 1e18 = USD/h. All arithmetic goes through
// shopspring/decimal so that wire values survive the round trip exactly;
// float64 only appears at the display edges.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DisplayDecimals is the precision of the human price form.
const DisplayDecimals = 4

var (
	weiPerETH      = decimal.New(1, 18)
	secondsPerHour = decimal.NewFromInt(3600)

	// ErrNoPrice is returned when neither a prediction nor a configured
	// max_price is available to price an order.
	ErrNoPrice = errors.New("pricing: no prediction and no max_price configured")
)

// FromWire converts a wei-per-second decimal string to USD per hour.
func FromWire(weiPerSecond string) (float64, error) {
	wei, err := decimal.NewFromString(weiPerSecond)
	if err != nil {
		return 0, fmt.Errorf("parse wire price %q: %w", weiPerSecond, err)
	}
	usd, _ := wei.Mul(secondsPerHour).Div(weiPerETH).Float64()
	return usd, nil
}

// ToWire converts a USD-per-hour value to the wire form: an integer
// wei-per-second decimal string, truncated toward zero.
func ToWire(usdPerHour float64) string {
	return decimal.NewFromFloat(usdPerHour).
		Mul(weiPerETH).
		Div(secondsPerHour).
		Truncate(0).
		String()
}

// Display renders a price the way logs and the fleet table show it,
// e.g. "0.1234 USD/h".
func Display(usdPerHour float64) string {
	return fmt.Sprintf("%.*f USD/h", DisplayDecimals, usdPerHour)
}

// Bid renders a price the way bid descriptors carry it, e.g. "0.1234USD/h".
func Bid(usdPerHour float64) string {
	return fmt.Sprintf("%.*fUSD/h", DisplayDecimals, usdPerHour)
}

// ParseHuman parses a human price form ("0.1234USD/h" or "0.1234 USD/h")
// back to USD per hour.
func ParseHuman(s string) (float64, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "USD/h"))
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	v, _ := d.Float64()
	return v, nil
}

// OrderPrice decides the final price for a new order.
//
// With a prediction available, the desired price is the prediction plus the
// configured percent markup, capped at maxPrice when one is set. Without a
// prediction the configured maxPrice is used as-is; if there is no maxPrice
// either, ErrNoPrice is returned and the caller retries on its next cycle.
func OrderPrice(predicted float64, havePrediction bool, maxPrice float64, coefficient int) (float64, error) {
	if !havePrediction {
		if maxPrice <= 0 {
			return 0, ErrNoPrice
		}
		return maxPrice, nil
	}
	desired := decimal.NewFromFloat(predicted).
		Mul(decimal.NewFromInt(100 + int64(coefficient))).
		Div(decimal.NewFromInt(100))
	if maxPrice > 0 {
		ceiling := decimal.NewFromFloat(maxPrice)
		if desired.GreaterThan(ceiling) {
			desired = ceiling
		}
	}
	v, _ := desired.Float64()
	return v, nil
}
