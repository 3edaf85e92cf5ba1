package normalize

import (
	"strings"

	"github.com/shopspring/decimal"
)

// currencySymbols maps leading/trailing price markers to ISO codes. Symbols
// shared across currencies resolve to the most common one; the per-source
// currency field overrides when present.
var currencySymbols = map[string]string{
	"$":   "USD",
	"US$": "USD",
	"C$":  "CAD",
	"CA$": "CAD",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "JPY",
	"₹":   "INR",
	"R$":  "BRL",
	"CHF": "CHF",
	"kr":  "SEK",
	"zł":  "PLN",
}

// ParsePrice parses a display price like "$1,299.99", "1.299,00 €" or
// "EUR 89.00" into an exact decimal amount and an ISO currency code.
// defaultCurrency applies when the string carries no marker of its own.
// Ambiguous or garbled strings are rejected.
func ParsePrice(raw, defaultCurrency string) (decimal.Decimal, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, "", &Error{Field: "price", Value: raw, Msg: "empty price"}
	}

	cur := defaultCurrency
	s, detected := stripCurrencyMarkers(s)
	if detected != "" {
		cur = detected
	}
	if cur == "" {
		return decimal.Zero, "", &Error{Field: "price", Value: raw, Msg: "no currency"}
	}

	num, err := normalizeSeparators(s)
	if err != nil {
		return decimal.Zero, "", &Error{Field: "price", Value: raw, Msg: err.Error()}
	}
	d, derr := decimal.NewFromString(num)
	if derr != nil {
		return decimal.Zero, "", &Error{Field: "price", Value: raw, Msg: "not a number"}
	}
	if d.IsNegative() {
		return decimal.Zero, "", &Error{Field: "price", Value: raw, Msg: "negative price"}
	}
	return d, strings.ToUpper(cur), nil
}

// stripCurrencyMarkers removes an ISO code or symbol prefix/suffix and
// returns the remainder plus the detected ISO code ("" when none).
func stripCurrencyMarkers(s string) (string, string) {
	// Explicit ISO code, e.g. "EUR 89.00" or "89.00 EUR".
	for _, iso := range []string{"USD", "EUR", "GBP", "JPY", "CAD", "AUD", "INR", "BRL", "CHF", "SEK", "PLN"} {
		if rest, ok := strings.CutPrefix(s, iso); ok {
			return strings.TrimSpace(rest), iso
		}
		if rest, ok := strings.CutSuffix(s, iso); ok {
			return strings.TrimSpace(rest), iso
		}
	}
	// Symbols, longest first so "US$" wins over "$".
	for _, sym := range []string{"US$", "CA$", "C$", "R$", "zł", "kr", "$", "€", "£", "¥", "₹"} {
		if rest, ok := strings.CutPrefix(s, sym); ok {
			return strings.TrimSpace(rest), currencySymbols[sym]
		}
		if rest, ok := strings.CutSuffix(s, sym); ok {
			return strings.TrimSpace(rest), currencySymbols[sym]
		}
	}
	return s, ""
}

type parseError string

func (e parseError) Error() string { return string(e) }

// normalizeSeparators converts locale-formatted numbers ("1.299,00",
// "1,299.00", "1 299,00") into plain decimal form.
func normalizeSeparators(s string) (string, error) {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	if s == "" {
		return "", parseError("empty amount")
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Both present: the later one is the decimal mark.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// Comma only: decimal mark unless it groups thousands exactly.
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 3 && lastComma > 0 {
			s = strings.ReplaceAll(s, ",", "")
		} else if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		// Dot only: thousands separator when it groups exactly and more than
		// one appears ("1.299.000"); otherwise decimal mark.
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' {
			return "", parseError("unexpected character in amount")
		}
	}
	return s, nil
}
