package normalize

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePriceFormats(t *testing.T) {
	cases := []struct {
		in         string
		defCur     string
		wantAmount string
		wantCur    string
	}{
		{"$24.99", "", "24.99", "USD"},
		{"$1,299.99", "", "1299.99", "USD"},
		{"1.299,00 €", "", "1299", "EUR"},
		{"€89,50", "", "89.5", "EUR"},
		{"£12.00", "", "12", "GBP"},
		{"EUR 49.90", "", "49.9", "EUR"},
		{"49.90 EUR", "", "49.9", "EUR"},
		{"¥1980", "", "1980", "JPY"},
		{"1 299,00 €", "", "1299", "EUR"},
		{"24.99", "USD", "24.99", "USD"},
		{"1,299", "USD", "1299", "USD"},   // grouping comma
		{"24,99", "EUR", "24.99", "EUR"},  // decimal comma
		{"R$ 99,90", "", "99.9", "BRL"},
		{"US$5.00", "", "5", "USD"},
	}
	for _, c := range cases {
		d, cur, err := ParsePrice(c.in, c.defCur)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if d.String() != c.wantAmount || cur != c.wantCur {
			t.Errorf("%q: got %s %s, want %s %s", c.in, d, cur, c.wantAmount, c.wantCur)
		}
	}
}

func TestParsePriceRejectsGarbage(t *testing.T) {
	bad := []string{
		"",
		"call for price",
		"$",
		"$12.99abc",
		"-5.00 USD",
		"24.99", // no currency marker and no default
	}
	for _, in := range bad {
		if _, _, err := ParsePrice(in, ""); err == nil {
			t.Errorf("%q: expected rejection", in)
		}
	}
}

func TestParsePriceExactDecimal(t *testing.T) {
	// 19.99 is not representable in binary floating point; the decimal type
	// must carry it exactly.
	d, _, err := ParsePrice("$19.99", "")
	if err != nil {
		t.Fatal(err)
	}
	if d.String() != "19.99" {
		t.Errorf("got %s", d)
	}
	if !d.Mul(decimal.NewFromInt(100)).Equal(decimal.NewFromInt(1999)) {
		t.Errorf("cents: got %s", d.Mul(decimal.NewFromInt(100)))
	}
}
