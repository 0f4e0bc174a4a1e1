package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestQuantizeRoundsHalfToEven(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     string
	}{
		{"0.125", "USD", "0.12"},
		{"0.135", "USD", "0.14"},
		{"2.5", "JPY", "2"},
		{"3.5", "JPY", "4"},
		{"1.0005", "KWD", "1.000"},
		{"-0.125", "USD", "-0.12"},
	}
	for _, tc := range tests {
		got := MustMoney(tc.amount, tc.currency).Quantize()
		if !got.Amount.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("Quantize(%s %s) = %s, want %s", tc.amount, tc.currency, got.Amount, tc.want)
		}
	}
}

func TestMoneyArithmeticKeepsPrecision(t *testing.T) {
	price := MustMoney("19.99", "usd")
	if price.Currency != "USD" {
		t.Fatalf("currency = %q", price.Currency)
	}
	discount := price.Percent(decimal.NewFromInt(15))
	if !discount.Amount.Equal(decimal.RequireFromString("2.9985")) {
		t.Fatalf("percent = %s", discount.Amount)
	}
	if got := discount.Quantize(); !got.Equal(MustMoney("3.00", "USD")) {
		t.Fatalf("quantized discount = %s", got)
	}
	if got := price.MulInt(3).Sub(MustMoney("60", "USD")).ClampZero(); !got.IsZero() {
		t.Fatalf("clamped = %s", got)
	}
	if got := MinMoney(price, discount); !got.Equal(discount) {
		t.Fatalf("min = %s", got)
	}
	if got := MaxMoney(price, discount); !got.Equal(price) {
		t.Fatalf("max = %s", got)
	}
	if ZeroMoney("USD").Add(price).Currency != "USD" {
		t.Fatalf("expected currency to survive addition")
	}
}

func TestTaxedMoneyValidate(t *testing.T) {
	ok := NewTaxedMoney(MustMoney("10", "USD"), MustMoney("12.30", "USD"))
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := ok.Tax(); !got.Equal(MustMoney("2.30", "USD")) {
		t.Fatalf("tax = %s", got)
	}
	if err := NewTaxedMoney(MustMoney("13", "USD"), MustMoney("12", "USD")).Validate(); err == nil {
		t.Fatalf("expected net above gross to be rejected")
	}
	if err := NewTaxedMoney(MustMoney("1", "EUR"), MustMoney("1", "USD")).Validate(); err == nil {
		t.Fatalf("expected mixed currencies to be rejected")
	}
}

func TestNormalizeCurrency(t *testing.T) {
	got, err := NormalizeCurrency(" eur ")
	if err != nil || got != "EUR" {
		t.Fatalf("NormalizeCurrency = %q, %v", got, err)
	}
	if _, err := NormalizeCurrency("EURO"); err == nil {
		t.Fatalf("expected invalid currency")
	}
}
