package domain

import (
	"errors"
	"testing"
)

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("shipping_address", Address{
		City:       " Berlin ",
		PostalCode: " 10115 ",
		Country:    " de",
		Phone:      "0049 (30) 123-4567",
	})
	if err != nil {
		t.Fatalf("NormalizeAddress: %v", err)
	}
	if got.Country != "DE" || got.City != "Berlin" || got.PostalCode != "10115" || got.Phone != "+49301234567" {
		t.Fatalf("unexpected address %+v", got)
	}
}

func TestNormalizeAddressRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		addr  Address
		code  ErrorCode
		field string
	}{
		{name: "missing country", addr: Address{City: "Paris"}, code: CodeRequired, field: "billing_address.country"},
		{name: "three letters", addr: Address{Country: "USA"}, code: CodeInvalid, field: "billing_address.country"},
		{name: "unknown region", addr: Address{Country: "ZZ"}, code: CodeInvalid, field: "billing_address.country"},
		{name: "phone", addr: Address{Country: "US", Phone: "555-CALL"}, code: CodeInvalid, field: "billing_address.phone"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeAddress("billing_address", tc.addr)
			var domainErr *Error
			if !errors.As(err, &domainErr) || domainErr.Code() != string(tc.code) || domainErr.Field != tc.field {
				t.Fatalf("got %v, want %s on %s", err, tc.code, tc.field)
			}
		})
	}
}

func TestIsCountryCode(t *testing.T) {
	for _, code := range []string{"US", "PL", "JP"} {
		if !IsCountryCode(code) {
			t.Fatalf("%s should be a country", code)
		}
	}
	for _, code := range []string{"", "us", "U1", "ZZ", "USA"} {
		if IsCountryCode(code) {
			t.Fatalf("%q should not be a country", code)
		}
	}
}
