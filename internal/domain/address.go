package domain

import (
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

var (
	e164Pattern       = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)
	phoneSeparators   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	countryCodeLength = 2
)

// NormalizeAddress validates the address and returns a normalised copy: the country is an
// upper-case ISO-3166 alpha-2 code and the phone, when present, is in E.164 form.
func NormalizeAddress(field string, addr Address) (Address, error) {
	out := addr
	out.Country = strings.ToUpper(strings.TrimSpace(addr.Country))
	if out.Country == "" {
		return Address{}, NewError(CodeRequired, field+".country", "This field is required.")
	}
	if !IsCountryCode(out.Country) {
		return Address{}, NewError(CodeInvalid, field+".country", "Invalid country code.")
	}
	if phone := strings.TrimSpace(addr.Phone); phone != "" {
		phone = phoneSeparators.Replace(phone)
		if strings.HasPrefix(phone, "00") {
			phone = "+" + phone[2:]
		}
		if !e164Pattern.MatchString(phone) {
			return Address{}, NewError(CodeInvalid, field+".phone", "Invalid phone number.")
		}
		out.Phone = phone
	}
	out.CountryArea = strings.TrimSpace(addr.CountryArea)
	out.PostalCode = strings.ToUpper(strings.TrimSpace(addr.PostalCode))
	out.City = strings.TrimSpace(addr.City)
	return out, nil
}

// IsCountryCode reports whether code is an ISO-3166 alpha-2 country.
func IsCountryCode(code string) bool {
	if len(code) != countryCodeLength {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return false
	}
	return region.IsCountry() && region.String() == code
}
