package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrCurrencyMismatch is returned when two monetary values with different currencies are combined.
var ErrCurrencyMismatch = errors.New("money: currency mismatch")

// Money is an exact decimal amount expressed in a single ISO-4217 currency.
//
// Arithmetic keeps full precision. Rounding to the currency precision only happens through
// Quantize, which callers apply at storage, display and gateway boundaries.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney builds a Money value, upper-casing the currency code.
func NewMoney(amount decimal.Decimal, currencyCode string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currencyCode))}
}

// MustMoney parses a decimal literal and panics on malformed input. Intended for fixtures and tests.
func MustMoney(amount string, currencyCode string) Money {
	return NewMoney(decimal.RequireFromString(amount), currencyCode)
}

// ZeroMoney returns a zero amount in the given currency.
func ZeroMoney(currencyCode string) Money {
	return NewMoney(decimal.Zero, currencyCode)
}

// NormalizeCurrency validates an ISO-4217 code and returns its canonical form.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("money: invalid currency %q: %w", code, err)
	}
	return unit.String(), nil
}

// CurrencyPrecision reports the number of fractional digits used when rounding the currency.
func CurrencyPrecision(code string) int32 {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

func (m Money) Add(o Money) Money {
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.pick(o)}
}

func (m Money) Sub(o Money) Money {
	return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.pick(o)}
}

// Mul multiplies the amount by an exact factor.
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

// MulInt multiplies the amount by an integer quantity.
func (m Money) MulInt(n int) Money {
	return m.Mul(decimal.NewFromInt(int64(n)))
}

// Percent returns pct percent of the amount without rounding.
func (m Money) Percent(pct decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(pct).Div(decimal.NewFromInt(100)), Currency: m.Currency}
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsNegative() bool { return m.Amount.IsNegative() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }

// Cmp compares amounts; currencies are not checked.
func (m Money) Cmp(o Money) int { return m.Amount.Cmp(o.Amount) }

func (m Money) LessThan(o Money) bool    { return m.Amount.LessThan(o.Amount) }
func (m Money) GreaterThan(o Money) bool { return m.Amount.GreaterThan(o.Amount) }

// Equal reports whether both the amount and the currency match.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// Quantize rounds half-to-even to the currency precision.
func (m Money) Quantize() Money {
	return Money{Amount: m.Amount.RoundBank(CurrencyPrecision(m.Currency)), Currency: m.Currency}
}

// ClampZero floors negative amounts at zero.
func (m Money) ClampZero() Money {
	if m.Amount.IsNegative() {
		return ZeroMoney(m.Currency)
	}
	return m
}

// SameCurrency reports whether every value shares the currency of m.
func (m Money) SameCurrency(values ...Money) bool {
	for _, v := range values {
		if v.Currency != m.Currency {
			return false
		}
	}
	return true
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(CurrencyPrecision(m.Currency)), m.Currency)
}

func (m Money) pick(o Money) string {
	if m.Currency == "" {
		return o.Currency
	}
	return m.Currency
}

// MinMoney returns the smaller of two amounts.
func MinMoney(a, b Money) Money {
	if b.LessThan(a) {
		return b
	}
	return a
}

// MaxMoney returns the larger of two amounts.
func MaxMoney(a, b Money) Money {
	if b.GreaterThan(a) {
		return b
	}
	return a
}

type moneyJSON struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// MarshalJSON encodes money as {"amount": "<decimal>", "currency": "<ISO>"}.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{Amount: m.Amount.String(), Currency: m.Currency})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var raw moneyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	amount := decimal.Zero
	if raw.Amount != "" {
		parsed, err := decimal.NewFromString(raw.Amount)
		if err != nil {
			return fmt.Errorf("money: decode amount: %w", err)
		}
		amount = parsed
	}
	*m = NewMoney(amount, raw.Currency)
	return nil
}

// TaxedMoney pairs net and gross amounts of the same currency.
type TaxedMoney struct {
	Net   Money `json:"net"`
	Gross Money `json:"gross"`
}

// NewTaxedMoney builds a TaxedMoney value.
func NewTaxedMoney(net, gross Money) TaxedMoney {
	return TaxedMoney{Net: net, Gross: gross}
}

// UntaxedMoney returns a value where net equals gross.
func UntaxedMoney(m Money) TaxedMoney {
	return TaxedMoney{Net: m, Gross: m}
}

// ZeroTaxedMoney returns zero net and gross in the currency.
func ZeroTaxedMoney(currencyCode string) TaxedMoney {
	return UntaxedMoney(ZeroMoney(currencyCode))
}

func (t TaxedMoney) Currency() string { return t.Gross.Currency }

func (t TaxedMoney) Add(o TaxedMoney) TaxedMoney {
	return TaxedMoney{Net: t.Net.Add(o.Net), Gross: t.Gross.Add(o.Gross)}
}

func (t TaxedMoney) Sub(o TaxedMoney) TaxedMoney {
	return TaxedMoney{Net: t.Net.Sub(o.Net), Gross: t.Gross.Sub(o.Gross)}
}

// SubMoney subtracts the same amount from net and gross.
func (t TaxedMoney) SubMoney(m Money) TaxedMoney {
	return TaxedMoney{Net: t.Net.Sub(m), Gross: t.Gross.Sub(m)}
}

func (t TaxedMoney) Mul(factor decimal.Decimal) TaxedMoney {
	return TaxedMoney{Net: t.Net.Mul(factor), Gross: t.Gross.Mul(factor)}
}

func (t TaxedMoney) MulInt(n int) TaxedMoney {
	return TaxedMoney{Net: t.Net.MulInt(n), Gross: t.Gross.MulInt(n)}
}

func (t TaxedMoney) Quantize() TaxedMoney {
	return TaxedMoney{Net: t.Net.Quantize(), Gross: t.Gross.Quantize()}
}

// ClampZero floors net and gross at zero independently.
func (t TaxedMoney) ClampZero() TaxedMoney {
	return TaxedMoney{Net: t.Net.ClampZero(), Gross: t.Gross.ClampZero()}
}

// Tax returns gross minus net.
func (t TaxedMoney) Tax() Money {
	return t.Gross.Sub(t.Net)
}

func (t TaxedMoney) IsZero() bool {
	return t.Net.IsZero() && t.Gross.IsZero()
}

func (t TaxedMoney) Equal(o TaxedMoney) bool {
	return t.Net.Equal(o.Net) && t.Gross.Equal(o.Gross)
}

// Validate checks the currency and net <= gross invariants.
func (t TaxedMoney) Validate() error {
	if t.Net.Currency != t.Gross.Currency {
		return fmt.Errorf("%w: net %s gross %s", ErrCurrencyMismatch, t.Net.Currency, t.Gross.Currency)
	}
	if t.Net.GreaterThan(t.Gross) {
		return fmt.Errorf("money: net %s exceeds gross %s", t.Net, t.Gross)
	}
	return nil
}

func (t TaxedMoney) String() string {
	return fmt.Sprintf("net=%s gross=%s", t.Net, t.Gross)
}

// MoneyRange describes an inclusive price range.
type MoneyRange struct {
	Start Money
	Stop  Money
}

// Contains reports whether the amount lies in the range.
func (r MoneyRange) Contains(m Money) bool {
	return !m.LessThan(r.Start) && !m.GreaterThan(r.Stop)
}
