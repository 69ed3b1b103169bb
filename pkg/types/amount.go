package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountKind distinguishes the two shapes an amount arrives in
type AmountKind int

const (
	// AmountScalar is a bare number with no currency
	AmountScalar AmountKind = iota
	// AmountTyped is a {value, currency} pair
	AmountTyped
)

// Amount is a monetary value. Scalar amounts carry no currency.
type Amount struct {
	Kind     AmountKind
	Value    decimal.Decimal
	Currency string
}

// ScalarAmount builds a currency-less amount
func ScalarAmount(v decimal.Decimal) Amount {
	return Amount{Kind: AmountScalar, Value: v}
}

// TypedAmount builds an amount with a currency code
func TypedAmount(v decimal.Decimal, currency string) Amount {
	return Amount{Kind: AmountTyped, Value: v, Currency: strings.ToUpper(currency)}
}

// ParseAmount normalizes any supported representation into an Amount:
// numbers, numeric strings, json.Number, decimal.Decimal, and maps or JSON
// objects with a "value" and optional "currency" key.
func ParseAmount(raw any) (Amount, error) {
	switch v := raw.(type) {
	case nil:
		return Amount{}, fmt.Errorf("%w: missing value", ErrInvalidAmount)
	case Amount:
		return v, nil
	case *Amount:
		if v == nil {
			return Amount{}, fmt.Errorf("%w: missing value", ErrInvalidAmount)
		}
		return *v, nil
	case decimal.Decimal:
		return ScalarAmount(v), nil
	case float64:
		return ScalarAmount(decimal.NewFromFloat(v)), nil
	case float32:
		return ScalarAmount(decimal.NewFromFloat32(v)), nil
	case int:
		return ScalarAmount(decimal.NewFromInt(int64(v))), nil
	case int64:
		return ScalarAmount(decimal.NewFromInt(v)), nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		return ScalarAmount(d), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, v)
		}
		return ScalarAmount(d), nil
	case map[string]any:
		value, ok := v["value"]
		if !ok {
			return Amount{}, fmt.Errorf("%w: object without value", ErrInvalidAmount)
		}
		inner, err := ParseAmount(value)
		if err != nil {
			return Amount{}, err
		}
		currency, _ := v["currency"].(string)
		if currency == "" {
			return inner, nil
		}
		return TypedAmount(inner.Value, currency), nil
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return ParseAmount(m)
	case json.RawMessage:
		return parseAmountJSON(v)
	case []byte:
		return parseAmountJSON(v)
	}
	return Amount{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, raw)
}

func parseAmountJSON(data []byte) (Amount, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Amount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return ParseAmount(raw)
}

// Differs reports whether |a - b| is strictly greater than epsilon
func (a Amount) Differs(b Amount, epsilon decimal.Decimal) bool {
	return a.Value.Sub(b.Value).Abs().GreaterThan(epsilon)
}

// String renders the amount as "12.50 USD" or "12.5"
func (a Amount) String() string {
	if a.Kind == AmountTyped {
		return a.Value.StringFixed(2) + " " + a.Currency
	}
	return a.Value.String()
}

// MarshalJSON emits a bare number for scalar amounts and an object otherwise
func (a Amount) MarshalJSON() ([]byte, error) {
	num := json.Number(a.Value.String())
	if a.Kind == AmountTyped {
		return json.Marshal(struct {
			Value    json.Number `json:"value"`
			Currency string      `json:"currency"`
		}{num, a.Currency})
	}
	return json.Marshal(num)
}

// UnmarshalJSON accepts every shape ParseAmount does
func (a *Amount) UnmarshalJSON(data []byte) error {
	parsed, err := parseAmountJSON(data)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
