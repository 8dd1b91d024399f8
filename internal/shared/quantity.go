package shared

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Quantity is a whole number of stock units read from an untrusted payload.
// It accepts a JSON integer or a string of decimal digits and rejects
// everything else: fractions, exponents, booleans, blanks and garbage.
type Quantity struct {
	value int64
	set   bool
}

// NewQuantity wraps a known value.
func NewQuantity(v int64) Quantity {
	return Quantity{value: v, set: true}
}

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*q = Quantity{}
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Invalid("quantity", "not a string")
		}
		raw = s
	}
	v, err := ParseQuantity(raw)
	if err != nil {
		return err
	}
	*q = Quantity{value: v, set: true}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (q Quantity) MarshalJSON() ([]byte, error) {
	if !q.set {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(q.value, 10)), nil
}

// IsSet reports whether a value was supplied.
func (q Quantity) IsSet() bool { return q.set }

// Int64 returns the raw value.
func (q Quantity) Int64() int64 { return q.value }

// Positive returns the value when it is present and greater than zero.
func (q Quantity) Positive(field string) (int64, error) {
	if !q.set {
		return 0, Invalid(field, "is required")
	}
	if q.value <= 0 {
		return 0, Invalid(field, "must be greater than zero, got %d", q.value)
	}
	return q.value, nil
}

// NonNegative returns the value when it is present and not below zero.
func (q Quantity) NonNegative(field string) (int64, error) {
	if !q.set {
		return 0, Invalid(field, "is required")
	}
	if q.value < 0 {
		return 0, Invalid(field, "must not be negative, got %d", q.value)
	}
	return q.value, nil
}

// ParseQuantity parses an optionally negative run of decimal digits.
func ParseQuantity(s string) (int64, error) {
	if s == "" {
		return 0, Invalid("quantity", "is empty")
	}
	digits := s
	if digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" {
		return 0, Invalid("quantity", "%q is not a whole number", s)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, Invalid("quantity", "%q is not a whole number", s)
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, Invalid("quantity", "%q is out of range", s)
	}
	return v, nil
}
