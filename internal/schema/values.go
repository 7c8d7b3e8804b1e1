package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Value is one cell after coercion. Raw always keeps the original text;
// the typed member matching the field type is set when coercion succeeded
// on a non-empty cell.
type Value struct {
	Raw     string           `json:"raw"`
	Text    *string          `json:"text,omitempty"`
	Int     *int             `json:"int,omitempty"`
	Decimal *decimal.Decimal `json:"decimal,omitempty"`
}

// IsNull reports an empty cell.
func (v Value) IsNull() bool {
	return strings.TrimSpace(v.Raw) == ""
}

// Coerce converts raw to the field type. Empty cells are null and never an
// error; on failure the value keeps only its raw text.
func Coerce(t FieldType, raw string) (Value, error) {
	v := Value{Raw: raw}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return v, nil
	}

	switch t {
	case TypeInt:
		n, err := parseInt(trimmed)
		if err != nil {
			return v, err
		}
		v.Int = &n
	case TypeDecimal:
		d, err := decimal.NewFromString(trimmed)
		if err != nil {
			return v, fmt.Errorf("not a decimal")
		}
		v.Decimal = &d
	default:
		v.Text = &trimmed
	}
	return v, nil
}

// parseInt accepts integers and integral decimals such as "2.0".
func parseInt(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("not an integral value")
	}
	if d.Abs().GreaterThan(decimal.NewFromInt(1 << 31)) {
		return 0, fmt.Errorf("integer out of range")
	}
	return int(d.IntPart()), nil
}
