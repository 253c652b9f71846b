// internal/rules/coercion.go
package rules

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/solatis/crmrules/internal/types"
)

/*
 * Value coercion for condition values and record fields.
 *
 * Condition values are edited as text; record fields arrive as decoded JSON.
 * Coerce maps either onto the comparison domain of a data type:
 *
 *   - numeric types (INTEGER, DOUBLE, CURRENCY, PERCENT): float64, strict.
 *     Whitespace-only strings, NaN, infinities and booleans are rejected.
 *   - DATE: time.Time at UTC midnight, layout 2006-01-02.
 *   - DATETIME: time.Time, RFC3339 or the datetime-local layouts.
 *   - BOOLEAN: bool, strict. Only true/false text is accepted.
 *   - everything else: string, lenient (numbers and booleans stringified).
 *
 * Null vs failure: nil and "" yield IsNull so callers can treat blank
 * values separately from values that are present but malformed.
 */

// ErrCoercionFailed indicates a value that cannot represent the data type.
var ErrCoercionFailed = errors.New("type coercion failed")

// Layouts accepted for DATETIME values, tried in order.
var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
}

// DateLayout is the canonical DATE representation.
const DateLayout = "2006-01-02"

// CoercionResult holds the coerced value or indicates null.
type CoercionResult struct {
	Value  any  // coerced value (valid only if !IsNull)
	IsNull bool // true if input was nil or empty text
}

// Coerce converts value to the comparison domain of dt.
// Returns ErrCoercionFailed (wrapped with the offending value) for
// impossible conversions.
func Coerce(value any, dt types.DataType) (CoercionResult, error) {
	if value == nil {
		return CoercionResult{IsNull: true}, nil
	}
	if s, ok := value.(string); ok && s == "" {
		return CoercionResult{IsNull: true}, nil
	}

	switch {
	case dt.IsNumeric():
		return coerceNumeric(value)
	case dt == types.DataTypeDate:
		return coerceDate(value)
	case dt == types.DataTypeDateTime:
		return coerceDateTime(value)
	case dt == types.DataTypeBoolean:
		return coerceBoolean(value)
	default:
		return coerceText(value)
	}
}

// coerceNumeric converts to float64. Accepts float64, int, int64 and numeric
// strings; rejects booleans per strict mode.
func coerceNumeric(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case float64:
		return CoercionResult{Value: v}, nil
	case int:
		return CoercionResult{Value: float64(v)}, nil
	case int64:
		return CoercionResult{Value: float64(v)}, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return CoercionResult{}, coercionError(v, "number")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return CoercionResult{}, coercionError(v, "number")
		}
		return CoercionResult{Value: f}, nil
	default:
		return CoercionResult{}, coercionError(v, "number")
	}
}

func coerceDate(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case time.Time:
		y, m, d := v.UTC().Date()
		return CoercionResult{Value: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}, nil
	case string:
		s := strings.TrimSpace(v)
		// Accept timestamps on DATE fields by truncating to the day
		if len(s) > len(DateLayout) {
			s = s[:len(DateLayout)]
		}
		t, err := time.Parse(DateLayout, s)
		if err != nil {
			return CoercionResult{}, coercionError(v, "date")
		}
		return CoercionResult{Value: t}, nil
	default:
		return CoercionResult{}, coercionError(v, "date")
	}
}

func coerceDateTime(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case time.Time:
		return CoercionResult{Value: v.UTC()}, nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return CoercionResult{Value: t.UTC()}, nil
			}
		}
		return CoercionResult{}, coercionError(v, "datetime")
	default:
		return CoercionResult{}, coercionError(v, "datetime")
	}
}

// coerceBoolean accepts bool and the exact texts true/false (any case).
// No numeric truthiness: avoids "1" vs true ambiguity.
func coerceBoolean(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case bool:
		return CoercionResult{Value: v}, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return CoercionResult{Value: true}, nil
		case "false":
			return CoercionResult{Value: false}, nil
		}
		return CoercionResult{}, coercionError(v, "boolean")
	default:
		return CoercionResult{}, coercionError(v, "boolean")
	}
}

// coerceText converts all types to their string representation.
func coerceText(value any) (CoercionResult, error) {
	switch v := value.(type) {
	case string:
		return CoercionResult{Value: v}, nil
	case float64:
		return CoercionResult{Value: strconv.FormatFloat(v, 'f', -1, 64)}, nil
	case int:
		return CoercionResult{Value: strconv.Itoa(v)}, nil
	case int64:
		return CoercionResult{Value: strconv.FormatInt(v, 10)}, nil
	case bool:
		return CoercionResult{Value: strconv.FormatBool(v)}, nil
	default:
		return CoercionResult{Value: fmt.Sprintf("%v", v)}, nil
	}
}

func coercionError(value any, want string) error {
	return fmt.Errorf("%w: %q is not a valid %s", ErrCoercionFailed, fmt.Sprint(value), want)
}

// CompareValues performs three-way comparison of two coerced values.
// Handles float64/int/int64 mixing and time.Time. Returns false for
// incomparable pairs.
func CompareValues(a, b any) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	na, oka := toFloat64(a)
	nb, okb := toFloat64(b)
	if !oka || !okb {
		return 0, false
	}
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	default:
		return 0, true
	}
}

// toFloat64 converts value to float64 if it's a numeric type.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
