package etl

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// dateLayouts are tried in order when a string has to become a date or datetime.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"1/2/2006",
}

// Coerce converts v into the canonical Go representation of a field type:
// string, int64, float64, bool, or time.Time (UTC; midnight for dates).
// nil stays nil.
func Coerce(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeText, "":
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case time.Time:
			return s.Format(time.RFC3339), nil
		default:
			return fmt.Sprint(v), nil
		}

	case TypeInteger:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("cannot use %v as integer", n)
			}
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				f, ferr := strconv.ParseFloat(strings.TrimSpace(n), 64)
				if ferr != nil || f != math.Trunc(f) {
					return nil, fmt.Errorf("cannot parse %q as integer", n)
				}
				return int64(f), nil
			}
			return i, nil
		case []byte:
			return Coerce(string(n), typ)
		}

	case TypeNumber:
		if f, ok := toFloatSafe(v); ok {
			return f, nil
		}
		return nil, fmt.Errorf("cannot parse %v as number", v)

	case TypeBoolean:
		return toBool(v), nil

	case TypeDate, TypeDatetime:
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		if typ == TypeDate {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return t.UTC(), nil
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, typ)
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as date", t)
	case []byte:
		return toTime(string(t))
	case int64:
		// epoch milliseconds, as pandas serializes datetimes to JSON
		return time.UnixMilli(t).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot use %T as date", v)
	}
}

// KeyOf normalizes a join key so that equal values of different Go types
// compare equal: 5, int64(5) and 5.0 share a key, dates compare by calendar
// day. Null keys never match anything.
func KeyOf(v any) (string, bool) {
	switch k := v.(type) {
	case nil:
		return "", false
	case string:
		return k, true
	case []byte:
		return string(k), true
	case time.Time:
		u := k.UTC()
		if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
			return u.Format("2006-01-02"), true
		}
		return u.Format(time.RFC3339Nano), true
	case bool:
		return strconv.FormatBool(k), true
	}
	if f, ok := toFloatSafe(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return strconv.FormatInt(int64(f), 10), true
		}
		return strconv.FormatFloat(f, 'g', -1, 64), true
	}
	return fmt.Sprint(v), true
}

// toDecimal converts numeric values for exact money arithmetic.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	case []byte:
		d, err := decimal.NewFromString(string(n))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func toFloatSafe(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case decimal.Decimal:
		return n.InexactFloat64(), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		lower := strings.ToLower(b)
		return lower == "true" || lower == "yes" || lower == "1"
	case float64:
		return b != 0
	case int64:
		return b != 0
	case int:
		return b != 0
	default:
		return false
	}
}
