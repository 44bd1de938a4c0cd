package entity

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType drives value normalization so that rows read from different drivers compare equal
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInt
	TypeBool
	TypeTime
	TypeDate
	TypeBytes
)

// Column is a typed table column
type Column struct {
	Name string
	Type ColumnType
}

const dateLayout = "2006-01-02"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	dateLayout,
}

// Normalize converts a driver value into the canonical Go value for the column type:
// int64 for TypeInt, bool for TypeBool, UTC time.Time truncated to microseconds for TypeTime,
// a "YYYY-MM-DD" string for TypeDate, []byte for TypeBytes and string for TypeText.
// nil stays nil.
func Normalize(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt:
		return toInt64(v)
	case TypeBool:
		return toBool(v)
	case TypeTime:
		ts, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return ts.UTC().Truncate(time.Microsecond), nil
	case TypeDate:
		ts, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return ts.Format(dateLayout), nil
	case TypeBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("cannot convert %T to bytes", v)
	default:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case fmt.Stringer:
			return s.String(), nil
		}
		return fmt.Sprint(v), nil
	}
}

// Equal reports whether two values of the same column type are equal after normalization
func Equal(t ColumnType, a, b any) bool {
	na, errA := Normalize(t, a)
	nb, errB := Normalize(t, b)
	if errA != nil || errB != nil {
		return false
	}
	if na == nil || nb == nil {
		return na == nil && nb == nil
	}
	switch t {
	case TypeBytes:
		return bytes.Equal(na.([]byte), nb.([]byte))
	case TypeTime:
		return na.(time.Time).Equal(nb.(time.Time))
	}
	return na == nb
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case float32:
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int64", v)
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(b))
	case []byte:
		return strconv.ParseBool(strings.TrimSpace(string(b)))
	}
	n, err := toInt64(v)
	if err != nil {
		return false, fmt.Errorf("cannot convert %T to bool", v)
	}
	return n != 0, nil
}

func toTime(v any) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts, nil
	case *time.Time:
		if ts == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return *ts, nil
	case []byte:
		return parseTime(string(ts))
	case string:
		return parseTime(ts)
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
