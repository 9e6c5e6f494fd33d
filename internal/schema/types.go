package schema

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rowsync/rowsync/internal/syncerr"
)

// LogicalType is the provider-independent type of a column.
type LogicalType string

const (
	TypeInt64   LogicalType = "int64"
	TypeFloat64 LogicalType = "float64"
	TypeString  LogicalType = "string"
	TypeBytes   LogicalType = "bytes"
	TypeBool    LogicalType = "bool"
	TypeTime    LogicalType = "time"
	// TypeDecimal values travel as strings to keep their precision.
	TypeDecimal LogicalType = "decimal"
	TypeUUID    LogicalType = "uuid"
)

// Valid reports whether t is a known logical type.
func (t LogicalType) Valid() bool {
	switch t {
	case TypeInt64, TypeFloat64, TypeString, TypeBytes, TypeBool, TypeTime, TypeDecimal, TypeUUID:
		return true
	}
	return false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time", s)
}

// Normalize converts a value scanned from a database driver into the Go
// representation of the logical type: int64, float64, string, []byte, bool
// or time.Time. Nil stays nil.
func (t LogicalType) Normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt64:
		return toInt64(v)
	case TypeFloat64:
		return toFloat64(v)
	case TypeString, TypeDecimal, TypeUUID:
		return toString(v), nil
	case TypeBytes:
		switch x := v.(type) {
		case []byte:
			return append([]byte(nil), x...), nil
		case string:
			return []byte(x), nil
		}
		return nil, fmt.Errorf("cannot convert %T to bytes", v)
	case TypeBool:
		return toBool(v)
	case TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			return parseTime(x)
		case []byte:
			return parseTime(string(x))
		case int64:
			return time.Unix(x, 0).UTC(), nil
		}
		return nil, fmt.Errorf("cannot convert %T to time", v)
	}
	return nil, fmt.Errorf("%w: %q", syncerr.ErrUnsupportedType, t)
}

// DecodeJSON converts a value decoded from the wire (with json.Decoder
// UseNumber) back into the Go representation of the logical type.
// Bytes travel base64 encoded and times as RFC 3339 strings.
func (t LogicalType) DecodeJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if t == TypeBytes {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string for bytes, got %T", v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode bytes: %w", err)
		}
		return b, nil
	}
	return t.Normalize(v)
}

func toInt64(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("value %v is not an integer", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64)
	}
	return nil, fmt.Errorf("cannot convert %T to int64", v)
}

func toFloat64(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
	}
	return nil, fmt.Errorf("cannot convert %T to float64", v)
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case json.Number:
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func toBool(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, err
		}
		return n != 0, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	case []byte:
		return strconv.ParseBool(strings.TrimSpace(string(x)))
	}
	return nil, fmt.Errorf("cannot convert %T to bool", v)
}

// TypeMap resolves native column types to logical types. It is built once
// by each provider and never modified afterwards.
type TypeMap struct {
	entries  map[string]LogicalType
	fallback func(dbType string) (LogicalType, bool)
}

// NewTypeMap builds a TypeMap from native type names (case-insensitive,
// without length or precision) and an optional fallback consulted for
// names that are not listed.
func NewTypeMap(entries map[string]LogicalType, fallback func(dbType string) (LogicalType, bool)) *TypeMap {
	m := make(map[string]LogicalType, len(entries))
	for k, v := range entries {
		m[strings.ToLower(k)] = v
	}
	return &TypeMap{entries: m, fallback: fallback}
}

// BaseTypeName strips length, precision and modifiers from a native type,
// turning "VARCHAR(255)" into "varchar" and "int unsigned" into "int".
func BaseTypeName(dbType string) string {
	s := strings.ToLower(strings.TrimSpace(dbType))
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), " unsigned")
	return strings.TrimSpace(s)
}

// Lookup returns the logical type for a native type name.
func (m *TypeMap) Lookup(dbType string) (LogicalType, error) {
	base := BaseTypeName(dbType)
	if t, ok := m.entries[base]; ok {
		return t, nil
	}
	if m.fallback != nil {
		if t, ok := m.fallback(base); ok {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %s", syncerr.ErrUnsupportedType, dbType)
}

// Len returns the number of explicit entries.
func (m *TypeMap) Len() int {
	return len(m.entries)
}
