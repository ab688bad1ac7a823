// Package typedcodec implements the reversible tag scheme that carries
// semantic types JSON cannot natively express. Scalars are encoded as
// "<lexical>::<TAG>" strings; containers are recursed. A dedicated
// content type (HTTP) or an envelope meta flag (WS) signals typed mode.
package typedcodec

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/shopspring/decimal"
)

// Wire tags. TagString is the escape for literal strings whose tail
// would otherwise parse as a tag.
const (
	TagDecimal   = "N"
	TagDate      = "D"
	TagDateTime  = "DHZ"
	TagTimeOfDay = "H"
	TagLargeInt  = "L"
	TagBool      = "B"
	TagString    = "S"
)

// Content types that switch a transport into typed mode.
const (
	ContentTypeJSON    = "application/vnd.typed+json"
	ContentTypeMsgpack = "application/vnd.typed+msgpack"
)

// maxSafeInt is the largest integer a JSON number can carry without
// precision loss; anything beyond rides in an L-tagged string.
const maxSafeInt = 1<<53 - 1

// IsTypedContentType reports whether ct selects typed mode.
func IsTypedContentType(ct string) bool {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	return ct == ContentTypeJSON || ct == ContentTypeMsgpack
}

// tagSuffix splits s into lexical and tag parts when s ends in a
// tag-shaped suffix (1-3 uppercase letters after "::").
func tagSuffix(s string) (lexical, tag string, ok bool) {
	i := strings.LastIndex(s, "::")
	if i < 0 {
		return "", "", false
	}
	t := s[i+2:]
	if len(t) < 1 || len(t) > 3 {
		return "", "", false
	}
	for j := 0; j < len(t); j++ {
		if t[j] < 'A' || t[j] > 'Z' {
			return "", "", false
		}
	}
	return s[:i], t, true
}

// escapeString protects literal strings that would decode as tagged.
func escapeString(s string) string {
	if _, _, ok := tagSuffix(s); ok {
		return s + "::" + TagString
	}
	return s
}

// DecodeScalar decodes one wire string. Untagged strings pass through,
// known tags produce their typed value, and tag-shaped unknowns fail.
func DecodeScalar(s string) (any, error) {
	lexical, tag, ok := tagSuffix(s)
	if !ok {
		return s, nil
	}
	switch tag {
	case TagString:
		return lexical, nil
	case TagDecimal:
		d, err := decimal.NewFromString(lexical)
		if err != nil {
			return nil, errkind.Newf(errkind.Validation, "typed_decode", "malformed decimal %q", lexical)
		}
		return d, nil
	case TagDate:
		return ParseDate(lexical)
	case TagDateTime:
		t, err := time.Parse(time.RFC3339Nano, lexical)
		if err != nil {
			return nil, errkind.Newf(errkind.Validation, "typed_decode", "malformed datetime %q", lexical)
		}
		return t.UTC(), nil
	case TagTimeOfDay:
		return ParseTimeOfDay(lexical)
	case TagLargeInt:
		n, err := strconv.ParseInt(lexical, 10, 64)
		if err != nil {
			return nil, errkind.Newf(errkind.Validation, "typed_decode", "malformed large int %q", lexical)
		}
		return n, nil
	case TagBool:
		switch lexical {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, errkind.Newf(errkind.Validation, "typed_decode", "malformed bool %q", lexical)
	default:
		return nil, errkind.Newf(errkind.Validation, "typed_decode", "unknown type tag %q", tag)
	}
}

// EncodeScalar converts one Go scalar to its wire representation:
// either a tagged string or a native JSON-safe value.
func EncodeScalar(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return escapeString(t), nil
	case bool:
		return t, nil
	case decimal.Decimal:
		return t.String() + "::" + TagDecimal, nil
	case Date:
		return t.String() + "::" + TagDate, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano) + "::" + TagDateTime, nil
	case TimeOfDay:
		return t.String() + "::" + TagTimeOfDay, nil
	case int:
		return encodeInt(int64(t)), nil
	case int8:
		return encodeInt(int64(t)), nil
	case int16:
		return encodeInt(int64(t)), nil
	case int32:
		return encodeInt(int64(t)), nil
	case int64:
		return encodeInt(t), nil
	case uint:
		return encodeUint(uint64(t))
	case uint8:
		return encodeInt(int64(t)), nil
	case uint16:
		return encodeInt(int64(t)), nil
	case uint32:
		return encodeInt(int64(t)), nil
	case uint64:
		return encodeUint(t)
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return nil, errkind.Newf(errkind.Validation, "typed_encode", "unsupported scalar type %T", v)
	}
}

func encodeInt(v int64) any {
	if v > maxSafeInt || v < -maxSafeInt {
		return strconv.FormatInt(v, 10) + "::" + TagLargeInt
	}
	return v
}

func encodeUint(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, errkind.Newf(errkind.Validation, "typed_encode", "integer %d out of range", v)
	}
	return encodeInt(int64(v)), nil
}

// encodeValue converts an arbitrary supported value tree into its wire
// form: containers recursed, scalars tagged.
func encodeValue(v any) (any, error) {
	switch t := v.(type) {
	case *OrderedMap:
		out := NewOrderedMap()
		var err error
		t.Each(func(k string, val any) bool {
			var ev any
			ev, err = encodeValue(val)
			if err != nil {
				return false
			}
			out.Set(k, ev)
			return true
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ev, err := encodeValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			ev, err := encodeValue(val)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = escapeString(s)
		}
		return out, nil
	default:
		return EncodeScalar(v)
	}
}

// EncodeParam encodes one value for a string-only context such as a
// query parameter. Booleans are tagged here because the transport has
// no native boolean representation.
func EncodeParam(v any) (string, error) {
	if b, ok := v.(bool); ok {
		return strconv.FormatBool(b) + "::" + TagBool, nil
	}
	ev, err := EncodeScalar(v)
	if err != nil {
		return "", err
	}
	switch t := ev.(type) {
	case string:
		return t, nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case nil:
		return "", nil
	default:
		return "", errkind.Newf(errkind.Validation, "typed_encode", "unsupported parameter type %T", v)
	}
}

// DecodeParam decodes one query-parameter value.
func DecodeParam(s string) (any, error) {
	return DecodeScalar(s)
}
