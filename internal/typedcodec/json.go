package typedcodec

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/tidwall/gjson"
)

// Encode renders a value tree as typed JSON.
func Encode(v any) ([]byte, error) {
	wire, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Validation, "typed encode failed")
	}
	return data, nil
}

// Decode parses typed JSON. Objects come back as *OrderedMap in
// document order, arrays as []any, tagged strings as their types.
func Decode(data []byte) (any, error) {
	if !gjson.ValidBytes(data) {
		return nil, errkind.New(errkind.Validation, "typed_decode", "invalid JSON document")
	}
	return fromGJSON(gjson.ParseBytes(data))
}

func fromGJSON(r gjson.Result) (any, error) {
	if r.IsObject() {
		om := NewOrderedMap()
		var werr error
		r.ForEach(func(k, v gjson.Result) bool {
			val, err := fromGJSON(v)
			if err != nil {
				werr = err
				return false
			}
			om.Set(k.String(), val)
			return true
		})
		if werr != nil {
			return nil, werr
		}
		return om, nil
	}
	if r.IsArray() {
		items := r.Array()
		out := make([]any, 0, len(items))
		for _, item := range items {
			val, err := fromGJSON(item)
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	}
	switch r.Type {
	case gjson.String:
		return DecodeScalar(r.Str)
	case gjson.Number:
		return decodeNumber(r.Raw), nil
	case gjson.True:
		return true, nil
	case gjson.False:
		return false, nil
	case gjson.Null:
		return nil, nil
	default:
		return nil, errkind.Newf(errkind.Validation, "typed_decode", "unsupported JSON token %q", r.Raw)
	}
}

// decodeNumber keeps integral JSON numbers as int64 so that small ints
// survive a round trip without floating through float64.
func decodeNumber(raw string) any {
	if !strings.ContainsAny(raw, ".eE") {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	f, _ := strconv.ParseFloat(raw, 64)
	return f
}
