package typedcodec

import (
	"bytes"
	"math"
	"sort"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// EncodeBinary renders a value tree as typed msgpack: length-prefixed
// maps and arrays with the same tag scheme inside string values.
func EncodeBinary(v any) ([]byte, error) {
	wire, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeMsgpackValue(enc, wire); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeMsgpackValue(enc *msgpack.Encoder, v any) error {
	switch t := v.(type) {
	case nil:
		return enc.EncodeNil()
	case bool:
		return enc.EncodeBool(t)
	case string:
		return enc.EncodeString(t)
	case int64:
		return enc.EncodeInt(t)
	case float64:
		return enc.EncodeFloat64(t)
	case *OrderedMap:
		if err := enc.EncodeMapLen(t.Len()); err != nil {
			return err
		}
		var werr error
		t.Each(func(k string, val any) bool {
			if werr = enc.EncodeString(k); werr != nil {
				return false
			}
			werr = encodeMsgpackValue(enc, val)
			return werr == nil
		})
		return werr
	case map[string]any:
		if err := enc.EncodeMapLen(len(t)); err != nil {
			return err
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := enc.EncodeString(k); err != nil {
				return err
			}
			if err := encodeMsgpackValue(enc, t[k]); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if err := enc.EncodeArrayLen(len(t)); err != nil {
			return err
		}
		for _, val := range t {
			if err := encodeMsgpackValue(enc, val); err != nil {
				return err
			}
		}
		return nil
	default:
		return errkind.Newf(errkind.Validation, "typed_encode", "unsupported msgpack value %T", v)
	}
}

// DecodeBinary parses typed msgpack, producing the same value shapes
// as Decode: *OrderedMap, []any, and typed scalars.
func DecodeBinary(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	v, err := decodeMsgpackValue(dec)
	if err != nil {
		if _, ok := errkind.As(err); ok {
			return nil, err
		}
		return nil, errkind.Wrap(err, errkind.Validation, "invalid msgpack document")
	}
	return v, nil
}

func decodeMsgpackValue(dec *msgpack.Decoder) (any, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case c == msgpcode.Nil:
		return nil, dec.DecodeNil()
	case c == msgpcode.True || c == msgpcode.False:
		return dec.DecodeBool()
	case msgpcode.IsFixedNum(c):
		return dec.DecodeInt64()
	case c >= msgpcode.Int8 && c <= msgpcode.Int64:
		return dec.DecodeInt64()
	case c >= msgpcode.Uint8 && c <= msgpcode.Uint64:
		n, err := dec.DecodeUint64()
		if err != nil {
			return nil, err
		}
		if n > math.MaxInt64 {
			return nil, errkind.Newf(errkind.Validation, "typed_decode", "integer %d out of range", n)
		}
		return int64(n), nil
	case c == msgpcode.Float:
		f, err := dec.DecodeFloat32()
		return float64(f), err
	case c == msgpcode.Double:
		return dec.DecodeFloat64()
	case msgpcode.IsString(c):
		s, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		return DecodeScalar(s)
	case msgpcode.IsBin(c):
		return dec.DecodeBytes()
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, err
		}
		om := NewOrderedMap()
		for i := 0; i < n; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return nil, err
			}
			v, err := decodeMsgpackValue(dec)
			if err != nil {
				return nil, err
			}
			om.Set(k, v)
		}
		return om, nil
	case msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := decodeMsgpackValue(dec)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, errkind.Newf(errkind.Validation, "typed_decode", "unsupported msgpack code 0x%02x", c)
	}
}
