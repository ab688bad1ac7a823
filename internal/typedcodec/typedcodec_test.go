package typedcodec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/shopspring/decimal"
)

func TestScalarRoundTrip(t *testing.T) {
	dt := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value any
	}{
		{"decimal", decimal.RequireFromString("99.50")},
		{"date", NewDate(2025, time.January, 15)},
		{"datetime", dt},
		{"time_of_day", TimeOfDay{Hour: 10, Minute: 30, Second: 5}},
		{"time_of_day_frac", TimeOfDay{Hour: 23, Minute: 59, Second: 59, Nanosecond: 250_000_000}},
		{"large_int", int64(9007199254740993)},
		{"negative_large_int", int64(-9007199254740993)},
		{"plain_string", "hello"},
		{"tricky_string", "price::N"},
		{"escaped_escape", "x::S"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := EncodeScalar(tt.value)
			if err != nil {
				t.Fatalf("EncodeScalar: %v", err)
			}
			s, ok := wire.(string)
			if !ok {
				t.Fatalf("expected string wire form, got %T", wire)
			}
			got, err := DecodeScalar(s)
			if err != nil {
				t.Fatalf("DecodeScalar(%q): %v", s, err)
			}
			if !scalarEqual(got, tt.value) {
				t.Errorf("round trip = %#v, want %#v", got, tt.value)
			}
		})
	}
}

func scalarEqual(a, b any) bool {
	switch x := a.(type) {
	case decimal.Decimal:
		y, ok := b.(decimal.Decimal)
		return ok && x.Equal(y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	default:
		return a == b
	}
}

func TestSmallIntStaysNative(t *testing.T) {
	wire, err := EncodeScalar(int64(42))
	if err != nil {
		t.Fatalf("EncodeScalar: %v", err)
	}
	if v, ok := wire.(int64); !ok || v != 42 {
		t.Errorf("wire = %#v, want native int64 42", wire)
	}

	boundary, _ := EncodeScalar(int64(maxSafeInt))
	if _, ok := boundary.(int64); !ok {
		t.Errorf("2^53-1 should stay native, got %#v", boundary)
	}
	beyond, _ := EncodeScalar(int64(maxSafeInt + 1))
	if s, ok := beyond.(string); !ok || !strings.HasSuffix(s, "::L") {
		t.Errorf("2^53 should be L-tagged, got %#v", beyond)
	}
}

func TestDatetimeNormalizedToUTC(t *testing.T) {
	loc := time.FixedZone("plus2", 2*3600)
	local := time.Date(2025, 6, 1, 12, 0, 0, 0, loc)

	wire, err := EncodeScalar(local)
	if err != nil {
		t.Fatalf("EncodeScalar: %v", err)
	}
	s := wire.(string)
	if !strings.HasSuffix(s, "Z::DHZ") {
		t.Errorf("wire form %q not UTC-normalized", s)
	}

	got, err := DecodeScalar(s)
	if err != nil {
		t.Fatalf("DecodeScalar: %v", err)
	}
	if !got.(time.Time).Equal(local) {
		t.Errorf("decoded %v, want instant %v", got, local)
	}
	if got.(time.Time).Location() != time.UTC {
		t.Error("decoded datetime should be in UTC")
	}
}

func TestDecodeScalarErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"unknown_tag", "value::QQQ"},
		{"bad_decimal", "abc::N"},
		{"bad_date", "2025-13-45::D"},
		{"bad_datetime", "yesterday::DHZ"},
		{"bad_time", "25:00:00::H"},
		{"bad_large_int", "zz::L"},
		{"bad_bool", "maybe::B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeScalar(tt.in)
			if err == nil {
				t.Fatalf("DecodeScalar(%q) should fail", tt.in)
			}
			if !errors.Is(err, errkind.ErrValidation) && errkind.KindOf(err) != errkind.Validation {
				t.Errorf("error kind = %v, want Validation", errkind.KindOf(err))
			}
		})
	}
}

func TestUntaggedStringsPassThrough(t *testing.T) {
	for _, s := range []string{"plain", "a::b", "x::", "::", "trailing::TOOLONG"} {
		got, err := DecodeScalar(s)
		if err != nil {
			t.Fatalf("DecodeScalar(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("DecodeScalar(%q) = %q, want passthrough", s, got)
		}
	}
}

func TestEncodeDecodeJSON(t *testing.T) {
	in := map[string]any{
		"price": decimal.RequireFromString("99.50"),
		"on":    NewDate(2025, time.January, 15),
		"count": int64(3),
		"note":  "two for one",
		"tags":  []any{"sale", "books"},
		"flag":  true,
		"none":  nil,
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	om, ok := out.(*OrderedMap)
	if !ok {
		t.Fatalf("Decode returned %T, want *OrderedMap", out)
	}
	price, _ := om.Get("price")
	if d, ok := price.(decimal.Decimal); !ok || !d.Equal(decimal.RequireFromString("99.50")) {
		t.Errorf("price = %#v, want decimal 99.50", price)
	}
	on, _ := om.Get("on")
	if on != NewDate(2025, time.January, 15) {
		t.Errorf("on = %#v, want 2025-01-15", on)
	}
	if v := om.Value("count"); v != int64(3) {
		t.Errorf("count = %#v, want int64(3)", v)
	}
	if v := om.Value("note"); v != "two for one" {
		t.Errorf("note = %#v", v)
	}
	tags, ok := om.Value("tags").([]any)
	if !ok || len(tags) != 2 || tags[0] != "sale" {
		t.Errorf("tags = %#v", om.Value("tags"))
	}
	if v := om.Value("flag"); v != true {
		t.Errorf("flag = %#v, want true", v)
	}
	if v, exists := om.Get("none"); !exists || v != nil {
		t.Errorf("none = %#v (exists=%v), want nil", v, exists)
	}
}

func TestOrderedMapPreservesOrderThroughJSON(t *testing.T) {
	in := NewOrderedMap().
		Set("zeta", int64(1)).
		Set("alpha", int64(2)).
		Set("mid", int64(3))

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	wantPrefix := `{"zeta":1,"alpha":2,"mid":3}`
	if string(data) != wantPrefix {
		t.Errorf("encoded = %s, want %s", data, wantPrefix)
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	om := out.(*OrderedMap)
	keys := om.Keys()
	want := []string{"zeta", "alpha", "mid"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	in := NewOrderedMap().
		Set("price", decimal.RequireFromString("1234.5678")).
		Set("when", time.Date(2025, 3, 9, 8, 15, 0, 0, time.UTC)).
		Set("ids", []any{int64(1), int64(9007199254740993)}).
		Set("nested", NewOrderedMap().Set("d", NewDate(2024, time.December, 31)))

	data, err := EncodeBinary(in)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	out, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}

	om := out.(*OrderedMap)
	if got := om.Keys(); got[0] != "price" || got[1] != "when" || got[2] != "ids" || got[3] != "nested" {
		t.Fatalf("key order = %v", got)
	}
	if d := om.Value("price").(decimal.Decimal); !d.Equal(decimal.RequireFromString("1234.5678")) {
		t.Errorf("price = %v", d)
	}
	if w := om.Value("when").(time.Time); !w.Equal(time.Date(2025, 3, 9, 8, 15, 0, 0, time.UTC)) {
		t.Errorf("when = %v", w)
	}
	ids := om.Value("ids").([]any)
	if ids[0] != int64(1) || ids[1] != int64(9007199254740993) {
		t.Errorf("ids = %#v", ids)
	}
	nested := om.Value("nested").(*OrderedMap)
	if nested.Value("d") != NewDate(2024, time.December, 31) {
		t.Errorf("nested date = %#v", nested.Value("d"))
	}
}

func TestDecodeInvalidDocuments(t *testing.T) {
	if _, err := Decode([]byte(`{"x": `)); err == nil {
		t.Error("truncated JSON should fail")
	}
	if _, err := Decode([]byte(`{"x": "1::QQQ"}`)); err == nil {
		t.Error("unknown tag inside a document should fail")
	}
	if _, err := DecodeBinary([]byte{0xc1}); err == nil {
		t.Error("reserved msgpack code should fail")
	}
}

func TestParamRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   any
		wire string
	}{
		{"bool_true", true, "true::B"},
		{"bool_false", false, "false::B"},
		{"int", int64(42), "42"},
		{"decimal", decimal.RequireFromString("0.1"), "0.1::N"},
		{"string", "books", "books"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire, err := EncodeParam(tt.in)
			if err != nil {
				t.Fatalf("EncodeParam: %v", err)
			}
			if wire != tt.wire {
				t.Errorf("wire = %q, want %q", wire, tt.wire)
			}
			got, err := DecodeParam(wire)
			if err != nil {
				t.Fatalf("DecodeParam: %v", err)
			}
			if !scalarEqual(got, tt.in) {
				t.Errorf("round trip = %#v, want %#v", got, tt.in)
			}
		})
	}
}

func TestIsTypedContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{ContentTypeJSON, true},
		{ContentTypeJSON + "; charset=utf-8", true},
		{ContentTypeMsgpack, true},
		{"application/json", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsTypedContentType(tt.ct); got != tt.want {
			t.Errorf("IsTypedContentType(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}

func TestOrderedMapDelete(t *testing.T) {
	om := NewOrderedMap().Set("a", 1).Set("b", 2).Set("c", 3)
	om.Delete("b")
	keys := om.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("keys after delete = %v", keys)
	}
	if _, ok := om.Get("b"); ok {
		t.Error("deleted key still present")
	}
}
