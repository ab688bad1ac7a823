package typedcodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gantrylab/gantry/internal/errkind"
)

// Date is a calendar date without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate creates a date from its components.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf extracts the date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, errkind.Newf(errkind.Validation, "typed_decode", "invalid date %q", s)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Time returns midnight of the date in the given location.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// IsZero reports whether the date is the zero value.
func (d Date) IsZero() bool {
	return d == Date{}
}

// MarshalJSON renders the plain lexical form; tagging happens in Encode.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses the plain lexical form.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TimeOfDay is a wall-clock time without a date component.
type TimeOfDay struct {
	Hour       int
	Minute     int
	Second     int
	Nanosecond int
}

// ParseTimeOfDay parses HH:MM:SS with an optional fractional part.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	base := s
	var frac string
	if i := strings.IndexByte(s, '.'); i >= 0 {
		base, frac = s[:i], s[i+1:]
	}
	t, err := time.Parse("15:04:05", base)
	if err != nil {
		return TimeOfDay{}, errkind.Newf(errkind.Validation, "typed_decode", "invalid time %q", s)
	}
	h, m, sec := t.Clock()
	tod := TimeOfDay{Hour: h, Minute: m, Second: sec}
	if frac != "" {
		if len(frac) > 9 {
			return TimeOfDay{}, errkind.Newf(errkind.Validation, "typed_decode", "invalid time %q", s)
		}
		ns := 0
		for _, c := range frac {
			if c < '0' || c > '9' {
				return TimeOfDay{}, errkind.Newf(errkind.Validation, "typed_decode", "invalid time %q", s)
			}
			ns = ns*10 + int(c-'0')
		}
		for i := len(frac); i < 9; i++ {
			ns *= 10
		}
		tod.Nanosecond = ns
	}
	return tod, nil
}

// TimeOfDayOf extracts the wall-clock time of t.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay{Hour: h, Minute: m, Second: s, Nanosecond: t.Nanosecond()}
}

func (t TimeOfDay) String() string {
	s := fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	if t.Nanosecond > 0 {
		s += "." + strings.TrimRight(fmt.Sprintf("%09d", t.Nanosecond), "0")
	}
	return s
}

// MarshalJSON renders the plain lexical form; tagging happens in Encode.
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses the plain lexical form.
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// OrderedMap is a string-keyed map that preserves insertion order.
// Typed-mode decoding produces OrderedMaps so that re-encoding emits
// keys in the order they arrived.
type OrderedMap struct {
	keys   []string
	values map[string]any
}

// NewOrderedMap creates an empty ordered map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]any)}
}

// Set stores a value, appending the key on first insertion.
func (om *OrderedMap) Set(key string, value any) *OrderedMap {
	if _, exists := om.values[key]; !exists {
		om.keys = append(om.keys, key)
	}
	om.values[key] = value
	return om
}

// Get returns the value for key.
func (om *OrderedMap) Get(key string) (any, bool) {
	v, ok := om.values[key]
	return v, ok
}

// Value returns the value for key, or nil.
func (om *OrderedMap) Value(key string) any {
	return om.values[key]
}

// Delete removes a key, preserving the order of the remaining keys.
func (om *OrderedMap) Delete(key string) {
	if _, ok := om.values[key]; !ok {
		return
	}
	delete(om.values, key)
	for i, k := range om.keys {
		if k == key {
			om.keys = append(om.keys[:i], om.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (om *OrderedMap) Keys() []string {
	out := make([]string, len(om.keys))
	copy(out, om.keys)
	return out
}

// Len returns the number of entries.
func (om *OrderedMap) Len() int {
	return len(om.keys)
}

// Each calls fn for every entry in order until fn returns false.
func (om *OrderedMap) Each(fn func(key string, value any) bool) {
	for _, k := range om.keys {
		if !fn(k, om.values[k]) {
			return
		}
	}
}

// ToMap returns a shallow unordered copy.
func (om *OrderedMap) ToMap() map[string]any {
	out := make(map[string]any, len(om.values))
	for k, v := range om.values {
		out[k] = v
	}
	return out
}

// MarshalJSON emits entries in insertion order.
func (om *OrderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range om.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(om.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
