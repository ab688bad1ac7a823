// Package wsproto implements the message protocol spoken over
// WebSocket connections. Every frame is an envelope with a type
// discriminator; requests correlate to exactly one response or error
// by id. Envelopes travel as JSON text frames or as msgpack binary
// frames with the same schema; params, result, and payload switch to
// the typed codec when typed mode is indicated.
package wsproto

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/typedcodec"
)

// Frame types.
const (
	TypeRequest     = "rpc.request"
	TypeResponse    = "rpc.response"
	TypeError       = "rpc.error"
	TypeNotify      = "rpc.notify"
	TypeSubscribe   = "rpc.subscribe"
	TypeUnsubscribe = "rpc.unsubscribe"
	TypeEvent       = "rpc.event"
	TypePing        = "rpc.ping"
	TypePong        = "rpc.pong"
)

// MetaTyped is the envelope meta key that switches params, result,
// and payload to the typed codec for that message.
const MetaTyped = "typed"

var knownTypes = map[string]bool{
	TypeRequest:     true,
	TypeResponse:    true,
	TypeError:       true,
	TypeNotify:      true,
	TypeSubscribe:   true,
	TypeUnsubscribe: true,
	TypeEvent:       true,
	TypePing:        true,
	TypePong:        true,
}

// WireError is the error object carried by rpc.error frames.
type WireError struct {
	Code    string         `json:"code" msgpack:"code"`
	Message string         `json:"message,omitempty" msgpack:"message,omitempty"`
	Details map[string]any `json:"details,omitempty" msgpack:"details,omitempty"`
}

// ErrorOf projects a classified error onto the wire: the stable code
// always, the message always, details only in debug mode.
func ErrorOf(e *errkind.Error, debug bool) *WireError {
	we := &WireError{Code: e.Code, Message: e.Message}
	if debug && len(e.Details) > 0 {
		we.Details = e.Details
	}
	return we
}

// Envelope is one parsed inbound frame. Params, result, and payload
// stay raw until the caller knows whether typed mode applies to this
// message; everything else is materialized at parse time.
type Envelope struct {
	Type    string
	ID      string
	Method  string
	Channel string
	Err     *WireError
	Meta    map[string]any

	rawParams  []byte
	rawResult  []byte
	rawPayload []byte
	binary     bool
}

// Parse decodes one frame in the indicated wire variant.
func Parse(data []byte, binary bool) (*Envelope, error) {
	if binary {
		return ParseBinary(data)
	}
	return ParseJSON(data)
}

// ParseJSON decodes a text frame. The document must be a JSON object
// with a known type discriminator.
func ParseJSON(data []byte) (*Envelope, error) {
	if !gjson.ValidBytes(data) {
		return nil, errkind.New(errkind.Protocol, "bad_envelope", "frame is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errkind.New(errkind.Protocol, "bad_envelope", "frame is not an object")
	}

	e := &Envelope{
		Type:    root.Get("type").String(),
		ID:      root.Get("id").String(),
		Method:  root.Get("method").String(),
		Channel: root.Get("channel").String(),
	}
	if v := root.Get("params"); v.Exists() {
		e.rawParams = []byte(v.Raw)
	}
	if v := root.Get("result"); v.Exists() {
		e.rawResult = []byte(v.Raw)
	}
	if v := root.Get("payload"); v.Exists() {
		e.rawPayload = []byte(v.Raw)
	}
	if v := root.Get("meta"); v.IsObject() {
		if m, ok := v.Value().(map[string]any); ok {
			e.Meta = m
		}
	}
	if v := root.Get("error"); v.IsObject() {
		we := &WireError{
			Code:    v.Get("code").String(),
			Message: v.Get("message").String(),
		}
		if d, ok := v.Get("details").Value().(map[string]any); ok {
			we.Details = d
		}
		e.Err = we
	}
	return e, checkType(e.Type)
}

// wireEnvelope is the msgpack shape of a frame. Sub-documents ride as
// raw msgpack so typed decoding can be deferred.
type wireEnvelope struct {
	Type    string             `msgpack:"type"`
	ID      string             `msgpack:"id,omitempty"`
	Method  string             `msgpack:"method,omitempty"`
	Channel string             `msgpack:"channel,omitempty"`
	Params  msgpack.RawMessage `msgpack:"params,omitempty"`
	Result  msgpack.RawMessage `msgpack:"result,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
	Error   *WireError         `msgpack:"error,omitempty"`
	Meta    map[string]any     `msgpack:"meta,omitempty"`
}

// ParseBinary decodes a binary frame: a length-prefixed msgpack map
// with the same schema as the JSON variant.
func ParseBinary(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, errkind.Wrap(err, errkind.Protocol, "frame is not valid msgpack")
	}
	e := &Envelope{
		Type:       w.Type,
		ID:         w.ID,
		Method:     w.Method,
		Channel:    w.Channel,
		Err:        w.Error,
		Meta:       w.Meta,
		rawParams:  w.Params,
		rawResult:  w.Result,
		rawPayload: w.Payload,
		binary:     true,
	}
	return e, checkType(e.Type)
}

func checkType(t string) error {
	if t == "" {
		return errkind.New(errkind.Protocol, "bad_envelope", "frame has no type")
	}
	if !knownTypes[t] {
		return errkind.Newf(errkind.Protocol, "unknown_type", "unknown frame type %q", t)
	}
	return nil
}

// Typed reports whether typed mode applies to this message: the
// envelope's own meta.typed flag when present, the session default
// otherwise.
func (e *Envelope) Typed(sessionDefault bool) bool {
	if v, ok := e.Meta[MetaTyped].(bool); ok {
		return v
	}
	return sessionDefault
}

// Binary reports which wire variant carried the frame.
func (e *Envelope) Binary() bool { return e.binary }

// HasParams reports whether the frame carried a params field.
func (e *Envelope) HasParams() bool { return e.rawParams != nil }

// RawParams returns the undecoded params sub-document.
func (e *Envelope) RawParams() []byte { return e.rawParams }

// Params decodes the params sub-document, through the typed codec
// when typed is set.
func (e *Envelope) Params(typed bool) (any, error) {
	return e.decodeField(e.rawParams, typed)
}

// Result decodes the result sub-document.
func (e *Envelope) Result(typed bool) (any, error) {
	return e.decodeField(e.rawResult, typed)
}

// Payload decodes the payload sub-document.
func (e *Envelope) Payload(typed bool) (any, error) {
	return e.decodeField(e.rawPayload, typed)
}

func (e *Envelope) decodeField(raw []byte, typed bool) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if e.binary {
		if typed {
			return typedcodec.DecodeBinary(raw)
		}
		var v any
		if err := msgpack.Unmarshal(raw, &v); err != nil {
			return nil, errkind.Wrap(err, errkind.Protocol, "malformed msgpack value")
		}
		return v, nil
	}
	if typed {
		return typedcodec.Decode(raw)
	}
	return gjson.ParseBytes(raw).Value(), nil
}

// Message is one outbound frame under construction. Encode renders it
// in either wire variant; nil sub-documents are omitted.
type Message struct {
	Type    string
	ID      string
	Method  string
	Channel string
	Params  any
	Result  any
	Payload any
	Err     *WireError
	Meta    map[string]any
}

// Response builds the single rpc.response for a request id.
func Response(id string, result any) *Message {
	return &Message{Type: TypeResponse, ID: id, Result: result}
}

// ErrorFrame builds the single rpc.error for a request id. Protocol
// errors that precede id extraction use an empty id.
func ErrorFrame(id string, we *WireError) *Message {
	return &Message{Type: TypeError, ID: id, Err: we}
}

// Event builds an rpc.event frame for a channel.
func Event(channel string, payload any) *Message {
	return &Message{Type: TypeEvent, Channel: channel, Payload: payload}
}

// Notify builds a server-initiated rpc.notify frame.
func Notify(method string, params any) *Message {
	return &Message{Type: TypeNotify, Method: method, Params: params}
}

// Ping builds a keepalive probe.
func Ping(id string) *Message { return &Message{Type: TypePing, ID: id} }

// Pong answers a ping, echoing its id.
func Pong(id string) *Message { return &Message{Type: TypePong, ID: id} }

// Encode renders the frame. Typed mode routes params, result, and
// payload through the typed codec and stamps meta.typed so the peer
// decodes them the same way.
func (m *Message) Encode(typed, binary bool) ([]byte, error) {
	meta := m.Meta
	if typed {
		merged := make(map[string]any, len(meta)+1)
		for k, v := range meta {
			merged[k] = v
		}
		merged[MetaTyped] = true
		meta = merged
	}
	if binary {
		return m.encodeBinary(typed, meta)
	}
	return m.encodeJSON(typed, meta)
}

func (m *Message) encodeJSON(typed bool, meta map[string]any) ([]byte, error) {
	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "type", m.Type); err != nil {
		return nil, encodeErr(err)
	}
	if m.ID != "" {
		if out, err = sjson.SetBytes(out, "id", m.ID); err != nil {
			return nil, encodeErr(err)
		}
	}
	if m.Method != "" {
		if out, err = sjson.SetBytes(out, "method", m.Method); err != nil {
			return nil, encodeErr(err)
		}
	}
	if m.Channel != "" {
		if out, err = sjson.SetBytes(out, "channel", m.Channel); err != nil {
			return nil, encodeErr(err)
		}
	}
	if out, err = setJSONField(out, "params", m.Params, typed); err != nil {
		return nil, err
	}
	if out, err = setJSONField(out, "result", m.Result, typed); err != nil {
		return nil, err
	}
	if out, err = setJSONField(out, "payload", m.Payload, typed); err != nil {
		return nil, err
	}
	if m.Err != nil {
		raw, jerr := json.Marshal(m.Err)
		if jerr != nil {
			return nil, encodeErr(jerr)
		}
		if out, err = sjson.SetRawBytes(out, "error", raw); err != nil {
			return nil, encodeErr(err)
		}
	}
	if len(meta) > 0 {
		if out, err = sjson.SetBytes(out, "meta", meta); err != nil {
			return nil, encodeErr(err)
		}
	}
	return out, nil
}

func setJSONField(doc []byte, key string, v any, typed bool) ([]byte, error) {
	if v == nil {
		return doc, nil
	}
	if typed {
		raw, err := typedcodec.Encode(v)
		if err != nil {
			return nil, err
		}
		out, err := sjson.SetRawBytes(doc, key, raw)
		if err != nil {
			return nil, encodeErr(err)
		}
		return out, nil
	}
	out, err := sjson.SetBytes(doc, key, v)
	if err != nil {
		return nil, encodeErr(err)
	}
	return out, nil
}

func (m *Message) encodeBinary(typed bool, meta map[string]any) ([]byte, error) {
	w := wireEnvelope{
		Type:    m.Type,
		ID:      m.ID,
		Method:  m.Method,
		Channel: m.Channel,
		Error:   m.Err,
		Meta:    meta,
	}
	var err error
	if w.Params, err = binField(m.Params, typed); err != nil {
		return nil, err
	}
	if w.Result, err = binField(m.Result, typed); err != nil {
		return nil, err
	}
	if w.Payload, err = binField(m.Payload, typed); err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, encodeErr(err)
	}
	return data, nil
}

func binField(v any, typed bool) (msgpack.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if typed {
		return typedcodec.EncodeBinary(v)
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, encodeErr(err)
	}
	return raw, nil
}

func encodeErr(err error) error {
	return errkind.Wrap(err, errkind.Internal, "frame encoding failed")
}
