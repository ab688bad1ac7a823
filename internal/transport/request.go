package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/typedcodec"
)

// Kind identifies the transport a request arrived on.
type Kind string

const (
	KindHTTP  Kind = "http"
	KindWSMsg Kind = "ws-msg"
)

// RequestIDHeader carries the client-supplied correlation id. The same
// header echoes the id back on the response.
const RequestIDHeader = "X-Request-ID"

// AuthInfo is the authentication record a middleware attaches after
// verifying credentials.
type AuthInfo struct {
	Identity string
	Tags     []string
	Backend  string
}

// Limits bounds request intake for a single request.
type Limits struct {
	MaxBodyBytes    int64
	BodyReadTimeout time.Duration
}

// Request is the transport-agnostic view of one in-flight request.
// Middlewares may mutate AuthTags, Capabilities, Auth, and Session;
// everything else is read-only after construction.
type Request struct {
	ID            string
	Transport     Kind
	Method        string
	Path          string
	Header        http.Header
	Query         url.Values
	RemoteAddr    string
	ContentLength int64
	AuthTags      []string
	Capabilities  []string
	Auth          *AuthInfo
	Session       any
	Response      *Response

	// Route is the matched route pattern, filled in during dispatch.
	Route string

	ctx        context.Context
	typed      bool
	typedMedia string
	cookies    []*http.Cookie
	cookiesOK  bool

	// HTTP body, materialized lazily.
	body         io.ReadCloser
	limits       Limits
	readDeadline func(time.Time) error
	bodyOnce     sync.Once
	bodyBytes    []byte
	bodyErr      error

	// WS payload, decoded by the protocol layer before dispatch.
	payload    any
	rawPayload []byte
}

// HTTPSource carries the inputs for constructing an HTTP request.
type HTTPSource struct {
	Writer  http.ResponseWriter
	Request *http.Request
	Limits  Limits
}

// WSSource carries one decoded WebSocket protocol message. Auth and
// AuthTags come from the principal verified at upgrade time; messages
// on the session never re-verify credentials.
type WSSource struct {
	MsgID      string
	Method     string
	Path       string
	Params     any
	RawPayload []byte
	Header     http.Header
	RemoteAddr string
	Typed      bool
	Binary     bool
	Auth       *AuthInfo
	AuthTags   []string
	Caps       []string
}

// NewHTTPRequest builds a Request from a live HTTP exchange. The id is
// taken from X-Request-ID when present, otherwise generated.
func NewHTTPRequest(src *HTTPSource) *Request {
	r := src.Request
	id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}

	ct := r.Header.Get("Content-Type")
	typed := typedcodec.IsTypedContentType(ct)
	typedMedia := ""
	if typed {
		typedMedia = normalizeTypedMedia(ct)
	}

	req := &Request{
		ID:            id,
		Transport:     KindHTTP,
		Method:        r.Method,
		Path:          r.URL.Path,
		Header:        r.Header,
		Query:         r.URL.Query(),
		RemoteAddr:    r.RemoteAddr,
		ContentLength: r.ContentLength,
		ctx:           r.Context(),
		typed:         typed,
		typedMedia:    typedMedia,
		body:          r.Body,
		limits:        src.Limits,
	}
	if src.Writer != nil {
		rc := http.NewResponseController(src.Writer)
		req.readDeadline = rc.SetReadDeadline
		if src.Limits.MaxBodyBytes > 0 {
			req.body = http.MaxBytesReader(src.Writer, r.Body, src.Limits.MaxBodyBytes)
		}
	}
	req.Response = NewResponse(id, typed, typedMedia)
	return req
}

// NewWSRequest builds a Request from one rpc.request message on an
// established WebSocket session.
func NewWSRequest(src *WSSource) *Request {
	id := src.MsgID
	if id == "" {
		id = uuid.NewString()
	}
	header := src.Header
	if header == nil {
		header = make(http.Header)
	}
	typedMedia := ""
	if src.Typed {
		typedMedia = typedcodec.ContentTypeJSON
		if src.Binary {
			typedMedia = typedcodec.ContentTypeMsgpack
		}
	}
	path := src.Path
	if path == "" {
		path = src.Method
	}

	req := &Request{
		ID:            id,
		Transport:     KindWSMsg,
		Method:        http.MethodPost,
		Path:          path,
		Header:        header,
		Query:         url.Values{},
		RemoteAddr:    src.RemoteAddr,
		ContentLength: int64(len(src.RawPayload)),
		Auth:          src.Auth,
		AuthTags:      src.AuthTags,
		Capabilities:  src.Caps,
		ctx:           context.Background(),
		typed:         src.Typed,
		typedMedia:    typedMedia,
		payload:       src.Params,
		rawPayload:    src.RawPayload,
	}
	req.Response = NewResponse(id, src.Typed, typedMedia)
	return req
}

// Context returns the request's context; it is cancelled when the
// client disconnects.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext replaces the request context.
func (r *Request) WithContext(ctx context.Context) {
	r.ctx = ctx
}

// Typed reports whether the request indicated typed mode.
func (r *Request) Typed() bool { return r.typed }

// TypedMedia returns the negotiated typed content type, empty outside
// typed mode.
func (r *Request) TypedMedia() string { return r.typedMedia }

// Body materializes the request body. HTTP bodies are drained once and
// cached; exceeding the byte limit yields ErrBodyTooLarge and a
// read-deadline hit yields ErrTimeout.
func (r *Request) Body() ([]byte, error) {
	r.bodyOnce.Do(func() {
		if r.Transport == KindWSMsg {
			r.bodyBytes = r.rawPayload
			return
		}
		if r.body == nil {
			return
		}
		if r.readDeadline != nil && r.limits.BodyReadTimeout > 0 {
			// Errors here mean the transport does not support
			// deadlines (e.g. HTTP/2 in tests); reading proceeds
			// without one.
			_ = r.readDeadline(time.Now().Add(r.limits.BodyReadTimeout))
			defer func() { _ = r.readDeadline(time.Time{}) }()
		}
		data, err := io.ReadAll(r.body)
		if err != nil {
			var maxErr *http.MaxBytesError
			switch {
			case errors.As(err, &maxErr):
				r.bodyErr = errkind.ErrBodyTooLarge
			case errors.Is(err, os.ErrDeadlineExceeded):
				r.bodyErr = errkind.Wrap(err, errkind.Timeout, "body read timed out")
			default:
				r.bodyErr = errkind.Wrap(err, errkind.Protocol, "body read failed")
			}
			return
		}
		r.bodyBytes = data
	})
	return r.bodyBytes, r.bodyErr
}

// Payload returns the decoded request payload. WS messages arrive
// pre-decoded; HTTP bodies decode per content type, with TypedCodec in
// typed mode.
func (r *Request) Payload() (any, error) {
	if r.Transport == KindWSMsg {
		return r.payload, nil
	}
	data, err := r.Body()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	if r.typed {
		if r.typedMedia == typedcodec.ContentTypeMsgpack {
			return typedcodec.DecodeBinary(data)
		}
		return typedcodec.Decode(data)
	}
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, errkind.Wrap(err, errkind.Validation, "invalid JSON body")
		}
		return v, nil
	}
	return data, nil
}

// QueryValue returns the first query value for name, raw.
func (r *Request) QueryValue(name string) string {
	return r.Query.Get(name)
}

// TypedQueryValue decodes a query parameter. In typed mode tag
// suffixes are interpreted; otherwise the raw string is returned.
func (r *Request) TypedQueryValue(name string) (any, error) {
	raw := r.Query.Get(name)
	if !r.typed {
		return raw, nil
	}
	return typedcodec.DecodeParam(raw)
}

// Cookies returns the parsed request cookies.
func (r *Request) Cookies() []*http.Cookie {
	if !r.cookiesOK {
		r.cookies = (&http.Request{Header: r.Header}).Cookies()
		r.cookiesOK = true
	}
	return r.cookies
}

// Cookie returns the named cookie or http.ErrNoCookie.
func (r *Request) Cookie(name string) (*http.Cookie, error) {
	for _, c := range r.Cookies() {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, http.ErrNoCookie
}

// HasCapability reports whether the serving environment declared name.
func (r *Request) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// HasAuthTag reports whether the principal carries tag.
func (r *Request) HasAuthTag(tag string) bool {
	for _, t := range r.AuthTags {
		if t == tag {
			return true
		}
	}
	return false
}

func normalizeTypedMedia(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	if ct == typedcodec.ContentTypeMsgpack {
		return typedcodec.ContentTypeMsgpack
	}
	return typedcodec.ContentTypeJSON
}
