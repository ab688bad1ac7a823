package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/typedcodec"
)

// FilePath marks a handler result as "stream this file". The media
// type is derived from the extension.
type FilePath string

// Metadata keys consumed by SetResult.
const (
	MetaMediaType    = "media_type"
	MetaContentType  = "content_type"
	MetaCacheSeconds = "cache_seconds"
)

// Response accumulates the reply for one request and is emitted once.
type Response struct {
	Status    int
	Header    http.Header
	RequestID string

	typed      bool
	typedMedia string

	mediaType string
	meta      map[string]any
	cookies   []*http.Cookie

	value  any
	body   []byte
	stream io.Reader
	file   string
	err    *errkind.Error

	resultSet bool
	emitted   bool
}

// NewResponse creates an empty 200 response bound to a request id.
func NewResponse(requestID string, typed bool, typedMedia string) *Response {
	return &Response{
		Status:     http.StatusOK,
		Header:     make(http.Header),
		RequestID:  requestID,
		typed:      typed,
		typedMedia: typedMedia,
		meta:       make(map[string]any),
	}
}

// SetStatus overrides the status code.
func (r *Response) SetStatus(code int) { r.Status = code }

// SetHeader replaces a header value.
func (r *Response) SetHeader(key, value string) { r.Header.Set(key, value) }

// AddHeader appends a header value (multi-valued headers like
// Set-Cookie keep all values).
func (r *Response) AddHeader(key, value string) { r.Header.Add(key, value) }

// SetCookie queues a cookie directive for emission.
func (r *Response) SetCookie(c *http.Cookie) { r.cookies = append(r.cookies, c) }

// Meta returns the metadata bag merged so far.
func (r *Response) Meta() map[string]any { return r.meta }

// MediaType returns the selected media type, empty until SetResult.
func (r *Response) MediaType() string { return r.mediaType }

// Value returns the raw handler result (used by the WS reply path).
func (r *Response) Value() any { return r.value }

// BodyBytes returns the serialized body when one was produced.
func (r *Response) BodyBytes() []byte { return r.body }

// HasResult reports whether SetResult ran.
func (r *Response) HasResult() bool { return r.resultSet }

// Err returns the classified error installed by SetError, nil for
// successful responses.
func (r *Response) Err() *errkind.Error { return r.err }

// SetError turns the response into an error reply: status from the
// error's kind, body from its envelope. Typed requests still get the
// envelope on their negotiated codec.
func (r *Response) SetError(e *errkind.Error, debug bool) {
	r.err = e
	r.Status = e.HTTPStatus()
	_ = r.SetResult(e.Envelope(debug), nil)
}

// SwapBody replaces the serialized body in place, for middlewares that
// re-encode it. Streams and files have no buffered bytes to swap.
func (r *Response) SwapBody(b []byte) bool {
	if r.emitted || r.stream != nil || r.file != "" {
		return false
	}
	r.body = b
	return true
}

// SetResult stores the handler's value, merges metadata (right-biased)
// and selects the media type per the value kind. An explicit
// media_type (or content_type) in metadata always wins.
func (r *Response) SetResult(value any, meta map[string]any) error {
	if r.emitted {
		return errkind.New(errkind.Internal, "late_result", "result set after response emission")
	}
	for k, v := range meta {
		r.meta[k] = v
	}
	r.value = value
	r.body = nil
	r.stream = nil
	r.file = ""
	r.resultSet = true

	explicit := stringMeta(r.meta, MetaMediaType)
	if explicit == "" {
		explicit = stringMeta(r.meta, MetaContentType)
	}

	switch v := value.(type) {
	case nil:
		r.body = nil
		r.mediaType = "text/plain; charset=utf-8"

	case FilePath:
		r.file = string(v)
		r.mediaType = mime.TypeByExtension(filepath.Ext(string(v)))
		if r.mediaType == "" {
			r.mediaType = "application/octet-stream"
		}

	case []byte:
		r.body = v
		r.mediaType = "application/octet-stream"

	case string:
		r.body = []byte(v)
		r.mediaType = "text/plain; charset=utf-8"

	case io.Reader:
		r.stream = v
		r.mediaType = "application/octet-stream"

	default:
		data, mt, err := r.encodeStructured(value)
		if err != nil {
			return err
		}
		r.body = data
		r.mediaType = mt
	}

	if explicit != "" {
		r.mediaType = explicit
	}
	if secs, ok := intMeta(r.meta, MetaCacheSeconds); ok && secs > 0 {
		r.Header.Set("Cache-Control", fmt.Sprintf("max-age=%d", secs))
	}
	return nil
}

// encodeStructured serializes mappings, sequences, and scalars. Typed
// requests get typed replies on the negotiated codec.
func (r *Response) encodeStructured(value any) ([]byte, string, error) {
	if r.typed {
		if r.typedMedia == typedcodec.ContentTypeMsgpack {
			data, err := typedcodec.EncodeBinary(value)
			if err != nil {
				return nil, "", err
			}
			return data, typedcodec.ContentTypeMsgpack, nil
		}
		data, err := typedcodec.Encode(value)
		if err != nil {
			return nil, "", err
		}
		return data, typedcodec.ContentTypeJSON, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, "", errkind.Wrap(err, errkind.Internal, "response serialization failed")
	}
	return data, "application/json", nil
}

// WriteHTTP emits the response onto an HTTP transport. The head frame
// (status, headers, content type, request id, cookies) goes out
// exactly once, then the body: buffered bytes in one write, streams
// and files in flushed chunks.
func (r *Response) WriteHTTP(w http.ResponseWriter) error {
	if r.emitted {
		return errkind.New(errkind.Internal, "double_emit", "response already emitted")
	}
	r.emitted = true

	h := w.Header()
	for k, vals := range r.Header {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	if r.mediaType != "" && h.Get("Content-Type") == "" {
		h.Set("Content-Type", r.mediaType)
	}
	if r.RequestID != "" {
		h.Set(RequestIDHeader, r.RequestID)
	}
	for _, c := range r.cookies {
		http.SetCookie(w, c)
	}

	switch {
	case r.file != "":
		f, err := os.Open(r.file)
		if err != nil {
			h.Del("Content-Type")
			return errkind.Wrap(err, errkind.NotFound, "resource not found")
		}
		defer f.Close()
		if fi, err := f.Stat(); err == nil {
			h.Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
		}
		w.WriteHeader(r.Status)
		return copyFlush(w, f)

	case r.stream != nil:
		w.WriteHeader(r.Status)
		return copyFlush(w, r.stream)

	default:
		if r.body != nil {
			h.Set("Content-Length", strconv.Itoa(len(r.body)))
		}
		w.WriteHeader(r.Status)
		if len(r.body) > 0 {
			if _, err := w.Write(r.body); err != nil {
				return errkind.Wrap(err, errkind.Cancelled, "client went away during write")
			}
		}
		return nil
	}
}

// copyFlush streams src to the client in chunks, flushing after each
// chunk so slow producers still make progress visible.
func copyFlush(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return errkind.Wrap(werr, errkind.Cancelled, "client went away during stream")
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errkind.Wrap(err, errkind.Internal, "stream source failed")
		}
	}
}

func stringMeta(meta map[string]any, key string) string {
	if v, ok := meta[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intMeta(meta map[string]any, key string) (int, bool) {
	switch v := meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
