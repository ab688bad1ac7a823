package wsproto

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/pages"
	"github.com/gantrylab/gantry/internal/transport"
)

// Close codes beyond the RFC 6455 set.
const (
	// CloseSlowConsumer tears down connections whose outbound queue
	// overflowed under the close policy or would have dropped a
	// critical frame.
	CloseSlowConsumer = websocket.ClosePolicyViolation

	// CloseIdle mirrors HTTP 408: nothing inbound within the idle
	// timeout, pongs included.
	CloseIdle = 4408
)

const writeTimeout = 10 * time.Second

// Session binds one connection to its page. The reader goroutine
// processes frames strictly in arrival order, so responses go out in
// request order; the writer goroutine is the only WriteMessage caller
// and drains the page queue in enqueue order.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	page *pages.Page

	identity string
	auth     *transport.AuthInfo
	header   http.Header
	remote   string
	typed    bool

	ctx    context.Context
	cancel context.CancelFunc

	// userFed records whether this session holds a reference on its
	// user's notification feed. Written before the session is
	// published, read at detach.
	userFed bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, page *pages.Page, identity string, auth *transport.AuthInfo, r *http.Request) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		hub:      h,
		conn:     conn,
		page:     page,
		identity: identity,
		auth:     auth,
		header:   r.Header,
		remote:   r.RemoteAddr,
		typed:    boolQuery(r.URL.Query().Get("typed")),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})
	return s
}

func boolQuery(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// readLoop consumes inbound frames until the connection dies. Any
// inbound traffic counts as activity for the idle timer.
func (s *Session) readLoop() {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				s.closeWith(CloseIdle, "idle timeout")
			} else {
				s.teardown()
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.IdleTimeout))
		s.page.Touch()
		if s.hub.metrics != nil {
			s.hub.metrics.WSMessagesIn.Inc()
		}
		s.handleFrame(data, kind == websocket.BinaryMessage)
	}
}

// writeLoop drains the page queue onto the wire. When the queue
// closes it picks the close code from the cause: overflow closes get
// the slow-consumer code, everything else already closed elsewhere.
func (s *Session) writeLoop() {
	for f := range s.page.Outbound() {
		kind := websocket.TextMessage
		if f.Binary {
			kind = websocket.BinaryMessage
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.conn.WriteMessage(kind, f.Data); err != nil {
			s.teardown()
			return
		}
		if s.hub.metrics != nil {
			s.hub.metrics.WSMessagesOut.Inc()
		}
	}
	if errors.Is(s.page.CloseCause(), pages.ErrSlowConsumer) {
		s.closeWith(CloseSlowConsumer, "outbound queue overflow")
		return
	}
	s.teardown()
}

// keepalive enqueues protocol pings so half-open connections hit the
// idle timeout instead of lingering.
func (s *Session) keepalive() {
	t := time.NewTicker(s.hub.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			s.enqueue(Ping(uuid.NewString()), false, false, true)
		}
	}
}

func (s *Session) handleFrame(data []byte, binary bool) {
	env, err := Parse(data, binary)
	if err != nil {
		s.sendError("", errkind.Classify(err), binary)
		return
	}
	switch env.Type {
	case TypeRequest:
		s.handleRequest(env, binary)
	case TypeNotify:
		s.handleNotify(env, binary)
	case TypePing:
		s.enqueue(Pong(env.ID), false, binary, true)
	case TypePong:
		// Already counted as activity by the read deadline reset.
	case TypeSubscribe:
		s.handleSubscribe(env, binary, true)
	case TypeUnsubscribe:
		s.handleSubscribe(env, binary, false)
	default:
		s.sendError(env.ID, errkind.Newf(errkind.Protocol,
			"unexpected_type", "server does not accept %s frames", env.Type), binary)
	}
}

// handleRequest runs one rpc.request through the dispatcher and emits
// exactly one rpc.response or rpc.error with the same id.
func (s *Session) handleRequest(env *Envelope, binary bool) {
	if env.ID == "" {
		s.sendError("", errkind.New(errkind.Protocol, "missing_id", "rpc.request requires an id"), binary)
		return
	}
	if env.Method == "" {
		s.sendError(env.ID, errkind.New(errkind.Protocol, "missing_method", "rpc.request requires a method"), binary)
		return
	}
	typed := env.Typed(s.typed)
	params, err := env.Params(typed)
	if err != nil {
		s.sendError(env.ID, errkind.Classify(err), binary)
		return
	}

	resp := s.hub.dispatch.DispatchMessage(s.ctx, s.source(env, params, typed, binary))
	if e := resp.Err(); e != nil {
		s.enqueue(ErrorFrame(env.ID, ErrorOf(e, s.hub.debug)), false, binary, true)
		return
	}
	value, verr := frameValue(resp)
	if verr != nil {
		s.enqueue(ErrorFrame(env.ID, ErrorOf(verr, s.hub.debug)), false, binary, true)
		return
	}
	s.enqueue(Response(env.ID, value), typed, binary, true)
}

// handleNotify dispatches a fire-and-forget message. No reply frame
// is owed; failures only get logged.
func (s *Session) handleNotify(env *Envelope, binary bool) {
	if env.Method == "" {
		s.sendError(env.ID, errkind.New(errkind.Protocol, "missing_method", "rpc.notify requires a method"), binary)
		return
	}
	typed := env.Typed(s.typed)
	params, err := env.Params(typed)
	if err != nil {
		s.sendError(env.ID, errkind.Classify(err), binary)
		return
	}
	resp := s.hub.dispatch.DispatchMessage(s.ctx, s.source(env, params, typed, binary))
	if e := resp.Err(); e != nil {
		s.hub.log.Debug("ws notify failed",
			zap.String("method", env.Method),
			zap.String("error", e.Code))
	}
}

// handleSubscribe mutates the page's channel set. An id makes the
// operation acknowledged.
func (s *Session) handleSubscribe(env *Envelope, binary, on bool) {
	if env.Channel == "" {
		s.sendError(env.ID, errkind.New(errkind.Protocol, "missing_channel", "subscription frames require a channel"), binary)
		return
	}
	if on {
		s.page.Subscribe(env.Channel)
	} else {
		s.page.Unsubscribe(env.Channel)
	}
	if env.ID != "" {
		s.enqueue(Response(env.ID, map[string]any{
			"channel":    env.Channel,
			"subscribed": on,
		}), false, binary, true)
	}
}

func (s *Session) source(env *Envelope, params any, typed, binary bool) *transport.WSSource {
	src := &transport.WSSource{
		MsgID:      env.ID,
		Method:     env.Method,
		Params:     params,
		RawPayload: env.RawParams(),
		Header:     s.header,
		RemoteAddr: s.remote,
		Typed:      typed,
		Binary:     binary,
		Auth:       s.auth,
		Caps:       s.hub.caps,
	}
	if s.auth != nil {
		src.AuthTags = s.auth.Tags
	}
	return src
}

// frameValue rejects result kinds that only make sense on a stream
// transport.
func frameValue(resp *transport.Response) (any, *errkind.Error) {
	switch resp.Value().(type) {
	case transport.FilePath:
		return nil, errkind.New(errkind.Internal, "unsupported_result", "file results cannot ride a message frame")
	case io.Reader:
		return nil, errkind.New(errkind.Internal, "unsupported_result", "stream results cannot ride a message frame")
	}
	return resp.Value(), nil
}

func (s *Session) sendError(id string, e *errkind.Error, binary bool) {
	s.enqueue(ErrorFrame(id, ErrorOf(e, s.hub.debug)), false, binary, true)
}

// enqueue encodes a frame onto the page queue. An encoding failure on
// a reply degrades to an error frame so the request still gets its
// one response.
func (s *Session) enqueue(m *Message, typed, binary, critical bool) {
	data, err := m.Encode(typed, binary)
	if err != nil && m.ID != "" && m.Type != TypeError {
		fallback := ErrorFrame(m.ID, ErrorOf(errkind.Classify(err), s.hub.debug))
		data, err = fallback.Encode(false, binary)
	}
	if err != nil {
		s.hub.log.Error("ws frame encoding failed",
			zap.String("type", m.Type),
			zap.Error(err))
		return
	}
	_ = s.page.Send(pages.Frame{Data: data, Critical: critical, Binary: binary})
}

// closeWith emits a close frame with the given code, then tears the
// session down. The first closer wins.
func (s *Session) closeWith(code int, reason string) {
	s.finish(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	})
}

// teardown cleans up without a close frame, for peers that are
// already gone.
func (s *Session) teardown() {
	s.finish(nil)
}

func (s *Session) finish(closeFrame func()) {
	s.closeOnce.Do(func() {
		if closeFrame != nil {
			closeFrame()
		}
		s.cancel()
		close(s.closed)
		_ = s.conn.Close()
		s.hub.detach(s)
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
