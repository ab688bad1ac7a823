package wsproto

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/bus"
	"github.com/gantrylab/gantry/internal/dispatch"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/internal/pages"
	"github.com/gantrylab/gantry/internal/pipeline"
	"github.com/gantrylab/gantry/internal/transport"
)

// Options wires a Hub into the server.
type Options struct {
	Config     config.WSConfig
	Registry   *pages.Registry
	Sticky     *pages.StickyRouter
	Dispatcher *dispatch.Dispatcher
	Bus        bus.Bus
	Auth       *pipeline.AuthJWT
	Caps       []string
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Debug      bool
}

// Hub owns every live WebSocket session on this worker: it upgrades
// connections, binds them to pages, and fans bus events out to
// subscribed pages.
type Hub struct {
	cfg      config.WSConfig
	registry *pages.Registry
	sticky   *pages.StickyRouter
	dispatch *dispatch.Dispatcher
	bus      bus.Bus
	auth     *pipeline.AuthJWT
	caps     []string
	metrics  *metrics.Metrics
	log      *zap.Logger
	debug    bool
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	sessions  map[string]*Session
	userFeeds map[string]*userFeed

	subs []*bus.Subscription
}

// userFeed is one shared per-user topic subscription, refcounted
// across that user's sessions.
type userFeed struct {
	sub  *bus.Subscription
	refs int
}

// NewHub builds a hub. Zero keepalive settings fall back to the
// config defaults.
func NewHub(opts Options) *Hub {
	cfg := opts.Config
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		cfg:      cfg,
		registry: opts.Registry,
		sticky:   opts.Sticky,
		dispatch: opts.Dispatcher,
		bus:      opts.Bus,
		auth:     opts.Auth,
		caps:     opts.Caps,
		metrics:  opts.Metrics,
		log:      log,
		debug:    opts.Debug,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions:  make(map[string]*Session),
		userFeeds: make(map[string]*userFeed),
	}
}

// Start attaches the hub to the shared fan-out topics.
func (h *Hub) Start() error {
	if h.bus == nil {
		return nil
	}
	for _, topic := range []string{bus.TopicDBEvent, bus.TopicBroadcast} {
		sub, err := h.bus.Subscribe(topic, h.fanout)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Shutdown detaches from the bus and closes every session with a
// going-away frame.
func (h *Hub) Shutdown(ctx context.Context) error {
	for _, sub := range h.subs {
		sub.Close()
	}
	h.subs = nil

	h.mu.Lock()
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}

// Sessions reports the number of live sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades one connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, auth, err := h.principal(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	pageID, relocated, err := h.resolvePageID(identity, r.URL.Query().Get("page_id"))
	if err != nil {
		http.Error(w, "malformed page id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	page := h.attach(pageID, identity)
	s := newSession(h, conn, page, identity, auth, r)
	s.userFed = h.subscribeUser(identity)
	h.mu.Lock()
	h.sessions[page.ID] = s
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSSessions.Inc()
	}
	h.log.Debug("ws session open",
		zap.String("page", page.ID),
		zap.String("user", identity))

	go s.writeLoop()
	go s.keepalive()

	method := "session.attached"
	if relocated {
		method = "session.relocated"
	}
	s.enqueue(Notify(method, map[string]any{"page_id": page.ID}), false, false, true)

	s.readLoop()
}

// principal authenticates the upgrade request. Valid tokens yield
// their subject; no token yields a fresh anonymous identity; a bad
// token rejects the upgrade.
func (h *Hub) principal(r *http.Request) (string, *transport.AuthInfo, error) {
	if h.auth != nil {
		if tok := pipeline.TokenFrom(r.Header, r.URL.Query()); tok != "" {
			info, err := h.auth.Verify(tok)
			if err != nil {
				return "", nil, err
			}
			return info.Identity, info, nil
		}
	}
	return "anon:" + uuid.NewString(), nil, nil
}

// resolvePageID steers the requested page id to this worker and
// refuses to attach an id that belongs to someone else.
func (h *Hub) resolvePageID(identity, requested string) (string, bool, error) {
	id := requested
	relocated := false
	if h.sticky != nil {
		var err error
		id, relocated, err = h.sticky.EnsureLocal(identity, requested)
		if err != nil {
			return "", false, err
		}
	} else if id == "" {
		id = uuid.NewString()
	}

	owner := ""
	h.mu.RLock()
	if cur, ok := h.sessions[id]; ok {
		owner = cur.identity
	}
	h.mu.RUnlock()
	if owner == "" {
		if p, ok := h.registry.Get(id); ok {
			owner = p.User
		}
	}
	if owner != "" && owner != identity {
		return h.freshID(), false, nil
	}
	return id, relocated, nil
}

// attach supersedes any live session on the id and registers a fresh
// page for the new connection.
func (h *Hub) attach(id, identity string) *pages.Page {
	if old := h.takeSession(id); old != nil {
		old.closeWith(websocket.CloseGoingAway, "superseded by new connection")
	}
	if stale := h.registry.Remove(id); stale != nil {
		stale.Close()
	}
	p := pages.NewPage(id, identity, h.cfg.SendQueueDepth, h.cfg.OverflowPolicy, h.metrics)
	if err := h.registry.Register(p); err != nil {
		// Lost a concurrent attach race on this id.
		p = pages.NewPage(h.freshID(), identity, h.cfg.SendQueueDepth, h.cfg.OverflowPolicy, h.metrics)
		_ = h.registry.Register(p)
	}
	return p
}

func (h *Hub) freshID() string {
	if h.sticky != nil {
		return h.sticky.MintPageID(h.sticky.LocalIndex())
	}
	return uuid.NewString()
}

func (h *Hub) takeSession(id string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sessions[id]
	delete(h.sessions, id)
	return s
}

// detach runs once per session, from Session.finish. It releases the
// page only if the registry still maps the id to this session's page.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.page.ID]; ok && cur == s {
		delete(h.sessions, s.page.ID)
	}
	h.mu.Unlock()

	if p, ok := h.registry.Get(s.page.ID); ok && p == s.page {
		h.registry.Drop(s.page.ID)
	} else {
		s.page.Close()
	}
	if s.userFed {
		h.unsubscribeUser(s.identity)
	}
	if h.metrics != nil {
		h.metrics.WSSessions.Dec()
	}
	h.log.Debug("ws session closed",
		zap.String("page", s.page.ID),
		zap.String("user", s.identity))
}

// subscribeUser attaches the hub to a user's notification topic the
// first time one of their sessions arrives.
func (h *Hub) subscribeUser(identity string) bool {
	if h.bus == nil {
		return false
	}
	h.mu.Lock()
	if f, ok := h.userFeeds[identity]; ok {
		f.refs++
		h.mu.Unlock()
		return true
	}
	h.mu.Unlock()

	sub, err := h.bus.Subscribe(bus.UserTopic(identity), h.userFanout(identity))
	if err != nil {
		h.log.Warn("user topic subscribe failed",
			zap.String("user", identity),
			zap.Error(err))
		return false
	}
	h.mu.Lock()
	if f, ok := h.userFeeds[identity]; ok {
		// Another session of the same user won the subscribe race.
		f.refs++
		h.mu.Unlock()
		sub.Close()
		return true
	}
	h.userFeeds[identity] = &userFeed{sub: sub, refs: 1}
	h.mu.Unlock()
	return true
}

func (h *Hub) unsubscribeUser(identity string) {
	h.mu.Lock()
	f, ok := h.userFeeds[identity]
	if !ok {
		h.mu.Unlock()
		return
	}
	f.refs--
	if f.refs > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.userFeeds, identity)
	h.mu.Unlock()
	f.sub.Close()
}

// fanout delivers one shared-topic message: broadcasts reach every
// page, other topics only pages subscribed to that channel.
func (h *Hub) fanout(ctx context.Context, msg bus.Message) {
	data, err := eventData(msg)
	if err != nil {
		h.log.Error("event frame encoding failed",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return
	}
	f := pages.Frame{Data: data}
	h.registry.Each(func(p *pages.Page) {
		if msg.Topic != bus.TopicBroadcast && !p.Subscribed(msg.Topic) {
			return
		}
		_ = p.Send(f)
	})
}

// userFanout delivers one user-topic message to every page of that
// user, subscription set or not.
func (h *Hub) userFanout(identity string) bus.Handler {
	return func(ctx context.Context, msg bus.Message) {
		data, err := eventData(msg)
		if err != nil {
			h.log.Error("event frame encoding failed",
				zap.String("topic", msg.Topic),
				zap.Error(err))
			return
		}
		f := pages.Frame{Data: data}
		for _, p := range h.registry.PagesOf(identity) {
			_ = p.Send(f)
		}
	}
}

// eventData renders one rpc.event frame. Events always travel as JSON
// text frames; JSON bodies pass through verbatim, anything else rides
// as a string.
func eventData(msg bus.Message) ([]byte, error) {
	m := Event(msg.Topic, eventPayload(msg.Body))
	if len(msg.Meta) > 0 {
		meta := make(map[string]any, len(msg.Meta))
		for k, v := range msg.Meta {
			meta[k] = v
		}
		m.Meta = meta
	}
	return m.Encode(false, false)
}

func eventPayload(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if gjson.ValidBytes(body) {
		return json.RawMessage(body)
	}
	return string(body)
}
