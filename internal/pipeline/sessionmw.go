package pipeline

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/session"
	"github.com/gantrylab/gantry/internal/transport"
)

// SessionMW loads the cookie-backed session before the handler and
// persists it after, issuing the cookie for sessions minted during the
// request. WS messages carry the session resolved at upgrade time.
type SessionMW struct {
	store  session.Store
	cookie string
	ttl    time.Duration
	log    *zap.Logger
}

// NewSession builds the session middleware.
func NewSession(store session.Store, cookieName string, ttl time.Duration, log *zap.Logger) *SessionMW {
	if cookieName == "" {
		cookieName = session.CookieName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionMW{store: store, cookie: cookieName, ttl: ttl, log: log}
}

func (s *SessionMW) Name() string { return "session" }
func (s *SessionMW) Order() int   { return OrderSession }

func (s *SessionMW) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		if req.Transport != transport.KindHTTP || req.Session != nil {
			return next(ctx, req)
		}

		sess := s.resolve(ctx, req)
		req.Session = sess

		err := next(ctx, req)

		if sess.Dirty() {
			if serr := s.store.Save(ctx, sess.ID(), sess.Values(), s.ttl); serr != nil {
				s.log.Warn("session save failed",
					zap.String("session_id", sess.ID()),
					zap.Error(serr))
			} else if sess.Fresh() {
				req.Response.SetCookie(&http.Cookie{
					Name:     s.cookie,
					Value:    sess.ID(),
					Path:     "/",
					MaxAge:   int(s.ttl.Seconds()),
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
		}
		return err
	}
}

func (s *SessionMW) resolve(ctx context.Context, req *transport.Request) *session.Session {
	c, err := req.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return session.New()
	}
	values, err := s.store.Load(ctx, c.Value)
	if err != nil {
		if errkind.KindOf(err) != errkind.NotFound {
			s.log.Warn("session load failed",
				zap.String("session_id", c.Value),
				zap.Error(err))
		}
		return session.New()
	}
	return session.Restore(c.Value, values)
}
