package pipeline

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/internal/session"
)

// Deps carries the shared components middlewares hook into. Auth is
// built by the server when token verification is configured; the same
// instance serves the WS upgrade and the token mint endpoint.
type Deps struct {
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Sessions session.Store
	Auth     *AuthJWT
}

// FromConfig assembles the builtin chain. Error translation and id
// propagation are always on; everything else follows its config
// switch and default.
func FromConfig(cfg *config.Config, deps Deps) (*Chain, error) {
	mc := cfg.Middleware
	mws := []Middleware{
		NewErrorTranslate(deps.Logger, deps.Metrics, cfg.Server.Debug),
		NewRequestID(),
	}

	if c := mc["body_limit"]; c.On(true) {
		mws = append(mws, NewBodyLimit(cfg.Limits.MaxBodyBytes))
	}

	if c := mc["access_log"]; c.On(true) {
		var p AccessLogParams
		if err := DecodeParams(c.Params, &p); err != nil {
			return nil, fmt.Errorf("access_log: %w", err)
		}
		mws = append(mws, NewAccessLog(deps.Logger, p))
	}

	if c := mc["cors"]; c.On(false) {
		var p CORSParams
		if err := DecodeParams(c.Params, &p); err != nil {
			return nil, fmt.Errorf("cors: %w", err)
		}
		cors, err := NewCORS(p)
		if err != nil {
			return nil, fmt.Errorf("cors: %w", err)
		}
		mws = append(mws, cors)
	}

	if c := mc["auth_jwt"]; deps.Auth != nil && c.On(true) {
		mws = append(mws, deps.Auth)
	}

	if c := mc["session"]; deps.Sessions != nil && c.On(true) {
		mws = append(mws, NewSession(deps.Sessions, cfg.Session.CookieName, cfg.Session.TTL, deps.Logger))
	}

	if c := mc["rate_limit"]; len(cfg.Limits.RateLimit) > 0 && c.On(true) {
		mws = append(mws, NewRateLimit(cfg.Limits.RateLimit, deps.Metrics))
	}

	if c := mc["breaker"]; c.On(false) {
		var p BreakerParams
		if err := DecodeParams(c.Params, &p); err != nil {
			return nil, fmt.Errorf("breaker: %w", err)
		}
		mws = append(mws, NewBreaker(p, deps.Metrics))
	}

	if c := mc["compress"]; c.On(true) {
		var p CompressParams
		if err := DecodeParams(c.Params, &p); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		mws = append(mws, NewCompress(p))
	}

	return NewChain(mws...), nil
}
