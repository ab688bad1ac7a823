package pipeline

import (
	"context"
	"net"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/internal/transport"
)

const limiterCacheSize = 16384

// RateLimit applies token buckets per configured scope: one bucket for
// the whole process, one per client address, one per path. Scopes are
// independent; a request must pass all of them.
type RateLimit struct {
	global  *rate.Limiter
	ipRule  *config.RateLimitRule
	perIP   *lru.Cache[string, *rate.Limiter]
	rtRule  *config.RateLimitRule
	perPath *lru.Cache[string, *rate.Limiter]
	metrics *metrics.Metrics
}

// NewRateLimit builds the limiter from scope rules.
func NewRateLimit(rules map[string]config.RateLimitRule, m *metrics.Metrics) *RateLimit {
	rl := &RateLimit{metrics: m}
	if r, ok := rules["global"]; ok && r.RPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(r.RPS), ruleBurst(r))
	}
	if r, ok := rules["ip"]; ok && r.RPS > 0 {
		rl.ipRule = &r
		rl.perIP, _ = lru.New[string, *rate.Limiter](limiterCacheSize)
	}
	if r, ok := rules["route"]; ok && r.RPS > 0 {
		rl.rtRule = &r
		rl.perPath, _ = lru.New[string, *rate.Limiter](limiterCacheSize)
	}
	return rl
}

func (rl *RateLimit) Name() string { return "rate_limit" }
func (rl *RateLimit) Order() int   { return OrderRateLimit }

func (rl *RateLimit) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		resp := req.Response
		var tightest *rate.Limiter
		for _, s := range rl.scopes(req) {
			if tightest == nil || s.lim.Tokens() < tightest.Tokens() {
				tightest = s.lim
			}
			if !s.lim.Allow() {
				resp.SetHeader("X-RateLimit-Limit", strconv.Itoa(s.lim.Burst()))
				resp.SetHeader("X-RateLimit-Remaining", "0")
				resp.SetHeader("Retry-After", "1")
				if rl.metrics != nil {
					rl.metrics.RateLimitedTotal.Inc()
				}
				return errkind.ErrRateLimited.WithDetail("scope", s.key)
			}
		}
		if tightest != nil {
			remaining := int(tightest.Tokens())
			if remaining < 0 {
				remaining = 0
			}
			resp.SetHeader("X-RateLimit-Limit", strconv.Itoa(tightest.Burst()))
			resp.SetHeader("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		return next(ctx, req)
	}
}

type scopedLimiter struct {
	lim *rate.Limiter
	key string
}

func (rl *RateLimit) scopes(req *transport.Request) []scopedLimiter {
	var scopes []scopedLimiter
	if rl.global != nil {
		scopes = append(scopes, scopedLimiter{rl.global, "global"})
	}
	if rl.perIP != nil {
		scopes = append(scopes, scopedLimiter{rl.keyed(rl.perIP, clientIP(req), *rl.ipRule), "ip"})
	}
	if rl.perPath != nil {
		scopes = append(scopes, scopedLimiter{rl.keyed(rl.perPath, req.Path, *rl.rtRule), "route"})
	}
	return scopes
}

func (rl *RateLimit) keyed(cache *lru.Cache[string, *rate.Limiter], key string, rule config.RateLimitRule) *rate.Limiter {
	if lim, ok := cache.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(rule.RPS), ruleBurst(rule))
	// Races mint a second limiter for the same key; both enforce the
	// same rule, so the loser is harmless.
	cache.Add(key, lim)
	return lim
}

func ruleBurst(r config.RateLimitRule) int {
	if r.Burst > 0 {
		return r.Burst
	}
	if r.RPS < 1 {
		return 1
	}
	return int(r.RPS)
}

// clientIP prefers proxy-forwarded addresses over the socket peer.
func clientIP(req *transport.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := req.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}
