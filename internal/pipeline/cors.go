package pipeline

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gantrylab/gantry/internal/transport"
)

// CORSParams configures cross-origin handling.
type CORSParams struct {
	AllowOrigins        []string `yaml:"allow_origins"`
	AllowOriginPatterns []string `yaml:"allow_origin_patterns"`
	AllowMethods        []string `yaml:"allow_methods"`
	AllowHeaders        []string `yaml:"allow_headers"`
	ExposeHeaders       []string `yaml:"expose_headers"`
	AllowCredentials    bool     `yaml:"allow_credentials"`
	MaxAge              int      `yaml:"max_age"`
}

// CORS answers preflights and stamps cross-origin headers on regular
// responses. WS protocol messages pass through untouched; the browser
// already ran its origin check at upgrade time.
type CORS struct {
	allowOrigins    []string
	originPatterns  []*regexp.Regexp
	allowMethods    string
	allowHeaders    string
	exposeHeaders   string
	allowCreds      bool
	maxAge          string
	allowAllOrigins bool
}

// NewCORS compiles the origin rules.
func NewCORS(p CORSParams) (*CORS, error) {
	c := &CORS{
		allowOrigins: p.AllowOrigins,
		allowCreds:   p.AllowCredentials,
	}
	for _, pattern := range p.AllowOriginPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		c.originPatterns = append(c.originPatterns, re)
	}

	if len(p.AllowMethods) > 0 {
		c.allowMethods = strings.Join(p.AllowMethods, ", ")
	} else {
		c.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}
	if len(p.AllowHeaders) > 0 {
		c.allowHeaders = strings.Join(p.AllowHeaders, ", ")
	} else {
		c.allowHeaders = "Content-Type, Authorization, X-Request-ID"
	}
	if len(p.ExposeHeaders) > 0 {
		c.exposeHeaders = strings.Join(p.ExposeHeaders, ", ")
	}
	if p.MaxAge > 0 {
		c.maxAge = strconv.Itoa(p.MaxAge)
	} else {
		c.maxAge = "86400"
	}
	for _, o := range p.AllowOrigins {
		if o == "*" {
			c.allowAllOrigins = true
			break
		}
	}
	return c, nil
}

func (c *CORS) Name() string { return "cors" }
func (c *CORS) Order() int   { return OrderCORS }

func (c *CORS) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		if req.Transport != transport.KindHTTP {
			return next(ctx, req)
		}
		origin := req.Header.Get("Origin")
		if origin == "" {
			return next(ctx, req)
		}

		if req.Method == http.MethodOptions && req.Header.Get("Access-Control-Request-Method") != "" {
			c.preflight(req, origin)
			return nil
		}

		c.applyHeaders(req.Response, origin)
		return next(ctx, req)
	}
}

func (c *CORS) preflight(req *transport.Request, origin string) {
	resp := req.Response
	resp.SetStatus(http.StatusNoContent)
	_ = resp.SetResult(nil, nil)
	if !c.originAllowed(origin) {
		return
	}

	resp.SetHeader("Access-Control-Allow-Origin", c.responseOrigin(origin))
	resp.SetHeader("Access-Control-Allow-Methods", c.allowMethods)
	resp.SetHeader("Access-Control-Allow-Headers", c.allowHeaders)
	if c.allowCreds {
		resp.SetHeader("Access-Control-Allow-Credentials", "true")
	}
	resp.SetHeader("Access-Control-Max-Age", c.maxAge)
	resp.SetHeader("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
}

func (c *CORS) applyHeaders(resp *transport.Response, origin string) {
	if !c.originAllowed(origin) {
		return
	}
	resp.SetHeader("Access-Control-Allow-Origin", c.responseOrigin(origin))
	if c.allowCreds {
		resp.SetHeader("Access-Control-Allow-Credentials", "true")
	}
	if c.exposeHeaders != "" {
		resp.SetHeader("Access-Control-Expose-Headers", c.exposeHeaders)
	}
	resp.AddHeader("Vary", "Origin")
}

func (c *CORS) responseOrigin(origin string) string {
	if c.allowAllOrigins && !c.allowCreds {
		return "*"
	}
	return origin
}

func (c *CORS) originAllowed(origin string) bool {
	if c.allowAllOrigins {
		return true
	}
	for _, allowed := range c.allowOrigins {
		if allowed == origin {
			return true
		}
		// *.example.com matches any subdomain.
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	for _, re := range c.originPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
