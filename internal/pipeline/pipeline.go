// Package pipeline composes the middleware chain every request passes
// through on its way to the dispatcher core. Middlewares are ordered:
// lower order runs closer to the transport, so it sees the request
// first and the response last.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/gantrylab/gantry/internal/transport"
)

// Handler processes one request. The response is carried on the
// request; a returned error is translated into an error reply by the
// outermost middleware.
type Handler func(ctx context.Context, req *transport.Request) error

// Middleware wraps a handler with one concern. Name identifies it in
// config and logs, Order fixes its position in the chain.
type Middleware interface {
	Name() string
	Order() int
	Wrap(next Handler) Handler
}

// Chain positions.
const (
	OrderErrorTranslate = 100
	OrderRequestID      = 110
	OrderBodyLimit      = 150
	OrderAccessLog      = 200
	OrderCORS           = 300
	OrderAuthJWT        = 400
	OrderSession        = 450
	OrderRateLimit      = 500
	OrderBreaker        = 550
	OrderCompress       = 900
)

// Chain is an ordered middleware stack.
type Chain struct {
	mws []Middleware
}

// NewChain builds a chain, sorting by Order. Equal orders keep their
// given sequence.
func NewChain(mws ...Middleware) *Chain {
	c := &Chain{mws: make([]Middleware, len(mws))}
	copy(c.mws, mws)
	sort.SliceStable(c.mws, func(i, j int) bool { return c.mws[i].Order() < c.mws[j].Order() })
	return c
}

// Use inserts a middleware at its ordered position.
func (c *Chain) Use(mw Middleware) {
	c.mws = append(c.mws, mw)
	sort.SliceStable(c.mws, func(i, j int) bool { return c.mws[i].Order() < c.mws[j].Order() })
}

// Then wraps terminal so the lowest-order middleware runs outermost.
func (c *Chain) Then(terminal Handler) Handler {
	h := terminal
	for i := len(c.mws) - 1; i >= 0; i-- {
		h = c.mws[i].Wrap(h)
	}
	return h
}

// Names lists the chain's middlewares in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.mws))
	for i, mw := range c.mws {
		names[i] = mw.Name()
	}
	return names
}

// Len reports the number of middlewares.
func (c *Chain) Len() int { return len(c.mws) }

type funcMW struct {
	name  string
	order int
	wrap  func(Handler) Handler
}

func (f *funcMW) Name() string              { return f.name }
func (f *funcMW) Order() int                { return f.order }
func (f *funcMW) Wrap(next Handler) Handler { return f.wrap(next) }

// Named adapts a wrap function into a Middleware, used for app-local
// middlewares and tests.
func Named(name string, order int, wrap func(Handler) Handler) Middleware {
	return &funcMW{name: name, order: order, wrap: wrap}
}

// DecodeParams maps a middleware's raw parameter map onto an options
// struct by round-tripping through YAML, the same decoding app kwargs
// get.
func DecodeParams(params map[string]any, into any) error {
	if len(params) == 0 {
		return nil
	}
	b, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode middleware params: %w", err)
	}
	if err := yaml.Unmarshal(b, into); err != nil {
		return fmt.Errorf("decode middleware params: %w", err)
	}
	return nil
}
