// Package dispatch connects transports to the route tree. The
// dispatcher owns the terminal step of the middleware pipeline:
// resolve the path, validate the body, invoke the handler, store the
// result. Transport adapters (ServeHTTP, DispatchMessage) wrap that
// with request registration and response emission.
package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/execpool"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/internal/pipeline"
	"github.com/gantrylab/gantry/internal/routetree"
	"github.com/gantrylab/gantry/internal/transport"
)

// routeUnmatched labels metrics for requests that never resolved, so
// arbitrary client paths cannot blow up label cardinality.
const routeUnmatched = "unmatched"

// Options collects the dispatcher's collaborators. Registry and Router
// are required; the rest default to working zero values.
type Options struct {
	Registry *transport.Registry
	Router   *routetree.Router

	// Blocking runs handlers declared Sync. Without a pool they run
	// inline on the caller's goroutine.
	Blocking *execpool.BlockingPool

	// Chain is the global middleware chain wrapped around the core.
	Chain *pipeline.Chain

	// Limits apply to request intake on every transport.
	Limits transport.Limits

	// RequestTimeout bounds a single handler invocation. Zero means no
	// deadline beyond the client's own.
	RequestTimeout time.Duration

	// Caps are the serving environment's capability identifiers,
	// stamped on every request for capability-gated routes.
	Caps []string

	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Debug   bool
}

// Dispatcher turns transport events into handler invocations. One
// instance serves both HTTP requests and WebSocket messages.
type Dispatcher struct {
	registry *transport.Registry
	router   *routetree.Router
	blocking *execpool.BlockingPool
	caps     []string
	metrics  *metrics.Metrics
	log      *zap.Logger
	debug    bool

	// mu guards the fields a config reload can swap while serving.
	mu        sync.RWMutex
	handler   pipeline.Handler
	limits    transport.Limits
	timeout   time.Duration
	appChains map[string]*pipeline.Chain
}

// New assembles a dispatcher. The chain is composed once; app-local
// chains attach later as apps are mounted.
func New(opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	chain := opts.Chain
	if chain == nil {
		chain = pipeline.NewChain()
	}
	d := &Dispatcher{
		registry:  opts.Registry,
		router:    opts.Router,
		blocking:  opts.Blocking,
		caps:      opts.Caps,
		limits:    opts.Limits,
		timeout:   opts.RequestTimeout,
		metrics:   opts.Metrics,
		log:       log,
		debug:     opts.Debug,
		appChains: make(map[string]*pipeline.Chain),
	}
	d.handler = chain.Then(d.core)
	return d
}

// SwapChain replaces the global middleware chain. In-flight requests
// finish on the chain they started with.
func (d *Dispatcher) SwapChain(chain *pipeline.Chain) {
	if chain == nil {
		chain = pipeline.NewChain()
	}
	h := chain.Then(d.core)
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// SetLimits replaces intake limits and the per-request timeout for
// requests created after the call.
func (d *Dispatcher) SetLimits(limits transport.Limits, timeout time.Duration) {
	d.mu.Lock()
	d.limits = limits
	d.timeout = timeout
	d.mu.Unlock()
}

// MountChain installs an app-local chain for routes owned by the named
// instance. Called at mount time, before serving starts.
func (d *Dispatcher) MountChain(owner string, chain *pipeline.Chain) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appChains[owner] = chain
}

func (d *Dispatcher) appChain(owner string) *pipeline.Chain {
	if owner == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.appChains[owner]
}

// ServeHTTP adapts the dispatcher to net/http. Each request gets
// exactly one registry entry; unregistration is deferred so panics
// cannot leak it.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	d.mu.RLock()
	limits := d.limits
	d.mu.RUnlock()
	req, ctx, err := d.registry.Create(r.Context(), transport.KindHTTP, &transport.HTTPSource{
		Writer:  w,
		Request: r,
		Limits:  limits,
	})
	if err != nil {
		d.writeFailure(w, err)
		return
	}
	req.Capabilities = d.caps
	defer d.registry.Unregister(req.ID)
	if d.metrics != nil {
		d.metrics.RequestsInFlight.Inc()
		defer d.metrics.RequestsInFlight.Dec()
	}

	d.run(ctx, req)

	if err := req.Response.WriteHTTP(w); err != nil {
		d.log.Debug("response write failed",
			zap.String("request_id", req.ID),
			zap.Error(err))
	}
	d.observe(req, start)
}

// DispatchMessage runs one decoded WebSocket message through the full
// chain and returns the response for the protocol layer to frame. It
// never returns nil.
func (d *Dispatcher) DispatchMessage(ctx context.Context, src *transport.WSSource) *transport.Response {
	start := time.Now()
	req, ctx, err := d.registry.Create(ctx, transport.KindWSMsg, src)
	if err != nil {
		resp := transport.NewResponse(src.MsgID, src.Typed, "")
		resp.SetError(errkind.Classify(err), d.debug)
		return resp
	}
	defer d.registry.Unregister(req.ID)
	if d.metrics != nil {
		d.metrics.RequestsInFlight.Inc()
		defer d.metrics.RequestsInFlight.Dec()
	}

	d.run(ctx, req)
	d.observe(req, start)
	return req.Response
}

// run executes the composed chain. The translation middleware converts
// errors into replies; anything that still escapes (a chain without
// it, or a broken middleware) is converted here so the transport
// always has something to emit.
func (d *Dispatcher) run(ctx context.Context, req *transport.Request) {
	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()
	if err := handler(ctx, req); err != nil {
		req.Response.SetError(errkind.Classify(err).WithRequestID(req.ID), d.debug)
	}
	resp := req.Response
	if !resp.HasResult() && resp.Err() == nil {
		resp.SetError(
			errkind.New(errkind.Internal, "no_result", "handler produced no result").WithRequestID(req.ID),
			d.debug,
		)
	}
}

// core is the innermost pipeline handler: resolve, validate, invoke.
// The owning app's chain wraps the invocation only, so global
// middlewares observe resolution errors and app middlewares do not.
func (d *Dispatcher) core(ctx context.Context, req *transport.Request) error {
	res, err := d.router.Resolve(req)
	if err != nil {
		return err
	}
	req.Route = res.Node.Pattern()

	invoke := d.invoker(res)
	if chain := d.appChain(res.Node.Owner()); chain != nil {
		invoke = chain.Then(invoke)
	}
	return invoke(ctx, req)
}

// invoker builds the handler invocation for one resolution. Sync
// handlers run on the blocking pool with the current-request context
// slot stripped; the request travels as an argument instead.
func (d *Dispatcher) invoker(res *routetree.Resolution) pipeline.Handler {
	node := res.Node
	return func(ctx context.Context, req *transport.Request) error {
		if node.BodySchema() != nil {
			payload, err := req.Payload()
			if err != nil {
				return err
			}
			if err := node.ValidateBody(payload); err != nil {
				return err
			}
		}

		d.mu.RLock()
		timeout := d.timeout
		d.mu.RUnlock()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		h := node.Handler()
		var value any
		var err error
		if h.Sync && d.blocking != nil {
			pctx := transport.WithoutCurrent(ctx)
			value, err = d.blocking.Run(pctx, func() (any, error) {
				return h.Func(pctx, req, res.Args)
			})
		} else {
			value, err = h.Func(ctx, req, res.Args)
		}
		if err != nil {
			return err
		}
		return setResult(req.Response, value, res.Meta)
	}
}

// setResult distinguishes bare values from the Result wrapper
// structurally. Wrapper metadata merges on top of the resolution's
// node metadata.
func setResult(resp *transport.Response, value any, meta map[string]any) error {
	switch v := value.(type) {
	case *transport.Result:
		return resp.SetResult(v.Value, mergeMeta(meta, v.Meta))
	case transport.Result:
		return resp.SetResult(v.Value, mergeMeta(meta, v.Meta))
	default:
		return resp.SetResult(value, meta)
	}
}

func mergeMeta(base, override map[string]any) map[string]any {
	if len(override) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// writeFailure emits an error reply for requests that failed before a
// Response existed (factory errors, unknown transport kinds).
func (d *Dispatcher) writeFailure(w http.ResponseWriter, err error) {
	resp := transport.NewResponse("", false, "")
	resp.SetError(errkind.Classify(err), d.debug)
	if werr := resp.WriteHTTP(w); werr != nil {
		d.log.Debug("failure write failed", zap.Error(werr))
	}
}

// observe records the request metric with a bounded route label.
func (d *Dispatcher) observe(req *transport.Request, start time.Time) {
	if d.metrics == nil {
		return
	}
	route := req.Route
	if route == "" {
		route = routeUnmatched
	}
	d.metrics.ObserveRequest(string(req.Transport), route, req.Response.Status, time.Since(start))
}
