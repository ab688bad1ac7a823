package transport

import (
	"context"
	"sync"

	"github.com/gantrylab/gantry/internal/errkind"
)

type contextKey struct{}

// WithCurrent installs req as the context's current request.
func WithCurrent(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, contextKey{}, req)
}

// Current retrieves the current request from ctx. Pool workers never
// see it; code running there receives its data as arguments.
func Current(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(contextKey{}).(*Request)
	return req, ok
}

// WithoutCurrent shadows the current-request slot. Contexts handed to
// pool workers go through this so the slot never crosses the pool
// boundary.
func WithoutCurrent(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, nil)
}

// Result lets a handler return a value together with response metadata
// such as media_type or cache_seconds. Plain return values carry no
// metadata.
type Result struct {
	Value any
	Meta  map[string]any
}

// Factory constructs a Request from a transport-specific source
// (*HTTPSource or *WSSource).
type Factory func(src any) (*Request, error)

// Registry tracks in-flight requests by id and owns the current-request
// context slot. Every Create is paired with exactly one Unregister.
type Registry struct {
	mu        sync.RWMutex
	inflight  map[string]*Request
	factories map[Kind]Factory
}

// NewRegistry creates a registry with the HTTP and WS factories
// installed.
func NewRegistry() *Registry {
	r := &Registry{
		inflight:  make(map[string]*Request),
		factories: make(map[Kind]Factory),
	}
	r.RegisterFactory(KindHTTP, func(src any) (*Request, error) {
		hs, ok := src.(*HTTPSource)
		if !ok {
			return nil, errkind.New(errkind.Protocol, "bad_source", "http factory needs *HTTPSource")
		}
		return NewHTTPRequest(hs), nil
	})
	r.RegisterFactory(KindWSMsg, func(src any) (*Request, error) {
		ws, ok := src.(*WSSource)
		if !ok {
			return nil, errkind.New(errkind.Protocol, "bad_source", "ws factory needs *WSSource")
		}
		return NewWSRequest(ws), nil
	})
	return r
}

// RegisterFactory installs a factory for a transport kind.
func (r *Registry) RegisterFactory(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Create resolves the factory for kind, constructs the Request, stores
// it, and installs it into the returned context. An unknown kind is a
// protocol error; the dispatcher treats it as fatal for the transport.
func (r *Registry) Create(ctx context.Context, kind Kind, src any) (*Request, context.Context, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, ctx, errkind.New(errkind.Protocol, "unknown_transport", "no factory for transport kind "+string(kind))
	}

	req, err := f(src)
	if err != nil {
		return nil, ctx, err
	}

	r.mu.Lock()
	r.inflight[req.ID] = req
	r.mu.Unlock()

	ctx = WithCurrent(ctx, req)
	req.WithContext(ctx)
	return req, ctx, nil
}

// Unregister removes a request from the in-flight set.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}

// Get returns the in-flight request with the given id.
func (r *Registry) Get(id string) (*Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.inflight[id]
	return req, ok
}

// Len reports the number of in-flight requests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inflight)
}
