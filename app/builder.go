package app

import (
	"context"
	"errors"
)

// Builder assembles an App from route declarations and optional hooks.
// It satisfies App, Lifecycle, MiddlewareProvider and PluginProvider,
// so a constructor can return it directly.
type Builder struct {
	name        string
	routes      []Route
	middlewares []Middleware
	plugins     []Plugin
	startup     []func(context.Context) error
	shutdown    []func(context.Context) error
	parent      ParentRef
}

// New starts a builder for an app. The name labels logs and lifecycle
// events; the mount path comes from the apps config key.
func New(name string) *Builder {
	return &Builder{name: name}
}

// Name returns the app name.
func (b *Builder) Name() string {
	return b.name
}

// Route adds a full route declaration.
func (b *Builder) Route(r Route) *Builder {
	b.routes = append(b.routes, r)
	return b
}

// Handle adds a plain route: path and handler, no args or metadata.
func (b *Builder) Handle(path string, h HandlerFunc) *Builder {
	b.routes = append(b.routes, Route{Path: path, Handler: h})
	return b
}

// Use appends middlewares to the app-local chain.
func (b *Builder) Use(mws ...Middleware) *Builder {
	b.middlewares = append(b.middlewares, mws...)
	return b
}

// WithPlugins appends route-tree plugins scoped to this app's subtree.
func (b *Builder) WithPlugins(ps ...Plugin) *Builder {
	b.plugins = append(b.plugins, ps...)
	return b
}

// WithStartup appends a startup hook. Hooks run in registration order;
// the first failure aborts the app's startup.
func (b *Builder) WithStartup(fn func(ctx context.Context) error) *Builder {
	b.startup = append(b.startup, fn)
	return b
}

// WithShutdown appends a shutdown hook. Hooks run in reverse
// registration order; every hook runs even if an earlier one fails.
func (b *Builder) WithShutdown(fn func(ctx context.Context) error) *Builder {
	b.shutdown = append(b.shutdown, fn)
	return b
}

// Routes implements App.
func (b *Builder) Routes() []Route {
	return b.routes
}

// Middlewares implements MiddlewareProvider.
func (b *Builder) Middlewares() []Middleware {
	return b.middlewares
}

// Plugins implements PluginProvider.
func (b *Builder) Plugins() []Plugin {
	return b.plugins
}

// OnStartup implements Lifecycle.
func (b *Builder) OnStartup(ctx context.Context) error {
	for _, fn := range b.startup {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// OnShutdown implements Lifecycle.
func (b *Builder) OnShutdown(ctx context.Context) error {
	var errs []error
	for i := len(b.shutdown) - 1; i >= 0; i-- {
		if err := b.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetParent stores the mount back-reference the router hands out on
// attach.
func (b *Builder) SetParent(ref ParentRef) {
	b.parent = ref
}

// Parent returns the mount back-reference; the zero ParentRef before
// the app is attached.
func (b *Builder) Parent() ParentRef {
	return b.parent
}
