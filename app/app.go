// Package app is the public surface mounted applications build
// against: route and handler types, the error model, optional
// lifecycle and middleware interfaces, and the constructor registry
// the server mounts modules from.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/pipeline"
	"github.com/gantrylab/gantry/internal/routetree"
	"github.com/gantrylab/gantry/internal/transport"
)

// Core types apps declare routes and handlers with.
type (
	Request     = transport.Request
	Response    = transport.Response
	Result      = transport.Result
	Route       = routetree.Route
	ArgSpec     = routetree.ArgSpec
	ArgType     = routetree.ArgType
	BoundArgs   = routetree.BoundArgs
	HandlerFunc = routetree.HandlerFunc
	Handler     = pipeline.Handler
	Middleware  = pipeline.Middleware
	Plugin      = routetree.Plugin
	ParentRef   = routetree.ParentRef
)

// Argument coercion types for ArgSpec declarations.
const (
	ArgString  = routetree.ArgString
	ArgInt     = routetree.ArgInt
	ArgFloat   = routetree.ArgFloat
	ArgBool    = routetree.ArgBool
	ArgDecimal = routetree.ArgDecimal
	ArgAny     = routetree.ArgAny
)

// Metadata keys the router understands on Route.Meta.
const (
	MetaAuthTags     = routetree.MetaAuthTags
	MetaRequiredCaps = routetree.MetaRequiredCaps
	MetaArgSchema    = routetree.MetaArgSchema
	MetaBodySchema   = routetree.MetaBodySchema
	MetaDescription  = routetree.MetaDescription
)

// Error model. Handlers return these so the pipeline can map failures
// onto transport status codes.
type (
	Error   = errkind.Error
	ErrKind = errkind.Kind
)

// Error kinds.
const (
	ErrInternal         = errkind.Internal
	ErrNotFound         = errkind.NotFound
	ErrNotAuthenticated = errkind.NotAuthenticated
	ErrNotAuthorized    = errkind.NotAuthorized
	ErrNotAvailable     = errkind.NotAvailable
	ErrValidation       = errkind.Validation
	ErrCancelled        = errkind.Cancelled
	ErrTimeout          = errkind.Timeout
	ErrOverloaded       = errkind.Overloaded
)

// Error constructors.
var (
	NewError  = errkind.New
	Errorf    = errkind.Newf
	WrapError = errkind.Wrap
)

// App is a mountable application: a set of routes the server grafts
// under the mount name from the apps config section.
type App = routetree.RoutingInstance

// Lifecycle is an optional interface for apps that need startup and
// shutdown hooks. Startup runs in mount order during server start;
// shutdown runs in reverse during server stop.
type Lifecycle interface {
	OnStartup(ctx context.Context) error
	OnShutdown(ctx context.Context) error
}

// MiddlewareProvider is an optional interface for apps that declare an
// app-local chain, applied only to requests resolving into their
// subtree.
type MiddlewareProvider interface {
	Middlewares() []Middleware
}

// PluginProvider is an optional interface for apps that contribute
// route-tree plugins, scoped by the server to their subtree.
type PluginProvider interface {
	Plugins() []Plugin
}

// Constructor builds an app instance from its config kwargs
// (everything under apps.<name> except the module key).
type Constructor func(kwargs map[string]any) (App, error)

var (
	regMu sync.RWMutex
	ctors = make(map[string]Constructor)
)

// Register makes a constructor available under the given module name.
// It follows the database/sql driver convention: call it from init and
// it panics on a duplicate or nil registration.
func Register(module string, ctor Constructor) {
	regMu.Lock()
	defer regMu.Unlock()
	if ctor == nil {
		panic("app: Register constructor is nil")
	}
	if _, dup := ctors[module]; dup {
		panic(fmt.Sprintf("app: Register called twice for module %q", module))
	}
	ctors[module] = ctor
}

// Build constructs the app registered under module with kwargs.
func Build(module string, kwargs map[string]any) (App, error) {
	regMu.RLock()
	ctor, ok := ctors[module]
	regMu.RUnlock()
	if !ok {
		return nil, errkind.Newf(errkind.NotFound, "unknown_module",
			"no app module registered as %q", module)
	}
	a, err := ctor(kwargs)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Validation,
			fmt.Sprintf("building app module %q", module))
	}
	return a, nil
}

// Registered returns the registered module names, sorted.
func Registered() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(ctors))
	for name := range ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeKwargs maps constructor kwargs onto a typed options struct via
// a YAML round-trip, so field tags behave exactly as they would in the
// config file itself.
func DecodeKwargs[T any](kwargs map[string]any) (T, error) {
	var out T
	raw, err := yaml.Marshal(kwargs)
	if err != nil {
		return out, errkind.Wrap(err, errkind.Validation, "encoding app kwargs")
	}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return out, errkind.Wrap(err, errkind.Validation, "decoding app kwargs")
	}
	return out, nil
}
