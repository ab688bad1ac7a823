package routetree

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/transport"
)

// Plugin extends resolution. OnAttach runs once per attachment; Filter
// runs after the built-in filters, in registration order, and must not
// mutate request state. A non-nil Filter error denies the resolution.
type Plugin interface {
	OnAttach(node *Node)
	Filter(node *Node, req *transport.Request) error
}

// Resolution is a successful route lookup.
type Resolution struct {
	Node *Node
	Args BoundArgs
	Meta map[string]any
}

// cachedMatch is the path-only part of resolution; filters and arg
// binding depend on the request and always run fresh.
type cachedMatch struct {
	node     *Node
	pathArgs map[string]string
}

const resolveCacheSize = 1024

// Router owns the route tree. The tree is mutable during startup and
// read-only afterwards; the resolve cache is invalidated by bumping a
// generation counter on every mutation.
type Router struct {
	mu        sync.RWMutex
	root      *Node
	defaults  map[string]any
	plugins   []Plugin
	instances map[string]RoutingInstance

	generation atomic.Uint64
	cache      *lru.Cache[string, cachedMatch]
}

// NewRouter creates an empty router. defaults seed every resolution's
// merged metadata.
func NewRouter(defaults map[string]any) *Router {
	if defaults == nil {
		defaults = make(map[string]any)
	}
	cache, _ := lru.New[string, cachedMatch](resolveCacheSize)
	return &Router{
		root:      newNode(""),
		defaults:  defaults,
		instances: make(map[string]RoutingInstance),
		cache:     cache,
	}
}

// Root returns the tree root.
func (r *Router) Root() *Node {
	return r.root
}

// Defaults returns the metadata defaults.
func (r *Router) Defaults() map[string]any {
	return r.defaults
}

// Instance returns a previously attached instance by mount name.
func (r *Router) Instance(name string) (RoutingInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[name]
	return inst, ok
}

// RegisterPlugin appends a plugin; order of registration is the order
// of Filter evaluation.
func (r *Router) RegisterPlugin(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// AttachInstance grafts inst.Routes() under a new child of the root
// named name. The instance receives a weak parent reference when it
// wants one.
func (r *Router) AttachInstance(inst RoutingInstance, name string) error {
	return r.AttachInstanceAt("", inst, name)
}

// AttachInstanceAt grafts inst.Routes() under base/name. Intermediate
// base segments are created as grouping nodes; the full mount path
// becomes the instance's owner key, so nested mounts never collide
// with root-level ones.
func (r *Router) AttachInstanceAt(base string, inst RoutingInstance, name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("mount name %q must be a single path segment", name)
	}
	segs := splitPath(base)
	for _, seg := range segs {
		if strings.HasPrefix(seg, ":") {
			return fmt.Errorf("mount base %q cannot contain parameters", base)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	owner := strings.Join(append(segs, name), "/")
	if _, exists := r.instances[owner]; exists {
		return fmt.Errorf("instance %q already attached", owner)
	}

	parent := r.root
	for _, seg := range segs {
		c, err := parent.child(seg)
		if err != nil {
			return err
		}
		parent = c
	}
	if _, exists := parent.children[name]; exists {
		return fmt.Errorf("mount point %q already has a child named %q", base, name)
	}

	mount, err := parent.child(name)
	if err != nil {
		return err
	}
	mount.owner = owner

	for _, rt := range inst.Routes() {
		if err := mount.insertRoute(rt, owner); err != nil {
			return fmt.Errorf("attaching %q: %w", owner, err)
		}
	}

	r.instances[owner] = inst
	if pa, ok := inst.(ParentAware); ok {
		pa.SetParent(ParentRef{r: r, name: owner})
	}
	for _, p := range r.plugins {
		p.OnAttach(mount)
	}

	r.generation.Add(1)
	return nil
}

// AttachRoot grafts inst.Routes() directly under the tree root. System
// routes use it; they carry no owner, so no app-local chain applies.
func (r *Router) AttachRoot(inst RoutingInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range inst.Routes() {
		if err := r.root.insertRoute(rt, ""); err != nil {
			return fmt.Errorf("attaching root routes: %w", err)
		}
	}
	r.generation.Add(1)
	return nil
}

// InvalidateCache must be called by any plugin that mutates the tree
// after startup.
func (r *Router) InvalidateCache() {
	r.generation.Add(1)
}

// Resolve walks the tree for req.Path and applies the filter chain:
// capabilities, authorization, argument binding, then plugins. The
// path-to-node step is cached; filters always run against the live
// request.
func (r *Router) Resolve(req *transport.Request) (*Resolution, error) {
	match, ok := r.lookup(req.Path)
	if !ok || match.node == nil {
		return nil, errkind.ErrNotFound
	}
	node := match.node

	// 1. Capability filter.
	for _, c := range capsOf(node.meta[MetaRequiredCaps]) {
		if !req.HasCapability(c) {
			return nil, errkind.Newf(errkind.NotAvailable, "not_available", "capability %q is not available", c)
		}
	}

	// 2. Authorization filter.
	if node.compiledAuth != nil {
		allowed, err := node.compiledAuth.eval(req.AuthTags)
		if err != nil {
			return nil, errkind.Wrap(err, errkind.Internal, "auth expression failed")
		}
		if !allowed {
			if len(req.AuthTags) == 0 {
				return nil, errkind.ErrNotAuthenticated
			}
			return nil, errkind.ErrNotAuthorized
		}
	}

	// 3. Argument binding.
	args, err := bindArgs(node.handler, match.pathArgs, req)
	if err != nil {
		return nil, err
	}

	// 4. Plugin filters, registration order.
	r.mu.RLock()
	plugins := r.plugins
	r.mu.RUnlock()
	for _, p := range plugins {
		if err := p.Filter(node, req); err != nil {
			return nil, err
		}
	}

	meta := make(map[string]any, len(r.defaults)+len(node.meta))
	for k, v := range r.defaults {
		meta[k] = v
	}
	for k, v := range node.meta {
		meta[k] = v
	}

	return &Resolution{Node: node, Args: args, Meta: meta}, nil
}

// lookup returns the cached path match, computing and storing it on
// miss. Negative matches are cached too.
func (r *Router) lookup(path string) (cachedMatch, bool) {
	key := strconv.FormatUint(r.generation.Load(), 10) + "\x00" + path
	if m, ok := r.cache.Get(key); ok {
		return cloneMatch(m), true
	}

	r.mu.RLock()
	args := make(map[string]string)
	node := matchPath(r.root, splitPath(path), args)
	r.mu.RUnlock()

	m := cachedMatch{node: node, pathArgs: args}
	r.cache.Add(key, m)
	return cloneMatch(m), true
}

func cloneMatch(m cachedMatch) cachedMatch {
	if len(m.pathArgs) == 0 {
		return cachedMatch{node: m.node, pathArgs: map[string]string{}}
	}
	args := make(map[string]string, len(m.pathArgs))
	for k, v := range m.pathArgs {
		args[k] = v
	}
	return cachedMatch{node: m.node, pathArgs: args}
}

// matchPath walks the tree with backtracking. Literal children win
// over parameter children; a deeper match wins over a shallower
// index catch-all.
func matchPath(n *Node, segs []string, args map[string]string) *Node {
	if len(segs) == 0 {
		if n.handler != nil {
			return n
		}
		if idx, ok := n.children[IndexName]; ok && idx.handler != nil {
			return idx
		}
		return nil
	}

	seg := segs[0]
	if c, ok := n.children[seg]; ok {
		if res := matchPath(c, segs[1:], args); res != nil {
			return res
		}
	}
	if n.paramChild != nil {
		if res := matchPath(n.paramChild, segs[1:], args); res != nil {
			args[n.paramChild.paramName] = seg
			return res
		}
	}
	if idx, ok := n.children[IndexName]; ok && idx.handler != nil {
		return idx
	}
	return nil
}

// bindArgs coerces path and query parameters per the handler's arg
// specs. Path values not covered by a spec stay raw strings; query
// values without a spec are ignored.
func bindArgs(h *Handler, pathArgs map[string]string, req *transport.Request) (BoundArgs, error) {
	var specs []ArgSpec
	if h != nil {
		specs = h.Args
	}
	byName := make(map[string]ArgSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	args := make(BoundArgs, len(pathArgs)+len(specs))
	for name, raw := range pathArgs {
		if spec, ok := byName[name]; ok {
			v, err := coerceArg(spec, raw)
			if err != nil {
				return nil, err
			}
			args[name] = v
			continue
		}
		args[name] = raw
	}

	for _, spec := range specs {
		if _, bound := args[spec.Name]; bound {
			continue
		}
		if req.Query.Has(spec.Name) {
			v, err := coerceArg(spec, req.Query.Get(spec.Name))
			if err != nil {
				return nil, err
			}
			args[spec.Name] = v
			continue
		}
		if spec.Required {
			return nil, errkind.Newf(errkind.Validation, "missing_argument", "argument %q is required", spec.Name)
		}
		if spec.Default != nil {
			args[spec.Name] = spec.Default
		}
	}
	return args, nil
}

// capsOf normalizes the required_capabilities metadata value.
func capsOf(v any) []string {
	switch caps := v.(type) {
	case nil:
		return nil
	case []string:
		return caps
	case string:
		if caps == "" {
			return nil
		}
		return []string{caps}
	case []any:
		out := make([]string, 0, len(caps))
		for _, c := range caps {
			if s, ok := c.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ParentRef is a weak, name-based reference from an attached instance
// to its mount point.
type ParentRef struct {
	r    *Router
	name string
}

// Valid reports whether the reference points at a live mount.
func (p ParentRef) Valid() bool {
	if p.r == nil {
		return false
	}
	_, ok := p.r.Instance(p.name)
	return ok
}

// MountName returns the child name the instance was attached under.
func (p ParentRef) MountName() string { return p.name }

// LookupMeta walks upward for inherited metadata: the mount node's
// metadata first, then the router defaults.
func (p ParentRef) LookupMeta(key string) (any, bool) {
	if p.r == nil {
		return nil, false
	}
	p.r.mu.RLock()
	defer p.r.mu.RUnlock()
	mount, ok := p.r.root, true
	for _, seg := range splitPath(p.name) {
		if mount, ok = mount.children[seg]; !ok {
			break
		}
	}
	if ok {
		if v, found := mount.meta[key]; found {
			return v, true
		}
	}
	v, found := p.r.defaults[key]
	return v, found
}
