package server

import (
	"fmt"
	"sync"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/pipeline"
	"github.com/gantrylab/gantry/internal/routetree"
	"github.com/gantrylab/gantry/internal/transport"
)

// PluginConstructor builds a route-tree plugin from its section of the
// plugins config.
type PluginConstructor func(params config.Params) (routetree.Plugin, error)

var (
	pluginMu    sync.RWMutex
	pluginCtors = map[string]PluginConstructor{
		"tagfilter": newTagFilter,
	}
)

// RegisterPlugin makes a constructor available to the plugins config
// section. Call from init; duplicate names panic.
func RegisterPlugin(name string, ctor PluginConstructor) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	if ctor == nil {
		panic("server: RegisterPlugin constructor is nil")
	}
	if _, dup := pluginCtors[name]; dup {
		panic(fmt.Sprintf("server: RegisterPlugin called twice for %q", name))
	}
	pluginCtors[name] = ctor
}

func buildPlugin(name string, params config.Params) (routetree.Plugin, error) {
	pluginMu.RLock()
	ctor, ok := pluginCtors[name]
	pluginMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", name)
	}
	return ctor(params)
}

// scopedPlugin confines an app-provided plugin to the subtree the app
// was mounted under.
type scopedPlugin struct {
	owner string
	inner routetree.Plugin
}

func (p scopedPlugin) OnAttach(n *routetree.Node) {
	if n.Owner() == p.owner {
		p.inner.OnAttach(n)
	}
}

func (p scopedPlugin) Filter(n *routetree.Node, req *transport.Request) error {
	if n.Owner() != p.owner {
		return nil
	}
	return p.inner.Filter(n, req)
}

// tagFilterParams configure the builtin tagfilter plugin. Routes carry
// free-form classification tags in their metadata under "tags"; the
// filter turns those into an availability switch without touching app
// code.
type tagFilterParams struct {
	// Allow restricts tagged routes to the listed tags. Untagged
	// routes always pass.
	Allow []string `yaml:"allow"`
	// Deny switches off any route carrying one of the listed tags.
	// Deny wins over allow.
	Deny []string `yaml:"deny"`
}

type tagFilter struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

func newTagFilter(params config.Params) (routetree.Plugin, error) {
	var p tagFilterParams
	if err := pipeline.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	f := &tagFilter{
		allow: make(map[string]struct{}, len(p.Allow)),
		deny:  make(map[string]struct{}, len(p.Deny)),
	}
	for _, t := range p.Allow {
		f.allow[t] = struct{}{}
	}
	for _, t := range p.Deny {
		f.deny[t] = struct{}{}
	}
	return f, nil
}

func (f *tagFilter) OnAttach(*routetree.Node) {}

func (f *tagFilter) Filter(n *routetree.Node, req *transport.Request) error {
	tags := stringsOf(n.Meta()["tags"])
	if len(tags) == 0 {
		return nil
	}
	for _, t := range tags {
		if _, denied := f.deny[t]; denied {
			return errkind.Newf(errkind.NotAvailable, "route_disabled", "route tag %q is disabled", t)
		}
	}
	if len(f.allow) == 0 {
		return nil
	}
	for _, t := range tags {
		if _, ok := f.allow[t]; ok {
			return nil
		}
	}
	return errkind.New(errkind.NotAvailable, "route_disabled", "route tags are not enabled")
}
