// Package listener owns the HTTP serving sockets: binding, the serve
// loops, and graceful drain on shutdown.
package listener

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Group starts and stops a set of HTTP listeners as a unit.
type Group struct {
	mu        sync.RWMutex
	listeners []*HTTP
	byName    map[string]*HTTP

	errs chan error
	log  *zap.Logger
}

// NewGroup creates an empty listener group.
func NewGroup(log *zap.Logger) *Group {
	if log == nil {
		log = zap.NewNop()
	}
	return &Group{
		byName: make(map[string]*HTTP),
		errs:   make(chan error, 1),
		log:    log,
	}
}

// Add registers l. Names must be unique within the group.
func (g *Group) Add(l *HTTP) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.byName[l.Name()]; ok {
		return fmt.Errorf("listener %s already registered", l.Name())
	}
	g.byName[l.Name()] = l
	g.listeners = append(g.listeners, l)
	return nil
}

// Get returns the listener registered under name.
func (g *Group) Get(name string) (*HTTP, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.byName[name]
	return l, ok
}

// Len returns the number of registered listeners.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.listeners)
}

// Names returns the listener names in registration order.
func (g *Group) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, len(g.listeners))
	for i, l := range g.listeners {
		names[i] = l.Name()
	}
	return names
}

// StartAll binds every listener. On failure the listeners that did bind
// keep serving; the caller is expected to StopAll.
func (g *Group) StartAll() error {
	var eg errgroup.Group
	for _, l := range g.snapshot() {
		eg.Go(func() error {
			if err := l.Start(); err != nil {
				return fmt.Errorf("listener %s: %w", l.Name(), err)
			}
			go g.watch(l)
			return nil
		})
	}
	return eg.Wait()
}

// StopAll drains every listener in parallel, honoring ctx as the drain
// deadline. All listeners are attempted; the first error wins.
func (g *Group) StopAll(ctx context.Context) error {
	var eg errgroup.Group
	for _, l := range g.snapshot() {
		eg.Go(func() error {
			if err := l.Stop(ctx); err != nil {
				return fmt.Errorf("listener %s: %w", l.Name(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Err surfaces the first serve loop failure across the group.
func (g *Group) Err() <-chan error {
	return g.errs
}

func (g *Group) snapshot() []*HTTP {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ls := make([]*HTTP, len(g.listeners))
	copy(ls, g.listeners)
	return ls
}

func (g *Group) watch(l *HTTP) {
	err := <-l.Err()
	if err == nil {
		return
	}
	g.log.Error("listener failed",
		zap.String("listener", l.Name()),
		zap.Error(err))
	select {
	case g.errs <- fmt.Errorf("listener %s: %w", l.Name(), err):
	default:
	}
}
