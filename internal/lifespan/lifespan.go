// Package lifespan sequences startup and shutdown across the server's
// subsystems. Hooks register in dependency order; startup runs them
// forward and stops at the first failure, shutdown unwinds the started
// prefix in reverse and keeps going past individual failures.
package lifespan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/internal/errkind"
)

// Lifecycle event names surfaced to listeners.
const (
	EventStartupComplete  = "startup.complete"
	EventStartupFailed    = "startup.failed"
	EventShutdownComplete = "shutdown.complete"
	EventShutdownFailed   = "shutdown.failed"
)

// Event is one lifecycle notification. Message carries the failure
// text on the failed variants and is empty otherwise.
type Event struct {
	Name    string
	Message string
}

// Listener receives lifecycle events synchronously on the lifecycle
// goroutine. Listeners must not call back into the manager.
type Listener func(Event)

// Hook is one subsystem's startup/shutdown pair. Either func may be
// nil when the subsystem only cares about one side.
type Hook struct {
	Name       string
	OnStartup  func(ctx context.Context) error
	OnShutdown func(ctx context.Context) error
}

type state int

const (
	stateIdle state = iota
	stateStarted
	stateFailed
	stateStopped
)

// Manager owns the hook list and the lifecycle state machine.
// Duplicate Startup or Shutdown calls are no-ops.
type Manager struct {
	log *zap.Logger

	mu        sync.Mutex
	hooks     []Hook
	listeners []Listener
	state     state
	started   int // hooks[:started] completed startup and get shutdown
	startedAt time.Time
}

// New creates an empty manager.
func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log}
}

// Register appends a hook. Hooks start in registration order and stop
// in reverse. Registration after Startup is a programming error; the
// late hook never runs.
func (m *Manager) Register(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Notify subscribes a listener to lifecycle events.
func (m *Manager) Notify(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Startup runs every hook in order. The first failure aborts the
// sequence: hooks after the failing one never start, and a later
// Shutdown unwinds only the ones that did. Repeat calls no-op.
func (m *Manager) Startup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateIdle {
		return nil
	}

	for i, h := range m.hooks {
		if h.OnStartup != nil {
			m.log.Info("startup hook", zap.String("hook", h.Name))
			if err := h.OnStartup(ctx); err != nil {
				m.state = stateFailed
				m.started = i
				m.log.Error("startup failed",
					zap.String("hook", h.Name),
					zap.Error(err))
				m.emit(Event{Name: EventStartupFailed, Message: err.Error()})
				return errkind.Wrap(err, errkind.NotStarted, "startup failed at "+h.Name)
			}
		}
		m.started = i + 1
	}

	m.state = stateStarted
	m.startedAt = time.Now()
	m.log.Info("startup complete", zap.Int("hooks", m.started))
	m.emit(Event{Name: EventStartupComplete})
	return nil
}

// Shutdown unwinds the started hooks in reverse. Hook errors are
// logged and collected, never fatal: every started hook gets its
// shutdown call. Repeat calls and shutdown-before-startup no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateStopped || (m.state == stateIdle && m.started == 0) {
		return nil
	}

	var errs []error
	var failed []string
	for i := m.started - 1; i >= 0; i-- {
		h := m.hooks[i]
		if h.OnShutdown == nil {
			continue
		}
		m.log.Info("shutdown hook", zap.String("hook", h.Name))
		if err := h.OnShutdown(ctx); err != nil {
			m.log.Error("shutdown hook failed",
				zap.String("hook", h.Name),
				zap.Error(err))
			errs = append(errs, err)
			failed = append(failed, h.Name)
		}
	}

	m.state = stateStopped
	m.started = 0
	if len(errs) > 0 {
		m.emit(Event{Name: EventShutdownFailed, Message: strings.Join(failed, ", ")})
		return errors.Join(errs...)
	}
	m.log.Info("shutdown complete")
	m.emit(Event{Name: EventShutdownComplete})
	return nil
}

// Running reports whether startup completed and shutdown has not run.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateStarted
}

// Uptime returns the time since startup completed, zero before that.
func (m *Manager) Uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startedAt.IsZero() || m.state != stateStarted {
		return 0
	}
	return time.Since(m.startedAt)
}

func (m *Manager) emit(ev Event) {
	for _, l := range m.listeners {
		l(ev)
	}
}
