// Package server is the composition root: it builds the router,
// pipeline, pools, bus, page registry, and WebSocket hub from one
// Config, mounts the configured apps, and owns the process lifecycle
// from listener bind to graceful drain.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gantrylab/gantry/app"
	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/bus"
	"github.com/gantrylab/gantry/internal/dispatch"
	"github.com/gantrylab/gantry/internal/execpool"
	"github.com/gantrylab/gantry/internal/lifespan"
	"github.com/gantrylab/gantry/internal/listener"
	"github.com/gantrylab/gantry/internal/logging"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/internal/pages"
	"github.com/gantrylab/gantry/internal/pipeline"
	"github.com/gantrylab/gantry/internal/routetree"
	"github.com/gantrylab/gantry/internal/session"
	"github.com/gantrylab/gantry/internal/transport"
	"github.com/gantrylab/gantry/internal/wsproto"
)

// ErrInterrupted reports that Run stopped because of SIGINT or
// SIGTERM after a clean shutdown. main maps it to exit code 130.
var ErrInterrupted = errors.New("interrupted by signal")

// mountedApp pairs a mount name with its built instance, in mount
// order.
type mountedApp struct {
	name string
	app  app.App
}

// Server wires every subsystem together and serves them on one
// listener. It is also the root RoutingInstance contributing the
// reserved system routes.
type Server struct {
	configPath string
	metrics    *metrics.Metrics
	caps       []string
	startTime  time.Time

	registry   *transport.Registry
	router     *routetree.Router
	dispatcher *dispatch.Dispatcher
	blocking   *execpool.BlockingPool
	cpu        *execpool.CPUPool
	tasks      *execpool.TaskManager
	pagesReg   *pages.Registry
	sticky     *pages.StickyRouter
	hub        *wsproto.Hub
	bus        bus.Bus
	sessions   session.Store
	auth       *pipeline.AuthJWT
	rdb        *redis.Client
	lifespan   *lifespan.Manager
	listeners  *listener.Group
	watcher    *config.Watcher

	mounts []mountedApp

	mu            sync.RWMutex
	cfg           *config.Config
	reloadHistory []ReloadResult
}

// New assembles a server from cfg. configPath is kept for reload; pass
// "" to disable file-based reloading.
func New(cfg *config.Config, configPath string) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		metrics:    metrics.New(),
		startTime:  time.Now(),
		registry:   transport.NewRegistry(),
		router:     routetree.NewRouter(nil),
		lifespan:   lifespan.New(logging.Global().Named("lifespan")),
	}

	if err := s.initRedis(); err != nil {
		return nil, err
	}
	if err := s.initAuth(); err != nil {
		return nil, err
	}
	if err := s.initSessions(); err != nil {
		return nil, err
	}
	s.caps = capabilities(cfg, s.auth, s.rdb, s.sessions)

	s.initPools()
	if err := s.initBus(); err != nil {
		return nil, err
	}
	s.initPages()

	chain, err := pipeline.FromConfig(cfg, s.chainDeps())
	if err != nil {
		return nil, fmt.Errorf("middleware: %w", err)
	}
	s.dispatcher = dispatch.New(dispatch.Options{
		Registry:       s.registry,
		Router:         s.router,
		Blocking:       s.blocking,
		Chain:          chain,
		Limits:         limitsOf(cfg),
		RequestTimeout: cfg.Limits.RequestTimeout,
		Caps:           s.caps,
		Metrics:        s.metrics,
		Logger:         logging.Global().Named("dispatch"),
		Debug:          cfg.Server.Debug,
	})

	s.hub = wsproto.NewHub(wsproto.Options{
		Config:     cfg.WS,
		Registry:   s.pagesReg,
		Sticky:     s.sticky,
		Dispatcher: s.dispatcher,
		Bus:        s.bus,
		Auth:       s.auth,
		Caps:       s.caps,
		Metrics:    s.metrics,
		Logger:     logging.Global().Named("ws"),
		Debug:      cfg.Server.Debug,
	})

	s.registerHooks()
	s.registerGauges()

	if err := s.router.AttachRoot(s); err != nil {
		return nil, fmt.Errorf("system routes: %w", err)
	}
	if err := s.registerConfigPlugins(); err != nil {
		return nil, err
	}
	if err := s.mountApps(); err != nil {
		return nil, err
	}

	if err := s.initListeners(); err != nil {
		return nil, err
	}
	if err := s.initWatcher(); err != nil {
		return nil, err
	}
	return s, nil
}

// config returns the live configuration. Reload swaps the pointer;
// readers must not hold it across requests.
func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Config returns the live configuration.
func (s *Server) Config() *config.Config { return s.config() }

// Router returns the route tree.
func (s *Server) Router() *routetree.Router { return s.router }

// Dispatcher returns the shared dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Tasks returns the background task manager.
func (s *Server) Tasks() *execpool.TaskManager { return s.tasks }

// CPU returns the CPU-bound work pool.
func (s *Server) CPU() *execpool.CPUPool { return s.cpu }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *wsproto.Hub { return s.hub }

// Bus returns the fan-out bus.
func (s *Server) Bus() bus.Bus { return s.bus }

// Lifespan returns the lifecycle manager, mainly so callers can
// subscribe to startup and shutdown events.
func (s *Server) Lifespan() *lifespan.Manager { return s.lifespan }

// Listeners returns the listener group.
func (s *Server) Listeners() *listener.Group { return s.listeners }

// Uptime reports how long ago the server was constructed.
func (s *Server) Uptime() time.Duration { return time.Since(s.startTime) }

func (s *Server) initRedis() error {
	cfg := s.config()
	needed := cfg.Bus.Driver == "redis" || cfg.Session.Store == "redis"
	if cfg.Redis.Addr == "" {
		if needed {
			return fmt.Errorf("redis.addr is required for bus driver %q / session store %q",
				cfg.Bus.Driver, cfg.Session.Store)
		}
		return nil
	}
	s.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return nil
}

func (s *Server) initAuth() error {
	jwtCfg := s.config().Auth.JWT
	if jwtCfg.Secret == "" && jwtCfg.PublicKeyFile == "" {
		return nil
	}
	auth, err := pipeline.NewAuthJWT(jwtCfg)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	s.auth = auth
	return nil
}

func (s *Server) initSessions() error {
	cfg := s.config()
	switch cfg.Session.Store {
	case "", "memory":
		s.sessions = session.NewMemoryStore(0, cfg.Session.TTL)
	case "redis":
		s.sessions = session.NewRedisStore(s.rdb, "")
	case "none":
		s.sessions = nil
	default:
		return fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}
	return nil
}

func (s *Server) initPools() {
	ec := s.config().Execution
	tc := s.config().Tasks
	s.blocking = execpool.NewBlockingPool(ec.Threads, ec.QueueDepth, ec.BlockOnFull, ec.TaskTimeout)
	s.cpu = execpool.NewCPUPool(ec.Processes, ec.QueueDepth, ec.BlockOnFull, nil)
	s.tasks = execpool.NewTaskManager(tc.MaxWorkers, tc.QueueDepth, tc.KeepFinished)
}

func (s *Server) initBus() error {
	b, err := bus.New(s.config().Bus, s.rdb, logging.Global().Named("bus"), s.metrics)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	s.bus = b
	return nil
}

func (s *Server) initPages() {
	pc := s.config().Pages
	s.pagesReg = pages.NewRegistry(pc.IdleTTL, pc.SweepInterval, logging.Global().Named("pages"))
	s.sticky = pages.NewStickyRouter(pc.Workers, pc.WorkerIndex, s.metrics)
}

func (s *Server) chainDeps() pipeline.Deps {
	return pipeline.Deps{
		Logger:   logging.Global().Named("http"),
		Metrics:  s.metrics,
		Sessions: s.sessions,
		Auth:     s.auth,
	}
}

// registerHooks orders the lifecycle: infrastructure first, apps last,
// so shutdown unwinds apps before the subsystems they depend on.
func (s *Server) registerHooks() {
	s.lifespan.Register(lifespan.Hook{
		Name: "blocking_pool",
		OnStartup: func(context.Context) error {
			s.blocking.Start()
			return nil
		},
		OnShutdown: func(context.Context) error {
			s.blocking.Stop(false)
			return nil
		},
	})
	s.lifespan.Register(lifespan.Hook{
		Name: "cpu_pool",
		OnStartup: func(context.Context) error {
			s.cpu.Start()
			return nil
		},
		OnShutdown: func(context.Context) error {
			s.cpu.Stop(false)
			return nil
		},
	})
	s.lifespan.Register(lifespan.Hook{
		Name: "task_manager",
		OnStartup: func(context.Context) error {
			s.tasks.Start()
			return nil
		},
		OnShutdown: func(context.Context) error {
			s.tasks.Stop(true)
			return nil
		},
	})
	s.lifespan.Register(lifespan.Hook{
		Name: "bus",
		OnShutdown: func(ctx context.Context) error {
			return s.bus.Close(ctx)
		},
	})
	s.lifespan.Register(lifespan.Hook{
		Name: "pages",
		OnStartup: func(context.Context) error {
			s.pagesReg.Start()
			return nil
		},
		OnShutdown: func(context.Context) error {
			s.pagesReg.Stop()
			return nil
		},
	})
	s.lifespan.Register(lifespan.Hook{
		Name: "ws_hub",
		OnStartup: func(context.Context) error {
			return s.hub.Start()
		},
		OnShutdown: func(ctx context.Context) error {
			return s.hub.Shutdown(ctx)
		},
	})
}

func (s *Server) registerGauges() {
	s.metrics.GaugeFunc("blocking_queue_depth",
		"Tasks waiting in the blocking pool queue.",
		func() float64 { return float64(s.blocking.Stats().QueueLen) })
	s.metrics.GaugeFunc("cpu_queue_depth",
		"Tasks waiting in the CPU pool queue.",
		func() float64 { return float64(s.cpu.Stats().QueueLen) })
	s.metrics.GaugeFunc("tasks_tracked",
		"Background tasks currently tracked by the task manager.",
		func() float64 { return float64(s.tasks.Len()) })
	s.metrics.GaugeFunc("pages_live",
		"Pages registered on this worker.",
		func() float64 { return float64(s.pagesReg.Len()) })
	s.metrics.GaugeFunc("requests_registered",
		"Requests currently tracked in the transport registry.",
		func() float64 { return float64(s.registry.Len()) })
}

// registerConfigPlugins builds the plugins config section through the
// plugin constructor registry. Registration happens before any app is
// attached, so every plugin sees every mount.
func (s *Server) registerConfigPlugins() error {
	plugins := s.config().Plugins
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := buildPlugin(name, plugins[name])
		if err != nil {
			return fmt.Errorf("plugin %q: %w", name, err)
		}
		s.router.RegisterPlugin(p)
		logging.Info("plugin registered", zap.String("plugin", name))
	}
	return nil
}

// mountApps builds and attaches the configured apps and sys_apps,
// alphabetically so the mount order is stable across restarts.
func (s *Server) mountApps() error {
	cfg := s.config()

	for _, name := range sortedKeys(cfg.Apps) {
		if err := s.mount(name, cfg.Apps[name], ""); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(cfg.SysApps) {
		if err := s.mount(name, cfg.SysApps[name], "_server"); err != nil {
			return err
		}
	}
	return nil
}

// mount builds one app and grafts it at base/name. Optional interfaces
// hook it into the lifecycle, the pipeline, and the route tree filters.
func (s *Server) mount(name string, ac config.AppConfig, base string) error {
	if ac.Module == "" {
		return fmt.Errorf("app %q: missing module", name)
	}
	inst, err := app.Build(ac.Module, ac.Kwargs)
	if err != nil {
		return fmt.Errorf("app %q: %w", name, err)
	}

	owner := name
	if base != "" {
		owner = base + "/" + name
	}

	// App plugins register before attachment so OnAttach sees the
	// app's own mount; scoping keeps them off foreign subtrees.
	if pp, ok := inst.(app.PluginProvider); ok {
		for _, p := range pp.Plugins() {
			s.router.RegisterPlugin(scopedPlugin{owner: owner, inner: p})
		}
	}

	if base == "" {
		err = s.router.AttachInstance(inst, name)
	} else {
		err = s.router.AttachInstanceAt(base, inst, name)
	}
	if err != nil {
		return fmt.Errorf("app %q: %w", name, err)
	}

	if mp, ok := inst.(app.MiddlewareProvider); ok {
		s.dispatcher.MountChain(owner, pipeline.NewChain(mp.Middlewares()...))
	}
	if lc, ok := inst.(app.Lifecycle); ok {
		s.lifespan.Register(lifespan.Hook{
			Name:       "app:" + owner,
			OnStartup:  lc.OnStartup,
			OnShutdown: lc.OnShutdown,
		})
	}

	s.mounts = append(s.mounts, mountedApp{name: owner, app: inst})
	logging.Info("app mounted",
		zap.String("app", owner),
		zap.String("module", ac.Module))
	return nil
}

// mountNames returns the mount paths in mount order.
func (s *Server) mountNames() []string {
	names := make([]string, len(s.mounts))
	for i, m := range s.mounts {
		names[i] = m.name
	}
	return names
}

func (s *Server) initListeners() error {
	cfg := s.config()
	s.listeners = listener.NewGroup(logging.Global().Named("listener"))
	return s.listeners.Add(listener.New(listener.Config{
		Name:          "main",
		Addr:          cfg.Server.Addr(),
		Handler:       s.Handler(),
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		MaxConnsPerIP: cfg.Limits.MaxConnectionsPerIP,
		Logger:        logging.Global().Named("listener"),
	}))
}

func (s *Server) initWatcher() error {
	cfg := s.config()
	if !cfg.Server.Reload || s.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	w.OnChange(func(next *config.Config) {
		res := s.applyConfig(next)
		if res.Success {
			logging.Info("config reloaded from file",
				zap.Strings("changes", res.Changes))
		} else {
			logging.Error("config reload failed",
				zap.String("error", res.Error))
		}
	})
	s.watcher = w
	return nil
}

// Handler returns the root HTTP handler: the metrics endpoint and the
// WebSocket upgrade path are split off before the dispatcher sees the
// request.
func (s *Server) Handler() http.Handler {
	cfg := s.config()
	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(metricsPath(cfg), s.metrics.Handler())
	}
	mux.Handle(wsPath(cfg), s.hub)
	mux.Handle("/", s.dispatcher)
	return mux
}

// Start runs the lifecycle hooks and binds the listeners. On a bind
// failure the started hooks unwind before the error returns.
func (s *Server) Start(ctx context.Context) error {
	if err := s.lifespan.Startup(ctx); err != nil {
		return err
	}
	if err := s.listeners.StartAll(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		if serr := s.listeners.StopAll(stopCtx); serr != nil {
			logging.Error("listener unwind failed", zap.Error(serr))
		}
		if serr := s.lifespan.Shutdown(stopCtx); serr != nil {
			logging.Error("lifecycle unwind failed", zap.Error(serr))
		}
		return err
	}
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			logging.Warn("config watcher failed to start", zap.Error(err))
		}
	}

	addr := s.config().Server.Addr()
	if l, ok := s.listeners.Get("main"); ok {
		addr = l.Addr()
	}
	logging.Info("server started",
		zap.String("addr", addr),
		zap.Strings("apps", s.mountNames()),
		zap.Strings("capabilities", s.caps),
		zap.Bool("reload", s.watcher != nil))
	return nil
}

// Run starts the server and blocks until ctx is cancelled, a listener
// fails, or a signal arrives. SIGHUP reloads the config; SIGINT and
// SIGTERM shut down gracefully and surface ErrInterrupted.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(quit)

	for {
		select {
		case <-ctx.Done():
			return s.shutdownWithTimeout()

		case err := <-s.listeners.Err():
			logging.Error("listener failed, shutting down", zap.Error(err))
			if serr := s.shutdownWithTimeout(); serr != nil {
				logging.Error("shutdown after listener failure", zap.Error(serr))
			}
			return err

		case sig := <-quit:
			if sig == syscall.SIGHUP {
				res := s.Reload()
				if res.Success {
					logging.Info("config reloaded",
						zap.Strings("changes", res.Changes))
				} else {
					logging.Error("config reload failed",
						zap.String("error", res.Error))
				}
				continue
			}
			logging.Info("shutting down", zap.String("signal", sig.String()))
			if err := s.shutdownWithTimeout(); err != nil {
				return err
			}
			return ErrInterrupted
		}
	}
}

// Shutdown drains the listeners, unwinds the lifecycle hooks in
// reverse, and releases shared clients. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			logging.Warn("config watcher stop", zap.Error(err))
		}
	}

	var errs []error
	if err := s.listeners.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.lifespan.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
		s.rdb = nil
	}

	if len(errs) == 0 {
		logging.Info("server shutdown complete")
	}
	return errors.Join(errs...)
}

func (s *Server) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) shutdownTimeout() time.Duration {
	if t := s.config().Server.ShutdownTimeout; t > 0 {
		return t
	}
	return 15 * time.Second
}

// capabilities derives the environment capability identifiers routes
// can demand through required_capabilities metadata.
func capabilities(cfg *config.Config, auth *pipeline.AuthJWT, rdb *redis.Client, sessions session.Store) []string {
	caps := []string{"has_bus", "has_pages", "has_tasks"}
	if auth != nil {
		caps = append(caps, "has_jwt")
	}
	if rdb != nil {
		caps = append(caps, "has_redis")
	}
	if sessions != nil {
		caps = append(caps, "has_sessions")
	}
	if cfg.Metrics.Enabled {
		caps = append(caps, "has_metrics")
	}
	if cfg.Resources.Dir != "" {
		caps = append(caps, "has_resources")
	}
	sort.Strings(caps)
	return caps
}

func limitsOf(cfg *config.Config) transport.Limits {
	return transport.Limits{
		MaxBodyBytes:    cfg.Limits.MaxBodyBytes,
		BodyReadTimeout: cfg.Limits.BodyReadTimeout,
	}
}

func metricsPath(cfg *config.Config) string {
	if cfg.Metrics.Path != "" {
		return cfg.Metrics.Path
	}
	return "/metrics"
}

func wsPath(cfg *config.Config) string {
	if cfg.WS.Path != "" {
		return cfg.WS.Path
	}
	return "/_ws"
}

func sortedKeys(m map[string]config.AppConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
