package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Serving defaults applied when Config leaves a field zero.
const (
	defaultReadTimeout       = 30 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
)

// Config describes one HTTP serving socket.
type Config struct {
	Name              string
	Addr              string
	Handler           http.Handler
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int
	MaxConnsPerIP     int
	Logger            *zap.Logger
}

// HTTP serves a handler on one TCP address. Start binds the socket
// synchronously so address errors surface to the caller; the serve loop
// runs in the background and reports failures through Err.
type HTTP struct {
	name          string
	addr          string
	maxConnsPerIP int
	server        *http.Server
	log           *zap.Logger

	mu    sync.Mutex
	ln    net.Listener
	errCh chan error
}

// New builds an HTTP listener around cfg, filling in serving defaults
// for every zero field.
func New(cfg Config) *HTTP {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Addr
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}
	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = defaultReadHeaderTimeout
	}
	maxHeaderBytes := cfg.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = defaultMaxHeaderBytes
	}

	stdlog, _ := zap.NewStdLogAt(log, zap.WarnLevel)
	return &HTTP{
		name:          name,
		addr:          cfg.Addr,
		maxConnsPerIP: cfg.MaxConnsPerIP,
		log:           log,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           cfg.Handler,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
			ErrorLog:          stdlog,
		},
		errCh: make(chan error, 1),
	}
}

// Name returns the listener name.
func (h *HTTP) Name() string {
	return h.name
}

// Addr reports the bound address once started, otherwise the configured
// one. With a ":0" address the bound form carries the real port.
func (h *HTTP) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.addr
}

// Start binds the TCP socket and launches the serve loop. The returned
// error covers binding only; serve failures arrive on Err.
func (h *HTTP) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln != nil {
		return fmt.Errorf("listener %s already started", h.name)
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}
	h.ln = ln
	serveLn := capPerIP(ln, h.maxConnsPerIP, h.log)

	h.log.Info("http listener started",
		zap.String("listener", h.name),
		zap.String("addr", ln.Addr().String()))

	go func() {
		defer close(h.errCh)
		if err := h.server.Serve(serveLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.errCh <- err
		}
	}()
	return nil
}

// Err yields the serve loop failure, if any. The channel closes without
// a value on clean shutdown.
func (h *HTTP) Err() <-chan error {
	return h.errCh
}

// Stop refuses new connections and drains in-flight requests until ctx
// expires. Hijacked connections (WebSocket upgrades) are not waited on;
// their owners shut down separately.
func (h *HTTP) Stop(ctx context.Context) error {
	h.log.Info("http listener stopping", zap.String("listener", h.name))
	return h.server.Shutdown(ctx)
}
