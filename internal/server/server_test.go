package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/app"
	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/logging"
	"github.com/gantrylab/gantry/internal/pipeline"
	"github.com/gantrylab/gantry/internal/routetree"
	"github.com/gantrylab/gantry/internal/transport"
)

func TestMain(m *testing.M) {
	logging.SetGlobal(zap.NewNop())
	os.Exit(m.Run())
}

// shopApp exercises every optional app interface: lifecycle hooks, an
// app-local middleware, and a route-tree plugin.
type shopApp struct {
	startups  atomic.Int32
	shutdowns atomic.Int32
	plugin    *hiddenFilter
}

var lastShop *shopApp

func init() {
	app.Register("shoptest", func(kwargs map[string]any) (app.App, error) {
		a := &shopApp{plugin: &hiddenFilter{}}
		lastShop = a
		return a, nil
	})
	app.Register("audittest", func(kwargs map[string]any) (app.App, error) {
		return &auditApp{}, nil
	})
}

func (a *shopApp) Routes() []routetree.Route {
	return []routetree.Route{
		{Path: "products", Handler: a.listProducts},
		{
			Path:    "products/:id",
			Handler: a.getProduct,
			Args:    []routetree.ArgSpec{{Name: "id", Type: routetree.ArgInt, Required: true}},
		},
		{Path: "checkout", Handler: a.checkout, Sync: true},
		{
			Path:    "admin/report",
			Handler: a.report,
			Meta:    map[string]any{routetree.MetaAuthTags: "admin"},
		},
		{
			Path:    "legacy",
			Handler: a.listProducts,
			Meta:    map[string]any{"tags": []string{"beta"}},
		},
		{
			Path:    "vault",
			Handler: a.listProducts,
			Meta:    map[string]any{"hidden": true},
		},
	}
}

func (a *shopApp) OnStartup(ctx context.Context) error {
	a.startups.Add(1)
	return nil
}

func (a *shopApp) OnShutdown(ctx context.Context) error {
	a.shutdowns.Add(1)
	return nil
}

func (a *shopApp) Middlewares() []app.Middleware {
	return []app.Middleware{
		pipeline.Named("shop_mark", 500, func(next app.Handler) app.Handler {
			return func(ctx context.Context, req *transport.Request) error {
				req.Response.SetHeader("X-Shop-MW", "1")
				return next(ctx, req)
			}
		}),
	}
}

func (a *shopApp) Plugins() []app.Plugin {
	return []app.Plugin{a.plugin}
}

func (a *shopApp) listProducts(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	return map[string]any{"products": []any{"anvil", "rope"}}, nil
}

func (a *shopApp) getProduct(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	return map[string]any{"id": args["id"]}, nil
}

func (a *shopApp) checkout(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	return map[string]any{"order": "ok"}, nil
}

func (a *shopApp) report(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	return map[string]any{"revenue": 42}, nil
}

// hiddenFilter denies routes carrying hidden metadata and counts the
// mounts it was attached to.
type hiddenFilter struct {
	attached atomic.Int32
}

func (p *hiddenFilter) OnAttach(n *routetree.Node) {
	p.attached.Add(1)
}

func (p *hiddenFilter) Filter(n *routetree.Node, req *transport.Request) error {
	if hidden, _ := n.Meta()["hidden"].(bool); hidden {
		return errkind.New(errkind.NotAvailable, "route_hidden", "route is hidden")
	}
	return nil
}

// auditApp is a minimal sys_app mounted under _server.
type auditApp struct{}

func (a *auditApp) Routes() []routetree.Route {
	return []routetree.Route{
		{Path: "log", Handler: a.log},
	}
}

func (a *auditApp) log(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	return map[string]any{"entries": []any{}}, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Auth.JWT.Secret = "test-signing-secret"
	cfg.Apps = map[string]config.AppConfig{
		"shop": {Module: "shoptest"},
	}
	return cfg
}

// startServer builds a server and runs its lifecycle without binding
// sockets; requests go through Handler directly.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Lifespan().Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return s
}

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func get(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, s, http.MethodGet, path, "", header)
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("body is not a JSON object: %v (body %q)", err, w.Body.String())
	}
	return v
}

func mintToken(t *testing.T, cfg *config.Config, tags ...string) string {
	t.Helper()
	auth, err := pipeline.NewAuthJWT(cfg.Auth.JWT)
	if err != nil {
		t.Fatalf("NewAuthJWT failed: %v", err)
	}
	token, _, err := auth.Mint("test-admin", tags, nil)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestServerMountsAppsAndServes(t *testing.T) {
	s := startServer(t, testConfig())

	w := get(t, s, "/shop/products", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
	if _, ok := decodeJSON(t, w)["products"]; !ok {
		t.Errorf("body = %q, want products key", w.Body.String())
	}

	w = get(t, s, "/shop/products/7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if id := decodeJSON(t, w)["id"]; id != float64(7) {
		t.Errorf("id = %v, want 7", id)
	}

	w = get(t, s, "/no/such/route", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unmatched path status = %d, want 404", w.Code)
	}
}

func TestRootIndexRedirectsToMainApp(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MainApp = "shop"
	s := startServer(t, cfg)

	w := get(t, s, "/", nil)
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/shop/" {
		t.Errorf("Location = %q, want /shop/", loc)
	}
}

func TestRootIndexLandingWithoutMainApp(t *testing.T) {
	s := startServer(t, testConfig())

	w := get(t, s, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if !strings.Contains(w.Body.String(), "/shop/") {
		t.Errorf("landing page does not list the shop mount: %q", w.Body.String())
	}
}

func TestSyncHandlerRunsOnBlockingPool(t *testing.T) {
	s := startServer(t, testConfig())

	w := get(t, s, "/shop/checkout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
	if decodeJSON(t, w)["order"] != "ok" {
		t.Errorf("body = %q, want order ok", w.Body.String())
	}
}

func TestSyncHandlerBeforeStartupIsUnavailable(t *testing.T) {
	s, err := New(testConfig(), "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	w := get(t, s, "/shop/checkout", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 before lifecycle startup", w.Code)
	}
}

func TestAppLifecycleHooks(t *testing.T) {
	s := startServer(t, testConfig())
	shop := lastShop

	if n := shop.startups.Load(); n != 1 {
		t.Fatalf("startups = %d, want 1", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n := shop.shutdowns.Load(); n != 1 {
		t.Fatalf("shutdowns = %d, want 1", n)
	}
}

func TestAppMiddlewareScopedToMount(t *testing.T) {
	s := startServer(t, testConfig())

	w := get(t, s, "/shop/products", nil)
	if got := w.Header().Get("X-Shop-MW"); got != "1" {
		t.Errorf("X-Shop-MW = %q on app route, want 1", got)
	}

	w = get(t, s, "/_server/_status", nil)
	if got := w.Header().Get("X-Shop-MW"); got != "" {
		t.Errorf("X-Shop-MW = %q on system route, want empty", got)
	}
}

func TestAppPluginScopedToMount(t *testing.T) {
	cfg := testConfig()
	cfg.SysApps = map[string]config.AppConfig{
		"audit": {Module: "audittest"},
	}
	s := startServer(t, cfg)
	shop := lastShop

	w := get(t, s, "/shop/vault", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("hidden route status = %d, want 503", w.Code)
	}
	if code := decodeJSON(t, w)["error"]; code != "route_hidden" {
		t.Errorf("error = %v, want route_hidden", code)
	}

	w = get(t, s, "/_server/audit/log", nil)
	if w.Code != http.StatusOK {
		t.Errorf("sys_app route status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}

	if n := shop.plugin.attached.Load(); n != 1 {
		t.Errorf("plugin attached to %d mounts, want its own only", n)
	}
}

func TestConfigPluginTagFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = map[string]config.Params{
		"tagfilter": {"deny": []any{"beta"}},
	}
	s := startServer(t, cfg)

	w := get(t, s, "/shop/legacy", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("denied tag status = %d, want 503", w.Code)
	}

	w = get(t, s, "/shop/products", nil)
	if w.Code != http.StatusOK {
		t.Errorf("untagged route status = %d, want 200", w.Code)
	}
}

func TestUnknownConfigPluginFails(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins = map[string]config.Params{"nosuch": {}}

	if _, err := New(cfg, ""); err == nil {
		t.Fatal("New accepted an unknown plugin")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := startServer(t, testConfig())

	w := get(t, s, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "gantry_pages_live") {
		t.Errorf("metrics output missing gantry_pages_live")
	}
}

func TestWSPathIsWiredToHub(t *testing.T) {
	s := startServer(t, testConfig())

	// A plain GET is not a WebSocket handshake; the upgrader rejects
	// it, which proves the path reaches the hub and not the router.
	w := get(t, s, "/_ws", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a non-upgrade request", w.Code)
	}
}

func TestRedisDriverRequiresAddr(t *testing.T) {
	cfg := testConfig()
	cfg.Bus.Driver = "redis"
	cfg.Redis.Addr = ""

	if _, err := New(cfg, ""); err == nil {
		t.Fatal("New accepted a redis bus without redis.addr")
	}
}

func TestUnknownAppModuleFails(t *testing.T) {
	cfg := testConfig()
	cfg.Apps = map[string]config.AppConfig{
		"ghost": {Module: "nosuchmodule"},
	}

	if _, err := New(cfg, ""); err == nil {
		t.Fatal("New accepted an unknown app module")
	}
}

func TestApplyConfigHotSwapsMiddlewareAndMainApp(t *testing.T) {
	cfg := testConfig()
	s := startServer(t, cfg)

	next := testConfig()
	next.Server.MainApp = "shop"
	next.Limits.MaxBodyBytes = 16
	// Structural edit that must be skipped, not applied.
	next.Apps = map[string]config.AppConfig{
		"shop":  {Module: "shoptest"},
		"extra": {Module: "shoptest"},
	}

	res := s.applyConfig(next)
	if !res.Success {
		t.Fatalf("applyConfig failed: %s", res.Error)
	}
	if !contains(res.Changes, "middleware") || !contains(res.Changes, "server.main_app") {
		t.Errorf("changes = %v, want middleware and server.main_app", res.Changes)
	}
	if !contains(res.Skipped, "apps") {
		t.Errorf("skipped = %v, want apps", res.Skipped)
	}

	w := do(t, s, http.MethodPost, "/shop/products", strings.Repeat("x", 64), nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413 after reload", w.Code)
	}

	w = get(t, s, "/", nil)
	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("root status = %d, want 307 after main_app reload", w.Code)
	}

	// The extra app was skipped, so its mount must not resolve.
	w = get(t, s, "/extra/products", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("skipped app mount resolves: status = %d, want 404", w.Code)
	}
}

func TestReloadWithoutConfigPath(t *testing.T) {
	s := startServer(t, testConfig())

	res := s.Reload()
	if res.Success {
		t.Fatal("Reload succeeded without a config path")
	}
	if res.Error == "" {
		t.Error("Reload error is empty")
	}

	status := decodeJSON(t, get(t, s, "/_server/_status", nil))
	if _, ok := status["last_reload"]; !ok {
		t.Errorf("status is missing last_reload after a reload attempt")
	}
}

func contains(in []string, want string) bool {
	for _, s := range in {
		if s == want {
			return true
		}
	}
	return false
}
