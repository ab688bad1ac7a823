package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/execpool"
	"github.com/gantrylab/gantry/internal/pipeline"
	"github.com/gantrylab/gantry/internal/routetree"
	"github.com/gantrylab/gantry/internal/transport"
)

type testApp struct {
	routes []routetree.Route
}

func (a *testApp) Routes() []routetree.Route { return a.routes }

// fixture wires a registry, a router with a small shop app, and a
// chain with error translation, the way the server composes them.
type fixture struct {
	registry   *transport.Registry
	router     *routetree.Router
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, opts Options, apps map[string][]routetree.Route) *fixture {
	t.Helper()
	f := &fixture{
		registry: transport.NewRegistry(),
		router:   routetree.NewRouter(nil),
	}
	for name, routes := range apps {
		if err := f.router.AttachInstance(&testApp{routes: routes}, name); err != nil {
			t.Fatalf("AttachInstance(%s) failed: %v", name, err)
		}
	}
	opts.Registry = f.registry
	opts.Router = f.router
	if opts.Chain == nil {
		opts.Chain = pipeline.NewChain(
			pipeline.NewErrorTranslate(nil, nil, false),
			pipeline.NewRequestID(),
		)
	}
	f.dispatcher = New(opts)
	return f
}

func (f *fixture) get(t *testing.T, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodGet, path, "", header)
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.dispatcher.ServeHTTP(w, r)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var v map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("body is not a JSON object: %v (body %q)", err, w.Body.String())
	}
	return v
}

func listProducts(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
	return map[string]any{"products": []any{"anvil", "rope"}}, nil
}

func TestServeHTTPResolvesAndReplies(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{Path: "products", Handler: listProducts}},
	})

	w := f.get(t, "/shop/products", map[string]string{"X-Request-ID": "trace-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if got := w.Header().Get("X-Request-ID"); got != "trace-1" {
		t.Errorf("X-Request-ID = %q, want trace-1", got)
	}
	body := decodeJSON(t, w)
	if _, ok := body["products"]; !ok {
		t.Errorf("body = %v, want products key", body)
	}

	if n := f.registry.Len(); n != 0 {
		t.Errorf("registry still tracks %d requests after completion", n)
	}
}

func TestServeHTTPUnmatchedPath(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{Path: "products", Handler: listProducts}},
	})

	w := f.get(t, "/no/such/path", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := decodeJSON(t, w)
	if body["error"] != "not_found" {
		t.Errorf("error code = %v, want not_found", body["error"])
	}
}

// tagHeaderMW injects auth tags from a test header, standing in for
// the JWT middleware.
func tagHeaderMW() pipeline.Middleware {
	return pipeline.Named("test_tags", pipeline.OrderAuthJWT, func(next pipeline.Handler) pipeline.Handler {
		return func(ctx context.Context, req *transport.Request) error {
			if raw := req.Header.Get("X-Test-Tags"); raw != "" {
				req.AuthTags = append(req.AuthTags, strings.Split(raw, ",")...)
			}
			return next(ctx, req)
		}
	})
}

func TestAuthorizationLadder(t *testing.T) {
	chain := pipeline.NewChain(
		pipeline.NewErrorTranslate(nil, nil, false),
		tagHeaderMW(),
	)
	f := newFixture(t, Options{Chain: chain}, map[string][]routetree.Route{
		"shop": {{
			Path:    "admin/reports",
			Handler: listProducts,
			Meta:    map[string]any{routetree.MetaAuthTags: "admin"},
		}},
	})

	cases := []struct {
		name   string
		tags   string
		status int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"wrong tag", "user", http.StatusForbidden},
		{"admin", "user,admin", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hdr := map[string]string{}
			if tc.tags != "" {
				hdr["X-Test-Tags"] = tc.tags
			}
			w := f.get(t, "/shop/admin/reports", hdr)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d (body %q)", w.Code, tc.status, w.Body.String())
			}
		})
	}
}

func TestSyncHandlerRunsOnPoolWithoutCurrentRequest(t *testing.T) {
	pool := execpool.NewBlockingPool(2, 8, true, 0)
	pool.Start()
	defer pool.Stop(false)

	var sawCurrent bool
	f := newFixture(t, Options{Blocking: pool}, map[string][]routetree.Route{
		"shop": {{
			Path: "inventory",
			Sync: true,
			Handler: func(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
				_, sawCurrent = transport.Current(ctx)
				return map[string]any{"count": 7}, nil
			},
		}},
	})

	w := f.get(t, "/shop/inventory", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
	if sawCurrent {
		t.Error("current-request slot crossed the pool boundary")
	}
	body := decodeJSON(t, w)
	if body["count"] != float64(7) {
		t.Errorf("count = %v, want 7", body["count"])
	}
}

func TestSyncHandlerBeforePoolStart(t *testing.T) {
	pool := execpool.NewBlockingPool(2, 8, true, 0)
	f := newFixture(t, Options{Blocking: pool}, map[string][]routetree.Route{
		"shop": {{Path: "inventory", Sync: true, Handler: listProducts}},
	})

	w := f.get(t, "/shop/inventory", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	body := decodeJSON(t, w)
	if body["error"] != "not_started" {
		t.Errorf("error code = %v, want not_started", body["error"])
	}
}

func TestResultWrapperOverridesMediaType(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{
			Path: "report",
			Handler: func(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
				return &transport.Result{
					Value: "<h1>sales</h1>",
					Meta:  map[string]any{"media_type": "text/html"},
				}, nil
			},
		}},
	})

	w := f.get(t, "/shop/report", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if w.Body.String() != "<h1>sales</h1>" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestNodeMetaFlowsIntoResult(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{
			Path: "export",
			Handler: func(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
				return "sku,qty\nanvil,3\n", nil
			},
			Meta: map[string]any{"media_type": "text/csv", "cache_seconds": 60},
		}},
	})

	w := f.get(t, "/shop/export", nil)
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv from node meta", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "max-age=60" {
		t.Errorf("Cache-Control = %q, want max-age=60", cc)
	}
}

func TestBodySchemaValidation(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{
			Path: "orders",
			Handler: func(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
				return map[string]any{"status": "accepted"}, nil
			},
			Meta: map[string]any{routetree.MetaBodySchema: schema},
		}},
	})

	hdr := map[string]string{"Content-Type": "application/json"}

	w := f.do(t, http.MethodPost, "/shop/orders", `{"qty": 3}`, hdr)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing required field: status = %d, want 400 (body %q)", w.Code, w.Body.String())
	}
	body := decodeJSON(t, w)
	if body["error"] != "validation_error" {
		t.Errorf("error code = %v, want validation_error", body["error"])
	}

	w = f.do(t, http.MethodPost, "/shop/orders", `{"name": "anvil"}`, hdr)
	if w.Code != http.StatusOK {
		t.Errorf("valid body: status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
}

func TestPathArgsReachHandler(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{
			Path: "products/:id",
			Args: []routetree.ArgSpec{{Name: "id", Type: routetree.ArgInt, Required: true}},
			Handler: func(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
				return map[string]any{"id": args["id"]}, nil
			},
		}},
	})

	w := f.get(t, "/shop/products/42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
	if body := decodeJSON(t, w); body["id"] != float64(42) {
		t.Errorf("id = %v, want 42", body["id"])
	}

	w = f.get(t, "/shop/products/notanumber", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad arg: status = %d, want 400", w.Code)
	}
}

func TestHandlerPanicBecomes500(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{
			Path: "boom",
			Handler: func(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
				panic("kaput")
			},
		}},
	})

	w := f.get(t, "/shop/boom", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "kaput") {
		t.Errorf("panic detail leaked to client: %q", w.Body.String())
	}
}

func TestRequestTimeoutCancelsHandlerContext(t *testing.T) {
	f := newFixture(t, Options{RequestTimeout: 20 * time.Millisecond}, map[string][]routetree.Route{
		"shop": {{
			Path: "slow",
			Handler: func(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(2 * time.Second):
					return "too late", nil
				}
			},
		}},
	})

	w := f.get(t, "/shop/slow", nil)
	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408 (body %q)", w.Code, w.Body.String())
	}
}

func TestAppChainWrapsOnlyItsOwner(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{Path: "products", Handler: listProducts}},
		"blog": {{Path: "posts", Handler: listProducts}},
	})
	f.dispatcher.MountChain("shop", pipeline.NewChain(
		pipeline.Named("stamp", 10, func(next pipeline.Handler) pipeline.Handler {
			return func(ctx context.Context, req *transport.Request) error {
				req.Response.SetHeader("X-App", "shop")
				return next(ctx, req)
			}
		}),
	))

	if w := f.get(t, "/shop/products", nil); w.Header().Get("X-App") != "shop" {
		t.Error("app chain did not run for its own subtree")
	}
	if w := f.get(t, "/blog/posts", nil); w.Header().Get("X-App") != "" {
		t.Error("app chain leaked into another app's subtree")
	}
	if w := f.get(t, "/shop/missing", nil); w.Header().Get("X-App") != "" {
		t.Error("app chain ran for an unresolved path")
	}
}

func TestDispatchMessage(t *testing.T) {
	var gotParams any
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{
			Path: "products/:id",
			Args: []routetree.ArgSpec{{Name: "id", Type: routetree.ArgInt}},
			Handler: func(ctx context.Context, req *transport.Request, args routetree.BoundArgs) (any, error) {
				gotParams, _ = req.Payload()
				return map[string]any{"id": args["id"]}, nil
			},
		}},
	})

	resp := f.dispatcher.DispatchMessage(context.Background(), &transport.WSSource{
		MsgID:  "m1",
		Method: "/shop/products/5",
		Params: map[string]any{"expand": true},
	})
	if resp.Err() != nil {
		t.Fatalf("dispatch failed: %v", resp.Err())
	}
	if resp.RequestID != "m1" {
		t.Errorf("request id = %q, want m1", resp.RequestID)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.BodyBytes(), &body); err != nil {
		t.Fatalf("body decode: %v", err)
	}
	if body["id"] != float64(5) {
		t.Errorf("id = %v, want 5", body["id"])
	}
	if m, ok := gotParams.(map[string]any); !ok || m["expand"] != true {
		t.Errorf("handler payload = %#v, want the message params", gotParams)
	}

	resp = f.dispatcher.DispatchMessage(context.Background(), &transport.WSSource{
		MsgID:  "m2",
		Method: "/shop/nothing",
	})
	if errkind.KindOf(resp.Err()) != errkind.NotFound {
		t.Errorf("unknown method kind = %v, want NotFound", errkind.KindOf(resp.Err()))
	}

	if n := f.registry.Len(); n != 0 {
		t.Errorf("registry still tracks %d requests", n)
	}
}

func TestDispatchMessageCarriesSessionTags(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]routetree.Route{
		"shop": {{
			Path:    "admin/reports",
			Handler: listProducts,
			Meta:    map[string]any{routetree.MetaAuthTags: "admin"},
		}},
	})

	resp := f.dispatcher.DispatchMessage(context.Background(), &transport.WSSource{
		MsgID:  "m1",
		Method: "/shop/admin/reports",
	})
	if errkind.KindOf(resp.Err()) != errkind.NotAuthenticated {
		t.Errorf("anonymous kind = %v, want NotAuthenticated", errkind.KindOf(resp.Err()))
	}

	resp = f.dispatcher.DispatchMessage(context.Background(), &transport.WSSource{
		MsgID:    "m2",
		Method:   "/shop/admin/reports",
		AuthTags: []string{"admin"},
	})
	if resp.Err() != nil {
		t.Errorf("admin tags should pass, got %v", resp.Err())
	}
}
