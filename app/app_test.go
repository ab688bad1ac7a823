package app

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/routetree"
	"github.com/gantrylab/gantry/internal/transport"
)

var (
	_ App                   = (*Builder)(nil)
	_ Lifecycle             = (*Builder)(nil)
	_ MiddlewareProvider    = (*Builder)(nil)
	_ PluginProvider        = (*Builder)(nil)
	_ routetree.ParentAware = (*Builder)(nil)
)

func noopHandler(ctx context.Context, req *Request, args BoundArgs) (any, error) {
	return nil, nil
}

func TestBuilderDeclaresRoutes(t *testing.T) {
	products := func(ctx context.Context, req *Request, args BoundArgs) (any, error) {
		return map[string]any{"items": []any{}}, nil
	}

	b := New("shop").
		Route(Route{
			Path:    "products",
			Handler: products,
			Args:    []ArgSpec{{Name: "category", Type: ArgString, Default: "all"}},
		}).
		Handle("health", noopHandler)

	if b.Name() != "shop" {
		t.Errorf("Name = %q, want shop", b.Name())
	}
	routes := b.Routes()
	if len(routes) != 2 {
		t.Fatalf("Routes() returned %d routes, want 2", len(routes))
	}
	if routes[0].Path != "products" || len(routes[0].Args) != 1 {
		t.Errorf("first route = %+v", routes[0])
	}
	if routes[1].Path != "health" || routes[1].Handler == nil {
		t.Errorf("second route = %+v", routes[1])
	}
}

func TestBuilderAttachesToRouter(t *testing.T) {
	b := New("shop").Route(Route{
		Path:    "products",
		Handler: noopHandler,
	})

	r := routetree.NewRouter(nil)
	if err := r.AttachInstance(b, "shop"); err != nil {
		t.Fatalf("AttachInstance: %v", err)
	}

	req := transport.NewHTTPRequest(&transport.HTTPSource{
		Writer:  httptest.NewRecorder(),
		Request: httptest.NewRequest("GET", "/shop/products", nil),
	})
	res, err := r.Resolve(req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Node == nil || res.Node.Handler() == nil {
		t.Fatal("resolution has no handler node")
	}

	if !b.Parent().Valid() {
		t.Error("attach should hand the builder a parent back-reference")
	}
}

func TestBuilderStartupOrderAndAbort(t *testing.T) {
	var ran []string
	b := New("orders").
		WithStartup(func(ctx context.Context) error {
			ran = append(ran, "first")
			return nil
		}).
		WithStartup(func(ctx context.Context) error {
			ran = append(ran, "second")
			return errors.New("boom")
		}).
		WithStartup(func(ctx context.Context) error {
			ran = append(ran, "third")
			return nil
		})

	err := b.OnStartup(context.Background())
	if err == nil || err.Error() != "boom" {
		t.Fatalf("OnStartup error = %v, want boom", err)
	}
	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Errorf("hooks ran = %v, want [first second]", ran)
	}
}

func TestBuilderShutdownReversedAndComplete(t *testing.T) {
	var ran []string
	b := New("orders").
		WithShutdown(func(ctx context.Context) error {
			ran = append(ran, "first")
			return nil
		}).
		WithShutdown(func(ctx context.Context) error {
			ran = append(ran, "second")
			return errors.New("boom")
		}).
		WithShutdown(func(ctx context.Context) error {
			ran = append(ran, "third")
			return nil
		})

	err := b.OnShutdown(context.Background())
	if err == nil {
		t.Fatal("OnShutdown should surface the hook failure")
	}
	want := []string{"third", "second", "first"}
	if len(ran) != len(want) {
		t.Fatalf("hooks ran = %v, want %v", ran, want)
	}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("hooks ran = %v, want %v", ran, want)
		}
	}
}

func TestBuilderLifecycleWithoutHooks(t *testing.T) {
	b := New("empty")
	if err := b.OnStartup(context.Background()); err != nil {
		t.Errorf("OnStartup = %v, want nil", err)
	}
	if err := b.OnShutdown(context.Background()); err != nil {
		t.Errorf("OnShutdown = %v, want nil", err)
	}
}

func TestRegisterAndBuild(t *testing.T) {
	var gotKwargs map[string]any
	Register("test-register-shop", func(kwargs map[string]any) (App, error) {
		gotKwargs = kwargs
		return New("shop").Handle("products", noopHandler), nil
	})

	a, err := Build("test-register-shop", map[string]any{"currency": "EUR"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(a.Routes()) != 1 {
		t.Errorf("built app has %d routes, want 1", len(a.Routes()))
	}
	if gotKwargs["currency"] != "EUR" {
		t.Errorf("kwargs = %v, want currency EUR", gotKwargs)
	}

	found := false
	for _, name := range Registered() {
		if name == "test-register-shop" {
			found = true
		}
	}
	if !found {
		t.Error("Registered() should list the module")
	}
}

func TestBuildUnknownModule(t *testing.T) {
	_, err := Build("test-no-such-module", nil)
	if err == nil {
		t.Fatal("Build should fail for an unregistered module")
	}
	if errkind.KindOf(err) != errkind.NotFound {
		t.Errorf("kind = %v, want NotFound", errkind.KindOf(err))
	}
}

func TestBuildConstructorFailure(t *testing.T) {
	Register("test-broken-app", func(kwargs map[string]any) (App, error) {
		return nil, fmt.Errorf("bad kwargs")
	})

	_, err := Build("test-broken-app", nil)
	if err == nil {
		t.Fatal("Build should surface the constructor failure")
	}
	if errkind.KindOf(err) != errkind.Validation {
		t.Errorf("kind = %v, want Validation", errkind.KindOf(err))
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("test-dup-app", func(kwargs map[string]any) (App, error) {
		return New("dup"), nil
	})

	defer func() {
		if recover() == nil {
			t.Error("duplicate Register should panic")
		}
	}()
	Register("test-dup-app", func(kwargs map[string]any) (App, error) {
		return New("dup"), nil
	})
}

func TestDecodeKwargs(t *testing.T) {
	type opts struct {
		Currency string   `yaml:"currency"`
		TaxRate  float64  `yaml:"tax_rate"`
		Flags    []string `yaml:"flags"`
	}

	got, err := DecodeKwargs[opts](map[string]any{
		"currency": "EUR",
		"tax_rate": 0.19,
		"flags":    []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("DecodeKwargs: %v", err)
	}
	if got.Currency != "EUR" || got.TaxRate != 0.19 || len(got.Flags) != 2 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecodeKwargsTypeMismatch(t *testing.T) {
	type opts struct {
		TaxRate float64 `yaml:"tax_rate"`
	}

	_, err := DecodeKwargs[opts](map[string]any{"tax_rate": map[string]any{"nested": true}})
	if err == nil {
		t.Fatal("DecodeKwargs should fail on a type mismatch")
	}
	if errkind.KindOf(err) != errkind.Validation {
		t.Errorf("kind = %v, want Validation", errkind.KindOf(err))
	}
}
