package routetree

import (
	"testing"
)

func introspectionRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(nil)
	mustAttach(t, r, &testInstance{routes: []Route{
		{Path: "products", Handler: okHandler, Args: []ArgSpec{
			{Name: "category", Type: ArgString, Default: "all"},
		}, Meta: map[string]any{MetaDescription: "list products"}},
		{Path: "items/:id", Handler: okHandler, Args: []ArgSpec{
			{Name: "id", Type: ArgInt},
		}},
	}}, "shop")
	return r
}

func TestNodesTreeMode(t *testing.T) {
	r := introspectionRouter(t)

	v, err := r.Nodes("", ModeTree)
	if err != nil {
		t.Fatalf("Nodes failed: %v", err)
	}
	root, ok := v.(*NodeInfo)
	if !ok {
		t.Fatalf("expected *NodeInfo, got %T", v)
	}
	if len(root.Children) != 1 || root.Children[0].Name != "shop" {
		t.Fatalf("unexpected tree %+v", root)
	}

	shop := root.Children[0]
	names := map[string]bool{}
	for _, c := range shop.Children {
		names[c.Name] = true
	}
	if !names["products"] || !names["items"] {
		t.Errorf("shop children = %v", names)
	}
}

func TestNodesSubtree(t *testing.T) {
	r := introspectionRouter(t)

	v, err := r.Nodes("shop", ModeTree)
	if err != nil {
		t.Fatalf("Nodes failed: %v", err)
	}
	info := v.(*NodeInfo)
	if info.Name != "shop" {
		t.Errorf("expected shop root, got %q", info.Name)
	}

	if _, err := r.Nodes("ghost", ModeTree); err == nil {
		t.Error("unknown basepath should fail")
	}
}

func TestNodesFlatMode(t *testing.T) {
	r := introspectionRouter(t)

	v, err := r.Nodes("", ModeFlat)
	if err != nil {
		t.Fatalf("Nodes failed: %v", err)
	}
	flat := v.([]*NodeInfo)
	if len(flat) != 2 {
		t.Fatalf("expected 2 handler nodes, got %d", len(flat))
	}
	paths := map[string]bool{}
	for _, n := range flat {
		if !n.Handler {
			t.Errorf("flat mode should list only handlers, got %+v", n)
		}
		paths[n.Path] = true
	}
	if !paths["/shop/products"] || !paths["/shop/items/:id"] {
		t.Errorf("paths = %v", paths)
	}
}

func TestNodesOpenAPIMode(t *testing.T) {
	r := introspectionRouter(t)

	doc := r.OpenAPIDoc(APIInfo{Title: "Shop API", Version: "1.2.3", Servers: []string{"http://localhost:8000"}})
	if doc.Info.Title != "Shop API" || doc.Info.Version != "1.2.3" {
		t.Errorf("info = %+v", doc.Info)
	}
	if doc.Paths.Len() != 2 {
		t.Fatalf("expected 2 paths, got %d", doc.Paths.Len())
	}

	item := doc.Paths.Find("/shop/items/{id}")
	if item == nil || item.Get == nil {
		t.Fatal("parameterized path should use {id} syntax")
	}
	foundPathParam := false
	for _, p := range item.Get.Parameters {
		if p.Value.Name == "id" && p.Value.In == "path" {
			foundPathParam = true
		}
	}
	if !foundPathParam {
		t.Error("id should document as a path parameter")
	}

	products := doc.Paths.Find("/shop/products")
	if products == nil || products.Get == nil {
		t.Fatal("products path missing")
	}
	if products.Get.Summary != "list products" {
		t.Errorf("summary = %q", products.Get.Summary)
	}
}

func TestIntrospectionDoesNotMutate(t *testing.T) {
	r := introspectionRouter(t)

	before, err := r.Resolve(newReq("/shop/products"))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := r.Nodes("", ModeFlat); err != nil {
		t.Fatalf("Nodes failed: %v", err)
	}
	after, err := r.Resolve(newReq("/shop/products"))
	if err != nil {
		t.Fatalf("Resolve after introspection failed: %v", err)
	}
	if before.Node != after.Node {
		t.Error("introspection must not change resolution")
	}
}

func TestNodesUnknownMode(t *testing.T) {
	r := introspectionRouter(t)
	if _, err := r.Nodes("", IntrospectMode("bogus")); err == nil {
		t.Error("unknown mode should fail")
	}
}
