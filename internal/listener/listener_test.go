package listener

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newGroupFixture(t *testing.T, names ...string) (*Group, []*HTTP) {
	t.Helper()
	g := NewGroup(zap.NewNop())
	ls := make([]*HTTP, 0, len(names))
	for _, name := range names {
		l := New(Config{Name: name, Addr: "127.0.0.1:0", Handler: okHandler(name)})
		if err := g.Add(l); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
		ls = append(ls, l)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.StopAll(ctx)
	})
	return g, ls
}

func TestGroupAddRejectsDuplicateName(t *testing.T) {
	g, _ := newGroupFixture(t, "main")

	dup := New(Config{Name: "main", Addr: "127.0.0.1:0", Handler: okHandler("dup")})
	if err := g.Add(dup); err == nil {
		t.Fatal("Add should fail for a duplicate name")
	}
	if g.Len() != 1 {
		t.Errorf("Len = %d, want 1", g.Len())
	}
}

func TestGroupGet(t *testing.T) {
	g, ls := newGroupFixture(t, "main")

	got, ok := g.Get("main")
	if !ok {
		t.Fatal("Get(main) should find the listener")
	}
	if got != ls[0] {
		t.Error("Get returned a different listener")
	}

	if _, ok := g.Get("nope"); ok {
		t.Error("Get(nope) should report missing")
	}
}

func TestGroupNamesKeepRegistrationOrder(t *testing.T) {
	g, _ := newGroupFixture(t, "main", "admin", "debug")

	names := g.Names()
	want := []string{"main", "admin", "debug"}
	if len(names) != len(want) {
		t.Fatalf("Names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names = %v, want %v", names, want)
		}
	}
}

func TestGroupStartAllServesEveryListener(t *testing.T) {
	g, ls := newGroupFixture(t, "one", "two")

	if err := g.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	for _, l := range ls {
		status, body := get(t, l.Addr(), "/")
		if status != http.StatusOK {
			t.Errorf("listener %s: status = %d, want 200", l.Name(), status)
		}
		if body != l.Name() {
			t.Errorf("listener %s: body = %q", l.Name(), body)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
}

func TestGroupStartAllReportsBindFailure(t *testing.T) {
	blocker := New(Config{Name: "blocker", Addr: "127.0.0.1:0", Handler: okHandler("x")})
	if err := blocker.Start(); err != nil {
		t.Fatalf("Start blocker: %v", err)
	}
	defer blocker.Stop(context.Background())

	g, _ := newGroupFixture(t)
	busy := New(Config{Name: "busy", Addr: blocker.Addr(), Handler: okHandler("y")})
	if err := g.Add(busy); err != nil {
		t.Fatal(err)
	}

	err := g.StartAll()
	if err == nil {
		t.Fatal("StartAll should fail when a listener cannot bind")
	}
	if !strings.Contains(err.Error(), "busy") {
		t.Errorf("error should name the failing listener, got: %v", err)
	}
}

func TestGroupErrSurfacesServeFailure(t *testing.T) {
	g, ls := newGroupFixture(t, "flaky")
	if err := g.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	// Kill the accept socket out from under the serve loop.
	l := ls[0]
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	ln.Close()

	select {
	case err := <-g.Err():
		if err == nil {
			t.Fatal("Err delivered nil")
		}
		if !strings.Contains(err.Error(), "flaky") {
			t.Errorf("error should name the listener, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve failure never surfaced on Err")
	}
}

func TestGroupStartAllEmpty(t *testing.T) {
	g := NewGroup(nil)
	if err := g.StartAll(); err != nil {
		t.Errorf("StartAll with no listeners should not error, got: %v", err)
	}
}

func TestGroupStopAllEmpty(t *testing.T) {
	g := NewGroup(nil)
	if err := g.StopAll(context.Background()); err != nil {
		t.Errorf("StopAll with no listeners should not error, got: %v", err)
	}
}
