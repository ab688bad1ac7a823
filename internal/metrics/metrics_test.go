package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("http", "/shop/products", 200, 15*time.Millisecond)
	m.ObserveRequest("http", "/shop/products", 200, 5*time.Millisecond)
	m.ObserveRequest("ws-msg", "/shop/products", 500, time.Millisecond)

	got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("http", "/shop/products", "200"))
	if got != 2 {
		t.Fatalf("requests_total = %v, want 2", got)
	}
	got = testutil.ToFloat64(m.RequestsTotal.WithLabelValues("ws-msg", "/shop/products", "500"))
	if got != 1 {
		t.Fatalf("requests_total ws = %v, want 1", got)
	}
}

func TestGaugeFunc(t *testing.T) {
	m := New()
	depth := 7
	m.GaugeFunc("blocking_queue_depth", "Queued blocking jobs.", func() float64 {
		return float64(depth)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "gantry_blocking_queue_depth 7") {
		t.Fatalf("exposition missing gauge func series:\n%s", rec.Body.String())
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.RequestsInFlight.Inc()
	m.WSSessions.Set(3)
	m.BusPublishedTotal.WithLabelValues("dbevent").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"gantry_requests_in_flight 1",
		"gantry_ws_sessions 3",
		`gantry_bus_published_total{topic="dbevent"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
