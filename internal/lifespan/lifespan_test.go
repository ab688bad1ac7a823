package lifespan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gantrylab/gantry/internal/errkind"
)

func traceHook(name string, trace *[]string, startErr, stopErr error) Hook {
	return Hook{
		Name: name,
		OnStartup: func(ctx context.Context) error {
			*trace = append(*trace, "up:"+name)
			return startErr
		},
		OnShutdown: func(ctx context.Context) error {
			*trace = append(*trace, "down:"+name)
			return stopErr
		},
	}
}

func TestStartupOrderAndReverseShutdown(t *testing.T) {
	var trace []string
	m := New(nil)
	m.Register(traceHook("pools", &trace, nil, nil))
	m.Register(traceHook("tasks", &trace, nil, nil))
	m.Register(traceHook("shop", &trace, nil, nil))

	if err := m.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if !m.Running() {
		t.Error("Running() = false after startup")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	want := "up:pools,up:tasks,up:shop,down:shop,down:tasks,down:pools"
	if got := strings.Join(trace, ","); got != want {
		t.Errorf("trace = %s, want %s", got, want)
	}
}

func TestStartupFailureSkipsUnstartedHooks(t *testing.T) {
	var trace []string
	var events []Event
	m := New(nil)
	m.Notify(func(ev Event) { events = append(events, ev) })
	m.Register(traceHook("pools", &trace, nil, nil))
	m.Register(traceHook("broken", &trace, errors.New("no database"), nil))
	m.Register(traceHook("shop", &trace, nil, nil))

	err := m.Startup(context.Background())
	if errkind.KindOf(err) != errkind.NotStarted {
		t.Fatalf("Startup error kind = %v, want NotStarted", errkind.KindOf(err))
	}
	if len(events) != 1 || events[0].Name != EventStartupFailed {
		t.Fatalf("events = %v, want one startup.failed", events)
	}
	if !strings.Contains(events[0].Message, "no database") {
		t.Errorf("failure event message = %q, want the cause", events[0].Message)
	}

	// Unwinding touches only the started prefix: shop never started,
	// broken failed, pools gets its shutdown.
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	want := "up:pools,up:broken,down:pools"
	if got := strings.Join(trace, ","); got != want {
		t.Errorf("trace = %s, want %s", got, want)
	}
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var trace []string
	m := New(zap.New(core))
	m.Register(traceHook("pools", &trace, nil, nil))
	m.Register(traceHook("flaky", &trace, nil, errors.New("drain timeout")))
	m.Register(traceHook("shop", &trace, nil, nil))

	if err := m.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	err := m.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "drain timeout") {
		t.Errorf("Shutdown error = %v, want the flaky hook's error", err)
	}

	want := "up:pools,up:flaky,up:shop,down:shop,down:flaky,down:pools"
	if got := strings.Join(trace, ","); got != want {
		t.Errorf("trace = %s, want %s", got, want)
	}
	if logs.FilterMessage("shutdown hook failed").Len() != 1 {
		t.Error("shutdown hook failure should be logged")
	}
}

func TestLifecycleIsIdempotent(t *testing.T) {
	var trace []string
	var events []Event
	m := New(nil)
	m.Notify(func(ev Event) { events = append(events, ev) })
	m.Register(traceHook("pools", &trace, nil, nil))

	for i := 0; i < 3; i++ {
		if err := m.Startup(context.Background()); err != nil {
			t.Fatalf("Startup #%d failed: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := m.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown #%d failed: %v", i, err)
		}
	}

	if got := strings.Join(trace, ","); got != "up:pools,down:pools" {
		t.Errorf("trace = %s, duplicate signals must no-op", got)
	}
	if len(events) != 2 || events[0].Name != EventStartupComplete || events[1].Name != EventShutdownComplete {
		t.Errorf("events = %v, want startup.complete then shutdown.complete", events)
	}
}

func TestShutdownBeforeStartupIsNoop(t *testing.T) {
	var trace []string
	m := New(nil)
	m.Register(traceHook("pools", &trace, nil, nil))

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if len(trace) != 0 {
		t.Errorf("trace = %v, nothing should run", trace)
	}
}

func TestUptime(t *testing.T) {
	m := New(nil)
	if m.Uptime() != 0 {
		t.Error("Uptime before startup should be zero")
	}
	if err := m.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	if m.Uptime() <= 0 {
		t.Error("Uptime after startup should be positive")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if m.Uptime() != 0 {
		t.Error("Uptime after shutdown should be zero")
	}
}
