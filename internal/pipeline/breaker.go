package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/metrics"
	"github.com/gantrylab/gantry/internal/transport"
)

// BreakerParams configures the per-mount circuit breakers.
type BreakerParams struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// Breaker sheds load from a failing app: consecutive server faults
// open the circuit for its mount, later requests fail fast with
// NotAvailable until a half-open probe succeeds. Client errors never
// trip it.
type Breaker struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	settings BreakerParams
	metrics  *metrics.Metrics
}

// NewBreaker builds the breaker middleware.
func NewBreaker(p BreakerParams, m *metrics.Metrics) *Breaker {
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 5
	}
	if p.OpenTimeout <= 0 {
		p.OpenTimeout = 30 * time.Second
	}
	if p.HalfOpenRequests == 0 {
		p.HalfOpenRequests = 1
	}
	return &Breaker{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		settings: p,
		metrics:  m,
	}
}

func (b *Breaker) Name() string { return "breaker" }
func (b *Breaker) Order() int   { return OrderBreaker }

func (b *Breaker) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		cb := b.forMount(mountOf(req.Path))
		_, err := cb.Execute(func() (any, error) {
			return nil, next(ctx, req)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			if b.metrics != nil {
				b.metrics.BreakerOpenTotal.Inc()
			}
			return errkind.New(errkind.NotAvailable, "circuit_open", "service is shedding load").
				WithDetail("mount", mountOf(req.Path))
		}
		return err
	}
}

func (b *Breaker) forMount(mount string) *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[mount]; ok {
		return cb
	}
	threshold := b.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        mount,
		MaxRequests: b.settings.HalfOpenRequests,
		Timeout:     b.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !serverFault(err)
		},
	})
	b.breakers[mount] = cb
	return cb
}

// serverFault reports whether the error indicates the app itself is
// unhealthy, as opposed to the client being wrong.
func serverFault(err error) bool {
	if err == nil {
		return false
	}
	switch errkind.KindOf(err) {
	case errkind.Internal, errkind.NotAvailable, errkind.Timeout, errkind.Overloaded:
		return true
	default:
		return false
	}
}

// mountOf extracts the first path segment, the app mount name.
func mountOf(path string) string {
	p := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "root"
	}
	return p
}
