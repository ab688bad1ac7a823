// Package bus carries broadcast events between workers. Topics are
// flat strings; per topic and per publisher, a subscriber sees
// messages in publish order. Across topics nothing is guaranteed.
//
// The mem driver (gocloud.dev mempubsub) serves single-process
// deployments and tests; the redis driver fans out across processes
// over Redis PUB/SUB.
package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/metrics"
)

// Well-known topics. Per-user notification topics come from UserTopic.
const (
	TopicDBEvent   = "dbevent"
	TopicBroadcast = "system.broadcast"
)

// UserTopic returns the notification topic for one user.
func UserTopic(userID string) string {
	return "user." + userID + ".notify"
}

// Message is one delivered event.
type Message struct {
	Topic string
	Body  []byte
	Meta  map[string]string
}

// Handler consumes one message. Handlers run sequentially on the
// subscription's goroutine; a slow handler delays that subscription
// only. Panics are recovered and logged.
type Handler func(ctx context.Context, msg Message)

// Bus publishes and subscribes by topic.
type Bus interface {
	// Publish sends body to every current subscriber of topic.
	Publish(ctx context.Context, topic string, body []byte) error

	// Subscribe attaches h to topic until the subscription is closed.
	Subscribe(topic string, h Handler) (*Subscription, error)

	// Close stops every subscription and releases driver resources.
	Close(ctx context.Context) error
}

// New selects the driver from config. The redis driver shares the
// server's client.
func New(cfg config.BusConfig, rdb *redis.Client, log *zap.Logger, m *metrics.Metrics) (Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Driver {
	case "", "mem":
		return newMemBus(log, m), nil
	case "redis":
		if rdb == nil {
			return nil, errkind.New(errkind.NotAvailable, "bus_unconfigured", "redis bus requires a redis client")
		}
		return newRedisBus(rdb, log, m), nil
	default:
		return nil, errkind.Newf(errkind.Validation, "bad_driver", "unknown bus driver %q", cfg.Driver)
	}
}

// Subscription is one handler's standing attachment to a topic.
// Close stops the receive loop and waits for it to drain.
type Subscription struct {
	Topic string

	h       Handler
	log     *zap.Logger
	metrics *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSubscription(topic string, h Handler, log *zap.Logger, m *metrics.Metrics, cancel context.CancelFunc) *Subscription {
	return &Subscription{
		Topic:   topic,
		h:       h,
		log:     log,
		metrics: m,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Close detaches the handler. Idempotent; returns after the loop has
// exited, so no handler invocation outlives it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// deliver invokes the handler with panic isolation and records the
// delivery.
func (s *Subscription) deliver(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("bus handler panic",
				zap.String("topic", s.Topic),
				zap.Any("panic", r))
		}
	}()
	s.h(ctx, msg)
	if s.metrics != nil {
		s.metrics.BusDeliveredTotal.WithLabelValues(s.Topic).Inc()
	}
}
