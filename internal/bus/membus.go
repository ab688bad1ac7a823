package bus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // in-process driver

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/metrics"
)

// memBus runs on gocloud.dev's in-memory pubsub. Topics open lazily
// and live until Close; each subscription gets every message sent to
// its topic after it attached.
type memBus struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[*Subscription]struct{}
	closed bool
}

func newMemBus(log *zap.Logger, m *metrics.Metrics) *memBus {
	return &memBus{
		log:     log,
		metrics: m,
		topics:  make(map[string]*pubsub.Topic),
		subs:    make(map[*Subscription]struct{}),
	}
}

// topic opens mem://name once and caches it. The topic must exist
// before a subscription can attach to it.
func (b *memBus) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errkind.New(errkind.NotAvailable, "bus_closed", "bus is closed")
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := pubsub.OpenTopic(ctx, "mem://"+name)
	if err != nil {
		return nil, errkind.Wrap(err, errkind.Internal, "open topic "+name)
	}
	b.topics[name] = t
	return t, nil
}

func (b *memBus) Publish(ctx context.Context, topic string, body []byte) error {
	t, err := b.topic(ctx, topic)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, &pubsub.Message{Body: body}); err != nil {
		return errkind.Wrap(err, errkind.NotAvailable, "bus publish failed")
	}
	if b.metrics != nil {
		b.metrics.BusPublishedTotal.WithLabelValues(topic).Inc()
	}
	return nil
}

func (b *memBus) Subscribe(topic string, h Handler) (*Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := b.topic(ctx, topic); err != nil {
		cancel()
		return nil, err
	}
	sub, err := pubsub.OpenSubscription(ctx, "mem://"+topic)
	if err != nil {
		cancel()
		return nil, errkind.Wrap(err, errkind.Internal, "open subscription "+topic)
	}

	s := newSubscription(topic, h, b.log, b.metrics, cancel)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = sub.Shutdown(context.Background())
		return nil, errkind.New(errkind.NotAvailable, "bus_closed", "bus is closed")
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go b.receiveLoop(ctx, s, sub)
	return s, nil
}

// receiveLoop pulls messages until the subscription closes. Receive
// failures back off exponentially and reset on the next success, the
// handler runs before Ack so delivery is at-least-once.
func (b *memBus) receiveLoop(ctx context.Context, s *Subscription, sub *pubsub.Subscription) {
	defer close(s.done)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = sub.Shutdown(sctx)
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("bus receive failed",
				zap.String("topic", s.Topic),
				zap.Error(err))
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
		s.deliver(ctx, Message{Topic: s.Topic, Body: msg.Body, Meta: msg.Metadata})
		msg.Ack()
	}
}

func (b *memBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	topics := b.topics
	b.topics = map[string]*pubsub.Topic{}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	for name, t := range topics {
		if err := t.Shutdown(ctx); err != nil {
			b.log.Warn("topic shutdown failed",
				zap.String("topic", name),
				zap.Error(err))
		}
	}
	return nil
}
