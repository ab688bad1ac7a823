package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/metrics"
)

// redisBus fans out over Redis PUB/SUB, one channel per topic. The
// client's PubSub handles reconnect and resubscribe internally, so the
// receive loop only drains the message channel.
type redisBus struct {
	rdb     *redis.Client
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func newRedisBus(rdb *redis.Client, log *zap.Logger, m *metrics.Metrics) *redisBus {
	return &redisBus{
		rdb:     rdb,
		log:     log,
		metrics: m,
		subs:    make(map[*Subscription]struct{}),
	}
}

func (b *redisBus) Publish(ctx context.Context, topic string, body []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errkind.New(errkind.NotAvailable, "bus_closed", "bus is closed")
	}
	if err := b.rdb.Publish(ctx, topic, body).Err(); err != nil {
		return errkind.Wrap(err, errkind.NotAvailable, "bus publish failed")
	}
	if b.metrics != nil {
		b.metrics.BusPublishedTotal.WithLabelValues(topic).Inc()
	}
	return nil
}

func (b *redisBus) Subscribe(topic string, h Handler) (*Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := b.rdb.Subscribe(ctx, topic)
	// The first Receive consumes the subscribe confirmation, so the
	// channel is live before Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, errkind.Wrap(err, errkind.NotAvailable, "subscribe "+topic)
	}

	s := newSubscription(topic, h, b.log, b.metrics, cancel)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = ps.Close()
		return nil, errkind.New(errkind.NotAvailable, "bus_closed", "bus is closed")
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go b.receiveLoop(ctx, s, ps)
	return s, nil
}

func (b *redisBus) receiveLoop(ctx context.Context, s *Subscription, ps *redis.PubSub) {
	defer close(s.done)
	defer func() {
		_ = ps.Close()
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}()

	ch := ps.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			s.deliver(ctx, Message{Topic: m.Channel, Body: []byte(m.Payload)})
		case <-ctx.Done():
			return
		}
	}
}

func (b *redisBus) Close(ctx context.Context) error {
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
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}
