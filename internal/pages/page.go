// Package pages keeps long-lived per-user page state on the worker
// that owns it. A Page buffers outbound frames for one WebSocket
// connection; the Registry indexes pages by id and user and sweeps
// idle ones; the StickyRouter pins users to workers through the page
// id suffix.
package pages

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/metrics"
)

// Overflow policies for a full outbound queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowClose      = "close"
)

// Frame is one outbound unit. Critical frames are never dropped by
// the overflow policy; a queue that would have to drop one closes the
// connection instead. Binary selects the wire frame kind.
type Frame struct {
	Data     []byte
	Critical bool
	Binary   bool
}

// ErrPageClosed rejects sends to a closed page.
var ErrPageClosed = errkind.New(errkind.NotAvailable, "page_closed", "page is closed")

// ErrSlowConsumer reports that the overflow policy gave up on the
// connection. The protocol layer closes it with a policy-violation
// close code.
var ErrSlowConsumer = errkind.New(errkind.Overloaded, "slow_consumer", "outbound queue overflow")

// Page is the in-worker state for one connected page. Send may be
// called from any goroutine; exactly one writer drains Outbound.
type Page struct {
	ID   string
	User string

	policy  string
	metrics *metrics.Metrics

	mu       sync.Mutex
	outbound chan Frame
	closed   bool
	closeErr error
	subs     map[string]struct{}

	closeOnce sync.Once
	lastSeen  atomic.Int64 // unix nanos
}

// NewPage creates a page with a bounded outbound queue.
func NewPage(id, user string, queueDepth int, policy string, m *metrics.Metrics) *Page {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	if policy == "" {
		policy = OverflowDropOldest
	}
	p := &Page{
		ID:       id,
		User:     user,
		policy:   policy,
		metrics:  m,
		outbound: make(chan Frame, queueDepth),
		subs:     make(map[string]struct{}),
	}
	p.Touch()
	return p
}

// Outbound is the queue the connection's writer drains. It is closed
// exactly once, by Close.
func (p *Page) Outbound() <-chan Frame { return p.outbound }

// Send queues a frame. On a full queue the policy decides: drop_oldest
// pops the head to make room, unless the head is critical, in which
// case the page closes; close gives up immediately. The returned
// ErrSlowConsumer tells the caller the page closed underneath it.
func (p *Page) Send(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPageClosed
	}
	for {
		select {
		case p.outbound <- f:
			return nil
		default:
		}

		if p.policy == OverflowClose {
			p.closeErr = ErrSlowConsumer
			p.closeLocked()
			return ErrSlowConsumer
		}
		select {
		case old := <-p.outbound:
			if old.Critical {
				// Never drop a critical frame. Put it back (senders
				// are serialized here, so the slot is still free) and
				// close; it drains ahead of the close frame.
				p.outbound <- old
				p.closeErr = ErrSlowConsumer
				p.closeLocked()
				return ErrSlowConsumer
			}
			if p.metrics != nil {
				p.metrics.FramesDropped.Inc()
			}
		default:
			// The writer drained the queue between selects; retry.
		}
	}
}

// Close closes the outbound queue exactly once. Idempotent.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closeLocked()
		p.mu.Unlock()
	})
}

func (p *Page) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.outbound)
}

// Closed reports whether the page has been closed.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCause distinguishes overflow closes from orderly ones:
// ErrSlowConsumer when the overflow policy gave up on the consumer,
// nil otherwise. The queue drainer reads it after Outbound closes to
// pick the right close code.
func (p *Page) CloseCause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// Touch records activity for idle eviction.
func (p *Page) Touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

// LastActivity returns the most recent Touch time.
func (p *Page) LastActivity() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// Subscribe adds a channel to the page's subscription set.
func (p *Page) Subscribe(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[channel] = struct{}{}
}

// Unsubscribe removes a channel from the subscription set.
func (p *Page) Unsubscribe(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, channel)
}

// Subscribed reports whether the page listens on channel.
func (p *Page) Subscribed(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[channel]
	return ok
}

// Subscriptions snapshots the subscription set.
func (p *Page) Subscriptions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.subs))
	for ch := range p.subs {
		out = append(out, ch)
	}
	return out
}
