package pages

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gantrylab/gantry/internal/errkind"
)

func frames(p *Page) []string {
	var out []string
	for {
		select {
		case f, ok := <-p.Outbound():
			if !ok {
				return out
			}
			out = append(out, string(f.Data))
		default:
			return out
		}
	}
}

func TestSendAndDrain(t *testing.T) {
	p := NewPage("id1", "alice", 4, OverflowDropOldest, nil)
	for i := 0; i < 3; i++ {
		if err := p.Send(Frame{Data: []byte(fmt.Sprintf("f%d", i))}); err != nil {
			t.Fatalf("Send #%d failed: %v", i, err)
		}
	}
	got := frames(p)
	if len(got) != 3 || got[0] != "f0" || got[2] != "f2" {
		t.Errorf("frames = %v", got)
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	p := NewPage("id1", "alice", 2, OverflowDropOldest, nil)
	for i := 0; i < 4; i++ {
		if err := p.Send(Frame{Data: []byte(fmt.Sprintf("f%d", i))}); err != nil {
			t.Fatalf("Send #%d failed: %v", i, err)
		}
	}
	got := frames(p)
	if len(got) != 2 || got[0] != "f2" || got[1] != "f3" {
		t.Errorf("frames = %v, want the two newest", got)
	}
	if p.Closed() {
		t.Error("dropping non-critical frames must not close the page")
	}
}

func TestCriticalHeadClosesInsteadOfDropping(t *testing.T) {
	p := NewPage("id1", "alice", 1, OverflowDropOldest, nil)
	if err := p.Send(Frame{Data: []byte("must-arrive"), Critical: true}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	err := p.Send(Frame{Data: []byte("overflow")})
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("err = %v, want ErrSlowConsumer", err)
	}
	if !p.Closed() {
		t.Error("page should close rather than drop a critical frame")
	}
	if !errors.Is(p.CloseCause(), ErrSlowConsumer) {
		t.Errorf("CloseCause = %v, want ErrSlowConsumer", p.CloseCause())
	}
	if got := frames(p); len(got) != 1 || got[0] != "must-arrive" {
		t.Errorf("frames = %v, want the critical head intact", got)
	}
}

func TestOverflowClosePolicy(t *testing.T) {
	p := NewPage("id1", "alice", 1, OverflowClose, nil)
	if err := p.Send(Frame{Data: []byte("f0")}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	err := p.Send(Frame{Data: []byte("f1")})
	if !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("err = %v, want ErrSlowConsumer", err)
	}
	if !p.Closed() {
		t.Error("close policy should close the page on overflow")
	}
}

func TestSendAfterClose(t *testing.T) {
	p := NewPage("id1", "alice", 2, OverflowDropOldest, nil)
	p.Close()
	p.Close() // idempotent
	if p.CloseCause() != nil {
		t.Errorf("CloseCause = %v, want nil for an orderly close", p.CloseCause())
	}
	err := p.Send(Frame{Data: []byte("late")})
	if errkind.KindOf(err) != errkind.NotAvailable {
		t.Errorf("err kind = %v, want NotAvailable", errkind.KindOf(err))
	}
	if _, ok := <-p.Outbound(); ok {
		t.Error("outbound should be closed")
	}
}

func TestSubscriptionSet(t *testing.T) {
	p := NewPage("id1", "alice", 2, OverflowDropOldest, nil)
	p.Subscribe("prices")
	p.Subscribe("news")
	p.Subscribe("prices")
	if !p.Subscribed("prices") || !p.Subscribed("news") {
		t.Error("subscriptions missing")
	}
	if len(p.Subscriptions()) != 2 {
		t.Errorf("Subscriptions = %v", p.Subscriptions())
	}
	p.Unsubscribe("prices")
	if p.Subscribed("prices") {
		t.Error("unsubscribe did not remove the channel")
	}
}
