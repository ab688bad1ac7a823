package pages

import (
	"strings"
	"sync"
	"testing"

	"github.com/gantrylab/gantry/internal/errkind"
)

func TestHomeIsStableAndBounded(t *testing.T) {
	s := NewStickyRouter(4, 0, nil)
	first := s.Home("alice")
	for i := 0; i < 10; i++ {
		if got := s.Home("alice"); got != first {
			t.Fatalf("Home(alice) changed: %d then %d", first, got)
		}
	}
	if first < 0 || first >= 4 {
		t.Errorf("Home(alice) = %d, out of range", first)
	}
}

func TestMintAndParsePageID(t *testing.T) {
	s := NewStickyRouter(4, 2, nil)
	id := s.MintPageID(2)
	if !strings.HasSuffix(id, "|p02") {
		t.Fatalf("minted id %q lacks the worker suffix", id)
	}
	base, worker, err := ParsePageID(id)
	if err != nil {
		t.Fatalf("ParsePageID failed: %v", err)
	}
	if worker != 2 {
		t.Errorf("worker = %d, want 2", worker)
	}
	if base == "" || strings.Contains(base, "|") {
		t.Errorf("base = %q", base)
	}
}

func TestParsePageIDRejectsMalformed(t *testing.T) {
	s := NewStickyRouter(2, 0, nil)
	valid := s.MintPageID(0)
	uuidPart := strings.SplitN(valid, "|", 2)[0]

	bad := []string{
		"",
		"nosuffix",
		"not-a-uuid|p01",
		uuidPart,
		uuidPart + "|x01",
		uuidPart + "|p",
		uuidPart + "|pXY",
		uuidPart + "|p-1",
	}
	for _, id := range bad {
		if _, _, err := ParsePageID(id); errkind.KindOf(err) != errkind.Protocol {
			t.Errorf("ParsePageID(%q) kind = %v, want Protocol", id, errkind.KindOf(err))
		}
	}
}

func TestEnsureLocalMintsForEmptyID(t *testing.T) {
	s := NewStickyRouter(3, 1, nil)
	id, relocated, err := s.EnsureLocal("alice", "")
	if err != nil {
		t.Fatalf("EnsureLocal failed: %v", err)
	}
	if relocated {
		t.Error("fresh page must not count as relocated")
	}
	if !strings.HasSuffix(id, "|p01") {
		t.Errorf("id = %q, want local suffix |p01", id)
	}
}

func TestEnsureLocalKeepsLocalID(t *testing.T) {
	s := NewStickyRouter(3, 1, nil)
	id := s.MintPageID(1)
	got, relocated, err := s.EnsureLocal("alice", id)
	if err != nil {
		t.Fatalf("EnsureLocal failed: %v", err)
	}
	if relocated || got != id {
		t.Errorf("got %q relocated=%v, want unchanged id", got, relocated)
	}
}

// A page owned by a dead worker comes back with a fresh local id and
// a different suffix.
func TestEnsureLocalRelocatesForeignPage(t *testing.T) {
	s := NewStickyRouter(3, 1, nil)
	stale := s.MintPageID(2)

	got, relocated, err := s.EnsureLocal("alice", stale)
	if err != nil {
		t.Fatalf("EnsureLocal failed: %v", err)
	}
	if !relocated {
		t.Fatal("foreign page should relocate")
	}
	if got == stale {
		t.Error("relocation must mint a new id")
	}
	if !strings.HasSuffix(got, "|p01") {
		t.Errorf("relocated id = %q, want local suffix |p01", got)
	}

	// A retry with the same stale id maps to the same replacement.
	again, relocated, err := s.EnsureLocal("alice", stale)
	if err != nil {
		t.Fatalf("EnsureLocal retry failed: %v", err)
	}
	if !relocated || again != got {
		t.Errorf("retry = %q relocated=%v, want %q true", again, relocated, got)
	}
}

func TestEnsureLocalRejectsMalformedID(t *testing.T) {
	s := NewStickyRouter(3, 1, nil)
	_, _, err := s.EnsureLocal("alice", "garbage")
	if errkind.KindOf(err) != errkind.Protocol {
		t.Errorf("kind = %v, want Protocol", errkind.KindOf(err))
	}
}

func TestConcurrentRelocationCollapses(t *testing.T) {
	s := NewStickyRouter(2, 0, nil)
	stale := s.MintPageID(1)

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			id, _, err := s.EnsureLocal("alice", stale)
			if err != nil {
				t.Errorf("EnsureLocal failed: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent relocations minted different ids: %q vs %q", ids[0], ids[i])
		}
	}
}

func TestSteerSkipsDownWorkers(t *testing.T) {
	s := NewStickyRouter(3, 0, nil)
	home := s.Home("alice")

	if got := s.Steer("alice"); got != home {
		t.Fatalf("Steer with all healthy = %d, want home %d", got, home)
	}

	s.MarkDown(home)
	got := s.Steer("alice")
	if got == home {
		t.Fatal("Steer returned a down worker")
	}
	if got != (home+1)%3 {
		t.Errorf("Steer = %d, want next healthy %d", got, (home+1)%3)
	}

	s.MarkUp(home)
	if got := s.Steer("alice"); got != home {
		t.Errorf("Steer after MarkUp = %d, want home %d", got, home)
	}
}
