package pages

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/gantrylab/gantry/internal/errkind"
	"github.com/gantrylab/gantry/internal/metrics"
)

// relocCacheSize bounds the stale-id translation table. Entries only
// matter for the short window while a client still presents its old
// page id.
const relocCacheSize = 1024

// StickyRouter pins users to workers. A page id carries its owning
// worker in the |pNN suffix; hash(identity) mod N names the home
// worker, so the same user always lands on the same one while it is
// up. A page arriving at the wrong worker is rehydrated locally with
// a fresh id, once per concurrent burst.
type StickyRouter struct {
	workers int
	local   int
	metrics *metrics.Metrics

	group singleflight.Group
	reloc *lru.Cache[string, string]

	mu   sync.RWMutex
	down map[int]bool
}

// NewStickyRouter creates a router for a cluster of `workers` with
// this process serving index `local`.
func NewStickyRouter(workers, local int, m *metrics.Metrics) *StickyRouter {
	if workers < 1 {
		workers = 1
	}
	if local < 0 || local >= workers {
		local = 0
	}
	reloc, _ := lru.New[string, string](relocCacheSize)
	return &StickyRouter{
		workers: workers,
		local:   local,
		metrics: m,
		reloc:   reloc,
		down:    make(map[int]bool),
	}
}

// Workers returns the cluster size.
func (s *StickyRouter) Workers() int { return s.workers }

// LocalIndex returns this process's worker index.
func (s *StickyRouter) LocalIndex() int { return s.local }

// Home returns the worker a user's pages belong on.
func (s *StickyRouter) Home(identity string) int {
	return int(xxhash.Sum64String(identity) % uint64(s.workers))
}

// Steer returns the worker a user should connect to: home while it is
// healthy, otherwise the next healthy index. With everything down it
// returns home and lets the connection fail there.
func (s *StickyRouter) Steer(identity string) int {
	home := s.Home(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < s.workers; i++ {
		w := (home + i) % s.workers
		if !s.down[w] {
			return w
		}
	}
	return home
}

// MarkDown records a worker as unavailable for steering.
func (s *StickyRouter) MarkDown(worker int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[worker] = true
}

// MarkUp clears a worker's down mark.
func (s *StickyRouter) MarkUp(worker int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.down, worker)
}

// Healthy reports whether a worker is available for steering.
func (s *StickyRouter) Healthy(worker int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.down[worker]
}

// MintPageID issues a fresh page id owned by the given worker.
func (s *StickyRouter) MintPageID(worker int) string {
	return fmt.Sprintf("%s|p%02d", uuid.NewString(), worker)
}

// ParsePageID splits a page id into its uuid and worker index. Any
// deviation from <uuid>|pNN is a protocol error; ids come straight
// off the wire.
func ParsePageID(id string) (string, int, error) {
	i := strings.LastIndexByte(id, '|')
	if i < 0 || i+2 >= len(id) || id[i+1] != 'p' {
		return "", 0, errkind.Newf(errkind.Protocol, "bad_page_id", "malformed page id %q", id)
	}
	base, suffix := id[:i], id[i+2:]
	if _, err := uuid.Parse(base); err != nil {
		return "", 0, errkind.Newf(errkind.Protocol, "bad_page_id", "malformed page id %q", id)
	}
	worker, err := strconv.Atoi(suffix)
	if err != nil || worker < 0 {
		return "", 0, errkind.Newf(errkind.Protocol, "bad_page_id", "malformed page id %q", id)
	}
	return base, worker, nil
}

// EnsureLocal resolves the page id a connection should use on this
// worker. An empty id mints a fresh local page. An id owned elsewhere
// (its worker died or the cluster re-sharded) is rehydrated under a
// new local id; retries with the same stale id, concurrent or not,
// map to the same replacement. The relocated flag tells the protocol
// layer to send its one-time session.relocated notice.
func (s *StickyRouter) EnsureLocal(identity, pageID string) (string, bool, error) {
	if pageID == "" {
		return s.MintPageID(s.local), false, nil
	}
	_, worker, err := ParsePageID(pageID)
	if err != nil {
		return "", false, err
	}
	if worker == s.local {
		return pageID, false, nil
	}

	key := identity + "\x00" + pageID
	if newID, ok := s.reloc.Get(key); ok {
		return newID, true, nil
	}
	v, _, _ := s.group.Do(key, func() (any, error) {
		if newID, ok := s.reloc.Get(key); ok {
			return newID, nil
		}
		newID := s.MintPageID(s.local)
		s.reloc.Add(key, newID)
		if s.metrics != nil {
			s.metrics.PagesRelocated.Inc()
		}
		return newID, nil
	})
	return v.(string), true, nil
}
